package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"scripthub/pkg/domain"
)

const migrateLockID int64 = 82648264

// Internal sentinels used to unwind transactions for expected conditions.
// They never escape the package; callers see the (bool, error) contract.
var (
	errDuplicateRow      = errors.New("duplicate row")
	errInsufficientCoins = errors.New("insufficient coins")
	errNoEdge            = errors.New("no such edge")
	errPendingExists     = errors.New("pending request exists")
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
// TranslateError is enabled so unique-constraint violations surface as
// gorm.ErrDuplicatedKey, which the conditional mutations rely on.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&ScriptModel{},
			&EngagementEventModel{},
			&AccountModel{},
			&SubscriptionModel{},
			&FollowEdgeModel{},
			&RatingModel{},
			&ReportModel{},
			&VerificationRequestModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveScript inserts or updates a script row.
func (s *GormStore) SaveScript(script domain.Script) error {
	model := scriptToModel(script)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "description", "original_filename", "storage_key",
			"duration", "premium", "expires_at", "price", "updated_at",
		}),
	}).Create(&model).Error
}

// GetScript retrieves one script.
func (s *GormStore) GetScript(id string) (domain.Script, bool, error) {
	var model ScriptModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Script{}, false, nil
		}
		return domain.Script{}, false, err
	}
	return scriptFromModel(model), true, nil
}

// ListScripts returns listings matching the filter. Expired listings are
// excluded unless the filter asks for them; they are never deleted here.
func (s *GormStore) ListScripts(filter ScriptFilter, now time.Time) ([]domain.Script, error) {
	tx := s.db.Model(&ScriptModel{})
	if !filter.IncludeExpired {
		tx = tx.Where("expires_at IS NULL OR expires_at > ?", now)
	}
	if filter.Search != "" {
		tx = tx.Where("title ILIKE ?", "%"+filter.Search+"%")
	}
	if filter.Duration != "" {
		tx = tx.Where("duration = ?", string(filter.Duration))
	}
	if filter.OwnerID != "" {
		tx = tx.Where("owner_id = ?", filter.OwnerID)
	}
	switch filter.SortBy {
	case "trending":
		tx = tx.Order("views + downloads DESC")
	case "topViews":
		tx = tx.Order("views DESC")
	default:
		tx = tx.Order("created_at DESC")
	}
	var models []ScriptModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Script, 0, len(models))
	for _, m := range models {
		res = append(res, scriptFromModel(m))
	}
	return res, nil
}

// DeleteScript removes the script and everything hanging off it.
func (s *GormStore) DeleteScript(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&EngagementEventModel{}, "script_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&RatingModel{}, "script_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ReportModel{}, "script_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ScriptModel{}, "id = ?", id).Error
	})
}

// SetScanResult writes the scan outcome in one update.
func (s *GormStore) SetScanResult(id string, status domain.ScanStatus, hasManifest bool, report string) error {
	res := s.db.Model(&ScriptModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"scan_status":  string(status),
			"has_manifest": hasManifest,
			"scan_report":  report,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordEvent inserts the event and bumps the script counter transactionally.
// The (script,user,type) unique index does the dedup; the translated
// duplicate-key error is the benign already-recorded outcome.
func (s *GormStore) RecordEvent(ev domain.EngagementEvent) (bool, error) {
	model := eventToModel(ev)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateRow
			}
			return err
		}
		column := "views"
		if ev.Type == domain.EventDownload {
			column = "downloads"
		}
		return tx.Model(&ScriptModel{}).
			Where("id = ?", ev.ScriptID).
			UpdateColumn(column, gorm.Expr(column+" + 1")).Error
	})
	if errors.Is(err, errDuplicateRow) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountryBreakdown groups events of a script by country label.
func (s *GormStore) CountryBreakdown(scriptID string) (map[string]int64, error) {
	rows := []struct {
		Country string
		Total   int64
	}{}
	if err := s.db.Model(&EngagementEventModel{}).
		Select("country, COUNT(*) AS total").
		Where("script_id = ?", scriptID).
		Group("country").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Country] = r.Total
	}
	return out, nil
}

// CountOwnerEvents counts recent events across all of an owner's scripts.
func (s *GormStore) CountOwnerEvents(ownerID string, t domain.EventType, since time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&EngagementEventModel{}).
		Joins("JOIN script_models ON script_models.id = engagement_event_models.script_id").
		Where("script_models.owner_id = ?", ownerID).
		Where("engagement_event_models.type = ?", string(t)).
		Where("engagement_event_models.created_at >= ?", since).
		Count(&count).Error
	return count, err
}

// EnsureAccount creates the ledger row on first touch.
func (s *GormStore) EnsureAccount(userID string, now time.Time) error {
	model := AccountModel{
		UserID:     userID,
		TrustScore: 50,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// GetAccount returns a ledger account.
func (s *GormStore) GetAccount(userID string) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return accountFromModel(model), true, nil
}

// CreditCoins adds to the balance with a single increment expression.
func (s *GormStore) CreditCoins(userID string, amount int64) error {
	res := s.db.Model(&AccountModel{}).
		Where("user_id = ?", userID).
		UpdateColumn("coins", gorm.Expr("coins + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DebitCoins subtracts only when the balance covers the amount. The guard
// lives in the WHERE clause so concurrent debits can never go negative.
func (s *GormStore) DebitCoins(userID string, amount int64) (bool, error) {
	res := s.db.Model(&AccountModel{}).
		Where("user_id = ? AND coins >= ?", userID, amount).
		UpdateColumn("coins", gorm.Expr("coins - ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// PurchaseSubscription debits and writes the subscription row atomically.
func (s *GormStore) PurchaseSubscription(sub domain.Subscription, cost int64) (bool, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&AccountModel{}).
			Where("user_id = ? AND coins >= ?", sub.UserID, cost).
			UpdateColumn("coins", gorm.Expr("coins - ?", cost))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errInsufficientCoins
		}
		model := subscriptionToModel(sub)
		return tx.Create(&model).Error
	})
	if errors.Is(err, errInsufficientCoins) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestSubscription returns the newest subscription row for the user.
func (s *GormStore) LatestSubscription(userID string) (domain.Subscription, bool, error) {
	var model SubscriptionModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Subscription{}, false, nil
		}
		return domain.Subscription{}, false, err
	}
	return subscriptionFromModel(model), true, nil
}

// TransferCoins moves coins from buyer to seller in one transaction,
// crediting the seller's cumulative earnings alongside the balance.
func (s *GormStore) TransferCoins(buyerID, sellerID string, amount int64) (bool, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&AccountModel{}).
			Where("user_id = ? AND coins >= ?", buyerID, amount).
			UpdateColumn("coins", gorm.Expr("coins - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errInsufficientCoins
		}
		return tx.Model(&AccountModel{}).
			Where("user_id = ?", sellerID).
			UpdateColumns(map[string]any{
				"coins":          gorm.Expr("coins + ?", amount),
				"total_earnings": gorm.Expr("total_earnings + ?", amount),
			}).Error
	})
	if errors.Is(err, errInsufficientCoins) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateFollow inserts the edge and adjusts both counters transactionally.
func (s *GormStore) CreateFollow(followerID, followedID string) (bool, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		edge := FollowEdgeModel{
			FollowerID: followerID,
			FollowedID: followedID,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.Create(&edge).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateRow
			}
			return err
		}
		if err := tx.Model(&AccountModel{}).
			Where("user_id = ?", followedID).
			UpdateColumn("followers", gorm.Expr("followers + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&AccountModel{}).
			Where("user_id = ?", followerID).
			UpdateColumn("following", gorm.Expr("following + 1")).Error
	})
	if errors.Is(err, errDuplicateRow) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteFollow removes the edge and restores both counters transactionally.
func (s *GormStore) DeleteFollow(followerID, followedID string) (bool, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&FollowEdgeModel{}, "follower_id = ? AND followed_id = ?", followerID, followedID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoEdge
		}
		if err := tx.Model(&AccountModel{}).
			Where("user_id = ?", followedID).
			UpdateColumn("followers", gorm.Expr("followers - 1")).Error; err != nil {
			return err
		}
		return tx.Model(&AccountModel{}).
			Where("user_id = ?", followerID).
			UpdateColumn("following", gorm.Expr("following - 1")).Error
	})
	if errors.Is(err, errNoEdge) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertRating stores a rating; the (script,rater) unique index dedups.
func (s *GormStore) InsertRating(r domain.Rating) (bool, error) {
	model := ratingToModel(r)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RatingTotals sums stars over all ratings on the owner's scripts.
func (s *GormStore) RatingTotals(ownerID string) (int64, int64, error) {
	row := struct {
		Sum   int64
		Count int64
	}{}
	err := s.db.Model(&RatingModel{}).
		Select("COALESCE(SUM(rating_models.stars), 0) AS sum, COUNT(*) AS count").
		Joins("JOIN script_models ON script_models.id = rating_models.script_id").
		Where("script_models.owner_id = ?", ownerID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Sum, row.Count, nil
}

// SetTrustScore writes the recomputed score.
func (s *GormStore) SetTrustScore(userID string, score int) error {
	return s.db.Model(&AccountModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"trust_score": score,
			"updated_at":  time.Now().UTC(),
		}).Error
}

// InsertReport stores an abuse report.
func (s *GormStore) InsertReport(r domain.Report) error {
	model := reportToModel(r)
	return s.db.Create(&model).Error
}

// SetReportStatus advances a report through review.
func (s *GormStore) SetReportStatus(id string, status domain.ReportStatus) error {
	res := s.db.Model(&ReportModel{}).
		Where("id = ?", id).
		Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateVerificationRequest inserts unless a pending request exists. The
// owner's account row is locked first so two concurrent submissions cannot
// both pass the pending check.
func (s *GormStore) CreateVerificationRequest(v domain.VerificationRequest) (bool, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var account AccountModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&account, "user_id = ?", v.OwnerID).Error; err != nil {
			return err
		}
		var pending int64
		if err := tx.Model(&VerificationRequestModel{}).
			Where("owner_id = ? AND status = ?", v.OwnerID, string(domain.VerificationPending)).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return errPendingExists
		}
		model, err := verificationToModel(v)
		if err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
	if errors.Is(err, errPendingExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetVerificationRequest returns one request by ID.
func (s *GormStore) GetVerificationRequest(id string) (domain.VerificationRequest, bool, error) {
	var model VerificationRequestModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.VerificationRequest{}, false, nil
		}
		return domain.VerificationRequest{}, false, err
	}
	v, err := verificationFromModel(model)
	if err != nil {
		return domain.VerificationRequest{}, false, err
	}
	return v, true, nil
}

// DecideVerification stamps the decision and flips the verified flag on approval.
func (s *GormStore) DecideVerification(id string, status domain.VerificationStatus, decidedAt time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model VerificationRequestModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Model(&VerificationRequestModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":     string(status),
				"decided_at": decidedAt,
			}).Error; err != nil {
			return err
		}
		if status != domain.VerificationApproved {
			return nil
		}
		return tx.Model(&AccountModel{}).
			Where("user_id = ?", model.OwnerID).
			Updates(map[string]any{
				"verified":   true,
				"updated_at": decidedAt,
			}).Error
	})
}

// model <-> domain conversions

func scriptToModel(s domain.Script) ScriptModel {
	return ScriptModel{
		ID:               s.ID,
		OwnerID:          s.OwnerID,
		Title:            s.Title,
		Description:      s.Description,
		OriginalFilename: s.OriginalFilename,
		StorageKey:       s.StorageKey,
		ScanStatus:       string(s.ScanStatus),
		HasManifest:      s.HasManifest,
		ScanReport:       s.ScanReport,
		Duration:         string(s.Duration),
		Premium:          s.Premium,
		ExpiresAt:        s.ExpiresAt,
		Price:            s.Price,
		Views:            s.Views,
		Downloads:        s.Downloads,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func scriptFromModel(m ScriptModel) domain.Script {
	return domain.Script{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Title:            m.Title,
		Description:      m.Description,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		ScanStatus:       domain.ScanStatus(m.ScanStatus),
		HasManifest:      m.HasManifest,
		ScanReport:       m.ScanReport,
		Duration:         domain.ListingDuration(m.Duration),
		Premium:          m.Premium,
		ExpiresAt:        m.ExpiresAt,
		Price:            m.Price,
		Views:            m.Views,
		Downloads:        m.Downloads,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func eventToModel(e domain.EngagementEvent) EngagementEventModel {
	country := e.Country
	if country == "" {
		country = "Unknown"
	}
	return EngagementEventModel{
		ID:        e.ID,
		ScriptID:  e.ScriptID,
		UserID:    e.UserID,
		Type:      string(e.Type),
		Country:   country,
		CreatedAt: e.CreatedAt,
	}
}

func accountFromModel(m AccountModel) domain.Account {
	return domain.Account{
		UserID:        m.UserID,
		Coins:         m.Coins,
		TotalEarnings: m.TotalEarnings,
		Followers:     m.Followers,
		Following:     m.Following,
		Verified:      m.Verified,
		TrustScore:    m.TrustScore,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func subscriptionToModel(s domain.Subscription) SubscriptionModel {
	return SubscriptionModel{
		ID:        s.ID,
		UserID:    s.UserID,
		Tier:      string(s.Tier),
		ExpiresAt: s.ExpiresAt,
		CreatedAt: s.CreatedAt,
	}
}

func subscriptionFromModel(m SubscriptionModel) domain.Subscription {
	return domain.Subscription{
		ID:        m.ID,
		UserID:    m.UserID,
		Tier:      domain.SubscriptionTier(m.Tier),
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
	}
}

func ratingToModel(r domain.Rating) RatingModel {
	return RatingModel{
		ID:        r.ID,
		ScriptID:  r.ScriptID,
		RaterID:   r.RaterID,
		Stars:     r.Stars,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

func reportToModel(r domain.Report) ReportModel {
	return ReportModel{
		ID:          r.ID,
		ScriptID:    r.ScriptID,
		ReporterID:  r.ReporterID,
		Reason:      string(r.Reason),
		Description: r.Description,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
	}
}

func verificationToModel(v domain.VerificationRequest) (VerificationRequestModel, error) {
	snapshot, err := json.Marshal(v.Snapshot)
	if err != nil {
		return VerificationRequestModel{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return VerificationRequestModel{
		ID:        v.ID,
		OwnerID:   v.OwnerID,
		Status:    string(v.Status),
		Snapshot:  snapshot,
		CreatedAt: v.CreatedAt,
		DecidedAt: v.DecidedAt,
	}, nil
}

func verificationFromModel(m VerificationRequestModel) (domain.VerificationRequest, error) {
	var snapshot domain.MetricSnapshot
	if len(m.Snapshot) > 0 {
		if err := json.Unmarshal(m.Snapshot, &snapshot); err != nil {
			return domain.VerificationRequest{}, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	return domain.VerificationRequest{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Status:    domain.VerificationStatus(m.Status),
		Snapshot:  snapshot,
		CreatedAt: m.CreatedAt,
		DecidedAt: m.DecidedAt,
	}, nil
}
