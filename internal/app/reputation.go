package app

import (
	"fmt"
	"math"
	"time"

	"scripthub/internal/util"
	"scripthub/pkg/domain"
)

const (
	minFollowers         = 500
	minTrailingDownloads = 5000
	minTrailingViews     = 10000

	// Bayesian damping for the trust score: an unrated creator sits at the
	// 3.0-star prior until real ratings pull the average around.
	trustPriorStars  = 3.0
	trustPriorWeight = 5.0
)

// Eligibility reports where a creator stands against the verification
// thresholds. The engagement numbers cover the trailing three months.
type Eligibility struct {
	Followers         int64 `json:"followers"`
	TrailingDownloads int64 `json:"trailingDownloads"`
	TrailingViews     int64 `json:"trailingViews"`
	MinFollowers      int64 `json:"minFollowers"`
	MinDownloads      int64 `json:"minDownloads"`
	MinViews          int64 `json:"minViews"`
	CanApply          bool  `json:"canApply"`
}

func trustScore(sum, count int64) int {
	avg := (trustPriorStars*trustPriorWeight + float64(sum)) / (trustPriorWeight + float64(count))
	score := int(math.Round(100 * (avg - 1) / 4))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RecomputeTrust rereads the owner's rating totals and stores the derived
// trust score.
func (a *App) RecomputeTrust(ownerID string) error {
	sum, count, err := a.store.RatingTotals(ownerID)
	if err != nil {
		return fmt.Errorf("rating totals: %w", err)
	}
	return a.store.SetTrustScore(ownerID, trustScore(sum, count))
}

// Rate stores a 1 to 5 star rating. A rater's second rating on the same
// script is ignored; a new rating refreshes the owner's trust score.
func (a *App) Rate(scriptID, raterID string, stars int, comment string) (bool, error) {
	if stars < 1 || stars > 5 {
		return false, ErrInvalidRating
	}
	script, found, err := a.store.GetScript(scriptID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrNotFound
	}
	rating := domain.Rating{
		ID:        util.NewID(),
		ScriptID:  scriptID,
		RaterID:   raterID,
		Stars:     stars,
		Comment:   comment,
		CreatedAt: time.Now().UTC(),
	}
	recorded, err := a.store.InsertRating(rating)
	if err != nil {
		return false, fmt.Errorf("insert rating: %w", err)
	}
	if !recorded {
		return false, nil
	}
	if err := a.store.EnsureAccount(script.OwnerID, time.Now().UTC()); err != nil {
		return true, fmt.Errorf("ensure account: %w", err)
	}
	if err := a.RecomputeTrust(script.OwnerID); err != nil {
		return true, err
	}
	return true, nil
}

// Follow creates the follow edge and adjusts both follower counters. A
// repeat follow returns false without touching anything.
func (a *App) Follow(followerID, followedID string) (bool, error) {
	if followerID == followedID {
		return false, ErrSelfFollow
	}
	now := time.Now().UTC()
	if err := a.store.EnsureAccount(followerID, now); err != nil {
		return false, fmt.Errorf("ensure follower account: %w", err)
	}
	if err := a.store.EnsureAccount(followedID, now); err != nil {
		return false, fmt.Errorf("ensure followed account: %w", err)
	}
	return a.store.CreateFollow(followerID, followedID)
}

// Unfollow removes the edge; removing a missing edge returns false.
func (a *App) Unfollow(followerID, followedID string) (bool, error) {
	if followerID == followedID {
		return false, ErrSelfFollow
	}
	return a.store.DeleteFollow(followerID, followedID)
}

// Profile returns the public account view for a user.
func (a *App) Profile(userID string) (domain.Account, error) {
	account, found, err := a.store.GetAccount(userID)
	if err != nil {
		return domain.Account{}, err
	}
	if !found {
		return domain.Account{}, ErrNotFound
	}
	return account, nil
}

// CheckEligibility measures the creator against the verification thresholds.
func (a *App) CheckEligibility(userID string) (Eligibility, error) {
	now := time.Now().UTC()
	if err := a.store.EnsureAccount(userID, now); err != nil {
		return Eligibility{}, fmt.Errorf("ensure account: %w", err)
	}
	account, found, err := a.store.GetAccount(userID)
	if err != nil {
		return Eligibility{}, err
	}
	if !found {
		return Eligibility{}, ErrNotFound
	}
	since := now.AddDate(0, -3, 0)
	downloads, err := a.store.CountOwnerEvents(userID, domain.EventDownload, since)
	if err != nil {
		return Eligibility{}, fmt.Errorf("count downloads: %w", err)
	}
	views, err := a.store.CountOwnerEvents(userID, domain.EventView, since)
	if err != nil {
		return Eligibility{}, fmt.Errorf("count views: %w", err)
	}
	elig := Eligibility{
		Followers:         account.Followers,
		TrailingDownloads: downloads,
		TrailingViews:     views,
		MinFollowers:      minFollowers,
		MinDownloads:      minTrailingDownloads,
		MinViews:          minTrailingViews,
	}
	elig.CanApply = elig.Followers >= minFollowers &&
		elig.TrailingDownloads >= minTrailingDownloads &&
		elig.TrailingViews >= minTrailingViews
	return elig, nil
}

// RequestVerification opens a verification request if the creator qualifies
// and has none pending. The qualifying numbers are frozen on the request.
func (a *App) RequestVerification(userID string) (domain.VerificationRequest, error) {
	elig, err := a.CheckEligibility(userID)
	if err != nil {
		return domain.VerificationRequest{}, err
	}
	if !elig.CanApply {
		return domain.VerificationRequest{}, ErrRequirementsNotMet
	}
	req := domain.VerificationRequest{
		ID:      util.NewID(),
		OwnerID: userID,
		Status:  domain.VerificationPending,
		Snapshot: domain.MetricSnapshot{
			Followers:         elig.Followers,
			TrailingDownloads: elig.TrailingDownloads,
			TrailingViews:     elig.TrailingViews,
		},
		CreatedAt: time.Now().UTC(),
	}
	created, err := a.store.CreateVerificationRequest(req)
	if err != nil {
		return domain.VerificationRequest{}, fmt.Errorf("create verification request: %w", err)
	}
	if !created {
		return domain.VerificationRequest{}, ErrAlreadyPending
	}
	return req, nil
}

// ReviewVerification records the admin decision. Approval marks the account
// verified.
func (a *App) ReviewVerification(requestID string, approve bool) error {
	req, found, err := a.store.GetVerificationRequest(requestID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if req.Status != domain.VerificationPending {
		return fmt.Errorf("verification request already decided")
	}
	status := domain.VerificationRejected
	if approve {
		status = domain.VerificationApproved
	}
	return a.store.DecideVerification(requestID, status, time.Now().UTC())
}

// ReportScript files a content report against a script.
func (a *App) ReportScript(scriptID, reporterID string, reason domain.ReportReason, description string) (domain.Report, error) {
	if !domain.ValidReportReason(reason) {
		return domain.Report{}, ErrInvalidReason
	}
	_, found, err := a.store.GetScript(scriptID)
	if err != nil {
		return domain.Report{}, err
	}
	if !found {
		return domain.Report{}, ErrNotFound
	}
	report := domain.Report{
		ID:          util.NewID(),
		ScriptID:    scriptID,
		ReporterID:  reporterID,
		Reason:      reason,
		Description: description,
		Status:      domain.ReportPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.InsertReport(report); err != nil {
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	return report, nil
}

// ReviewReport records the moderation outcome for a report.
func (a *App) ReviewReport(reportID string, status domain.ReportStatus) error {
	switch status {
	case domain.ReportReviewed, domain.ReportValid, domain.ReportInvalid:
	default:
		return fmt.Errorf("invalid report status %q", status)
	}
	return a.store.SetReportStatus(reportID, status)
}
