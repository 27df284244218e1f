package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"scripthub/pkg/domain"
)

type eventKey struct {
	scriptID string
	userID   string
	kind     string
}

type ratingKey struct {
	scriptID string
	raterID  string
}

type followKey struct {
	follower string
	followed string
}

// MemoryStore is an in-process Store used by tests. It mirrors the
// transactional semantics of the Postgres implementation under one mutex.
type MemoryStore struct {
	mu            sync.RWMutex
	scripts       map[string]domain.Script
	order         []string
	events        []domain.EngagementEvent
	eventDedup    map[eventKey]struct{}
	accounts      map[string]domain.Account
	subscriptions []domain.Subscription
	follows       map[followKey]struct{}
	ratings       map[ratingKey]domain.Rating
	reports       map[string]domain.Report
	verifications map[string]domain.VerificationRequest
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts:       make(map[string]domain.Script),
		eventDedup:    make(map[eventKey]struct{}),
		accounts:      make(map[string]domain.Account),
		follows:       make(map[followKey]struct{}),
		ratings:       make(map[ratingKey]domain.Rating),
		reports:       make(map[string]domain.Report),
		verifications: make(map[string]domain.VerificationRequest),
	}
}

func (m *MemoryStore) SaveScript(s domain.Script) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scripts[s.ID]; !exists {
		m.order = append(m.order, s.ID)
	}
	m.scripts[s.ID] = s
	return nil
}

func (m *MemoryStore) GetScript(id string) (domain.Script, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scripts[id]
	return s, ok, nil
}

func (m *MemoryStore) ListScripts(filter ScriptFilter, now time.Time) ([]domain.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Script, 0, len(m.order))
	for _, id := range m.order {
		s, ok := m.scripts[id]
		if !ok {
			continue
		}
		if !filter.IncludeExpired && s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(s.Title), strings.ToLower(filter.Search)) {
			continue
		}
		if filter.Duration != "" && s.Duration != filter.Duration {
			continue
		}
		if filter.OwnerID != "" && s.OwnerID != filter.OwnerID {
			continue
		}
		res = append(res, s)
	}
	switch filter.SortBy {
	case "trending":
		sort.SliceStable(res, func(i, j int) bool {
			return res[i].Views+res[i].Downloads > res[j].Views+res[j].Downloads
		})
	case "topViews":
		sort.SliceStable(res, func(i, j int) bool { return res[i].Views > res[j].Views })
	default:
		sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	}
	return res, nil
}

func (m *MemoryStore) DeleteScript(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scripts, id)
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.ScriptID != id {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	for k := range m.eventDedup {
		if k.scriptID == id {
			delete(m.eventDedup, k)
		}
	}
	for k := range m.ratings {
		if k.scriptID == id {
			delete(m.ratings, k)
		}
	}
	for rid, r := range m.reports {
		if r.ScriptID == id {
			delete(m.reports, rid)
		}
	}
	return nil
}

func (m *MemoryStore) SetScanResult(id string, status domain.ScanStatus, hasManifest bool, report string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scripts[id]
	if !ok {
		return ErrNotFound
	}
	s.ScanStatus = status
	s.HasManifest = hasManifest
	s.ScanReport = report
	s.UpdatedAt = time.Now().UTC()
	m.scripts[id] = s
	return nil
}

func (m *MemoryStore) RecordEvent(ev domain.EngagementEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.UserID != nil {
		key := eventKey{scriptID: ev.ScriptID, userID: *ev.UserID, kind: string(ev.Type)}
		if _, dup := m.eventDedup[key]; dup {
			return false, nil
		}
		m.eventDedup[key] = struct{}{}
	}
	if ev.Country == "" {
		ev.Country = "Unknown"
	}
	m.events = append(m.events, ev)
	s, ok := m.scripts[ev.ScriptID]
	if ok {
		if ev.Type == domain.EventDownload {
			s.Downloads++
		} else {
			s.Views++
		}
		m.scripts[ev.ScriptID] = s
	}
	return true, nil
}

func (m *MemoryStore) CountryBreakdown(scriptID string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	for _, ev := range m.events {
		if ev.ScriptID == scriptID {
			out[ev.Country]++
		}
	}
	return out, nil
}

func (m *MemoryStore) CountOwnerEvents(ownerID string, t domain.EventType, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, ev := range m.events {
		if ev.Type != t || ev.CreatedAt.Before(since) {
			continue
		}
		if s, ok := m.scripts[ev.ScriptID]; ok && s.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) EnsureAccount(userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; !ok {
		m.accounts[userID] = domain.Account{
			UserID:     userID,
			TrustScore: 50,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return nil
}

func (m *MemoryStore) GetAccount(userID string) (domain.Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	return a, ok, nil
}

func (m *MemoryStore) CreditCoins(userID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	a.Coins += amount
	m.accounts[userID] = a
	return nil
}

func (m *MemoryStore) DebitCoins(userID string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitLocked(userID, amount), nil
}

func (m *MemoryStore) debitLocked(userID string, amount int64) bool {
	a, ok := m.accounts[userID]
	if !ok || a.Coins < amount {
		return false
	}
	a.Coins -= amount
	m.accounts[userID] = a
	return true
}

func (m *MemoryStore) PurchaseSubscription(sub domain.Subscription, cost int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.debitLocked(sub.UserID, cost) {
		return false, nil
	}
	m.subscriptions = append(m.subscriptions, sub)
	return true, nil
}

func (m *MemoryStore) LatestSubscription(userID string) (domain.Subscription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest domain.Subscription
	found := false
	for _, sub := range m.subscriptions {
		if sub.UserID != userID {
			continue
		}
		if !found || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
			found = true
		}
	}
	return latest, found, nil
}

func (m *MemoryStore) TransferCoins(buyerID, sellerID string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.debitLocked(buyerID, amount) {
		return false, nil
	}
	seller, ok := m.accounts[sellerID]
	if !ok {
		seller = domain.Account{UserID: sellerID, TrustScore: 50}
	}
	seller.Coins += amount
	seller.TotalEarnings += amount
	m.accounts[sellerID] = seller
	return true, nil
}

func (m *MemoryStore) CreateFollow(followerID, followedID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := followKey{follower: followerID, followed: followedID}
	if _, dup := m.follows[key]; dup {
		return false, nil
	}
	m.follows[key] = struct{}{}
	m.adjustFollowLocked(followerID, followedID, 1)
	return true, nil
}

func (m *MemoryStore) DeleteFollow(followerID, followedID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := followKey{follower: followerID, followed: followedID}
	if _, ok := m.follows[key]; !ok {
		return false, nil
	}
	delete(m.follows, key)
	m.adjustFollowLocked(followerID, followedID, -1)
	return true, nil
}

func (m *MemoryStore) adjustFollowLocked(followerID, followedID string, delta int64) {
	if a, ok := m.accounts[followedID]; ok {
		a.Followers += delta
		m.accounts[followedID] = a
	}
	if a, ok := m.accounts[followerID]; ok {
		a.Following += delta
		m.accounts[followerID] = a
	}
}

func (m *MemoryStore) InsertRating(r domain.Rating) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ratingKey{scriptID: r.ScriptID, raterID: r.RaterID}
	if _, dup := m.ratings[key]; dup {
		return false, nil
	}
	m.ratings[key] = r
	return true, nil
}

func (m *MemoryStore) RatingTotals(ownerID string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum, count int64
	for _, r := range m.ratings {
		if s, ok := m.scripts[r.ScriptID]; ok && s.OwnerID == ownerID {
			sum += int64(r.Stars)
			count++
		}
	}
	return sum, count, nil
}

func (m *MemoryStore) SetTrustScore(userID string, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	a.TrustScore = score
	m.accounts[userID] = a
	return nil
}

func (m *MemoryStore) InsertReport(r domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = r
	return nil
}

func (m *MemoryStore) SetReportStatus(id string, status domain.ReportStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	m.reports[id] = r
	return nil
}

func (m *MemoryStore) CreateVerificationRequest(v domain.VerificationRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.verifications {
		if existing.OwnerID == v.OwnerID && existing.Status == domain.VerificationPending {
			return false, nil
		}
	}
	m.verifications[v.ID] = v
	return true, nil
}

func (m *MemoryStore) GetVerificationRequest(id string) (domain.VerificationRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.verifications[id]
	return v, ok, nil
}

func (m *MemoryStore) DecideVerification(id string, status domain.VerificationStatus, decidedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[id]
	if !ok {
		return ErrNotFound
	}
	v.Status = status
	v.DecidedAt = &decidedAt
	m.verifications[id] = v
	if status == domain.VerificationApproved {
		if a, ok := m.accounts[v.OwnerID]; ok {
			a.Verified = true
			m.accounts[v.OwnerID] = a
		}
	}
	return nil
}
