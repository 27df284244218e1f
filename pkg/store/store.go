package store

import (
	"errors"
	"time"

	"scripthub/pkg/domain"
)

// ErrNotFound is returned by mutations that target a missing row. Lookups
// report absence through their bool return instead.
var ErrNotFound = errors.New("record not found")

// ScriptFilter narrows and orders listing queries.
type ScriptFilter struct {
	Search   string
	Duration domain.ListingDuration
	SortBy   string // "recent" (default), "trending", "topViews"
	OwnerID  string
	// IncludeExpired keeps lapsed listings in the result. Listing queries
	// exclude them by default; owner dashboards set this.
	IncludeExpired bool
}

// Store defines persistence for scripts, engagement, the ledger and reputation.
//
// Conditional mutations return a bool instead of an error when the condition
// fails: a duplicate engagement event, an underfunded debit or a duplicate
// follow edge is an expected outcome, not a fault. Every multi-row mutation
// runs inside a single storage transaction.
type Store interface {
	// scripts
	SaveScript(domain.Script) error
	GetScript(id string) (domain.Script, bool, error)
	ListScripts(filter ScriptFilter, now time.Time) ([]domain.Script, error)
	DeleteScript(id string) error
	// SetScanResult writes the terminal scan state. It is a single update so
	// that a rescan racing an in-flight scan still leaves a terminal state.
	SetScanResult(id string, status domain.ScanStatus, hasManifest bool, report string) error

	// engagement
	// RecordEvent inserts the event and bumps the matching script counter in
	// one transaction. A (script,user,type) duplicate returns (false, nil)
	// and touches nothing.
	RecordEvent(domain.EngagementEvent) (bool, error)
	CountryBreakdown(scriptID string) (map[string]int64, error)
	// CountOwnerEvents counts events of the given type across every script
	// owned by ownerID with created_at >= since.
	CountOwnerEvents(ownerID string, t domain.EventType, since time.Time) (int64, error)

	// ledger
	EnsureAccount(userID string, now time.Time) error
	GetAccount(userID string) (domain.Account, bool, error)
	CreditCoins(userID string, amount int64) error
	// DebitCoins subtracts atomically; (false, nil) when the balance is short.
	DebitCoins(userID string, amount int64) (bool, error)
	// PurchaseSubscription debits cost and inserts the subscription row in one
	// transaction; (false, nil) on insufficient funds, nothing written.
	PurchaseSubscription(sub domain.Subscription, cost int64) (bool, error)
	LatestSubscription(userID string) (domain.Subscription, bool, error)
	// TransferCoins moves amount from buyer to seller, crediting the seller's
	// balance and cumulative earnings; (false, nil) on insufficient funds.
	TransferCoins(buyerID, sellerID string, amount int64) (bool, error)

	// reputation
	// CreateFollow inserts the edge and adjusts both accounts' counters in one
	// transaction; a duplicate edge returns (false, nil).
	CreateFollow(followerID, followedID string) (bool, error)
	DeleteFollow(followerID, followedID string) (bool, error)
	// InsertRating stores a rating; a (script,rater) duplicate returns (false, nil).
	InsertRating(domain.Rating) (bool, error)
	// RatingTotals sums stars over every rating on the owner's scripts.
	RatingTotals(ownerID string) (sum int64, count int64, err error)
	SetTrustScore(userID string, score int) error
	InsertReport(domain.Report) error
	SetReportStatus(id string, status domain.ReportStatus) error

	// verification
	// CreateVerificationRequest inserts unless a pending request already
	// exists for the owner; (false, nil) when one does.
	CreateVerificationRequest(domain.VerificationRequest) (bool, error)
	GetVerificationRequest(id string) (domain.VerificationRequest, bool, error)
	// DecideVerification stamps the decision and, on approval, flags the
	// owner's account verified in the same transaction.
	DecideVerification(id string, status domain.VerificationStatus, decidedAt time.Time) error
}
