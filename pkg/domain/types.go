package domain

import "time"

type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
)

type ListingDuration string

const (
	DurationDay   ListingDuration = "day"
	DurationWeek  ListingDuration = "week"
	DurationMonth ListingDuration = "month"
)

type EventType string

const (
	EventView     EventType = "view"
	EventDownload EventType = "download"
)

type SubscriptionTier string

const (
	TierFree      SubscriptionTier = "free"
	TierMonthly   SubscriptionTier = "monthly"
	TierQuarterly SubscriptionTier = "quarterly"
	TierYearly    SubscriptionTier = "yearly"
)

type ReportReason string

const (
	ReasonMalware ReportReason = "malware"
	ReasonStolen  ReportReason = "stolen"
	ReasonSpam    ReportReason = "spam"
	ReasonOther   ReportReason = "other"
)

type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportReviewed ReportStatus = "reviewed"
	ReportValid    ReportStatus = "valid"
	ReportInvalid  ReportStatus = "invalid"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// Script is a marketplace listing plus the artifact and scan state behind it.
type Script struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"ownerId"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	OriginalFilename string          `json:"originalFilename"`
	StorageKey       string          `json:"-"`
	ScanStatus       ScanStatus      `json:"scanStatus"`
	HasManifest      bool            `json:"hasManifest"`
	ScanReport       string          `json:"scanReport,omitempty"`
	Duration         ListingDuration `json:"duration"`
	Premium          bool            `json:"premium"`
	ExpiresAt        *time.Time      `json:"expiresAt,omitempty"`
	Price            int64           `json:"price"`
	Views            int64           `json:"views"`
	Downloads        int64           `json:"downloads"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// EngagementEvent records a single view or download. UserID is nil for
// anonymous visitors, which are never deduplicated against each other.
type EngagementEvent struct {
	ID        string    `json:"id"`
	ScriptID  string    `json:"scriptId"`
	UserID    *string   `json:"userId,omitempty"`
	Type      EventType `json:"type"`
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"createdAt"`
}

// Account is the per-user ledger row: coin balance, earnings and the social
// counters the reputation engine reads.
type Account struct {
	UserID        string    `json:"userId"`
	Coins         int64     `json:"coins"`
	TotalEarnings int64     `json:"totalEarnings"`
	Followers     int64     `json:"followers"`
	Following     int64     `json:"following"`
	Verified      bool      `json:"verified"`
	TrustScore    int       `json:"trustScore"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Subscription is one purchased tier period. The newest row per user wins.
type Subscription struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Tier      SubscriptionTier `json:"tier"`
	ExpiresAt time.Time        `json:"expiresAt"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Active reports whether the subscription covers the given instant.
func (s Subscription) Active(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

type Rating struct {
	ID        string    `json:"id"`
	ScriptID  string    `json:"scriptId"`
	RaterID   string    `json:"raterId"`
	Stars     int       `json:"stars"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Report struct {
	ID          string       `json:"id"`
	ScriptID    string       `json:"scriptId"`
	ReporterID  string       `json:"reporterId"`
	Reason      ReportReason `json:"reason"`
	Description string       `json:"description,omitempty"`
	Status      ReportStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// MetricSnapshot freezes the eligibility numbers at submission time.
type MetricSnapshot struct {
	Followers         int64 `json:"followers"`
	TrailingDownloads int64 `json:"trailingDownloads"`
	TrailingViews     int64 `json:"trailingViews"`
}

type VerificationRequest struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"ownerId"`
	Status    VerificationStatus `json:"status"`
	Snapshot  MetricSnapshot     `json:"snapshot"`
	CreatedAt time.Time          `json:"createdAt"`
	DecidedAt *time.Time         `json:"decidedAt,omitempty"`
}

func ValidReportReason(r ReportReason) bool {
	switch r {
	case ReasonMalware, ReasonStolen, ReasonSpam, ReasonOther:
		return true
	}
	return false
}

func ValidDuration(d ListingDuration) bool {
	switch d {
	case DurationDay, DurationWeek, DurationMonth:
		return true
	}
	return false
}

func ValidEventType(t EventType) bool {
	return t == EventView || t == EventDownload
}
