package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ScriptModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	Title            string `gorm:"not null"`
	Description      string `gorm:"type:text;not null"`
	OriginalFilename string `gorm:"not null"`
	StorageKey       string
	ScanStatus       string `gorm:"not null;default:pending"`
	HasManifest      bool   `gorm:"not null;default:false"`
	ScanReport       string `gorm:"type:text"`
	Duration         string `gorm:"not null"`
	Premium          bool   `gorm:"not null;default:false"`
	ExpiresAt        *time.Time `gorm:"index"`
	Price            int64      `gorm:"not null;default:0"`
	Views            int64      `gorm:"not null;default:0"`
	Downloads        int64      `gorm:"not null;default:0"`
	CreatedAt        time.Time  `gorm:"not null;index"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

// EngagementEventModel carries the dedup constraint: one row per
// (script, user, type). UserID stays NULL for anonymous events, and Postgres
// treats NULLs as distinct, so anonymous traffic always inserts.
type EngagementEventModel struct {
	ID        string  `gorm:"primaryKey"`
	ScriptID  string  `gorm:"not null;uniqueIndex:idx_event_dedup;index"`
	UserID    *string `gorm:"uniqueIndex:idx_event_dedup"`
	Type      string  `gorm:"not null;uniqueIndex:idx_event_dedup"`
	Country   string  `gorm:"not null;default:Unknown"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type AccountModel struct {
	UserID        string `gorm:"primaryKey"`
	Coins         int64  `gorm:"not null;default:0"`
	TotalEarnings int64  `gorm:"not null;default:0"`
	Followers     int64  `gorm:"not null;default:0"`
	Following     int64  `gorm:"not null;default:0"`
	Verified      bool   `gorm:"not null;default:false"`
	TrustScore    int    `gorm:"not null;default:50"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

type SubscriptionModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Tier      string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type FollowEdgeModel struct {
	FollowerID string    `gorm:"primaryKey"`
	FollowedID string    `gorm:"primaryKey"`
	CreatedAt  time.Time `gorm:"not null"`
}

type RatingModel struct {
	ID        string `gorm:"primaryKey"`
	ScriptID  string `gorm:"not null;uniqueIndex:idx_rating_dedup;index"`
	RaterID   string `gorm:"not null;uniqueIndex:idx_rating_dedup"`
	Stars     int    `gorm:"not null"`
	Comment   string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
}

type ReportModel struct {
	ID          string `gorm:"primaryKey"`
	ScriptID    string `gorm:"not null;index"`
	ReporterID  string `gorm:"not null"`
	Reason      string `gorm:"not null"`
	Description string `gorm:"type:text"`
	Status      string `gorm:"not null;default:pending"`
	CreatedAt   time.Time `gorm:"not null"`
}

type VerificationRequestModel struct {
	ID        string         `gorm:"primaryKey"`
	OwnerID   string         `gorm:"not null;index"`
	Status    string         `gorm:"not null;default:pending;index"`
	Snapshot  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
	DecidedAt *time.Time
}
