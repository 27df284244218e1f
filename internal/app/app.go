package app

import (
	"context"
	"fmt"
	"time"

	"scripthub/pkg/classifier"
	"scripthub/pkg/queue"
	"scripthub/pkg/storage"
	"scripthub/pkg/store"
)

// scanQueue is the fire-and-forget side of the scan job queue.
type scanQueue interface {
	Enqueue(ctx context.Context, scriptID string) (queue.JobStatus, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Objects        storage.ObjectStore
	Queue          scanQueue
	Classifier     classifier.Classifier

	// ScanFailClosed controls finalization when the classifier cannot answer.
	// The zero value fails open: the script is marked clean with an
	// explanatory report. Set true to leave it pending for another attempt.
	ScanFailClosed bool
	ScanTimeout    time.Duration
	PresignExpiry  time.Duration
	MaxUploadSize  int64
}

// App is the core application service wiring storage, the scan pipeline,
// the ledger and the reputation engine together.
type App struct {
	store      store.Store
	objects    storage.ObjectStore
	queue      scanQueue
	classifier classifier.Classifier

	scanFailClosed bool
	scanTimeout    time.Duration
	presignExpiry  time.Duration
	maxUploadSize  int64
}

// New constructs the application. Nil Store/Objects fields fall back to the
// Postgres and MinIO implementations built from the remaining config.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("scan queue required")
	}
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("classifier required")
	}

	scanTimeout := cfg.ScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = 30 * time.Second
	}
	presignExpiry := cfg.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = 5 * time.Minute
	}
	maxUploadSize := cfg.MaxUploadSize
	if maxUploadSize <= 0 {
		maxUploadSize = 100 << 20
	}

	return &App{
		store:          dataStore,
		objects:        objects,
		queue:          cfg.Queue,
		classifier:     cfg.Classifier,
		scanFailClosed: cfg.ScanFailClosed,
		scanTimeout:    scanTimeout,
		presignExpiry:  presignExpiry,
		maxUploadSize:  maxUploadSize,
	}, nil
}

// MaxUploadSize reports the artifact size limit enforced on uploads.
func (a *App) MaxUploadSize() int64 {
	return a.maxUploadSize
}
