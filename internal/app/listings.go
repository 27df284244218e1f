package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"scripthub/internal/util"
	"scripthub/pkg/domain"
	"scripthub/pkg/store"
)

// computeExpiry maps a listing duration to its lapse instant. Month listings
// do not lapse; they are gated on an active subscription instead.
func computeExpiry(duration domain.ListingDuration, now time.Time) *time.Time {
	switch duration {
	case domain.DurationDay:
		t := now.Add(24 * time.Hour)
		return &t
	case domain.DurationWeek:
		t := now.Add(7 * 24 * time.Hour)
		return &t
	default:
		return nil
	}
}

func (a *App) authorizeDuration(ownerID string, duration domain.ListingDuration, now time.Time) error {
	if !domain.ValidDuration(duration) {
		return ErrInvalidDuration
	}
	if duration != domain.DurationMonth {
		return nil
	}
	sub, found, err := a.store.LatestSubscription(ownerID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if !found || !sub.Active(now) {
		return ErrPremiumRequired
	}
	return nil
}

// CreateScript stores the artifact, inserts the pending listing and enqueues
// the safety scan. The artifact object is removed again if the row insert
// fails.
func (a *App) CreateScript(ctx context.Context, ownerID, title, description string, duration domain.ListingDuration, price int64, filename string, r io.Reader, size int64) (domain.Script, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Script{}, fmt.Errorf("title required")
	}
	if filename == "" {
		return domain.Script{}, fmt.Errorf("filename required")
	}
	if price < 0 {
		return domain.Script{}, fmt.Errorf("price cannot be negative")
	}
	now := time.Now().UTC()
	if err := a.authorizeDuration(ownerID, duration, now); err != nil {
		return domain.Script{}, err
	}
	if err := a.store.EnsureAccount(ownerID, now); err != nil {
		return domain.Script{}, fmt.Errorf("ensure account: %w", err)
	}

	id := util.NewID()
	storageKey := buildStorageKey(id, filename)
	script := domain.Script{
		ID:               id,
		OwnerID:          ownerID,
		Title:            title,
		Description:      strings.TrimSpace(description),
		OriginalFilename: filepath.Base(filename),
		StorageKey:       storageKey,
		ScanStatus:       domain.ScanPending,
		Duration:         duration,
		Premium:          duration == domain.DurationMonth,
		ExpiresAt:        computeExpiry(duration, now),
		Price:            price,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, storageKey, r, size, contentType); err != nil {
		return domain.Script{}, fmt.Errorf("save artifact: %w", err)
	}
	if err := a.store.SaveScript(script); err != nil {
		_ = a.objects.Delete(ctx, storageKey)
		return domain.Script{}, fmt.Errorf("save script: %w", err)
	}
	if err := a.Submit(ctx, id); err != nil {
		// The row stays pending; a later rescan recovers it.
		slog.Warn("scan enqueue failed", "script_id", id, "error", err)
	}
	return script, nil
}

// ListScripts returns visible listings, excluding lapsed ones.
func (a *App) ListScripts(filter store.ScriptFilter) ([]domain.Script, error) {
	return a.store.ListScripts(filter, time.Now().UTC())
}

// GetScript retrieves a script by ID.
func (a *App) GetScript(id string) (domain.Script, bool, error) {
	return a.store.GetScript(id)
}

// DownloadURL returns a short-lived presigned URL for the artifact.
func (a *App) DownloadURL(ctx context.Context, id string) (string, error) {
	script, found, err := a.store.GetScript(id)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	return a.objects.PresignGet(ctx, script.StorageKey, a.presignExpiry)
}

// DeleteScript removes the listing and its artifact. Only the owner may
// delete.
func (a *App) DeleteScript(ctx context.Context, id, requesterID string) error {
	script, found, err := a.store.GetScript(id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if script.OwnerID != requesterID {
		return ErrForbidden
	}
	if err := a.store.DeleteScript(id); err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	if err := a.objects.Delete(ctx, script.StorageKey); err != nil {
		slog.Warn("artifact delete failed", "script_id", id, "error", err)
	}
	return nil
}

func buildStorageKey(id, filename string) string {
	base := filepath.Base(filename)
	return path.Join("scripts", id, base)
}
