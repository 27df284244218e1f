package app

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"scripthub/pkg/classifier"
	"scripthub/pkg/domain"
	"scripthub/pkg/queue"
)

// Manifest markers accepted by the structural pre-check. __resource.lua is
// the legacy name and still circulates in older archives.
var manifestMarkers = []string{"fxmanifest.lua", "__resource.lua"}

const (
	reportMissingManifest = "missing required manifest marker; rejected automatically."
	reportScanUnavailable = "automated scan could not complete; defaulted to clean."
)

// ScanOutcome is the terminal result of one safety scan.
type ScanOutcome struct {
	Status      domain.ScanStatus `json:"status"`
	HasManifest bool              `json:"hasManifest"`
	Report      string            `json:"report"`
}

// Submit enqueues a safety scan for the script and returns immediately.
func (a *App) Submit(ctx context.Context, scriptID string) error {
	_, err := a.queue.Enqueue(ctx, scriptID)
	if err != nil {
		return fmt.Errorf("enqueue scan: %w", err)
	}
	return nil
}

// ProcessScan is the queue worker body: it runs one scan bounded by the
// configured timeout and writes the terminal state. Errors are returned to
// the queue so it can retry.
func (a *App) ProcessScan(ctx context.Context, job queue.JobStatus) error {
	scanCtx, cancel := context.WithTimeout(ctx, a.scanTimeout)
	defer cancel()

	outcome, err := a.runScan(scanCtx, job.ScriptID)
	if err != nil {
		return err
	}
	slog.Info("scan finished",
		"script_id", job.ScriptID,
		"status", outcome.Status,
		"has_manifest", outcome.HasManifest,
		"attempt", job.Attempts)
	return nil
}

// Rescan runs the scan synchronously. It is safe alongside an in-flight
// queued job: both end in a single terminal write and the last one wins.
func (a *App) Rescan(ctx context.Context, scriptID string) (ScanOutcome, error) {
	scanCtx, cancel := context.WithTimeout(ctx, a.scanTimeout)
	defer cancel()
	return a.runScan(scanCtx, scriptID)
}

func (a *App) runScan(ctx context.Context, scriptID string) (ScanOutcome, error) {
	script, found, err := a.store.GetScript(scriptID)
	if err != nil {
		return ScanOutcome{}, fmt.Errorf("load script: %w", err)
	}
	if !found {
		return ScanOutcome{}, ErrNotFound
	}

	hasManifest, err := a.checkManifest(ctx, script.StorageKey)
	if err != nil {
		return ScanOutcome{}, fmt.Errorf("read artifact: %w", err)
	}

	// A script without the manifest marker is rejected before the classifier
	// ever sees it.
	if !hasManifest {
		outcome := ScanOutcome{
			Status:      domain.ScanInfected,
			HasManifest: false,
			Report:      reportMissingManifest,
		}
		return outcome, a.finalize(scriptID, outcome)
	}

	result, err := a.classifier.Classify(ctx, classifier.Request{
		Title:       script.Title,
		Description: script.Description,
		HasManifest: hasManifest,
	})
	if err != nil {
		if a.scanFailClosed {
			return ScanOutcome{}, fmt.Errorf("classify: %w", err)
		}
		slog.Warn("classifier unavailable, marking clean", "script_id", scriptID, "error", err)
		outcome := ScanOutcome{
			Status:      domain.ScanClean,
			HasManifest: true,
			Report:      reportScanUnavailable,
		}
		return outcome, a.finalize(scriptID, outcome)
	}

	outcome := ScanOutcome{
		Status:      result.Verdict,
		HasManifest: true,
		Report:      result.Report,
	}
	return outcome, a.finalize(scriptID, outcome)
}

func (a *App) finalize(scriptID string, outcome ScanOutcome) error {
	if err := a.store.SetScanResult(scriptID, outcome.Status, outcome.HasManifest, outcome.Report); err != nil {
		return fmt.Errorf("store scan result: %w", err)
	}
	return nil
}

// checkManifest fetches the artifact and looks for a manifest marker. Zip
// archives are checked entry by entry; anything else falls back to a raw
// byte search.
func (a *App) checkManifest(ctx context.Context, storageKey string) (bool, error) {
	rc, err := a.objects.Get(ctx, storageKey)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return false, err
	}
	return containsManifestMarker(data), nil
}

func containsManifestMarker(data []byte) bool {
	if zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data))); err == nil {
		for _, f := range zr.File {
			name := strings.ToLower(f.Name)
			for _, marker := range manifestMarkers {
				if name == marker || strings.HasSuffix(name, "/"+marker) {
					return true
				}
			}
		}
		return false
	}
	lower := bytes.ToLower(data)
	for _, marker := range manifestMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return true
		}
	}
	return false
}
