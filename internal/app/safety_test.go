package app

import (
	"context"
	"errors"
	"testing"

	"scripthub/pkg/classifier"
	"scripthub/pkg/domain"
	"scripthub/pkg/queue"
	"scripthub/pkg/storage"
	"scripthub/pkg/store"
)

func TestCreateScriptEnqueuesScan(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))

	if script.ScanStatus != domain.ScanPending {
		t.Fatalf("scan status = %q, want pending", script.ScanStatus)
	}
	if len(env.queue.enqueued) != 1 || env.queue.enqueued[0] != script.ID {
		t.Fatalf("expected one enqueued scan for %s, got %v", script.ID, env.queue.enqueued)
	}
}

func TestScanMissingManifestForcesInfected(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "server.lua", "client.lua"))

	outcome, err := env.app.Rescan(context.Background(), script.ID)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if outcome.Status != domain.ScanInfected {
		t.Fatalf("status = %q, want infected", outcome.Status)
	}
	if outcome.HasManifest {
		t.Fatalf("hasManifest = true, want false")
	}
	if outcome.Report != reportMissingManifest {
		t.Fatalf("report = %q", outcome.Report)
	}
	if env.classifier.calls != 0 {
		t.Fatalf("classifier called %d times for manifest-less script", env.classifier.calls)
	}

	stored, _, err := env.store.GetScript(script.ID)
	if err != nil {
		t.Fatalf("get script: %v", err)
	}
	if stored.ScanStatus != domain.ScanInfected || stored.ScanReport != reportMissingManifest {
		t.Fatalf("stored state = %q / %q", stored.ScanStatus, stored.ScanReport)
	}
}

func TestScanAcceptsNestedManifest(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "myscript/fxmanifest.lua"))

	outcome, err := env.app.Rescan(context.Background(), script.ID)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if !outcome.HasManifest {
		t.Fatalf("nested fxmanifest.lua not detected")
	}
}

func TestScanAcceptsLegacyManifestInRawArtifact(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", []byte("-- bundle\n__resource.lua contents here"))

	outcome, err := env.app.Rescan(context.Background(), script.ID)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if !outcome.HasManifest {
		t.Fatalf("raw-byte marker search missed __resource.lua")
	}
}

func TestScanStoresClassifierVerdictVerbatim(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.result = classifier.Result{Verdict: domain.ScanInfected, Report: "obfuscated remote eval in client.lua"}
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua", "client.lua"))

	outcome, err := env.app.Rescan(context.Background(), script.ID)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if outcome.Status != domain.ScanInfected {
		t.Fatalf("status = %q, want infected", outcome.Status)
	}
	if outcome.Report != "obfuscated remote eval in client.lua" {
		t.Fatalf("report = %q", outcome.Report)
	}
}

func TestScanFailOpenMarksCleanOnClassifierError(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.err = errors.New("upstream timeout")
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))

	outcome, err := env.app.Rescan(context.Background(), script.ID)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if outcome.Status != domain.ScanClean {
		t.Fatalf("status = %q, want clean", outcome.Status)
	}
	if outcome.Report != reportScanUnavailable {
		t.Fatalf("report = %q", outcome.Report)
	}
}

func TestScanPolicyDefaultsToFailOpen(t *testing.T) {
	memStore := store.NewMemoryStore()
	objects := storage.NewMemoryObjectStore()
	a, err := New(Config{
		Store:      memStore,
		Objects:    objects,
		Queue:      &fakeQueue{},
		Classifier: &fakeClassifier{err: errors.New("upstream timeout")},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env := &testEnv{app: a, store: memStore, objects: objects}
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))

	outcome, err := a.Rescan(context.Background(), script.ID)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if outcome.Status != domain.ScanClean {
		t.Fatalf("status = %q, want clean", outcome.Status)
	}
	stored, _, err := memStore.GetScript(script.ID)
	if err != nil {
		t.Fatalf("get script: %v", err)
	}
	if stored.ScanStatus != domain.ScanClean || stored.ScanReport != reportScanUnavailable {
		t.Fatalf("stored scan = %q / %q, want clean with unavailable report", stored.ScanStatus, stored.ScanReport)
	}
}

func TestScanFailClosedLeavesPending(t *testing.T) {
	env := newTestEnvWithPolicy(t, true)
	env.classifier.err = errors.New("upstream timeout")
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))

	if _, err := env.app.Rescan(context.Background(), script.ID); err == nil {
		t.Fatalf("expected rescan to surface the classifier error")
	}
	stored, _, err := env.store.GetScript(script.ID)
	if err != nil {
		t.Fatalf("get script: %v", err)
	}
	if stored.ScanStatus != domain.ScanPending {
		t.Fatalf("status = %q, want pending", stored.ScanStatus)
	}
}

func TestRescanMissingScript(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.app.Rescan(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestProcessScanWritesTerminalState(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))

	job := queue.JobStatus{ID: "job-1", ScriptID: script.ID, Attempts: 1}
	if err := env.app.ProcessScan(context.Background(), job); err != nil {
		t.Fatalf("process scan: %v", err)
	}
	stored, _, err := env.store.GetScript(script.ID)
	if err != nil {
		t.Fatalf("get script: %v", err)
	}
	if stored.ScanStatus != domain.ScanClean {
		t.Fatalf("status = %q, want clean", stored.ScanStatus)
	}
	if !stored.HasManifest {
		t.Fatalf("hasManifest not persisted")
	}
}
