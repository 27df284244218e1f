package app

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"scripthub/pkg/classifier"
	"scripthub/pkg/domain"
	"scripthub/pkg/queue"
	"scripthub/pkg/storage"
	"scripthub/pkg/store"
)

type fakeClassifier struct {
	result classifier.Result
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(_ context.Context, _ classifier.Request) (classifier.Result, error) {
	f.calls++
	if f.err != nil {
		return classifier.Result{}, f.err
	}
	return f.result, nil
}

type fakeQueue struct {
	enqueued []string
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, scriptID string) (queue.JobStatus, error) {
	if f.err != nil {
		return queue.JobStatus{}, f.err
	}
	f.enqueued = append(f.enqueued, scriptID)
	return queue.JobStatus{ID: "job-" + scriptID, ScriptID: scriptID, Status: queue.StatusQueued}, nil
}

type testEnv struct {
	app        *App
	store      *store.MemoryStore
	objects    *storage.MemoryObjectStore
	classifier *fakeClassifier
	queue      *fakeQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPolicy(t, false)
}

func newTestEnvWithPolicy(t *testing.T, failClosed bool) *testEnv {
	t.Helper()
	env := &testEnv{
		store:      store.NewMemoryStore(),
		objects:    storage.NewMemoryObjectStore(),
		classifier: &fakeClassifier{result: classifier.Result{Verdict: domain.ScanClean, Report: "No issues found."}},
		queue:      &fakeQueue{},
	}
	a, err := New(Config{
		Store:          env.store,
		Objects:        env.objects,
		Queue:          env.queue,
		Classifier:     env.classifier,
		ScanFailClosed: failClosed,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = a
	return env
}

func zipWithFiles(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte("print('ok')\n")); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// seedScript creates a week listing with the given artifact bytes.
func seedScript(t *testing.T, env *testEnv, ownerID string, artifact []byte) domain.Script {
	t.Helper()
	return seedScriptPriced(t, env, ownerID, artifact, 0)
}

func seedScriptPriced(t *testing.T, env *testEnv, ownerID string, artifact []byte, price int64) domain.Script {
	t.Helper()
	script, err := env.app.CreateScript(context.Background(), ownerID,
		"Test Script", "a script", domain.DurationWeek, price,
		"script.zip", bytes.NewReader(artifact), int64(len(artifact)))
	if err != nil {
		t.Fatalf("create script: %v", err)
	}
	return script
}

func mustCredit(t *testing.T, env *testEnv, userID string, amount int64) {
	t.Helper()
	if err := env.app.Credit(userID, amount); err != nil {
		t.Fatalf("credit %s: %v", userID, err)
	}
}

func strPtr(s string) *string { return &s }
