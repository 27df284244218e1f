package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"scripthub/internal/app"
	"scripthub/internal/usertoken"
	"scripthub/pkg/classifier"
	"scripthub/pkg/domain"
	"scripthub/pkg/queue"
	"scripthub/pkg/storage"
	"scripthub/pkg/store"
)

type cleanClassifier struct{}

func (cleanClassifier) Classify(context.Context, classifier.Request) (classifier.Result, error) {
	return classifier.Result{Verdict: domain.ScanClean, Report: "No issues found."}, nil
}

type noopQueue struct{}

func (noopQueue) Enqueue(_ context.Context, scriptID string) (queue.JobStatus, error) {
	return queue.JobStatus{ID: "job", ScriptID: scriptID}, nil
}

type serverEnv struct {
	server   *Server
	verifier *usertoken.Verifier
	store    *store.MemoryStore
	app      *app.App
}

func newTestServer(t *testing.T) *serverEnv {
	t.Helper()
	memStore := store.NewMemoryStore()
	appCore, err := app.New(app.Config{
		Store:      memStore,
		Objects:    storage.NewMemoryObjectStore(),
		Queue:      noopQueue{},
		Classifier: cleanClassifier{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	srv, err := New(Config{App: appCore, TokenVerifier: verifier})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &serverEnv{server: srv, verifier: verifier, store: memStore, app: appCore}
}

func (e *serverEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.verifier.Sign(userID, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *serverEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *serverEnv) uploadScript(t *testing.T, token, title, duration string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("title", title); err != nil {
		t.Fatalf("write title: %v", err)
	}
	if err := mw.WriteField("duration", duration); err != nil {
		t.Fatalf("write duration: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "script.zip")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	zf, err := zw.Create("fxmanifest.lua")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := zf.Write([]byte("fx_version 'cerulean'\n")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if _, err := fw.Write(zipBuf.Bytes()); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/scripts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	env := newTestServer(t)
	rec := env.uploadScript(t, "", "My Script", "week")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUploadAndGetScript(t *testing.T) {
	env := newTestServer(t)
	token := env.token(t, "owner-1")

	rec := env.uploadScript(t, token, "My Script", "week")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", rec.Code, rec.Body.String())
	}
	var script domain.Script
	decodeBody(t, rec, &script)
	if script.ScanStatus != domain.ScanPending {
		t.Fatalf("scan status = %q, want pending", script.ScanStatus)
	}

	rec = env.do(t, http.MethodGet, "/api/scripts/"+script.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/scripts/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUploadMonthWithoutSubscription(t *testing.T) {
	env := newTestServer(t)
	token := env.token(t, "owner-1")

	rec := env.uploadScript(t, token, "My Script", "month")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body: %s)", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	decodeBody(t, rec, &resp)
	if resp.Code != "SCRIPT_PREMIUM_REQUIRED" {
		t.Fatalf("code = %q, want SCRIPT_PREMIUM_REQUIRED", resp.Code)
	}
}

func TestDeleteScriptForbiddenForNonOwner(t *testing.T) {
	env := newTestServer(t)
	rec := env.uploadScript(t, env.token(t, "owner-1"), "My Script", "week")
	var script domain.Script
	decodeBody(t, rec, &script)

	rec = env.do(t, http.MethodDelete, "/api/scripts/"+script.ID, env.token(t, "intruder"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/scripts/"+script.ID, env.token(t, "owner-1"), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestAnalyticsDeduplication(t *testing.T) {
	env := newTestServer(t)
	rec := env.uploadScript(t, env.token(t, "owner-1"), "My Script", "week")
	var script domain.Script
	decodeBody(t, rec, &script)

	token := env.token(t, "viewer-1")
	payload := map[string]string{"scriptId": script.ID, "type": "view", "country": "DE"}

	rec = env.do(t, http.MethodPost, "/api/analytics", token, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/analytics", token, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for duplicate", rec.Code)
	}
	var resp struct {
		Recorded bool `json:"recorded"`
	}
	decodeBody(t, rec, &resp)
	if resp.Recorded {
		t.Fatalf("duplicate reported as recorded")
	}

	// Anonymous events always count.
	rec = env.do(t, http.MethodPost, "/api/analytics", "", payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 for anonymous", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/analytics", "", map[string]string{"scriptId": script.ID, "type": "install"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown type", rec.Code)
	}
}

func TestSubscriptionPurchaseAndStatus(t *testing.T) {
	env := newTestServer(t)
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/subscription/purchase", token, map[string]string{"tier": "monthly"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty balance (body: %s)", rec.Code, rec.Body.String())
	}

	if err := env.app.Credit("user-1", 500); err != nil {
		t.Fatalf("credit: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/api/subscription/purchase", token, map[string]string{"tier": "monthly"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/subscription/purchase", token, map[string]string{"tier": "weekly"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown tier", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/subscription/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status struct {
		Tier  string `json:"tier"`
		Coins int64  `json:"coins"`
	}
	decodeBody(t, rec, &status)
	if status.Tier != "monthly" || status.Coins != 0 {
		t.Fatalf("status = %+v", status)
	}
}

func TestPurchaseScriptStatusCodes(t *testing.T) {
	env := newTestServer(t)
	ownerToken := env.token(t, "owner-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "Paid Script")
	_ = mw.WriteField("duration", "week")
	_ = mw.WriteField("price", "250")
	fw, _ := mw.CreateFormFile("file", "script.zip")
	_, _ = fw.Write([]byte("fxmanifest.lua"))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/scripts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	var script domain.Script
	decodeBody(t, rec, &script)

	buyerToken := env.token(t, "buyer-1")
	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%s/purchase", script.ID), buyerToken, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for broke buyer", resp.Code)
	}

	if err := env.app.Credit("buyer-1", 300); err != nil {
		t.Fatalf("credit: %v", err)
	}
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%s/purchase", script.ID), buyerToken, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", resp.Code, resp.Body.String())
	}

	resp = env.do(t, http.MethodPost, "/api/scripts/missing/purchase", buyerToken, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}

func TestRateValidation(t *testing.T) {
	env := newTestServer(t)
	rec := env.uploadScript(t, env.token(t, "owner-1"), "My Script", "week")
	var script domain.Script
	decodeBody(t, rec, &script)

	token := env.token(t, "rater-1")
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%s/rate", script.ID), token, map[string]any{"stars": 9})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%s/rate", script.ID), token, map[string]any{"stars": 4, "comment": "solid"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestReportValidation(t *testing.T) {
	env := newTestServer(t)
	rec := env.uploadScript(t, env.token(t, "owner-1"), "My Script", "week")
	var script domain.Script
	decodeBody(t, rec, &script)

	token := env.token(t, "reporter-1")
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%s/report", script.ID), token, map[string]string{"reason": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%s/report", script.ID), token, map[string]string{"reason": "malware", "description": "steals tokens"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestWriteEndpointsUseSeparateQuotas(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	memStore := store.NewMemoryStore()
	appCore, err := app.New(app.Config{
		Store:      memStore,
		Objects:    storage.NewMemoryObjectStore(),
		Queue:      noopQueue{},
		Classifier: cleanClassifier{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	srv, err := New(Config{
		App:           appCore,
		TokenVerifier: verifier,
		RedisAddr:     redisSrv.Addr(),
		UploadLimit:   1,
		EngageLimit:   1,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env := &serverEnv{server: srv, verifier: verifier, store: memStore, app: appCore}

	ownerToken := env.token(t, "owner-1")
	rec := env.uploadScript(t, ownerToken, "My Script", "week")
	if rec.Code != http.StatusCreated {
		t.Fatalf("first upload status = %d, want 201 (body: %s)", rec.Code, rec.Body.String())
	}
	var script domain.Script
	decodeBody(t, rec, &script)

	if rec = env.uploadScript(t, ownerToken, "Another Script", "week"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want 429", rec.Code)
	}

	// An exhausted upload bucket must not block ratings.
	token := env.token(t, "rater-1")
	ratePath := fmt.Sprintf("/api/scripts/%s/rate", script.ID)
	if rec = env.do(t, http.MethodPost, ratePath, token, map[string]any{"stars": 4, "comment": "solid"}); rec.Code != http.StatusOK {
		t.Fatalf("rate status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if rec = env.do(t, http.MethodPost, ratePath, token, map[string]any{"stars": 5}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second rate status = %d, want 429", rec.Code)
	}

	// And an exhausted rating bucket must not block reports.
	reportPath := fmt.Sprintf("/api/scripts/%s/report", script.ID)
	rec = env.do(t, http.MethodPost, reportPath, token, map[string]string{"reason": "malware", "description": "steals tokens"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("report status = %d, want 201 (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestFollowEndpoints(t *testing.T) {
	env := newTestServer(t)
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/users/user-1/follow", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("self-follow status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/users/user-2/follow", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("follow status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Followed bool `json:"followed"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Followed {
		t.Fatalf("follow not recorded")
	}

	rec = env.do(t, http.MethodGet, "/api/users/user-2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d", rec.Code)
	}
	var profile struct {
		Followers int64 `json:"followers"`
	}
	decodeBody(t, rec, &profile)
	if profile.Followers != 1 {
		t.Fatalf("followers = %d, want 1", profile.Followers)
	}

	rec = env.do(t, http.MethodDelete, "/api/users/user-2/follow", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unfollow status = %d", rec.Code)
	}
}

func TestVerificationEndpoints(t *testing.T) {
	env := newTestServer(t)
	token := env.token(t, "creator-1")

	rec := env.do(t, http.MethodGet, "/api/verification/eligibility", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("eligibility status = %d", rec.Code)
	}
	var elig struct {
		CanApply bool `json:"canApply"`
	}
	decodeBody(t, rec, &elig)
	if elig.CanApply {
		t.Fatalf("fresh creator eligible")
	}

	rec = env.do(t, http.MethodPost, "/api/verification/request", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("request status = %d, want 400", rec.Code)
	}
	var resp errorResponse
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.Error, "requirements") {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestRescanEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := env.uploadScript(t, env.token(t, "owner-1"), "My Script", "week")
	var script domain.Script
	decodeBody(t, rec, &script)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%s/scan", script.ID), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scan status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	var outcome app.ScanOutcome
	decodeBody(t, rec, &outcome)
	if outcome.Status != domain.ScanClean || !outcome.HasManifest {
		t.Fatalf("outcome = %+v", outcome)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/scripts/%s/stats", script.ID), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
}
