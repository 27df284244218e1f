package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scripthub/internal/app"
	"scripthub/internal/ratelimit"
	"scripthub/internal/usertoken"
	"scripthub/internal/util"
	"scripthub/pkg/domain"
	"scripthub/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier

	// RedisAddr enables the fixed-window rate limiters. Leave empty to run
	// without limits (tests).
	RedisAddr     string
	RedisPassword string
	UploadLimit   int
	UploadWindow  time.Duration
	TrackLimit    int
	TrackWindow   time.Duration
	EngageLimit   int
	EngageWindow  time.Duration

	MaxUploadBytes int64
}

// Server exposes the marketplace HTTP endpoints.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	mux            *http.ServeMux
	maxUploadBytes int64

	uploadLimiter *ratelimit.FixedWindowLimiter
	trackLimiter  *ratelimit.FixedWindowLimiter
	rateLimiter   *ratelimit.FixedWindowLimiter
	reportLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 << 20
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		newLimiter := func(name string, limit int, window time.Duration) (*ratelimit.FixedWindowLimiter, error) {
			prefix := "scripthub:ratelimit:" + name
			return ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, window)
		}
		var err error
		if s.uploadLimiter, err = newLimiter("upload", orDefault(cfg.UploadLimit, 10), orDefaultDur(cfg.UploadWindow, time.Minute)); err != nil {
			return nil, err
		}
		if s.trackLimiter, err = newLimiter("track", orDefault(cfg.TrackLimit, 120), orDefaultDur(cfg.TrackWindow, time.Minute)); err != nil {
			return nil, err
		}
		// Ratings and reports each get their own bucket so neither eats
		// into the upload quota.
		engageLimit := orDefault(cfg.EngageLimit, 30)
		engageWindow := orDefaultDur(cfg.EngageWindow, time.Minute)
		if s.rateLimiter, err = newLimiter("rate", engageLimit, engageWindow); err != nil {
			return nil, err
		}
		if s.reportLimiter, err = newLimiter("report", engageLimit, engageWindow); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("scripthub", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/scripts", s.handleScripts)
	s.mux.HandleFunc("/api/scripts/", s.handleScriptByID)
	s.mux.HandleFunc("/api/analytics", s.handleAnalytics)
	s.mux.Handle("/api/subscription/purchase", s.withUser(s.handlePurchaseSubscription))
	s.mux.Handle("/api/subscription/status", s.withUser(s.handleSubscriptionStatus))
	s.mux.HandleFunc("/api/users/", s.handleUsers)
	s.mux.Handle("/api/verification/eligibility", s.withUser(s.handleEligibility))
	s.mux.Handle("/api/verification/request", s.withUser(s.handleRequestVerification))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(r)
		if !ok {
			s.audit(r, "scripthub.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	if s.tokenVerifier == nil {
		return "", false
	}
	token, ok := bearerToken(r)
	if !ok {
		return "", false
	}
	userID, err := s.tokenVerifier.VerifySubject(token)
	if err != nil {
		return "", false
	}
	return userID, true
}

// optionalUser returns the authenticated user ID or nil for anonymous
// callers. An invalid token degrades to anonymous rather than failing.
func (s *Server) optionalUser(r *http.Request) *string {
	if s.tokenVerifier == nil {
		return nil
	}
	token, ok := bearerToken(r)
	if !ok {
		return nil
	}
	userID, err := s.tokenVerifier.VerifySubject(token)
	if err != nil {
		return nil
	}
	return &userID
}

// /api/scripts
func (s *Server) handleScripts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListScripts(w, r)
	case http.MethodPost:
		s.withUser(s.handleCreateScript).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ScriptFilter{
		Search: strings.TrimSpace(q.Get("search")),
		SortBy: strings.TrimSpace(q.Get("sortBy")),
	}
	if d := strings.TrimSpace(q.Get("duration")); d != "" {
		duration := domain.ListingDuration(d)
		if !domain.ValidDuration(duration) {
			writeError(w, http.StatusBadRequest, "invalid duration filter")
			return
		}
		filter.Duration = duration
	}
	scripts, err := s.app.ListScripts(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": scripts,
		"count": len(scripts),
	})
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allow(s.uploadLimiter, userID) {
		s.audit(r, "scripthub.upload", "rate_limited", "user_id", userID)
		writeError(w, http.StatusTooManyRequests, "too many uploads")
		return
	}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	price := int64(0)
	if raw := strings.TrimSpace(r.FormValue("price")); raw != "" {
		price, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || price < 0 {
			writeError(w, http.StatusBadRequest, "invalid price")
			return
		}
	}
	duration := domain.ListingDuration(strings.TrimSpace(r.FormValue("duration")))
	script, err := s.app.CreateScript(r.Context(), userID,
		r.FormValue("title"), r.FormValue("description"),
		duration, price, header.Filename, file, header.Size)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "scripthub.upload", "success", "user_id", userID, "script_id", script.ID)
	writeJSON(w, http.StatusCreated, script)
}

// /api/scripts/{id} and /api/scripts/{id}/{action}
func (s *Server) handleScriptByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/scripts/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetScript(w, r, id)
		case http.MethodDelete:
			s.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
				s.handleDeleteScript(w, r, id, userID)
			}).ServeHTTP(w, r)
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "scan":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleRescan(w, r, id)
	case "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleStats(w, id)
	case "download":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleDownload(w, r, id)
	case "purchase":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handlePurchaseScript(w, r, id, userID)
		}).ServeHTTP(w, r)
	case "rate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handleRate(w, r, id, userID)
		}).ServeHTTP(w, r)
	case "report":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handleReport(w, r, id, userID)
		}).ServeHTTP(w, r)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request, id string) {
	script, found, err := s.app.GetScript(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		notFound(w, "script not found")
		return
	}
	// A detail read counts as a view; duplicates and failures are invisible
	// to the reader.
	if _, err := s.app.Track(id, s.optionalUser(r), domain.EventView, r.Header.Get("X-Country")); err != nil {
		slog.Debug("view tracking failed", "script_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request, id, userID string) {
	if err := s.app.DeleteScript(r.Context(), id, userID); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "scripthub.delete", "success", "user_id", userID, "script_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request, id string) {
	outcome, err := s.app.Rescan(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleStats(w http.ResponseWriter, id string) {
	stats, err := s.app.Stats(id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id string) {
	url, err := s.app.DownloadURL(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if _, err := s.app.Track(id, s.optionalUser(r), domain.EventDownload, r.Header.Get("X-Country")); err != nil {
		slog.Debug("download tracking failed", "script_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handlePurchaseScript(w http.ResponseWriter, r *http.Request, id, userID string) {
	if err := s.app.PurchaseScript(userID, id); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "scripthub.purchase", "success", "user_id", userID, "script_id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request, id, userID string) {
	if !s.allow(s.rateLimiter, userID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req struct {
		Stars   int    `json:"stars"`
		Comment string `json:"comment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	recorded, err := s.app.Rate(id, userID, req.Stars, req.Comment)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": recorded})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, id, userID string) {
	if !s.allow(s.reportLimiter, userID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req struct {
		Reason      string `json:"reason"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	report, err := s.app.ReportScript(id, userID, domain.ReportReason(req.Reason), req.Description)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "scripthub.report", "success", "user_id", userID, "script_id", id, "reason", req.Reason)
	writeJSON(w, http.StatusCreated, report)
}

// /api/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(s.trackLimiter, clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req struct {
		ScriptID string `json:"scriptId"`
		Type     string `json:"type"`
		Country  string `json:"country"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	recorded, err := s.app.Track(req.ScriptID, s.optionalUser(r), domain.EventType(req.Type), req.Country)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if !recorded {
		writeJSON(w, http.StatusOK, map[string]any{"recorded": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recorded": true})
}

func (s *Server) handlePurchaseSubscription(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Tier string `json:"tier"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sub, err := s.app.PurchaseTier(userID, domain.SubscriptionTier(req.Tier))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "scripthub.subscription", "success", "user_id", userID, "tier", req.Tier)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"subscription": sub,
	})
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tier, expiresAt, err := s.app.ActiveTier(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	account, err := s.app.Balance(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":      tier,
		"expiresAt": expiresAt,
		"coins":     account.Coins,
	})
}

// /api/users/{id} and /api/users/{id}/follow
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/users/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleProfile(w, id)
		return
	}
	if parts[1] != "follow" {
		notFound(w, "not found")
		return
	}
	s.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
		switch r.Method {
		case http.MethodPost:
			followed, err := s.app.Follow(userID, id)
			if err != nil {
				s.writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"followed": followed})
		case http.MethodDelete:
			if _, err := s.app.Unfollow(userID, id); err != nil {
				s.writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"followed": false})
		default:
			methodNotAllowed(w)
		}
	}).ServeHTTP(w, r)
}

func (s *Server) handleProfile(w http.ResponseWriter, id string) {
	account, err := s.app.Profile(id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":     account.UserID,
		"followers":  account.Followers,
		"following":  account.Following,
		"trustScore": account.TrustScore,
		"verified":   account.Verified,
	})
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	elig, err := s.app.CheckEligibility(userID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, elig)
}

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, err := s.app.RequestVerification(userID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "scripthub.verification", "success", "user_id", userID, "request_id", req.ID)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) allow(limiter *ratelimit.FixedWindowLimiter, key string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(key)
}

// writeAppError maps application sentinels onto HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		notFound(w, "not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrInsufficientFunds),
		errors.Is(err, app.ErrPremiumRequired),
		errors.Is(err, app.ErrInvalidDuration),
		errors.Is(err, app.ErrInvalidTier),
		errors.Is(err, app.ErrInvalidRating),
		errors.Is(err, app.ErrInvalidReason),
		errors.Is(err, app.ErrInvalidEvent),
		errors.Is(err, app.ErrSelfFollow),
		errors.Is(err, app.ErrRequirementsNotMet),
		errors.Is(err, app.ErrAlreadyPending):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func clientIP(r *http.Request) string {
	return util.ClientIP(r, nil)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "SCRIPT_FORBIDDEN"
	case message == "script not found":
		return "SCRIPT_NOT_FOUND"
	case strings.Contains(message, "file is required"):
		return "SCRIPT_FILE_REQUIRED"
	case message == "invalid form data":
		return "SCRIPT_INVALID_UPLOAD_FORM"
	case message == "unknown subscription tier":
		return "LEDGER_INVALID_TIER"
	case strings.Contains(message, "require an active subscription"):
		return "SCRIPT_PREMIUM_REQUIRED"
	case strings.Contains(message, "insufficient coins"):
		return "LEDGER_INSUFFICIENT_FUNDS"
	case strings.Contains(message, "too many"):
		return "SYSTEM_RATE_LIMITED"
	}

	switch status {
	case http.StatusBadRequest:
		return "SCRIPT_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "SCRIPT_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
