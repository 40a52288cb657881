// Package boundary is the Boundary API (spec 4.I): validates request shape,
// produces a request context, invokes the Pipeline Orchestrator, and shapes
// the response, grounded on internal/control/api.go's http.ServeMux +
// writeJSON + per-method switch idiom.
package boundary

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"promptgate/internal/domain"
	"promptgate/internal/evaluator"
	"promptgate/internal/gatewayerr"
	"promptgate/internal/pipeline"
	"promptgate/internal/policy"
	"promptgate/internal/ruledb"
	"promptgate/internal/tenantcache"
)

// Handler serves the gateway's HTTP surface.
type Handler struct {
	orchestrator *pipeline.Orchestrator
	store        *ruledb.Store
	cache        *tenantcache.Cache
	evaluator    evaluator.Evaluator
	ladder       *policy.Ladder
	mux          *http.ServeMux

	defaultChannel   domain.Channel
	requestDeadline  time.Duration
	maxPromptLength  int
	allowedLanguages []string

	authEnabled bool
	apiKey      string
}

// Config carries the Boundary API's tunables (spec §6: "Configuration").
type Config struct {
	DefaultChannel   domain.Channel
	RequestDeadline  time.Duration
	MaxPromptLength  int
	AllowedLanguages []string
	AuthEnabled      bool
	APIKey           string
	Ladder           *policy.Ladder
}

func DefaultConfig() Config {
	return Config{
		DefaultChannel:  domain.ChannelProd,
		RequestDeadline: 10 * time.Second,
		MaxPromptLength: 32 * 1024,
	}
}

func New(orchestrator *pipeline.Orchestrator, store *ruledb.Store, cache *tenantcache.Cache, eval evaluator.Evaluator, cfg Config) *Handler {
	ladder := cfg.Ladder
	if ladder == nil {
		ladder = policy.New(policy.Config{})
	}
	h := &Handler{
		orchestrator:     orchestrator,
		store:            store,
		cache:            cache,
		evaluator:        eval,
		ladder:           ladder,
		mux:              http.NewServeMux(),
		defaultChannel:   cfg.DefaultChannel,
		requestDeadline:  cfg.RequestDeadline,
		maxPromptLength:  cfg.MaxPromptLength,
		allowedLanguages: cfg.AllowedLanguages,
		authEnabled:      cfg.AuthEnabled,
		apiKey:           cfg.APIKey,
	}

	h.mux.HandleFunc("/decide", h.handleDecide)
	h.mux.HandleFunc("/response/check", h.handleResponseCheck)
	h.mux.HandleFunc("/policy/status", h.handlePolicyStatus)
	h.mux.HandleFunc("/policy/bundle/activate", h.handleActivateBundle)
	h.mux.HandleFunc("/policy/bundle/create", h.handleCreateBundle)
	h.mux.HandleFunc("/policy/rule", h.handleUpsertRule)
	h.mux.HandleFunc("/policy/allowlist", h.handleUpsertAllowlist)
	h.mux.HandleFunc("/policy/blocklist", h.handleUpsertBlocklist)
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/health", h.handleHealth)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" && !h.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="promptgate Boundary API"`)
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{
				"kind":    string(gatewayerr.KindInvalidInput),
				"message": "valid API key required: use 'Authorization: Bearer <api_key>'",
			},
		})
		return
	}
	h.mux.ServeHTTP(w, r)
}

// checkAuth verifies the request carries the configured Bearer API key.
// Auth is a no-op when disabled (the default for local/dev deployments).
func (h *Handler) checkAuth(r *http.Request) bool {
	if !h.authEnabled {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	return ok && token == h.apiKey
}

type decideRequest struct {
	Prompt          string            `json:"prompt"`
	Response        string            `json:"response"`
	OriginalPrompt  string            `json:"original_prompt"`
	UserID          string            `json:"user_id"`
	SessionID       string            `json:"session_id"`
	Tenant          string            `json:"tenant"`
	Channel         string            `json:"channel"`
	UserRoles       []string          `json:"user_roles"`
	UserPermissions []string          `json:"user_permissions"`
	Metadata        map[string]string `json:"metadata"`
}

type decideResponse struct {
	Action          string                 `json:"action"`
	Reason          string                 `json:"reason"`
	Reasons         []string               `json:"reasons"`
	MaskedPrompt    string                 `json:"masked_prompt"`
	RiskScore       float64                `json:"risk_score"`
	DetectionMethod string                 `json:"detection_method"`
	ProcessingTimeMs int64                 `json:"processing_time_ms"`
	FindingsSummary domain.FindingsSummary `json:"findings_summary"`
	Bundle          bundleInfo             `json:"bundle"`
}

type bundleInfo struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Channel string `json:"channel"`
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "prompt", false)
}

func (h *Handler) handleResponseCheck(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "response", true)
}

// decide implements both /decide and /response/check: they share shape and
// pipeline, differing only in which field carries the text under scan and
// the recorded route label (spec §6).
func (h *Handler) decide(w http.ResponseWriter, r *http.Request, route string, isResponse bool) {
	if r.Method != http.MethodPost {
		writeError(w, gatewayerr.InvalidInput("method %s not allowed", r.Method))
		return
	}

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.InvalidInput("malformed request body: %v", err))
		return
	}

	text := req.Prompt
	if isResponse {
		text = req.Response
	}
	if text == "" {
		writeError(w, gatewayerr.InvalidInput("%s must be non-empty", fieldNameFor(isResponse)))
		return
	}

	tenant := req.Tenant
	if tenant == "" {
		tenant = "default"
	}
	channel := domain.Channel(req.Channel)
	if channel == "" {
		channel = h.defaultChannel
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx := r.Context()
	deadline := time.Now().Add(h.requestDeadline)

	result, err := h.orchestrator.Decide(ctx, pipeline.Request{
		Tenant:           tenant,
		SessionID:        sessionID,
		UserID:           req.UserID,
		Route:            route,
		Text:             text,
		Channel:          channel,
		MaxPromptLength:  h.maxPromptLength,
		AllowedLanguages: h.allowedLanguages,
		Deadline:         deadline,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if h.ladder.Enabled() && result.Action != domain.ActionBlock && h.ladder.ShouldForceBlock(sessionID) {
		result.Action = domain.ActionBlock
		result.Reasons = append(result.Reasons, "session_risk_ladder")
		result.MaskedPrompt = ""
	}
	h.ladder.Record(sessionID, result.Action, result.FindingsSummary)

	resp := decideResponse{
		Action:           result.Action.String(),
		Reasons:          result.Reasons,
		MaskedPrompt:     result.MaskedPrompt,
		RiskScore:        result.RiskScore,
		DetectionMethod:  string(result.DetectionMethod),
		ProcessingTimeMs: result.ProcessingTime.Milliseconds(),
		FindingsSummary:  result.FindingsSummary,
		Bundle: bundleInfo{
			Name:    result.Bundle.Name,
			Version: result.Bundle.Version,
			Channel: string(result.Bundle.Channel),
		},
	}
	if len(result.Reasons) > 0 {
		resp.Reason = result.Reasons[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func fieldNameFor(isResponse bool) string {
	if isResponse {
		return "response"
	}
	return "prompt"
}

func (h *Handler) handlePolicyStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, gatewayerr.InvalidInput("method %s not allowed", r.Method))
		return
	}
	_, isRemote := h.evaluator.(*evaluator.RemoteEvaluator)
	mode := "local"
	if isRemote {
		mode = "remote"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluator": map[string]any{
			"reachable": true,
			"mode":      mode,
		},
		"bundles_loaded": h.cache.Stats(),
		"risk_ladder":    h.ladder.Stats(),
	})
}

type activateRequest struct {
	Tenant   string `json:"tenant"`
	Channel  string `json:"channel"`
	BundleID string `json:"bundle_id"`
}

func (h *Handler) handleActivateBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, gatewayerr.InvalidInput("method %s not allowed", r.Method))
		return
	}
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.InvalidInput("malformed request body: %v", err))
		return
	}
	channel := domain.Channel(req.Channel)
	if err := h.store.ActivateBundle(r.Context(), req.Tenant, channel, req.BundleID); err != nil {
		writeError(w, err)
		return
	}
	// Bundle activation changes which bundle a tenant/channel resolves to,
	// so every cached snapshot must be dropped, not just this tenant's
	// (spec §4.B: activation "globally invalidates" the snapshot cache).
	h.cache.PurgeAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

type createBundleRequest struct {
	Tenant  string `json:"tenant"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Channel string `json:"channel"`
}

func (h *Handler) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, gatewayerr.InvalidInput("method %s not allowed", r.Method))
		return
	}
	var req createBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.InvalidInput("malformed request body: %v", err))
		return
	}
	bundle, err := h.store.CreateBundle(r.Context(), req.Tenant, req.Name, req.Version, domain.Channel(req.Channel))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, gatewayerr.InvalidInput("method %s not allowed", r.Method))
		return
	}
	var rule domain.FilterRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, gatewayerr.InvalidInput("malformed request body: %v", err))
		return
	}
	if err := h.store.UpsertRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	h.cache.PurgeAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleUpsertAllowlist(w http.ResponseWriter, r *http.Request) {
	h.upsertListEntry(w, r, h.store.UpsertAllowlistEntry)
}

func (h *Handler) handleUpsertBlocklist(w http.ResponseWriter, r *http.Request) {
	h.upsertListEntry(w, r, h.store.UpsertBlocklistEntry)
}

func (h *Handler) upsertListEntry(w http.ResponseWriter, r *http.Request, upsert func(ctx context.Context, e domain.ListEntry) error) {
	if r.Method != http.MethodPost {
		writeError(w, gatewayerr.InvalidInput("method %s not allowed", r.Method))
		return
	}
	var entry domain.ListEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, gatewayerr.InvalidInput("malformed request body: %v", err))
		return
	}
	if err := upsert(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	h.cache.PurgeAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, gatewayerr.InvalidInput("method %s not allowed", r.Method))
		return
	}
	stats, err := h.store.Stats(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(gatewayerr.KindOf(err))
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"kind":    string(gatewayerr.KindOf(err)),
			"message": err.Error(),
		},
	})
}

func statusFor(kind gatewayerr.Kind) int {
	switch kind {
	case gatewayerr.KindInvalidInput:
		return http.StatusBadRequest
	case gatewayerr.KindConflict:
		return http.StatusConflict
	case gatewayerr.KindNotFound:
		return http.StatusNotFound
	case gatewayerr.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case gatewayerr.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
