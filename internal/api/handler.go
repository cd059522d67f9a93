// Package api exposes the arbiter over HTTP: a dry-run arbitration endpoint,
// a completion endpoint that arbitrates and dispatches, operator endpoints for
// circuits, budgets and quotas, and the health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/model-arbiter/internal/auth"
	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/dispatch"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

type Arbiter interface {
	Arbitrate(ctx context.Context, actx domain.ArbitrationContext) (*domain.Decision, error)
}

type Executor interface {
	Execute(ctx context.Context, actx domain.ArbitrationContext, req domain.CompletionRequest) (*dispatch.Result, error)
}

type HandlerConfig struct {
	Arbiter  Arbiter
	Executor Executor

	// Admin routes are only mounted when Auth is set.
	Auth     *auth.RBACMiddleware
	Circuits CircuitAdmin
	Budgets  BudgetView
	Quotas   QuotaView

	Checkers      []HealthChecker
	HealthTimeout time.Duration
}

type Handler struct {
	arbiter  Arbiter
	executor Executor
	auth     *auth.RBACMiddleware
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	timeout := cfg.HealthTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	h := &Handler{
		arbiter:  cfg.Arbiter,
		executor: cfg.Executor,
		auth:     cfg.Auth,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/arbitrate", h.handleArbitrate)
	h.mux.HandleFunc("POST /v1/completions", h.handleCompletions)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, timeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Auth != nil {
		admin := &AdminHandler{circuits: cfg.Circuits, budgets: cfg.Budgets, quotas: cfg.Quotas}
		admin.register(h.mux, cfg.Auth)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type CompletionRequest struct {
	Context domain.ArbitrationContext `json:"context"`
	Request domain.CompletionRequest  `json:"request"`
}

type CompletionResponse struct {
	DecisionID string                     `json:"decision_id"`
	Strategy   string                     `json:"strategy"`
	Response   *domain.CompletionResponse `json:"response"`
	Attempts   int                        `json:"attempts"`
	CostUSD    float64                    `json:"cost_usd"`
	Budget     *BudgetSummary             `json:"budget,omitempty"`
}

type BudgetSummary struct {
	Scope     string  `json:"scope"`
	Amount    float64 `json:"amount"`
	Used      float64 `json:"used"`
	Remaining float64 `json:"remaining"`
	Percent   float64 `json:"usage_percent"`
}

func summarize(s *budget.State) *BudgetSummary {
	if s == nil {
		return nil
	}
	return &BudgetSummary{
		Scope:     s.Scope.Key(),
		Amount:    s.Amount,
		Used:      s.UsedAmount,
		Remaining: s.RemainingAmount(),
		Percent:   s.UsagePercentage(),
	}
}

func (h *Handler) handleArbitrate(w http.ResponseWriter, r *http.Request) {
	var actx domain.ArbitrationContext
	if err := json.NewDecoder(r.Body).Decode(&actx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.prepare(r, &actx); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	decision, err := h.arbiter.Arbitrate(r.Context(), actx)
	if err != nil {
		writeDomainError(w, actx.RequestID, err)
		return
	}

	w.Header().Set("X-Request-ID", actx.RequestID)
	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if h.executor == nil {
		writeError(w, http.StatusNotImplemented, "dispatch not configured")
		return
	}

	var body CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Request.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if err := h.prepare(r, &body.Context); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	res, err := h.executor.Execute(r.Context(), body.Context, body.Request)
	if err != nil {
		writeDomainError(w, body.Context.RequestID, err)
		return
	}

	slog.Info("completion served",
		"request_id", body.Context.RequestID,
		"tenant_id", body.Context.TenantID,
		"decision_id", res.Decision.ID,
		"provider", res.Candidate.Provider,
		"model", res.Candidate.ModelID,
		"attempts", res.Attempts,
	)

	w.Header().Set("X-Request-ID", body.Context.RequestID)
	writeJSON(w, http.StatusOK, CompletionResponse{
		DecisionID: res.Decision.ID,
		Strategy:   res.Decision.Strategy,
		Response:   res.Response,
		Attempts:   res.Attempts,
		CostUSD:    res.CostUSD,
		Budget:     summarize(res.Budget),
	})
}

// Operator headers for bypassing the budget gate on a single request.
const (
	headerBudgetOverride = "X-Budget-Override"
	headerAdminToken     = "X-Admin-Token"
)

// prepare fills request metadata the body does not carry. The API key, the
// timestamp and the budget override never travel in JSON.
func (h *Handler) prepare(r *http.Request, actx *domain.ArbitrationContext) error {
	if actx.RequestID == "" {
		actx.RequestID = r.Header.Get("X-Request-ID")
	}
	if actx.RequestID == "" {
		actx.RequestID = uuid.New().String()
	}
	if actx.TenantID == "" {
		actx.TenantID = r.Header.Get("X-Tenant-ID")
	}
	actx.APIKey = auth.ExtractBearerToken(r)
	if actx.APIKey == "" {
		actx.APIKey = r.Header.Get("X-API-Key")
	}

	if override, _ := strconv.ParseBool(r.Header.Get(headerBudgetOverride)); override {
		if h.auth == nil {
			return errors.New("budget override requires operator auth")
		}
		if err := h.auth.Authorize(r.Header.Get(headerAdminToken), auth.PermissionBudgetsOverride); err != nil {
			return fmt.Errorf("budget override: %w", err)
		}
		actx.BudgetOverride = true
		slog.Info("budget override granted", "request_id", actx.RequestID, "tenant_id", actx.TenantID)
	}
	return nil
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, requestID string, err error) {
	var (
		rateErr    *domain.RateLimitExceededError
		circuitErr *domain.CircuitOpenError
		budgetErr  *domain.BudgetExceededError
		noModelErr *domain.NoSuitableModelError
	)

	status := http.StatusInternalServerError
	body := errorBody{Message: err.Error(), RequestID: requestID}

	switch {
	case errors.As(err, &rateErr):
		status = http.StatusTooManyRequests
		setRetryAfter(w, rateErr.RetryAfter)
		body.Type = "rate_limited"
	case errors.As(err, &budgetErr):
		status = http.StatusPaymentRequired
		body.Type = "budget_exceeded"
	case errors.As(err, &noModelErr):
		status = http.StatusUnprocessableEntity
		body.Type = "no_suitable_model"
		body.Exclusions = noModelErr.Exclusions
	case errors.As(err, &circuitErr):
		status = http.StatusServiceUnavailable
		setRetryAfter(w, circuitErr.RetryAfter)
		body.Type = "circuit_open"
	case errors.Is(err, domain.ErrAllModelsFailed):
		status = http.StatusBadGateway
		body.Type = "all_models_failed"
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
		body.Type = "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		body.Type = "timeout"
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		slog.Info("request cancelled", "request_id", requestID)
		return
	default:
		body.Type = "internal"
		slog.Error("request failed", "request_id", requestID, "error", err)
	}

	body.Code = status
	writeJSON(w, status, map[string]errorBody{"error": body})
}

type errorBody struct {
	Message    string             `json:"message"`
	Type       string             `json:"type"`
	Code       int                `json:"code"`
	RequestID  string             `json:"request_id,omitempty"`
	Exclusions []domain.Exclusion `json:"exclusions,omitempty"`
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int((d + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
