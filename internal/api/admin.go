package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/model-arbiter/internal/auth"
	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/circuitbreaker"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/ratelimit"
)

type CircuitAdmin interface {
	Snapshots() []circuitbreaker.Snapshot
	Snapshot(id string) (circuitbreaker.Snapshot, bool)
	Reset(id string)
}

type BudgetView interface {
	States() []budget.State
	Forecast(scope domain.BudgetScope) float64
}

type QuotaView interface {
	Windows(ctx context.Context, identifier string) ([]ratelimit.WindowState, error)
}

// AdminHandler serves operator endpoints. Every route requires a bearer
// token; resetting a circuit needs the admin role.
type AdminHandler struct {
	circuits CircuitAdmin
	budgets  BudgetView
	quotas   QuotaView
}

func (h *AdminHandler) register(mux *http.ServeMux, m *auth.RBACMiddleware) {
	mux.Handle("GET /admin/circuits", m.Protect(auth.PermissionCircuitsRead, http.HandlerFunc(h.listCircuits)))
	mux.Handle("POST /admin/circuits/{id}/reset", m.Protect(auth.PermissionCircuitsReset, http.HandlerFunc(h.resetCircuit)))
	mux.Handle("GET /admin/budgets", m.Protect(auth.PermissionBudgetsRead, http.HandlerFunc(h.listBudgets)))
	mux.Handle("GET /admin/quotas/{identifier}", m.Protect(auth.PermissionQuotasRead, http.HandlerFunc(h.quotaWindows)))
}

func (h *AdminHandler) listCircuits(w http.ResponseWriter, r *http.Request) {
	if h.circuits == nil {
		writeAdminError(w, http.StatusNotFound, "circuits not configured")
		return
	}
	snaps := h.circuits.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": snaps,
		"count":    len(snaps),
	})
}

func (h *AdminHandler) resetCircuit(w http.ResponseWriter, r *http.Request) {
	if h.circuits == nil {
		writeAdminError(w, http.StatusNotFound, "circuits not configured")
		return
	}
	id := r.PathValue("id")
	if _, ok := h.circuits.Snapshot(id); !ok {
		writeAdminError(w, http.StatusNotFound, "circuit not found")
		return
	}

	h.circuits.Reset(id)
	role, _ := auth.RoleFromContext(r.Context())
	slog.Info("circuit reset by operator", "circuit_id", id, "role", role)

	snap, _ := h.circuits.Snapshot(id)
	writeJSON(w, http.StatusOK, snap)
}

type budgetView struct {
	Scope      string        `json:"scope"`
	Period     budget.Period `json:"period"`
	Amount     float64       `json:"amount"`
	Used       float64       `json:"used"`
	Remaining  float64       `json:"remaining"`
	Percent    float64       `json:"usage_percent"`
	Health     string        `json:"health"`
	Forecast   float64       `json:"forecast"`
	LastPeriod float64       `json:"last_period_used"`
}

func (h *AdminHandler) listBudgets(w http.ResponseWriter, r *http.Request) {
	if h.budgets == nil {
		writeAdminError(w, http.StatusNotFound, "budgets not configured")
		return
	}
	states := h.budgets.States()
	out := make([]budgetView, 0, len(states))
	for _, s := range states {
		out = append(out, budgetView{
			Scope:      s.Scope.Key(),
			Period:     s.Period,
			Amount:     s.Amount,
			Used:       s.UsedAmount,
			Remaining:  s.RemainingAmount(),
			Percent:    s.UsagePercentage(),
			Health:     string(s.HealthStatus()),
			Forecast:   h.budgets.Forecast(s.Scope),
			LastPeriod: s.LastPeriodUsed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"budgets": out,
		"count":   len(out),
	})
}

func (h *AdminHandler) quotaWindows(w http.ResponseWriter, r *http.Request) {
	if h.quotas == nil {
		writeAdminError(w, http.StatusNotFound, "quotas not configured")
		return
	}
	windows, err := h.quotas.Windows(r.Context(), r.PathValue("identifier"))
	if err != nil {
		slog.Error("failed to read quota windows", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read quota windows")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"windows": windows,
		"count":   len(windows),
	})
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": message,
	})
}
