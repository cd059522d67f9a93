package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/model-arbiter/internal/provider"
)

// HealthChecker is one dependency the readiness check looks at.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function into a checker. A failing check that is not
// Critical reports the service as degraded but keeps it ready: quotas fail
// open without Redis and providers are routed around by their circuits.
type CheckFunc struct {
	CheckName string
	Critical  bool
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

func RedisCheck(client redis.UniversalClient) CheckFunc {
	return CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func PostgresCheck(db *sql.DB) CheckFunc {
	return CheckFunc{CheckName: "postgres", Critical: true, Fn: db.PingContext}
}

// ProviderCheck fails only when the adapter reports itself unhealthy.
func ProviderCheck(a provider.Adapter) CheckFunc {
	return CheckFunc{CheckName: "provider:" + a.Name(), Fn: func(ctx context.Context) error {
		if s := a.CheckHealth(ctx); s == provider.HealthUnhealthy {
			return fmt.Errorf("%s reports %s", a.Name(), s)
		}
		return nil
	}}
}

func critical(c HealthChecker) bool {
	if cf, ok := c.(CheckFunc); ok {
		return cf.Critical
	}
	return true
}

type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult, len(checkers))
	)
	for _, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			res := CheckResult{Status: "ok", Critical: critical(c)}
			if err := c.Check(ctx); err != nil {
				res.Status, res.Error = "error", err.Error()
			}
			res.Duration = time.Since(start).Round(time.Microsecond).String()
			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// readiness folds check results into an overall status: not_ready if any
// critical check failed, degraded if only optional ones did.
func readiness(results map[string]CheckResult) (string, int) {
	status := "ready"
	for _, r := range results {
		if r.Status == "ok" {
			continue
		}
		if r.Critical {
			return "not_ready", http.StatusServiceUnavailable
		}
		status = "degraded"
	}
	return status, http.StatusOK
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)
		status, code := readiness(results)
		writeJSON(w, code, HealthStatus{Status: status, Checks: results})
	}
}
