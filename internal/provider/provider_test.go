package provider

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

type stubAdapter struct {
	name   string
	health HealthStatus
}

func (s stubAdapter) Name() string { return s.name }

func (s stubAdapter) SendCompletion(context.Context, domain.Candidate, domain.CompletionRequest, time.Duration) (*domain.CompletionResponse, error) {
	return &domain.CompletionResponse{Provider: s.name}, nil
}

func (s stubAdapter) EstimateCost(m domain.ModelCatalogEntry, in, out int) float64 {
	return ListPrice(m, in, out)
}

func (s stubAdapter) CheckHealth(context.Context) HealthStatus { return s.health }

func TestRegistry_BuildAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", func(_ context.Context, s Settings) (Adapter, error) {
		return stubAdapter{name: s.Name, health: HealthHealthy}, nil
	})

	a, err := r.Build(context.Background(), Settings{Name: "primary", Type: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := a.Name(); got != "primary" {
		t.Errorf("a.Name() = %v, want %v", got, "primary")
	}

	_, err = r.Build(context.Background(), Settings{Type: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.Get("primary")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != a {
		t.Errorf("got = %v, want %v", got, a)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"primary", "stub"}) {
		t.Errorf("r.Names() = %v, want %v", got, []string{"primary", "stub"})
	}
	if got := r.Health(context.Background()); !reflect.DeepEqual(got, map[string]HealthStatus{"primary": HealthHealthy, "stub": HealthHealthy}) {
		t.Errorf("r.Health(context.Background()) = %v, want %v", got, map[string]HealthStatus{"primary": HealthHealthy, "stub": HealthHealthy})
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(context.Context, Settings) (Adapter, error) {
		return nil, errors.New("missing credentials")
	})

	_, err := r.Build(context.Background(), Settings{Name: "x", Type: "unknown"})
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("error = %v, want %v", err, domain.ErrProviderNotFound)
	}

	_, err = r.Build(context.Background(), Settings{Name: "x", Type: "broken"})
	if err == nil || !strings.Contains(err.Error(), "missing credentials") {
		t.Errorf("error = %v, want it to contain %q", err, "missing credentials")
	}

	_, err = r.Get("x")
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("error = %v, want %v", err, domain.ErrProviderNotFound)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(fmt.Errorf("%w: bad prompt", ErrInvalidRequest)) {
		t.Error("an invalid request must not be retried")
	}
	if !Retryable(fmt.Errorf("%w: key revoked", ErrAuthFailed)) {
		t.Error("an auth failure should fall through to the next provider")
	}
	if !Retryable(fmt.Errorf("%w: 503", domain.ErrProviderError)) {
		t.Error("a provider error should be retried")
	}
	if !Retryable(context.DeadlineExceeded) {
		t.Errorf("Retryable(context.DeadlineExceeded) = false, want true")
	}
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	_, ok := ctx.Deadline()
	if ok {
		t.Errorf("ok = true, want false")
	}

	ctx2, cancel2 := WithTimeout(context.Background(), time.Minute)
	defer cancel2()
	_, ok = ctx2.Deadline()
	if !ok {
		t.Errorf("ok = false, want true")
	}
}
