// Package provider defines what the dispatcher needs from a model provider and
// a registry that builds adapters from configuration at startup.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/cost"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

// Errors adapters wrap for rejections. ErrInvalidRequest means the request
// itself is malformed and no other model will accept it either. ErrAuthFailed
// is local to the provider that raised it.
var (
	ErrInvalidRequest = errors.New("provider rejected request")
	ErrAuthFailed     = errors.New("provider authentication failed")
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

type Adapter interface {
	Name() string

	// SendCompletion calls the provider for the candidate's model. A positive
	// timeout bounds the call; exceeding it is reported as an error.
	SendCompletion(ctx context.Context, c domain.Candidate, req domain.CompletionRequest, timeout time.Duration) (*domain.CompletionResponse, error)

	EstimateCost(model domain.ModelCatalogEntry, inputTokens, outputTokens int) float64

	CheckHealth(ctx context.Context) HealthStatus
}

// Retryable reports whether another candidate may succeed where this error
// failed.
func Retryable(err error) bool {
	return !errors.Is(err, ErrInvalidRequest)
}

// ListPrice is the catalog price of a call with no multiplier or fee.
func ListPrice(model domain.ModelCatalogEntry, inputTokens, outputTokens int) float64 {
	return listPrice.Estimate(model, inputTokens, outputTokens)
}

var listPrice = cost.NewEstimator(1, 0)

// WithTimeout derives the per-call context adapters run under.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Settings configure one provider instance.
type Settings struct {
	Name    string `yaml:"name" validate:"required"`
	Type    string `yaml:"type" validate:"required"`
	Region  string `yaml:"region"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// APIKeySecret names a Secrets Manager secret holding the key, either
	// plain or as {"api_key": "..."}. Ignored when APIKey is set.
	APIKeySecret string        `yaml:"api_key_secret"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Factory func(ctx context.Context, s Settings) (Adapter, error)

// Registry maps provider types to factories and provider names to built
// adapters. Adapters are looked up by the candidate's Provider field.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
}

func (r *Registry) Register(providerType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = f
}

// Build creates the adapter for s with the factory registered for s.Type and
// makes it available under s.Name.
func (r *Registry) Build(ctx context.Context, s Settings) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[s.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no factory for type %q", domain.ErrProviderNotFound, s.Type)
	}
	if s.Name == "" {
		s.Name = s.Type
	}

	a, err := f(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("build provider %s: %w", s.Name, err)
	}
	r.Add(s.Name, a)
	return a, nil
}

func (r *Registry) Add(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Health checks every adapter.
func (r *Registry) Health(ctx context.Context) map[string]HealthStatus {
	r.mu.RLock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for n, a := range r.adapters {
		adapters[n] = a
	}
	r.mu.RUnlock()

	out := make(map[string]HealthStatus, len(adapters))
	for n, a := range adapters {
		out[n] = a.CheckHealth(ctx)
	}
	return out
}
