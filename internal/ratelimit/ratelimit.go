// Package ratelimit enforces named quotas per identifier (tenant, user, API key,
// provider). Each limit runs one algorithm: fixed window, sliding window or
// token bucket. CheckAndReserve admits a request only if every applicable
// limit has room, and reserves nothing otherwise.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/crypto"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/metrics"
)

type Algorithm string

const (
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
)

// Kind is the unit a limit counts.
type Kind string

const (
	KindRequests Kind = "requests"
	KindTokens   Kind = "tokens"
)

// Limit is one named quota, e.g. 60 requests per minute per tenant.
type Limit struct {
	Name      string        `yaml:"name" json:"name" validate:"required"`
	Scope     string        `yaml:"scope" json:"scope,omitempty"`
	Kind      Kind          `yaml:"kind" json:"kind" validate:"omitempty,oneof=requests tokens"`
	Max       int64         `yaml:"max" json:"max" validate:"gt=0"`
	Window    time.Duration `yaml:"window" json:"window" validate:"gt=0"`
	Algorithm Algorithm     `yaml:"algorithm" json:"algorithm" validate:"omitempty,oneof=fixed_window sliding_window token_bucket"`
	Items     []string      `yaml:"items" json:"items,omitempty"`
}

func (l Limit) normalized() Limit {
	if l.Kind == "" {
		l.Kind = KindRequests
	}
	if l.Algorithm == "" {
		l.Algorithm = FixedWindow
	}
	return l
}

// appliesTo reports whether the limit governs this identifier and item.
// Scope matches the identifier prefix ("tenant" matches "tenant:acme").
// Items may list exact items or "provider:*" style prefixes.
func (l Limit) appliesTo(identifier, item string) bool {
	if l.Scope != "" && !strings.HasPrefix(identifier, l.Scope+":") {
		return false
	}
	if len(l.Items) == 0 || item == "" {
		return true
	}
	for _, it := range l.Items {
		if it == item {
			return true
		}
		if prefix, ok := strings.CutSuffix(it, "*"); ok && strings.HasPrefix(item, prefix) {
			return true
		}
	}
	return false
}

// Cost is what a single request consumes.
type Cost struct {
	Requests int64
	Tokens   int64
}

// RequestCost is one request with an expected token count.
func RequestCost(tokens int) Cost {
	return Cost{Requests: 1, Tokens: int64(tokens)}
}

func (c Cost) amountFor(k Kind) int64 {
	if k == KindTokens {
		return c.Tokens
	}
	return c.Requests
}

// WindowState is a read-only view of one limit's usage for an identifier.
type WindowState struct {
	Identifier string        `json:"identifier"`
	Limit      string        `json:"limit"`
	Algorithm  Algorithm     `json:"algorithm"`
	Count      int64         `json:"count"`
	Max        int64         `json:"max"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Enforcer defines the interface for quota backends.
type Enforcer interface {
	// CheckAndReserve atomically reserves cost against every limit that
	// applies to identifier and item. On denial it returns a
	// *domain.RateLimitExceededError and reserves nothing.
	CheckAndReserve(ctx context.Context, identifier, item string, cost Cost) (*Reservation, error)

	// Peek runs the same check without reserving.
	Peek(ctx context.Context, identifier, item string, cost Cost) error

	// Windows returns current usage for every limit applying to identifier.
	Windows(ctx context.Context, identifier string) ([]WindowState, error)
}

type reservedEntry struct {
	limit  Limit
	index  int
	amount int64
	start  time.Time
}

// Reservation is quota held for one in-flight request. Release returns it,
// which the dispatcher does when the caller cancels before the provider call
// completes.
type Reservation struct {
	ID         string
	Identifier string
	Item       string
	ReservedAt time.Time

	entries  []reservedEntry
	release  func(ctx context.Context, r *Reservation) error
	released atomic.Bool
}

// Release returns the reserved units. Only the first call has an effect.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil || r.release == nil || len(r.entries) == 0 {
		return nil
	}
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	return r.release(ctx, r)
}

func matchingLimits(limits []Limit, identifier, item string, cost Cost) []indexedLimit {
	var out []indexedLimit
	for i, l := range limits {
		if !l.appliesTo(identifier, item) {
			continue
		}
		if cost.amountFor(l.Kind) <= 0 {
			continue
		}
		out = append(out, indexedLimit{Limit: l, index: i})
	}
	return out
}

type indexedLimit struct {
	Limit
	index int
}

func denial(identifier string, l Limit, current int64, retryAfter time.Duration) error {
	metrics.RecordQuotaDenial(l.Name)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &domain.RateLimitExceededError{
		Identifier:   identifier,
		Limit:        l.Name,
		CurrentUsage: current,
		Max:          l.Max,
		RetryAfter:   retryAfter,
	}
}

// Identifiers lists the quota identifiers a request to provider is counted
// under. API keys are hashed before they become part of a key.
func Identifiers(actx domain.ArbitrationContext, provider string) []string {
	ids := make([]string, 0, 4)
	if actx.TenantID != "" {
		ids = append(ids, "tenant:"+actx.TenantID)
	}
	if actx.UserID != "" {
		ids = append(ids, "user:"+actx.TenantID+"/"+actx.UserID)
	}
	if actx.APIKey != "" {
		ids = append(ids, "apikey:"+crypto.ShortHash(actx.APIKey))
	}
	if provider != "" {
		ids = append(ids, "provider:"+provider)
	}
	return ids
}
