package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

func newTestEnforcer(limits ...Limit) (*InMemoryEnforcer, *clock.Mock) {
	mock := clock.NewMock()
	return NewInMemoryEnforcer(limits, WithClock(mock)), mock
}

func asRateLimit(t *testing.T, err error) *domain.RateLimitExceededError {
	t.Helper()
	var rle *domain.RateLimitExceededError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitExceededError, got %v", err)
	}
	return rle
}

func TestFixedWindow_DeniesSixthAndRecovers(t *testing.T) {
	e, mock := newTestEnforcer(Limit{Name: "rpm", Max: 5, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
			t.Fatalf("request %d should be admitted: %v", i+1, err)
		}
		mock.Add(time.Second)
	}

	_, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0))
	rle := asRateLimit(t, err)
	if rle.Limit != "rpm" {
		t.Errorf("Limit = %q, want rpm", rle.Limit)
	}
	if rle.CurrentUsage != 5 || rle.Max != 5 {
		t.Errorf("usage = %d/%d, want 5/5", rle.CurrentUsage, rle.Max)
	}
	if rle.RetryAfter != 55*time.Second {
		t.Errorf("RetryAfter = %v, want 55s", rle.RetryAfter)
	}
	if !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Error("denial should match ErrRateLimitExceeded")
	}

	mock.Add(55 * time.Second)

	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Fatalf("request after window should be admitted: %v", err)
	}
}

func TestFixedWindow_IdentifiersAreIndependent(t *testing.T) {
	e, _ := newTestEnforcer(Limit{Name: "rpm", Max: 1, Window: time.Minute})
	ctx := context.Background()

	if _, err := e.CheckAndReserve(ctx, "tenant:a", "", RequestCost(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.CheckAndReserve(ctx, "tenant:a", "", RequestCost(0)); err == nil {
		t.Error("tenant:a should be limited")
	}
	if _, err := e.CheckAndReserve(ctx, "tenant:b", "", RequestCost(0)); err != nil {
		t.Errorf("tenant:b should not be limited: %v", err)
	}
}

func TestSlidingWindow_RetryAfterOldestEntry(t *testing.T) {
	e, mock := newTestEnforcer(Limit{Name: "sliding", Max: 3, Window: time.Minute, Algorithm: SlidingWindow})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
			t.Fatalf("request %d should be admitted: %v", i+1, err)
		}
		mock.Add(20 * time.Second)
	}

	// now = t0+60s; the first entry sits exactly on the window edge and
	// has expired. Two remain, so one more fits.
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Fatalf("expired entry should free a slot: %v", err)
	}

	mock.Add(10 * time.Second)
	_, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0))
	rle := asRateLimit(t, err)
	// Oldest live entry was admitted at t0+20s and leaves at t0+80s.
	if rle.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %v, want 10s", rle.RetryAfter)
	}

	mock.Add(10 * time.Second)
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Errorf("slot should be free again: %v", err)
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	e, mock := newTestEnforcer(Limit{Name: "bucket", Max: 10, Window: 10 * time.Second, Algorithm: TokenBucket})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
			t.Fatalf("request %d should be admitted: %v", i+1, err)
		}
	}

	_, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0))
	rle := asRateLimit(t, err)
	if rle.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", rle.RetryAfter)
	}

	mock.Add(time.Second)
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Fatalf("refilled token should be usable: %v", err)
	}
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err == nil {
		t.Error("bucket should be empty again")
	}
}

func TestCheckAndReserve_NoPartialReservation(t *testing.T) {
	e, _ := newTestEnforcer(
		Limit{Name: "rpm", Max: 10, Window: time.Minute},
		Limit{Name: "tpm", Kind: KindTokens, Max: 100, Window: time.Minute},
	)
	ctx := context.Background()

	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(60)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(50))
	rle := asRateLimit(t, err)
	if rle.Limit != "tpm" {
		t.Errorf("denying limit = %q, want tpm", rle.Limit)
	}

	windows, err := e.Windows(ctx, "tenant:acme")
	if err != nil {
		t.Fatalf("Windows: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Limit != "rpm" || windows[0].Count != 1 {
		t.Errorf("rpm window = %+v, want count 1", windows[0])
	}
	if windows[1].Limit != "tpm" || windows[1].Count != 60 {
		t.Errorf("tpm window = %+v, want count 60", windows[1])
	}
}

func TestReservation_ReleaseIsIdempotent(t *testing.T) {
	e, _ := newTestEnforcer(Limit{Name: "rpm", Max: 2, Window: time.Minute})
	ctx := context.Background()

	first, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Fatalf("released slot should be reusable: %v", err)
	}
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err == nil {
		t.Error("double release must not free a second slot")
	}
}

func TestReservation_ReleaseAfterWindowRolled(t *testing.T) {
	e, mock := newTestEnforcer(Limit{Name: "rpm", Max: 1, Window: time.Minute})
	ctx := context.Background()

	old, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.Add(time.Minute)
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Fatalf("new window should admit: %v", err)
	}

	old.Release(ctx)

	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err == nil {
		t.Error("releasing a reservation from an expired window must not free the current one")
	}
}

func TestReservation_ReleaseSlidingAndBucket(t *testing.T) {
	e, _ := newTestEnforcer(
		Limit{Name: "sliding", Max: 1, Window: time.Minute, Algorithm: SlidingWindow},
		Limit{Name: "bucket", Max: 1, Window: time.Minute, Algorithm: TokenBucket},
	)
	ctx := context.Background()

	res, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err == nil {
		t.Fatal("second request should be denied")
	}

	res.Release(ctx)

	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Errorf("released reservation should be reusable: %v", err)
	}
}

func TestPeek_DoesNotReserve(t *testing.T) {
	e, _ := newTestEnforcer(Limit{Name: "rpm", Max: 1, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.Peek(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
	}
	if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Peek(ctx, "tenant:acme", "", RequestCost(0)); err == nil {
		t.Error("peek should report exhaustion")
	}
}

func TestLimit_ScopeAndItems(t *testing.T) {
	l := Limit{Name: "bedrock", Scope: "tenant", Items: []string{"bedrock:*", "openai:gpt-4o"}}

	tests := []struct {
		identifier string
		item       string
		want       bool
	}{
		{"tenant:acme", "bedrock:anthropic.claude-3-haiku", true},
		{"tenant:acme", "openai:gpt-4o", true},
		{"tenant:acme", "openai:gpt-4o-mini", false},
		{"user:bob", "bedrock:anthropic.claude-3-haiku", false},
		{"tenant:acme", "", true},
	}

	for _, tt := range tests {
		if got := l.appliesTo(tt.identifier, tt.item); got != tt.want {
			t.Errorf("appliesTo(%q, %q) = %v, want %v", tt.identifier, tt.item, got, tt.want)
		}
	}
}

func TestCheckAndReserve_NoApplicableLimits(t *testing.T) {
	e, _ := newTestEnforcer(Limit{Name: "users", Scope: "user", Max: 1, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := res.Release(ctx); err != nil {
			t.Fatalf("Release of empty reservation: %v", err)
		}
	}
}

func TestCheckAndReserve_ConcurrentAdmitsExactlyMax(t *testing.T) {
	e, _ := newTestEnforcer(Limit{Name: "rpm", Max: 100, Window: time.Minute})
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := e.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err == nil {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 100 {
		t.Errorf("admitted = %d, want 100", got)
	}
}

func TestSnapshotRestore_SurvivesRestart(t *testing.T) {
	tests := []struct {
		name  string
		limit Limit
		down  time.Duration
	}{
		{"fixed window", Limit{Name: "rpm", Max: 3, Window: time.Minute}, 10 * time.Second},
		{"sliding window", Limit{Name: "rpm", Max: 3, Window: time.Minute, Algorithm: SlidingWindow}, 10 * time.Second},
		{"token bucket", Limit{Name: "rpm", Max: 3, Window: 30 * time.Second, Algorithm: TokenBucket}, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			before, mock := newTestEnforcer(tt.limit)
			for i := 0; i < 3; i++ {
				if _, err := before.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err != nil {
					t.Fatalf("request %d should be admitted: %v", i+1, err)
				}
			}
			saved, err := before.Snapshot(ctx)
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			if len(saved) != 1 || saved[0].Count != 3 {
				t.Fatalf("Snapshot() = %+v, want one window with count 3", saved)
			}

			after, restarted := newTestEnforcer(tt.limit)
			restarted.Set(mock.Now().Add(tt.down))
			if n := after.Restore(saved); n != 1 {
				t.Fatalf("Restore() = %d, want 1", n)
			}
			if _, err := after.CheckAndReserve(ctx, "tenant:acme", "", RequestCost(0)); err == nil {
				t.Error("restored quota should still be exhausted")
			}
		})
	}
}

func TestRestore_SkipsStaleAndUnknownWindows(t *testing.T) {
	e, mock := newTestEnforcer(Limit{Name: "rpm", Max: 3, Window: time.Minute})
	mock.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	start := mock.Now().Add(-2 * time.Minute)

	n := e.Restore([]WindowState{
		{Identifier: "tenant:acme", Limit: "rpm", Algorithm: FixedWindow, Count: 3, Start: start, End: start.Add(time.Minute)},
		{Identifier: "tenant:acme", Limit: "gone", Algorithm: FixedWindow, Count: 3, Start: mock.Now(), End: mock.Now().Add(time.Minute)},
		{Identifier: "tenant:acme", Limit: "rpm", Algorithm: TokenBucket, Count: 3, Start: mock.Now()},
	})
	if n != 0 {
		t.Errorf("Restore() = %d, want 0", n)
	}
	if _, err := e.CheckAndReserve(context.Background(), "tenant:acme", "", RequestCost(0)); err != nil {
		t.Errorf("nothing was restored, request should pass: %v", err)
	}
}
