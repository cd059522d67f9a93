package cost

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

const (
	defaultHistorySize = 100
	defaultAlpha       = 0.2

	// NeutralReliability is assumed for a model with no recorded outcomes.
	NeutralReliability = 0.5
)

// PerformanceStats is the persisted form of one model's history.
type PerformanceStats struct {
	ModelID     string          `json:"model_id"`
	Provider    string          `json:"provider"`
	EWMALatency time.Duration   `json:"ewma_latency"`
	Latencies   []time.Duration `json:"latencies"`
	Outcomes    []bool          `json:"outcomes"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type history struct {
	mu        sync.Mutex
	ewma      float64
	latencies []time.Duration
	outcomes  []bool
	updatedAt time.Time
}

// PerformanceTracker keeps recent latencies and outcomes per (model, provider).
type PerformanceTracker struct {
	mu    sync.RWMutex
	stats map[string]*history
	size  int
	alpha float64
}

func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		stats: make(map[string]*history),
		size:  defaultHistorySize,
		alpha: defaultAlpha,
	}
}

func (t *PerformanceTracker) get(provider, modelID string) *history {
	key := domain.CircuitID(provider, modelID)

	t.mu.RLock()
	h, ok := t.stats[key]
	t.mu.RUnlock()
	if ok {
		return h
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok = t.stats[key]; ok {
		return h
	}
	h = &history{}
	t.stats[key] = h
	return h
}

// Record adds one dispatch outcome. Latency only counts toward the latency
// figures when the call succeeded.
func (t *PerformanceTracker) Record(provider, modelID string, latency time.Duration, success bool) {
	h := t.get(provider, modelID)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.outcomes = appendBounded(h.outcomes, success, t.size)
	h.updatedAt = time.Now()
	if !success {
		return
	}
	if len(h.latencies) == 0 {
		h.ewma = float64(latency)
	} else {
		h.ewma = t.alpha*float64(latency) + (1-t.alpha)*h.ewma
	}
	h.latencies = appendBounded(h.latencies, latency, t.size)
}

func appendBounded[T any](s []T, v T, size int) []T {
	s = append(s, v)
	if len(s) > size {
		s = s[len(s)-size:]
	}
	return s
}

// Predict returns the expected performance of a model. Without history it
// falls back to baseline latency and neutral reliability.
func (t *PerformanceTracker) Predict(provider, modelID string, baseline time.Duration) domain.PerformancePrediction {
	t.mu.RLock()
	h, ok := t.stats[domain.CircuitID(provider, modelID)]
	t.mu.RUnlock()

	neutral := domain.PerformancePrediction{
		ExpectedLatency:    baseline,
		P50:                baseline,
		P95:                baseline,
		ReliabilityScore:   NeutralReliability,
		SuccessProbability: NeutralReliability,
	}
	if !ok {
		return neutral
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.outcomes) == 0 {
		return neutral
	}

	var successes int
	for _, ok := range h.outcomes {
		if ok {
			successes++
		}
	}
	total := len(h.outcomes)

	p := domain.PerformancePrediction{
		ExpectedLatency:    baseline,
		P50:                baseline,
		P95:                baseline,
		ReliabilityScore:   float64(successes) / float64(total),
		SuccessProbability: (float64(successes) + 1) / (float64(total) + 2),
		SampleCount:        total,
	}
	if len(h.latencies) > 0 {
		sorted := make([]time.Duration, len(h.latencies))
		copy(sorted, h.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		p.ExpectedLatency = time.Duration(h.ewma)
		p.P50 = percentile(sorted, 50)
		p.P95 = percentile(sorted, 95)
	}
	return p
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, pct int) time.Duration {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func (t *PerformanceTracker) Snapshot() []PerformanceStats {
	t.mu.RLock()
	keys := make([]string, 0, len(t.stats))
	for k := range t.stats {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	sort.Strings(keys)

	out := make([]PerformanceStats, 0, len(keys))
	for _, k := range keys {
		t.mu.RLock()
		h := t.stats[k]
		t.mu.RUnlock()

		provider, modelID := splitKey(k)
		h.mu.Lock()
		out = append(out, PerformanceStats{
			ModelID:     modelID,
			Provider:    provider,
			EWMALatency: time.Duration(h.ewma),
			Latencies:   append([]time.Duration(nil), h.latencies...),
			Outcomes:    append([]bool(nil), h.outcomes...),
			UpdatedAt:   h.updatedAt,
		})
		h.mu.Unlock()
	}
	return out
}

// Restore replaces history with previously persisted stats.
func (t *PerformanceTracker) Restore(stats []PerformanceStats) {
	for _, s := range stats {
		h := t.get(s.Provider, s.ModelID)
		h.mu.Lock()
		h.ewma = float64(s.EWMALatency)
		h.latencies = appendAll(s.Latencies, t.size)
		h.outcomes = appendAll(s.Outcomes, t.size)
		h.updatedAt = s.UpdatedAt
		h.mu.Unlock()
	}
}

func appendAll[T any](s []T, size int) []T {
	if len(s) > size {
		s = s[len(s)-size:]
	}
	return append([]T(nil), s...)
}

func splitKey(key string) (provider, modelID string) {
	provider, modelID, _ = strings.Cut(key, ":")
	return provider, modelID
}
