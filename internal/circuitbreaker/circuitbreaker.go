// Package circuitbreaker implements the per-circuit breaker registry that gates
// every outbound provider call. A circuit is keyed by "provider:model".
//
// States:
//   - Closed: Normal operation, requests pass through
//   - Open: Provider unhealthy, requests fail immediately with the time left until a trial
//   - Half-Open: Testing recovery, at most MaxHalfOpenTestRequests trials in flight
//
// Circuits are created lazily and each one carries its own lock, so traffic to
// unrelated providers never contends. Open to Half-Open is evaluated at call
// time; there is no background timer.
package circuitbreaker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/metrics"
)

// State represents the current state of a circuit.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing fast
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// gaugeValue keeps the exported metric ordering (0=closed, 1=half-open, 2=open).
func (s State) gaugeValue() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config defines circuit behavior.
type Config struct {
	FailureThreshold           int           // Consecutive failures before opening
	FailurePercentageThreshold float64       // Window failure percentage (0-100) before opening; 0 disables
	MinimumThroughput          int           // Window samples required before the percentage rule applies
	SlidingWindow              time.Duration // Duration of the failure-rate window
	ResetTimeout               time.Duration // Time in Open before probing
	MaxHalfOpenTestRequests    int           // Trials allowed in flight while half-open
	SuccessThreshold           int           // Trial successes needed to close
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:           5,
		FailurePercentageThreshold: 50,
		MinimumThroughput:          10,
		SlidingWindow:              60 * time.Second,
		ResetTimeout:               30 * time.Second,
		MaxHalfOpenTestRequests:    1,
		SuccessThreshold:           2,
	}
}

func (c Config) normalized() Config {
	if c.MaxHalfOpenTestRequests <= 0 {
		c.MaxHalfOpenTestRequests = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.SlidingWindow <= 0 {
		c.SlidingWindow = time.Minute
	}
	return c
}

// Snapshot is a point-in-time copy of a circuit.
type Snapshot struct {
	ID                  string    `json:"id"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowTotal         int       `json:"window_total"`
	WindowFailures      int       `json:"window_failures"`
	HalfOpenInFlight    int       `json:"half_open_in_flight"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
	LastError           string    `json:"last_error,omitempty"`
}

func (s Snapshot) FailurePercentage() float64 {
	if s.WindowTotal == 0 {
		return 0
	}
	return float64(s.WindowFailures) / float64(s.WindowTotal) * 100
}

type circuit struct {
	mu     sync.Mutex
	id     string
	config Config
	window *slidingWindow

	state               State
	consecutiveFailures int
	halfOpenInFlight    int
	halfOpenSuccesses   int
	lastSuccess         time.Time
	lastFailure         time.Time
	lastStateChange     time.Time
	lastError           string
	// generation changes on every transition so permits issued under an
	// older state cannot touch the current trial accounting.
	generation uint64

	// Checkpoint queue, guarded by ckMu rather than mu so a slow store never
	// holds up Acquire. ckGen is the newest generation queued or saved.
	ckMu      sync.Mutex
	ckPending *Snapshot
	ckGen     uint64
	ckRunning bool
}

type transition struct {
	from, to State
	snap     Snapshot
	circuit  *circuit
	gen      uint64
}

func newCircuit(id string, cfg Config, now time.Time) *circuit {
	return &circuit{
		id:              id,
		config:          cfg,
		window:          newSlidingWindow(cfg.SlidingWindow),
		state:           StateClosed,
		lastStateChange: now,
	}
}

func (c *circuit) setState(to State, now time.Time) *transition {
	from := c.state
	c.state = to
	c.lastStateChange = now
	c.halfOpenInFlight = 0
	c.halfOpenSuccesses = 0
	c.generation++
	if to == StateClosed {
		c.consecutiveFailures = 0
		c.window.reset()
	}
	return &transition{from: from, to: to, snap: c.snapshot(now), circuit: c, gen: c.generation}
}

// advance applies the lazy Open -> Half-Open transition.
func (c *circuit) advance(now time.Time) *transition {
	if c.state == StateOpen && now.Sub(c.lastStateChange) >= c.config.ResetTimeout {
		return c.setState(StateHalfOpen, now)
	}
	return nil
}

func (c *circuit) retryAfter(now time.Time) time.Duration {
	remaining := c.config.ResetTimeout - now.Sub(c.lastStateChange)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *circuit) shouldTrip(now time.Time) bool {
	if c.config.FailureThreshold > 0 && c.consecutiveFailures >= c.config.FailureThreshold {
		return true
	}
	if c.config.FailurePercentageThreshold <= 0 {
		return false
	}
	total, failures := c.window.counts(now)
	floor := c.config.MinimumThroughput
	if floor < 1 {
		floor = 1
	}
	if total < floor {
		return false
	}
	return float64(failures)/float64(total)*100 >= c.config.FailurePercentageThreshold
}

func (c *circuit) snapshot(now time.Time) Snapshot {
	total, failures := c.window.counts(now)
	return Snapshot{
		ID:                  c.id,
		State:               c.state,
		StateName:           c.state.String(),
		ConsecutiveFailures: c.consecutiveFailures,
		WindowTotal:         total,
		WindowFailures:      failures,
		HalfOpenInFlight:    c.halfOpenInFlight,
		HalfOpenSuccesses:   c.halfOpenSuccesses,
		LastSuccess:         c.lastSuccess,
		LastFailure:         c.lastFailure,
		LastStateChange:     c.lastStateChange,
		LastError:           c.lastError,
	}
}

// StateChangeFunc is called after a circuit changes state, outside any lock.
type StateChangeFunc func(id string, from, to State, snap Snapshot)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
}

// Registry owns every circuit in the process.
type Registry struct {
	shards       [shardCount]shard
	config       Config
	overrides    map[string]Config
	clock        clock.Clock
	checkpointer Checkpointer

	listenerMu sync.RWMutex
	listeners  []StateChangeFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithClock(clk clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = clk
	}
}

// WithCheckpointer persists snapshots on every transition and restores them
// when a circuit is first touched.
func WithCheckpointer(cp Checkpointer) RegistryOption {
	return func(r *Registry) {
		r.checkpointer = cp
	}
}

// WithCircuitConfig overrides the default config for one circuit id.
func WithCircuitConfig(id string, cfg Config) RegistryOption {
	return func(r *Registry) {
		r.overrides[id] = cfg.normalized()
	}
}

func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		config:    cfg.normalized(),
		overrides: make(map[string]Config),
		clock:     clock.New(),
	}
	for i := range r.shards {
		r.shards[i].circuits = make(map[string]*circuit)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStateChange registers a listener for state transitions.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry) configFor(id string) Config {
	if cfg, ok := r.overrides[id]; ok {
		return cfg
	}
	return r.config
}

func (r *Registry) lookup(id string) (*circuit, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	c, ok := s.circuits[id]
	s.mu.RUnlock()
	return c, ok
}

// get returns the circuit for id, creating it (and restoring any checkpoint) on first use.
func (r *Registry) get(id string) *circuit {
	if c, ok := r.lookup(id); ok {
		return c
	}

	c := newCircuit(id, r.configFor(id), r.clock.Now())
	if r.checkpointer != nil {
		r.restore(c)
	}

	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.circuits[id]; ok {
		return existing
	}
	s.circuits[id] = c
	return c
}

func (r *Registry) restore(c *circuit) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap, ok, err := r.checkpointer.Load(ctx, c.id)
	if err != nil {
		slog.Warn("failed to restore circuit checkpoint", "circuit_id", c.id, "error", err)
		return
	}
	if !ok {
		return
	}
	c.state = snap.State
	c.consecutiveFailures = snap.ConsecutiveFailures
	c.lastSuccess = snap.LastSuccess
	c.lastFailure = snap.LastFailure
	if !snap.LastStateChange.IsZero() {
		c.lastStateChange = snap.LastStateChange
	}
}

func (r *Registry) emit(t *transition) {
	if t == nil || t.from == t.to {
		return
	}

	metrics.SetCircuitBreakerState(t.snap.ID, t.to.gaugeValue())
	slog.Info("circuit state changed",
		"circuit_id", t.snap.ID,
		"from", t.from.String(),
		"to", t.to.String(),
		"consecutive_failures", t.snap.ConsecutiveFailures,
	)

	if r.checkpointer != nil {
		r.queueCheckpoint(t.circuit, t.gen, t.snap)
	}

	r.listenerMu.RLock()
	listeners := make([]StateChangeFunc, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(t.snap.ID, t.from, t.to, t.snap)
	}
}

// queueCheckpoint hands snap to the circuit's saver. Saves for one circuit run
// one at a time in generation order: a snapshot older than one already queued
// is dropped, and a newer one replaces whatever is still pending.
func (r *Registry) queueCheckpoint(c *circuit, gen uint64, snap Snapshot) {
	c.ckMu.Lock()
	defer c.ckMu.Unlock()
	if gen <= c.ckGen {
		return
	}
	c.ckGen = gen
	c.ckPending = &snap
	if c.ckRunning {
		return
	}
	c.ckRunning = true
	go r.flushCheckpoints(c)
}

func (r *Registry) flushCheckpoints(c *circuit) {
	for {
		c.ckMu.Lock()
		snap := c.ckPending
		c.ckPending = nil
		if snap == nil {
			c.ckRunning = false
			c.ckMu.Unlock()
			return
		}
		c.ckMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.checkpointer.Save(ctx, *snap); err != nil {
			slog.Warn("failed to checkpoint circuit", "circuit_id", snap.ID, "error", err)
		}
		cancel()
	}
}

// CanDispatch reports whether a call may be attempted right now and, when it
// may not, how long until the circuit will admit a trial. It never reserves a
// trial slot; use Acquire before actually calling the provider.
func (r *Registry) CanDispatch(id string) (bool, time.Duration) {
	c, ok := r.lookup(id)
	if !ok {
		return true, 0
	}

	now := r.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		if remaining := c.retryAfter(now); remaining > 0 {
			return false, remaining
		}
		return true, 0
	case StateHalfOpen:
		return c.halfOpenInFlight < c.config.MaxHalfOpenTestRequests, 0
	default:
		return true, 0
	}
}

// Acquire admits one call through the circuit. The returned permit must be
// resolved exactly once with Success, Failure or Cancel. When the circuit is
// open, or half-open with every trial slot taken, it returns a
// *domain.CircuitOpenError.
func (r *Registry) Acquire(id string) (*Permit, error) {
	c := r.get(id)
	now := r.clock.Now()

	c.mu.Lock()
	t := c.advance(now)

	var (
		permit *Permit
		err    error
	)
	switch c.state {
	case StateClosed:
		permit = &Permit{registry: r, circuit: c, generation: c.generation}
	case StateOpen:
		err = &domain.CircuitOpenError{CircuitID: id, RetryAfter: c.retryAfter(now)}
	case StateHalfOpen:
		if c.halfOpenInFlight >= c.config.MaxHalfOpenTestRequests {
			err = &domain.CircuitOpenError{CircuitID: id}
		} else {
			c.halfOpenInFlight++
			permit = &Permit{registry: r, circuit: c, generation: c.generation, trial: true}
		}
	}
	c.mu.Unlock()

	r.emit(t)
	return permit, err
}

// Reset forces a circuit back to Closed and clears all counters.
func (r *Registry) Reset(id string) {
	c := r.get(id)
	now := r.clock.Now()

	c.mu.Lock()
	t := c.setState(StateClosed, now)
	c.lastFailure = time.Time{}
	c.lastSuccess = time.Time{}
	c.lastError = ""
	t.snap = c.snapshot(now)
	c.mu.Unlock()

	slog.Info("circuit reset", "circuit_id", id)
	r.emit(t)
}

// State returns the current state, applying any due Open -> Half-Open transition.
func (r *Registry) State(id string) State {
	c, ok := r.lookup(id)
	if !ok {
		return StateClosed
	}
	now := r.clock.Now()
	c.mu.Lock()
	t := c.advance(now)
	state := c.state
	c.mu.Unlock()
	r.emit(t)
	return state
}

func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	c, ok := r.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	now := r.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(now), true
}

// Snapshots returns every known circuit ordered by id.
func (r *Registry) Snapshots() []Snapshot {
	now := r.clock.Now()
	var snaps []Snapshot
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		circuits := make([]*circuit, 0, len(s.circuits))
		for _, c := range s.circuits {
			circuits = append(circuits, c)
		}
		s.mu.RUnlock()

		for _, c := range circuits {
			c.mu.Lock()
			snaps = append(snaps, c.snapshot(now))
			c.mu.Unlock()
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// States returns the current state of all circuits.
func (r *Registry) States() map[string]string {
	states := make(map[string]string)
	for _, snap := range r.Snapshots() {
		states[snap.ID] = snap.State.String()
	}
	return states
}
