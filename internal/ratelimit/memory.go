package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const shardCount = 32

// InMemoryEnforcer keeps quota windows in process memory. Each identifier has
// its own lock, so one tenant's traffic never waits on another's.
// Suitable for single-instance deployments.
type InMemoryEnforcer struct {
	limits []Limit
	clock  clock.Clock
	shards [shardCount]idShard
}

type idShard struct {
	mu  sync.Mutex
	ids map[string]*identifierState
}

type identifierState struct {
	mu       sync.Mutex
	counters map[string]counter
}

type counter interface {
	check(now time.Time, amount int64) (ok bool, current int64, retryAfter time.Duration)
	reserve(now time.Time, amount int64, member string) (start time.Time)
	release(amount int64, start time.Time, member string)
	state(now time.Time) (count int64, start, end time.Time)
	// restore seeds the counter from a saved window. It reports false when
	// the window no longer holds anything at now.
	restore(ws WindowState, now time.Time) bool
}

type InMemoryOption func(*InMemoryEnforcer)

func WithClock(clk clock.Clock) InMemoryOption {
	return func(e *InMemoryEnforcer) {
		e.clock = clk
	}
}

func NewInMemoryEnforcer(limits []Limit, opts ...InMemoryOption) *InMemoryEnforcer {
	e := &InMemoryEnforcer{clock: clock.New()}
	for _, l := range limits {
		e.limits = append(e.limits, l.normalized())
	}
	for i := range e.shards {
		e.shards[i].ids = make(map[string]*identifierState)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *InMemoryEnforcer) stateFor(identifier string) *identifierState {
	h := fnv.New32a()
	h.Write([]byte(identifier))
	s := &e.shards[h.Sum32()%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.ids[identifier]
	if !ok {
		st = &identifierState{counters: make(map[string]counter)}
		s.ids[identifier] = st
	}
	return st
}

func (st *identifierState) counterFor(l Limit) counter {
	c, ok := st.counters[l.Name]
	if ok {
		return c
	}
	switch l.Algorithm {
	case SlidingWindow:
		c = &slidingCounter{window: l.Window, max: l.Max}
	case TokenBucket:
		c = &bucketCounter{window: l.Window, max: l.Max}
	default:
		c = &fixedCounter{window: l.Window, max: l.Max}
	}
	st.counters[l.Name] = c
	return c
}

func (e *InMemoryEnforcer) CheckAndReserve(ctx context.Context, identifier, item string, cost Cost) (*Reservation, error) {
	limits := matchingLimits(e.limits, identifier, item, cost)
	res := &Reservation{
		ID:         uuid.New().String(),
		Identifier: identifier,
		Item:       item,
		release:    e.release,
	}
	if len(limits) == 0 {
		return res, nil
	}

	st := e.stateFor(identifier)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.clock.Now()
	res.ReservedAt = now

	for _, l := range limits {
		ok, current, retryAfter := st.counterFor(l.Limit).check(now, cost.amountFor(l.Kind))
		if !ok {
			return nil, denial(identifier, l.Limit, current, retryAfter)
		}
	}

	for _, l := range limits {
		amount := cost.amountFor(l.Kind)
		start := st.counterFor(l.Limit).reserve(now, amount, res.ID)
		res.entries = append(res.entries, reservedEntry{limit: l.Limit, index: l.index, amount: amount, start: start})
	}
	return res, nil
}

func (e *InMemoryEnforcer) Peek(ctx context.Context, identifier, item string, cost Cost) error {
	limits := matchingLimits(e.limits, identifier, item, cost)
	if len(limits) == 0 {
		return nil
	}

	st := e.stateFor(identifier)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.clock.Now()
	for _, l := range limits {
		ok, current, retryAfter := st.counterFor(l.Limit).check(now, cost.amountFor(l.Kind))
		if !ok {
			return denial(identifier, l.Limit, current, retryAfter)
		}
	}
	return nil
}

func (e *InMemoryEnforcer) release(ctx context.Context, r *Reservation) error {
	st := e.stateFor(r.Identifier)
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, entry := range r.entries {
		st.counterFor(entry.limit).release(entry.amount, entry.start, r.ID)
	}
	return nil
}

func (e *InMemoryEnforcer) Windows(ctx context.Context, identifier string) ([]WindowState, error) {
	st := e.stateFor(identifier)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.clock.Now()
	var out []WindowState
	for _, l := range e.limits {
		if !l.appliesTo(identifier, "") {
			continue
		}
		count, start, end := st.counterFor(l).state(now)
		out = append(out, WindowState{
			Identifier: identifier,
			Limit:      l.Name,
			Algorithm:  l.Algorithm,
			Count:      count,
			Max:        l.Max,
			Start:      start,
			End:        end,
		})
	}
	return out, nil
}

// Snapshot returns every window with usage, across all identifiers, ordered
// by identifier.
func (e *InMemoryEnforcer) Snapshot(ctx context.Context) ([]WindowState, error) {
	var ids []string
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.Lock()
		for id := range s.ids {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(ids)

	var out []WindowState
	for _, id := range ids {
		ws, err := e.Windows(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, w := range ws {
			if w.Count > 0 {
				out = append(out, w)
			}
		}
	}
	return out, nil
}

// Restore seeds counters from saved windows and returns how many were
// applied. Windows for limits no longer configured, or configured with a
// different algorithm, are skipped, as are windows that have expired.
func (e *InMemoryEnforcer) Restore(windows []WindowState) int {
	byName := make(map[string]Limit, len(e.limits))
	for _, l := range e.limits {
		byName[l.Name] = l
	}

	now := e.clock.Now()
	restored := 0
	for _, ws := range windows {
		l, ok := byName[ws.Limit]
		if !ok || l.Algorithm != ws.Algorithm || !l.appliesTo(ws.Identifier, "") {
			continue
		}
		st := e.stateFor(ws.Identifier)
		st.mu.Lock()
		if st.counterFor(l).restore(ws, now) {
			restored++
		}
		st.mu.Unlock()
	}
	return restored
}

// fixedCounter resets to zero at the end of each window. A window opens on
// the first request after the previous one ended.
type fixedCounter struct {
	window time.Duration
	max    int64
	count  int64
	start  time.Time
	end    time.Time
}

func (c *fixedCounter) roll(now time.Time) {
	if c.end.IsZero() || !now.Before(c.end) {
		c.start = now
		c.end = now.Add(c.window)
		c.count = 0
	}
}

func (c *fixedCounter) check(now time.Time, amount int64) (bool, int64, time.Duration) {
	c.roll(now)
	if c.count+amount > c.max {
		return false, c.count, c.end.Sub(now)
	}
	return true, c.count, 0
}

func (c *fixedCounter) reserve(now time.Time, amount int64, member string) time.Time {
	c.roll(now)
	c.count += amount
	return c.start
}

func (c *fixedCounter) release(amount int64, start time.Time, member string) {
	// Units from an expired window are already gone.
	if !start.Equal(c.start) {
		return
	}
	c.count -= amount
	if c.count < 0 {
		c.count = 0
	}
}

func (c *fixedCounter) state(now time.Time) (int64, time.Time, time.Time) {
	if c.end.IsZero() || !now.Before(c.end) {
		return 0, now, now.Add(c.window)
	}
	return c.count, c.start, c.end
}

func (c *fixedCounter) restore(ws WindowState, now time.Time) bool {
	if !now.Before(ws.End) {
		return false
	}
	c.start, c.end, c.count = ws.Start, ws.End, ws.Count
	return true
}

type slidingEntry struct {
	at     time.Time
	amount int64
	member string
}

// slidingCounter counts what was admitted during the trailing window.
type slidingCounter struct {
	window  time.Duration
	max     int64
	entries []slidingEntry
}

func (c *slidingCounter) prune(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.entries) && !c.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		c.entries = append(c.entries[:0], c.entries[i:]...)
	}
}

func (c *slidingCounter) usage() int64 {
	var total int64
	for _, e := range c.entries {
		total += e.amount
	}
	return total
}

func (c *slidingCounter) check(now time.Time, amount int64) (bool, int64, time.Duration) {
	c.prune(now)
	current := c.usage()
	if current+amount <= c.max {
		return true, current, 0
	}

	need := current + amount - c.max
	var freed int64
	for _, e := range c.entries {
		freed += e.amount
		if freed >= need {
			return false, current, e.at.Add(c.window).Sub(now)
		}
	}
	return false, current, c.window
}

func (c *slidingCounter) reserve(now time.Time, amount int64, member string) time.Time {
	c.prune(now)
	c.entries = append(c.entries, slidingEntry{at: now, amount: amount, member: member})
	return now
}

func (c *slidingCounter) release(amount int64, start time.Time, member string) {
	for i, e := range c.entries {
		if e.member == member {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

func (c *slidingCounter) state(now time.Time) (int64, time.Time, time.Time) {
	c.prune(now)
	return c.usage(), now.Add(-c.window), now
}

// restore keeps the saved total as one entry stamped at the snapshot time.
// Individual admission times are lost, so the units stay counted for a full
// window after the snapshot.
func (c *slidingCounter) restore(ws WindowState, now time.Time) bool {
	if !ws.End.Add(c.window).After(now) {
		return false
	}
	c.entries = append(c.entries[:0], slidingEntry{at: ws.End, amount: ws.Count, member: "restored"})
	return true
}

// bucketCounter holds up to max tokens and refills at max per window.
type bucketCounter struct {
	window time.Duration
	max    int64
	tokens float64
	last   time.Time
	init   bool
}

func (c *bucketCounter) rate() float64 {
	return float64(c.max) / c.window.Seconds()
}

func (c *bucketCounter) refill(now time.Time) {
	if !c.init {
		c.tokens = float64(c.max)
		c.last = now
		c.init = true
		return
	}
	elapsed := now.Sub(c.last).Seconds()
	if elapsed > 0 {
		c.tokens = math.Min(float64(c.max), c.tokens+elapsed*c.rate())
		c.last = now
	}
}

func (c *bucketCounter) check(now time.Time, amount int64) (bool, int64, time.Duration) {
	c.refill(now)
	current := c.max - int64(math.Floor(c.tokens))
	if float64(amount) <= c.tokens {
		return true, current, 0
	}
	if amount > c.max {
		return false, current, c.window
	}
	missing := float64(amount) - c.tokens
	wait := time.Duration(math.Ceil(missing / c.rate() * float64(time.Second)))
	return false, current, wait
}

func (c *bucketCounter) reserve(now time.Time, amount int64, member string) time.Time {
	c.refill(now)
	c.tokens -= float64(amount)
	return c.last
}

func (c *bucketCounter) release(amount int64, start time.Time, member string) {
	c.tokens = math.Min(float64(c.max), c.tokens+float64(amount))
}

// restore drains the bucket to the saved level as of the last refill; the
// next check refills for the time in between.
func (c *bucketCounter) restore(ws WindowState, now time.Time) bool {
	if ws.Start.After(now) {
		return false
	}
	c.tokens = math.Max(0, float64(c.max-ws.Count))
	c.last = ws.Start
	c.init = true
	return true
}

func (c *bucketCounter) state(now time.Time) (int64, time.Time, time.Time) {
	c.refill(now)
	missing := float64(c.max) - c.tokens
	full := time.Duration(missing / c.rate() * float64(time.Second))
	return c.max - int64(math.Floor(c.tokens)), c.last, now.Add(full)
}
