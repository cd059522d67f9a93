package circuitbreaker

import (
	"sync/atomic"
)

// Permit is a single admitted call through a circuit. Only the first of
// Success, Failure or Cancel has any effect; later calls are ignored so an
// outcome can never be counted twice.
type Permit struct {
	registry   *Registry
	circuit    *circuit
	generation uint64
	trial      bool
	done       atomic.Bool
}

// CircuitID returns the id of the circuit this permit belongs to.
func (p *Permit) CircuitID() string {
	return p.circuit.id
}

// Trial reports whether the permit was issued as a half-open trial.
func (p *Permit) Trial() bool {
	return p.trial
}

func (p *Permit) currentTrial() bool {
	c := p.circuit
	return p.trial && c.state == StateHalfOpen && c.generation == p.generation
}

// Success records a successful call. Any success resets the consecutive
// failure count; enough trial successes close a half-open circuit.
func (p *Permit) Success() {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}

	c := p.circuit
	now := p.registry.clock.Now()

	c.mu.Lock()
	c.lastSuccess = now
	c.consecutiveFailures = 0
	c.window.record(now, true)

	var t *transition
	if p.currentTrial() {
		c.halfOpenInFlight--
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= c.config.SuccessThreshold {
			t = c.setState(StateClosed, now)
		}
	}
	c.mu.Unlock()

	p.registry.emit(t)
}

// Failure records a failed call, timeouts included. A failed trial reopens the
// circuit immediately and restarts the reset timeout.
func (p *Permit) Failure(err error) {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}

	c := p.circuit
	now := p.registry.clock.Now()

	c.mu.Lock()
	c.lastFailure = now
	if err != nil {
		c.lastError = err.Error()
	}
	c.window.record(now, false)

	var t *transition
	switch {
	case p.currentTrial():
		c.consecutiveFailures++
		t = c.setState(StateOpen, now)
	case c.state == StateClosed:
		c.consecutiveFailures++
		if c.shouldTrip(now) {
			t = c.setState(StateOpen, now)
		}
	}
	c.mu.Unlock()

	p.registry.emit(t)
}

// Cancel releases the permit without an outcome. A cancelled call is neither
// a success nor a failure; it only frees the trial slot it held.
func (p *Permit) Cancel() {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}

	c := p.circuit
	c.mu.Lock()
	if p.currentTrial() {
		c.halfOpenInFlight--
	}
	c.mu.Unlock()
}
