package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoSuitableModel   = errors.New("no suitable model")
	ErrAllModelsFailed   = errors.New("all models failed")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidRule       = errors.New("invalid rule")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrProviderNotFound  = errors.New("provider not found")
	ErrProviderError     = errors.New("provider error")
)

// NoSuitableModelError is returned when filtering leaves no candidate.
type NoSuitableModelError struct {
	RequestID  string
	Exclusions []Exclusion
}

func (e *NoSuitableModelError) Error() string {
	if len(e.Exclusions) == 0 {
		return "no suitable model: catalog produced no candidates"
	}
	return fmt.Sprintf("no suitable model: %d candidates excluded", len(e.Exclusions))
}

func (e *NoSuitableModelError) Unwrap() error { return ErrNoSuitableModel }

type AttemptFailure struct {
	ModelID  string
	Provider string
	Err      error
}

// AllModelsFailedError carries the failure of every candidate tried.
type AllModelsFailedError struct {
	RequestID string
	Attempts  []AttemptFailure
}

func (e *AllModelsFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s:%s: %v", a.Provider, a.ModelID, a.Err))
	}
	return fmt.Sprintf("all models failed (%d attempts): %s", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *AllModelsFailedError) Unwrap() error { return ErrAllModelsFailed }

type BudgetExceededError struct {
	Scope     BudgetScope
	Amount    float64
	Used      float64
	Requested float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: used %.6f + requested %.6f > amount %.6f",
		e.Scope.Key(), e.Used, e.Requested, e.Amount)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

type CircuitOpenError struct {
	CircuitID  string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %s", e.CircuitID, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

type RateLimitExceededError struct {
	Identifier   string
	Limit        string
	CurrentUsage int64
	Max          int64
	RetryAfter   time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit %q exceeded for %s: %d/%d, retry after %s",
		e.Limit, e.Identifier, e.CurrentUsage, e.Max, e.RetryAfter)
}

func (e *RateLimitExceededError) Unwrap() error { return ErrRateLimitExceeded }

// RetryAfter extracts the retry hint from circuit-open and rate-limit errors.
func RetryAfter(err error) (time.Duration, bool) {
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return coe.RetryAfter, true
	}
	var rle *RateLimitExceededError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
