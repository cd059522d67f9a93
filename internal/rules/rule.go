// Package rules holds arbitration rules: when they apply, which candidates
// they exclude, and how they weigh the scoring dimensions.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

type CapabilityRequirement struct {
	Type     domain.CapabilityType `yaml:"type" json:"type" validate:"required"`
	MinScore float64               `yaml:"min_score" json:"min_score" validate:"gte=0,lte=100"`
}

// Compliance lists requirements that lower the compliance score when unmet.
type Compliance struct {
	Region           string `yaml:"region" json:"region,omitempty"`
	DataResidency    bool   `yaml:"data_residency" json:"data_residency,omitempty"`
	EncryptionAtRest bool   `yaml:"encryption_at_rest" json:"encryption_at_rest,omitempty"`
}

// TimeWindow limits a rule to a time of day and, optionally, days of the week.
// Start after End wraps past midnight. Start equal to End is rejected.
type TimeWindow struct {
	Start    string   `yaml:"start" json:"start" validate:"required"`
	End      string   `yaml:"end" json:"end" validate:"required"`
	Days     []string `yaml:"days" json:"days,omitempty" validate:"dive,oneof=mon tue wed thu fri sat sun"`
	Location string   `yaml:"location" json:"location,omitempty"`

	start, end int
	loc        *time.Location
}

func (w *TimeWindow) compile() error {
	var err error
	if w.start, err = parseClock(w.Start); err != nil {
		return err
	}
	if w.end, err = parseClock(w.End); err != nil {
		return err
	}
	if w.start == w.end {
		return fmt.Errorf("time window %s-%s is empty; use 00:00-23:59 for all day", w.Start, w.End)
	}
	w.loc = time.UTC
	if w.Location != "" {
		if w.loc, err = time.LoadLocation(w.Location); err != nil {
			return fmt.Errorf("location %q: %w", w.Location, err)
		}
	}
	return nil
}

// parseClock turns "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("time %q: invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q: invalid minute", s)
	}
	return h*60 + m, nil
}

var weekdays = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// Contains reports whether t falls inside the window.
func (w *TimeWindow) Contains(t time.Time) bool {
	loc := w.loc
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)

	if len(w.Days) > 0 {
		day := weekdays[local.Weekday()]
		found := false
		for _, d := range w.Days {
			if strings.EqualFold(d, day) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	minute := local.Hour()*60 + local.Minute()
	if w.start <= w.end {
		return minute >= w.start && minute < w.end
	}
	return minute >= w.start || minute < w.end
}

// Condition decides whether a rule applies to a request. Empty fields match.
type Condition struct {
	TimeWindow       *TimeWindow `yaml:"time_window" json:"time_window,omitempty"`
	TaskType         string      `yaml:"task_type" json:"task_type,omitempty"`
	MinBudgetPercent *float64    `yaml:"min_budget_percent" json:"min_budget_percent,omitempty" validate:"omitempty,gte=0"`
	MaxBudgetPercent *float64    `yaml:"max_budget_percent" json:"max_budget_percent,omitempty" validate:"omitempty,gte=0"`
}

// Matches evaluates the condition at now with the request's budget usage
// percentage.
func (c Condition) Matches(actx domain.ArbitrationContext, now time.Time, budgetPercent float64) bool {
	if c.TimeWindow != nil && !c.TimeWindow.Contains(now) {
		return false
	}
	if c.TaskType != "" && !strings.EqualFold(c.TaskType, string(actx.TaskType)) {
		return false
	}
	if c.MinBudgetPercent != nil && budgetPercent < *c.MinBudgetPercent {
		return false
	}
	if c.MaxBudgetPercent != nil && budgetPercent > *c.MaxBudgetPercent {
		return false
	}
	return true
}

type Rule struct {
	ID                   string                       `yaml:"id" json:"id" validate:"required"`
	Name                 string                       `yaml:"name" json:"name"`
	Priority             int                          `yaml:"priority" json:"priority" validate:"gte=0"`
	Enabled              *bool                        `yaml:"enabled" json:"enabled,omitempty"`
	Condition            Condition                    `yaml:"condition" json:"condition"`
	Weights              map[domain.Dimension]float64 `yaml:"weights" json:"weights" validate:"required"`
	MaxCost              float64                      `yaml:"max_cost" json:"max_cost,omitempty" validate:"gte=0"`
	EnforceMaxCost       bool                         `yaml:"enforce_max_cost" json:"enforce_max_cost,omitempty"`
	RequiredCapabilities []CapabilityRequirement      `yaml:"required_capabilities" json:"required_capabilities,omitempty" validate:"dive"`
	Compliance           Compliance                   `yaml:"compliance" json:"compliance"`
	HardFilters          []Predicate                  `yaml:"hard_filters" json:"hard_filters,omitempty" validate:"dive"`
}

func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// DisplayName is the rule name, or its ID when unnamed.
func (r Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// validateWeights rejects unknown dimensions, negative weights, and weight
// maps that sum to zero.
func (r Rule) validateWeights() error {
	var sum float64
	for dim, w := range r.Weights {
		if !knownDimension(dim) {
			return fmt.Errorf("rule %s: unknown dimension %q", r.ID, dim)
		}
		if w < 0 {
			return fmt.Errorf("rule %s: negative weight for %s", r.ID, dim)
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("rule %s: weights must not all be zero", r.ID)
	}
	return nil
}

func knownDimension(d domain.Dimension) bool {
	for _, known := range domain.Dimensions {
		if d == known {
			return true
		}
	}
	return false
}
