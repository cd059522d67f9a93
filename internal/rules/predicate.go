package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

type PredicateType string

const (
	PredicateRange PredicateType = "range"
	PredicateIn    PredicateType = "in"
	PredicateNotIn PredicateType = "not_in"
	PredicateRegex PredicateType = "regex"
)

// Field is a candidate attribute a predicate can test.
type Field string

const (
	FieldProvider      Field = "provider"
	FieldModel         Field = "model"
	FieldCost          Field = "cost"
	FieldLatencyMs     Field = "latency_ms"
	FieldIntelligence  Field = "intelligence"
	FieldReliability   Field = "reliability"
	FieldContextWindow Field = "context_window"
	FieldTaskType      Field = "task_type"
)

// Predicate is a hard filter. A candidate that does not satisfy it is excluded.
type Predicate struct {
	Type    PredicateType `yaml:"type" json:"type" validate:"required,oneof=range in not_in regex"`
	Field   Field         `yaml:"field" json:"field" validate:"required,oneof=provider model cost latency_ms intelligence reliability context_window task_type"`
	Min     *float64      `yaml:"min" json:"min,omitempty"`
	Max     *float64      `yaml:"max" json:"max,omitempty"`
	Values  []string      `yaml:"values" json:"values,omitempty"`
	Pattern string        `yaml:"pattern" json:"pattern,omitempty"`

	re *regexp.Regexp
}

func (p *Predicate) compile() error {
	switch p.Type {
	case PredicateRange:
		if p.Min == nil && p.Max == nil {
			return fmt.Errorf("range on %s needs min or max", p.Field)
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("range on %s: min > max", p.Field)
		}
		if !isNumeric(p.Field) {
			return fmt.Errorf("range on non-numeric field %s", p.Field)
		}
	case PredicateIn, PredicateNotIn:
		if len(p.Values) == 0 {
			return fmt.Errorf("%s on %s needs values", p.Type, p.Field)
		}
	case PredicateRegex:
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("regex on %s: %w", p.Field, err)
		}
		p.re = re
	}
	return nil
}

func isNumeric(f Field) bool {
	switch f {
	case FieldCost, FieldLatencyMs, FieldIntelligence, FieldReliability, FieldContextWindow:
		return true
	}
	return false
}

func numericValue(f Field, c domain.Candidate) float64 {
	switch f {
	case FieldCost:
		return c.EstimatedCost
	case FieldLatencyMs:
		return float64(c.Prediction.ExpectedLatency.Milliseconds())
	case FieldIntelligence:
		return c.Model.IntelligenceScore
	case FieldReliability:
		return c.Prediction.ReliabilityScore
	case FieldContextWindow:
		return float64(c.Model.ContextWindow)
	}
	return 0
}

func stringValue(f Field, c domain.Candidate, actx domain.ArbitrationContext) string {
	switch f {
	case FieldProvider:
		return c.Provider
	case FieldModel:
		return c.ModelID
	case FieldTaskType:
		return string(actx.TaskType)
	}
	return strconv.FormatFloat(numericValue(f, c), 'f', -1, 64)
}

// Match reports whether the candidate satisfies the predicate.
func (p *Predicate) Match(c domain.Candidate, actx domain.ArbitrationContext) bool {
	switch p.Type {
	case PredicateRange:
		v := numericValue(p.Field, c)
		if p.Min != nil && v < *p.Min {
			return false
		}
		if p.Max != nil && v > *p.Max {
			return false
		}
		return true
	case PredicateIn:
		return containsFold(p.Values, stringValue(p.Field, c, actx))
	case PredicateNotIn:
		return !containsFold(p.Values, stringValue(p.Field, c, actx))
	case PredicateRegex:
		if p.re == nil {
			return false
		}
		return p.re.MatchString(stringValue(p.Field, c, actx))
	}
	return false
}

func (p *Predicate) String() string {
	switch p.Type {
	case PredicateRange:
		var parts []string
		if p.Min != nil {
			parts = append(parts, fmt.Sprintf("%s >= %g", p.Field, *p.Min))
		}
		if p.Max != nil {
			parts = append(parts, fmt.Sprintf("%s <= %g", p.Field, *p.Max))
		}
		return strings.Join(parts, " and ")
	case PredicateRegex:
		return fmt.Sprintf("%s =~ %s", p.Field, p.Pattern)
	default:
		return fmt.Sprintf("%s %s [%s]", p.Field, p.Type, strings.Join(p.Values, ","))
	}
}

func containsFold(values []string, v string) bool {
	for _, s := range values {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
