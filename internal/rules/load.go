package rules

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

var validate = validator.New()

type document struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads a rule set from a YAML file. Environment variables in the form
// ${VAR} are expanded before parsing.
func Load(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates a rule set. Any malformed rule fails the whole
// set.
func Parse(data []byte) ([]Rule, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse rules: %v", domain.ErrInvalidRule, err)
	}
	if err := Validate(doc.Rules); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// Validate checks every rule and compiles its time window and predicates in
// place.
func Validate(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		if err := validate.Struct(r); err != nil {
			return fmt.Errorf("%w: rule[%d] %s: %s", domain.ErrInvalidRule, i, r.ID, describe(err))
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", domain.ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true

		if err := r.validateWeights(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
		}
		if c := r.Condition; c.MinBudgetPercent != nil && c.MaxBudgetPercent != nil && *c.MinBudgetPercent > *c.MaxBudgetPercent {
			return fmt.Errorf("%w: rule %s: min_budget_percent > max_budget_percent", domain.ErrInvalidRule, r.ID)
		}
		if r.Condition.TimeWindow != nil {
			if err := r.Condition.TimeWindow.compile(); err != nil {
				return fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRule, r.ID, err)
			}
		}
		for j := range r.HardFilters {
			if err := r.HardFilters[j].compile(); err != nil {
				return fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRule, r.ID, err)
			}
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
}
