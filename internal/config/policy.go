package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/circuitbreaker"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/provider"
	"github.com/felipepmaragno/model-arbiter/internal/ratelimit"
)

var validate = validator.New()

// Policy is the operator-maintained file describing provider endpoints,
// quotas, budgets and per-circuit overrides.
type Policy struct {
	Providers []provider.Settings `yaml:"providers" validate:"dive"`
	Limits    []ratelimit.Limit   `yaml:"limits" validate:"dive"`
	Budgets   []BudgetPolicy      `yaml:"budgets" validate:"dive"`
	Circuits  []CircuitOverride   `yaml:"circuits" validate:"dive"`
}

type BudgetPolicy struct {
	Scope    domain.BudgetScope `yaml:"scope"`
	Amount   float64            `yaml:"amount" validate:"gte=0"`
	Period   budget.Period      `yaml:"period" validate:"omitempty,oneof=daily weekly monthly"`
	Warning  float64            `yaml:"warning_threshold" validate:"gte=0,lte=100"`
	Critical float64            `yaml:"critical_threshold" validate:"gte=0,lte=100"`
}

// CircuitOverride replaces selected fields of the default circuit config for
// one provider:model. Zero fields inherit the default.
type CircuitOverride struct {
	ID               string        `yaml:"id" validate:"required"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	FailurePercent   float64       `yaml:"failure_percent" validate:"gte=0,lte=100"`
	MinThroughput    int           `yaml:"min_throughput" validate:"gte=0"`
	Window           time.Duration `yaml:"window" validate:"gte=0"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"gte=0"`
	HalfOpenMax      int           `yaml:"half_open_max" validate:"gte=0"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"gte=0"`
}

// LoadPolicy reads the policy file. A missing file yields an empty policy.
// ${VAR} references are expanded so keys can come from the environment.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Policy{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy([]byte(os.ExpandEnv(string(data))))
}

func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	names := make(map[string]bool, len(p.Providers))
	for _, s := range p.Providers {
		if names[s.Name] {
			return nil, fmt.Errorf("invalid policy: duplicate provider %q", s.Name)
		}
		names[s.Name] = true
	}
	for _, b := range p.Budgets {
		if b.Scope.TenantID == "" {
			return nil, fmt.Errorf("invalid policy: budget without tenant_id")
		}
		if b.Warning > 0 && b.Critical > 0 && b.Warning > b.Critical {
			return nil, fmt.Errorf("invalid policy: budget %s warning above critical", b.Scope.Key())
		}
	}
	return &p, nil
}

// BudgetStates converts the budget entries into ledger states. Period bounds
// and threshold defaults are filled in by the ledger.
func (p *Policy) BudgetStates() []budget.State {
	out := make([]budget.State, 0, len(p.Budgets))
	for _, b := range p.Budgets {
		out = append(out, budget.State{
			Scope:             b.Scope,
			Period:            b.Period,
			Amount:            b.Amount,
			WarningThreshold:  b.Warning,
			CriticalThreshold: b.Critical,
		})
	}
	return out
}

// CircuitOptions turns the overrides into registry options on top of base.
func (p *Policy) CircuitOptions(base circuitbreaker.Config) []circuitbreaker.RegistryOption {
	opts := make([]circuitbreaker.RegistryOption, 0, len(p.Circuits))
	for _, o := range p.Circuits {
		opts = append(opts, circuitbreaker.WithCircuitConfig(o.ID, o.apply(base)))
	}
	return opts
}

func (o CircuitOverride) apply(cfg circuitbreaker.Config) circuitbreaker.Config {
	if o.FailureThreshold > 0 {
		cfg.FailureThreshold = o.FailureThreshold
	}
	if o.FailurePercent > 0 {
		cfg.FailurePercentageThreshold = o.FailurePercent
	}
	if o.MinThroughput > 0 {
		cfg.MinimumThroughput = o.MinThroughput
	}
	if o.Window > 0 {
		cfg.SlidingWindow = o.Window
	}
	if o.ResetTimeout > 0 {
		cfg.ResetTimeout = o.ResetTimeout
	}
	if o.HalfOpenMax > 0 {
		cfg.MaxHalfOpenTestRequests = o.HalfOpenMax
	}
	if o.SuccessThreshold > 0 {
		cfg.SuccessThreshold = o.SuccessThreshold
	}
	return cfg
}

// CircuitBreaker is the registry-wide default built from CB_* variables.
func (c *Config) CircuitBreaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:           c.Circuit.FailureThreshold,
		FailurePercentageThreshold: c.Circuit.FailurePercent,
		MinimumThroughput:          c.Circuit.MinThroughput,
		SlidingWindow:              c.Circuit.Window,
		ResetTimeout:               c.Circuit.ResetTimeout,
		MaxHalfOpenTestRequests:    c.Circuit.HalfOpenMax,
		SuccessThreshold:           c.Circuit.SuccessThreshold,
	}
}
