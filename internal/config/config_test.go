package config

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/circuitbreaker"
	"github.com/felipepmaragno/model-arbiter/internal/ratelimit"
)

func TestLoad_Defaults(t *testing.T) {
	for _, v := range []string{
		"ADDR", "LOG_LEVEL", "REDIS_URL", "DATABASE_URL", "OTLP_ENDPOINT",
		"AWS_REGION", "MAX_FALLBACK_ATTEMPTS", "DISPATCH_TIMEOUT", "CB_FAILURE_THRESHOLD",
		"COST_MULTIPLIER", "USE_DISTRIBUTED_CB",
	} {
		t.Setenv(v, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.Addr; got != ":8080" {
		t.Errorf("cfg.Addr = %v, want %v", got, ":8080")
	}
	if got := cfg.LogLevel; got != "info" {
		t.Errorf("cfg.LogLevel = %v, want %v", got, "info")
	}
	if cfg.RedisURL != "" || cfg.DatabaseURL != "" {
		t.Errorf("store URLs = %q, %q, want both empty", cfg.RedisURL, cfg.DatabaseURL)
	}
	if got := cfg.MaxFallbackAttempts; got != 3 {
		t.Errorf("cfg.MaxFallbackAttempts = %v, want %v", got, 3)
	}
	if got := cfg.DispatchTimeout; got != 30*time.Second {
		t.Errorf("cfg.DispatchTimeout = %v, want %v", got, 30*time.Second)
	}
	if got := cfg.CostMultiplier; got != 1.0 {
		t.Errorf("cfg.CostMultiplier = %v, want %v", got, 1.0)
	}
	if cfg.UseDistributedCircuitBreaker {
		t.Errorf("cfg.UseDistributedCircuitBreaker = true, want false")
	}
	if got := cfg.CircuitBreaker(); !reflect.DeepEqual(got, circuitbreaker.DefaultConfig()) {
		t.Errorf("cfg.CircuitBreaker() = %v, want %v", got, circuitbreaker.DefaultConfig())
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("MAX_FALLBACK_ATTEMPTS", "0")
	t.Setenv("DISPATCH_TIMEOUT", "45")
	t.Setenv("CB_RESET_TIMEOUT", "2m")
	t.Setenv("CB_FAILURE_THRESHOLD", "7")
	t.Setenv("COST_MULTIPLIER", "1.2")
	t.Setenv("USE_DISTRIBUTED_CB", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.Addr; got != ":9090" {
		t.Errorf("cfg.Addr = %v, want %v", got, ":9090")
	}
	if got := cfg.LogLevel; got != "debug" {
		t.Errorf("cfg.LogLevel = %v, want %v", got, "debug")
	}
	if got := cfg.RedisURL; got != "redis://localhost:6379" {
		t.Errorf("cfg.RedisURL = %v, want %v", got, "redis://localhost:6379")
	}
	if got := cfg.DatabaseURL; got != "postgres://localhost/test" {
		t.Errorf("cfg.DatabaseURL = %v, want %v", got, "postgres://localhost/test")
	}
	if got := cfg.MaxFallbackAttempts; got != 0 {
		t.Errorf("cfg.MaxFallbackAttempts = %v, want %v", got, 0)
	}
	if got := cfg.DispatchTimeout; got != 45*time.Second {
		t.Errorf("cfg.DispatchTimeout = %v, want %v", got, 45*time.Second)
	}
	if got := cfg.Circuit.ResetTimeout; got != 2*time.Minute {
		t.Errorf("cfg.Circuit.ResetTimeout = %v, want %v", got, 2*time.Minute)
	}
	if got := cfg.CircuitBreaker().FailureThreshold; got != 7 {
		t.Errorf("cfg.CircuitBreaker().FailureThreshold = %v, want %v", got, 7)
	}
	if got := cfg.CostMultiplier; math.Abs(got-1.2) > 1e-9 {
		t.Errorf("cfg.CostMultiplier = %v, want %v", got, 1.2)
	}
	if !cfg.UseDistributedCircuitBreaker {
		t.Errorf("cfg.UseDistributedCircuitBreaker = false, want true")
	}
}

func TestEnvHelpers_InvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT", "abc")
	t.Setenv("TEST_FLOAT", "x1")
	t.Setenv("TEST_BOOL", "maybe")
	t.Setenv("TEST_DURATION", "soon")

	if got := getIntEnv("TEST_INT", 4); got != 4 {
		t.Errorf("getIntEnv(\"TEST_INT\", 4) = %v, want %v", got, 4)
	}
	if got := getFloatEnv("TEST_FLOAT", 0.5); got != 0.5 {
		t.Errorf("getFloatEnv(\"TEST_FLOAT\", 0.5) = %v, want %v", got, 0.5)
	}
	if !getBoolEnv("TEST_BOOL", true) {
		t.Errorf("getBoolEnv(\"TEST_BOOL\", true) = false, want true")
	}
	if got := getDurationEnv("TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("getDurationEnv(\"TEST_DURATION\", time.Second) = %v, want %v", got, time.Second)
	}
	if got := getEnv("TEST_UNSET_VAR", "default"); got != "default" {
		t.Errorf("getEnv(\"TEST_UNSET_VAR\", \"default\") = %v, want %v", got, "default")
	}
}

const samplePolicy = `
providers:
  - name: bedrock
    type: bedrock
    region: us-east-1
  - name: local
    type: openai
    base_url: http://ollama:11434/v1
    api_key: ${TEST_POLICY_KEY}
    timeout: 20s
limits:
  - name: tenant-rpm
    scope: tenant
    max: 60
    window: 1m
  - name: provider-tokens
    scope: provider
    kind: tokens
    max: 100000
    window: 1m
    algorithm: token_bucket
budgets:
  - scope: {tenant_id: acme}
    amount: 100
    period: monthly
  - scope: {tenant_id: acme, project_id: search}
    amount: 10
    period: daily
    warning_threshold: 50
    critical_threshold: 90
circuits:
  - id: bedrock:claude-3-haiku
    failure_threshold: 2
    reset_timeout: 10s
`

func TestLoadPolicy(t *testing.T) {
	t.Setenv("TEST_POLICY_KEY", "sk-local")
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(p.Providers); got != 2 {
		t.Fatalf("len(p.Providers) = %d, want %d", got, 2)
	}
	if got := p.Providers[1].APIKey; got != "sk-local" {
		t.Errorf("p.Providers[1].APIKey = %v, want %v", got, "sk-local")
	}
	if got := p.Providers[1].Timeout; got != 20*time.Second {
		t.Errorf("p.Providers[1].Timeout = %v, want %v", got, 20*time.Second)
	}

	if got := len(p.Limits); got != 2 {
		t.Fatalf("len(p.Limits) = %d, want %d", got, 2)
	}
	if got := p.Limits[0].Window; got != time.Minute {
		t.Errorf("p.Limits[0].Window = %v, want %v", got, time.Minute)
	}
	if got := p.Limits[1].Algorithm; got != ratelimit.TokenBucket {
		t.Errorf("p.Limits[1].Algorithm = %v, want %v", got, ratelimit.TokenBucket)
	}

	states := p.BudgetStates()
	if got := len(states); got != 2 {
		t.Fatalf("len(states) = %d, want %d", got, 2)
	}
	if got := states[1].Scope.Key(); got != "tenant:acme:project:search" {
		t.Errorf("states[1].Scope.Key() = %v, want %v", got, "tenant:acme:project:search")
	}
	if got := states[1].WarningThreshold; got != 50.0 {
		t.Errorf("states[1].WarningThreshold = %v, want %v", got, 50.0)
	}

	base := circuitbreaker.DefaultConfig()
	override := p.Circuits[0].apply(base)
	if got := override.FailureThreshold; got != 2 {
		t.Errorf("override.FailureThreshold = %v, want %v", got, 2)
	}
	if got := override.ResetTimeout; got != 10*time.Second {
		t.Errorf("override.ResetTimeout = %v, want %v", got, 10*time.Second)
	}
	if got := override.SuccessThreshold; got != base.SuccessThreshold {
		t.Errorf("override.SuccessThreshold = %v, want %v", got, base.SuccessThreshold)
	}
	if got := len(p.CircuitOptions(base)); got != 1 {
		t.Errorf("len(p.CircuitOptions(base)) = %d, want %d", got, 1)
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Providers) != 0 {
		t.Errorf("len(p.Providers) = %d, want 0", len(p.Providers))
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "providers: [\n"},
		{"provider without type", "providers:\n  - name: x\n"},
		{"duplicate provider", "providers:\n  - {name: a, type: openai}\n  - {name: a, type: bedrock}\n"},
		{"limit without window", "limits:\n  - {name: l, max: 1}\n"},
		{"unknown algorithm", "limits:\n  - {name: l, max: 1, window: 1s, algorithm: leaky}\n"},
		{"budget without tenant", "budgets:\n  - {amount: 5}\n"},
		{"negative budget", "budgets:\n  - {scope: {tenant_id: a}, amount: -1}\n"},
		{"warning above critical", "budgets:\n  - {scope: {tenant_id: a}, amount: 1, warning_threshold: 90, critical_threshold: 80}\n"},
		{"circuit without id", "circuits:\n  - {failure_threshold: 3}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			if err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}
