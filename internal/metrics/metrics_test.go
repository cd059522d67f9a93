package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDecision(t *testing.T) {
	// Reset metrics for test isolation
	DecisionsTotal.Reset()
	SelectionDuration.Reset()

	RecordDecision("tenant1", "balanced", "selected", 0.002)

	count := testutil.ToFloat64(DecisionsTotal.WithLabelValues("tenant1", "balanced", "selected"))
	if count != 1 {
		t.Errorf("DecisionsTotal = %v, want 1", count)
	}
}

func TestRecordDispatch(t *testing.T) {
	DispatchAttempts.Reset()
	DispatchDuration.Reset()

	RecordDispatch("bedrock", "claude-3-haiku", "success", 0.8)
	RecordDispatch("bedrock", "claude-3-haiku", "circuit_open", 0)

	if v := testutil.ToFloat64(DispatchAttempts.WithLabelValues("bedrock", "claude-3-haiku", "success")); v != 1 {
		t.Errorf("success attempts = %v, want 1", v)
	}
	if v := testutil.ToFloat64(DispatchAttempts.WithLabelValues("bedrock", "claude-3-haiku", "circuit_open")); v != 1 {
		t.Errorf("circuit_open attempts = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(DispatchDuration); n != 1 {
		t.Errorf("DispatchDuration series = %d, want 1", n)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("tenant1", "openai", "gpt-4", 100, 50)

	inputCount := testutil.ToFloat64(TokensTotal.WithLabelValues("tenant1", "openai", "gpt-4", "input"))
	if inputCount != 100 {
		t.Errorf("input tokens = %v, want 100", inputCount)
	}

	outputCount := testutil.ToFloat64(TokensTotal.WithLabelValues("tenant1", "openai", "gpt-4", "output"))
	if outputCount != 50 {
		t.Errorf("output tokens = %v, want 50", outputCount)
	}
}

func TestRecordCost(t *testing.T) {
	CostTotal.Reset()

	RecordCost("tenant1", "openai", "gpt-4", 0.25)
	RecordCost("tenant1", "openai", "gpt-4", 0.5)

	cost := testutil.ToFloat64(CostTotal.WithLabelValues("tenant1", "openai", "gpt-4"))
	if cost != 0.75 {
		t.Errorf("CostTotal = %v, want 0.75", cost)
	}
}

func TestRecordExclusionAndQuotaDenial(t *testing.T) {
	ExclusionsTotal.Reset()
	QuotaDenials.Reset()

	RecordExclusion("circuit_open")
	RecordExclusion("circuit_open")
	RecordQuotaDenial("requests_per_minute")

	if v := testutil.ToFloat64(ExclusionsTotal.WithLabelValues("circuit_open")); v != 2 {
		t.Errorf("ExclusionsTotal = %v, want 2", v)
	}
	if v := testutil.ToFloat64(QuotaDenials.WithLabelValues("requests_per_minute")); v != 1 {
		t.Errorf("QuotaDenials = %v, want 1", v)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("openai:gpt-4", 2)

	state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai:gpt-4"))
	if state != 2 {
		t.Errorf("CircuitBreakerState = %v, want 2", state)
	}

	SetCircuitBreakerState("openai:gpt-4", 0)

	state = testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai:gpt-4"))
	if state != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", state)
	}
}

func TestBudgetMetrics(t *testing.T) {
	BudgetUsageRatio.Reset()
	BudgetAlerts.Reset()

	SetBudgetUsage("tenant:acme", 0.81)
	RecordBudgetAlert("warning")

	if v := testutil.ToFloat64(BudgetUsageRatio.WithLabelValues("tenant:acme")); v != 0.81 {
		t.Errorf("BudgetUsageRatio = %v, want 0.81", v)
	}
	if v := testutil.ToFloat64(BudgetAlerts.WithLabelValues("warning")); v != 1 {
		t.Errorf("BudgetAlerts = %v, want 1", v)
	}
}

func TestRecordSinkDrop(t *testing.T) {
	SinkDrops.Reset()

	RecordSinkDrop("audit")

	if v := testutil.ToFloat64(SinkDrops.WithLabelValues("audit")); v != 1 {
		t.Errorf("SinkDrops = %v, want 1", v)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	CacheLookups.Reset()

	RecordCacheLookup("memory", "hit")
	RecordCacheLookup("memory", "hit")
	RecordCacheLookup("redis", "miss")

	if v := testutil.ToFloat64(CacheLookups.WithLabelValues("memory", "hit")); v != 2 {
		t.Errorf("CacheLookups{memory,hit} = %v, want 2", v)
	}
	if v := testutil.ToFloat64(CacheLookups.WithLabelValues("redis", "miss")); v != 1 {
		t.Errorf("CacheLookups{redis,miss} = %v, want 1", v)
	}
}
