package domain

import (
	"fmt"
	"strings"
	"time"
)

type CapabilityType string

const (
	CapabilityCode            CapabilityType = "code"
	CapabilityReasoning       CapabilityType = "reasoning"
	CapabilityVision          CapabilityType = "vision"
	CapabilityFunctionCalling CapabilityType = "function_calling"
	CapabilityLongContext     CapabilityType = "long_context"
	CapabilityMultilingual    CapabilityType = "multilingual"
)

type Capability struct {
	Type  CapabilityType `json:"type" yaml:"type" validate:"required"`
	Score float64        `json:"score" yaml:"score" validate:"gte=0,lte=100"`
}

type TaskType string

const (
	TaskChat          TaskType = "chat"
	TaskCode          TaskType = "code"
	TaskSummarization TaskType = "summarization"
	TaskTranslation   TaskType = "translation"
	TaskAnalysis      TaskType = "analysis"
)

// ModelCatalogEntry is a model as served by one provider. The core only reads it.
type ModelCatalogEntry struct {
	ID                   string        `json:"id" yaml:"id" validate:"required"`
	Provider             string        `json:"provider" yaml:"provider" validate:"required"`
	CostPerMillionInput  float64       `json:"cost_per_million_input" yaml:"cost_per_million_input" validate:"gte=0"`
	CostPerMillionOutput float64       `json:"cost_per_million_output" yaml:"cost_per_million_output" validate:"gte=0"`
	ContextWindow        int           `json:"context_window" yaml:"context_window" validate:"gte=0"`
	Capabilities         []Capability  `json:"capabilities" yaml:"capabilities" validate:"dive"`
	IntelligenceScore    float64       `json:"intelligence_score" yaml:"intelligence_score" validate:"gte=0,lte=100"`
	BaselineLatency      time.Duration `json:"baseline_latency" yaml:"baseline_latency"`
	Regions              []string      `json:"regions,omitempty" yaml:"regions"`
	DataResidency        bool          `json:"data_residency" yaml:"data_residency"`
	EncryptionAtRest     bool          `json:"encryption_at_rest" yaml:"encryption_at_rest"`
	Active               bool          `json:"active" yaml:"active"`
}

// CapabilityScore returns the model's score for t and whether it has it at all.
func (m ModelCatalogEntry) CapabilityScore(t CapabilityType) (float64, bool) {
	for _, c := range m.Capabilities {
		if c.Type == t {
			return c.Score, true
		}
	}
	return 0, false
}

func (m ModelCatalogEntry) ServesRegion(region string) bool {
	for _, r := range m.Regions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}

// CircuitID is the circuit key for a model served by a provider.
func CircuitID(provider, modelID string) string {
	return provider + ":" + modelID
}

// BudgetScope identifies who a spend limit applies to. ProjectID and UserID are optional.
type BudgetScope struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	ProjectID string `json:"project_id,omitempty" yaml:"project_id"`
	UserID    string `json:"user_id,omitempty" yaml:"user_id"`
}

func (s BudgetScope) Key() string {
	key := "tenant:" + s.TenantID
	if s.ProjectID != "" {
		key += ":project:" + s.ProjectID
	}
	if s.UserID != "" {
		key += ":user:" + s.UserID
	}
	return key
}

func (s BudgetScope) IsZero() bool {
	return s.TenantID == "" && s.ProjectID == "" && s.UserID == ""
}

type Constraints struct {
	MaxCost                 float64          `json:"max_cost,omitempty"`
	MinIntelligenceScore    float64          `json:"min_intelligence_score,omitempty"`
	MaxLatency              time.Duration    `json:"max_latency,omitempty"`
	RequiredCapabilities    []CapabilityType `json:"required_capabilities,omitempty"`
	RequiredRegion          string           `json:"required_region,omitempty"`
	RequireDataResidency    bool             `json:"require_data_residency,omitempty"`
	RequireEncryptionAtRest bool             `json:"require_encryption_at_rest,omitempty"`
}

type Preferences struct {
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	BlockedProviders []string `json:"blocked_providers,omitempty"`
	AllowedModels    []string `json:"allowed_models,omitempty"`
	BlockedModels    []string `json:"blocked_models,omitempty"`
}

// ArbitrationContext describes one request to route. It is not modified during arbitration.
type ArbitrationContext struct {
	RequestID            string      `json:"request_id"`
	TenantID             string      `json:"tenant_id"`
	ProjectID            string      `json:"project_id,omitempty"`
	UserID               string      `json:"user_id,omitempty"`
	APIKey               string      `json:"-"`
	TaskType             TaskType    `json:"task_type,omitempty"`
	Constraints          Constraints `json:"constraints"`
	Preferences          Preferences `json:"preferences"`
	ExpectedInputTokens  int         `json:"expected_input_tokens"`
	ExpectedOutputTokens int         `json:"expected_output_tokens"`
	// BudgetOverride skips the budget gate. The HTTP layer only sets it for
	// an operator holding the override permission.
	BudgetOverride bool `json:"-"`
	// Timestamp is the arbitration time, stamped by the server.
	Timestamp time.Time `json:"-"`
}

func (c ArbitrationContext) Scope() BudgetScope {
	return BudgetScope{TenantID: c.TenantID, ProjectID: c.ProjectID, UserID: c.UserID}
}

type PerformancePrediction struct {
	ExpectedLatency    time.Duration `json:"expected_latency"`
	P50                time.Duration `json:"p50"`
	P95                time.Duration `json:"p95"`
	ReliabilityScore   float64       `json:"reliability_score"`
	SuccessProbability float64       `json:"success_probability"`
	SampleCount        int           `json:"sample_count"`
}

type Dimension string

const (
	DimensionCost        Dimension = "cost"
	DimensionPerformance Dimension = "performance"
	DimensionAccuracy    Dimension = "accuracy"
	DimensionCapability  Dimension = "capability"
	DimensionCompliance  Dimension = "compliance"
)

// Dimensions lists every scoring dimension in a fixed order.
var Dimensions = []Dimension{
	DimensionCost,
	DimensionPerformance,
	DimensionAccuracy,
	DimensionCapability,
	DimensionCompliance,
}

// Candidate is a request-specific pairing of a model and its provider.
// Model is a value copy; nothing points back into the catalog.
type Candidate struct {
	ModelID       string                `json:"model_id"`
	Provider      string                `json:"provider"`
	CircuitID     string                `json:"circuit_id"`
	Model         ModelCatalogEntry     `json:"-"`
	EstimatedCost float64               `json:"estimated_cost"`
	Prediction    PerformancePrediction `json:"prediction"`
	Health        string                `json:"health,omitempty"`
	Scores        map[Dimension]float64 `json:"scores,omitempty"`
	FinalScore    float64               `json:"final_score"`
	RuleID        string                `json:"rule_id,omitempty"`
}

func (c Candidate) Key() string {
	return c.CircuitID
}

type ExclusionReason string

const (
	ExcludedProviderBlocked    ExclusionReason = "provider_blocked"
	ExcludedProviderNotAllowed ExclusionReason = "provider_not_allowed"
	ExcludedModelBlocked       ExclusionReason = "model_blocked"
	ExcludedModelNotAllowed    ExclusionReason = "model_not_allowed"
	ExcludedContextWindow      ExclusionReason = "context_window"
	ExcludedCapability         ExclusionReason = "missing_capability"
	ExcludedIntelligence       ExclusionReason = "intelligence_below_minimum"
	ExcludedLatency            ExclusionReason = "latency_above_maximum"
	ExcludedCircuitOpen        ExclusionReason = "circuit_open"
	ExcludedQuota              ExclusionReason = "quota_exhausted"
	ExcludedBudget             ExclusionReason = "budget_exhausted"
	ExcludedRule               ExclusionReason = "rule_filter"
	ExcludedMaxCost            ExclusionReason = "max_cost"
)

type Exclusion struct {
	ModelID  string          `json:"model_id"`
	Provider string          `json:"provider"`
	Reason   ExclusionReason `json:"reason"`
	Detail   string          `json:"detail,omitempty"`
}

func (e Exclusion) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s:%s (%s)", e.Provider, e.ModelID, e.Reason)
	}
	return fmt.Sprintf("%s:%s (%s: %s)", e.Provider, e.ModelID, e.Reason, e.Detail)
}

// Decision is the immutable result of one arbitration.
type Decision struct {
	ID             string                           `json:"id"`
	RequestID      string                           `json:"request_id"`
	TenantID       string                           `json:"tenant_id"`
	Selected       Candidate                        `json:"selected"`
	Fallbacks      []Candidate                      `json:"fallbacks"`
	Exclusions     []Exclusion                      `json:"exclusions,omitempty"`
	ScoreBreakdown map[string]map[Dimension]float64 `json:"score_breakdown,omitempty"`
	Strategy       string                           `json:"strategy"`
	SelectionTime  time.Duration                    `json:"selection_time"`
	CreatedAt      time.Time                        `json:"created_at"`
}

// Chain returns the selected candidate followed by the fallbacks.
func (d *Decision) Chain() []Candidate {
	chain := make([]Candidate, 0, len(d.Fallbacks)+1)
	chain = append(chain, d.Selected)
	return append(chain, d.Fallbacks...)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-agnostic request handed to adapters.
type CompletionRequest struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

type CompletionResponse struct {
	ID         string        `json:"id"`
	ModelID    string        `json:"model_id"`
	Provider   string        `json:"provider"`
	Content    string        `json:"content"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      Usage         `json:"usage"`
	Latency    time.Duration `json:"latency"`
}
