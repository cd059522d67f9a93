package rules

import (
	"math"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

const (
	// DefaultMaxCost is the cost ceiling in USD when neither the rule nor the
	// request sets one.
	DefaultMaxCost = 1.0

	latencyPointsPerSecond = 10

	regionPenalty     = 20
	residencyPenalty  = 30
	encryptionPenalty = 30
)

// EqualWeights blends every dimension equally. Used when no rule applies.
var EqualWeights = map[domain.Dimension]float64{
	domain.DimensionCost:        0.2,
	domain.DimensionPerformance: 0.2,
	domain.DimensionAccuracy:    0.2,
	domain.DimensionCapability:  0.2,
	domain.DimensionCompliance:  0.2,
}

func CostScore(cost, effectiveMax float64) float64 {
	if effectiveMax <= 0 {
		effectiveMax = DefaultMaxCost
	}
	return math.Max(0, 100-cost/effectiveMax*100)
}

func PerformanceScore(latency time.Duration) float64 {
	return math.Max(0, 100-latency.Seconds()*latencyPointsPerSecond)
}

func AccuracyScore(m domain.ModelCatalogEntry) float64 {
	return m.IntelligenceScore
}

// CapabilityScore averages per-requirement scores: 100 when the model meets
// the minimum, proportional below it, 0 when it lacks the capability.
func CapabilityScore(m domain.ModelCatalogEntry, reqs []CapabilityRequirement) float64 {
	if len(reqs) == 0 {
		return 100
	}
	var total float64
	for _, req := range reqs {
		score, ok := m.CapabilityScore(req.Type)
		switch {
		case !ok:
		case score >= req.MinScore:
			total += 100
		default:
			total += score / req.MinScore * 100
		}
	}
	return total / float64(len(reqs))
}

func ComplianceScore(m domain.ModelCatalogEntry, req Compliance) float64 {
	score := 100.0
	if req.Region != "" && !m.ServesRegion(req.Region) {
		score -= regionPenalty
	}
	if req.DataResidency && !m.DataResidency {
		score -= residencyPenalty
	}
	if req.EncryptionAtRest && !m.EncryptionAtRest {
		score -= encryptionPenalty
	}
	return math.Max(0, score)
}

// EffectiveMaxCost picks the rule ceiling, then the request's MaxCost, then
// fallback.
func EffectiveMaxCost(rule *Rule, actx domain.ArbitrationContext, fallback float64) float64 {
	if rule != nil && rule.MaxCost > 0 {
		return rule.MaxCost
	}
	if actx.Constraints.MaxCost > 0 {
		return actx.Constraints.MaxCost
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxCost
}

// filterCeiling is the hard cost limit of an EnforceMaxCost rule. The request's
// own MaxCost still binds when it is tighter than the rule's.
func filterCeiling(rule *Rule, actx domain.ArbitrationContext, fallback float64) float64 {
	ceiling := EffectiveMaxCost(rule, actx, fallback)
	if limit := actx.Constraints.MaxCost; limit > 0 && limit < ceiling {
		return limit
	}
	return ceiling
}

func requirements(rule *Rule, actx domain.ArbitrationContext) ([]CapabilityRequirement, Compliance) {
	compliance := Compliance{
		Region:           actx.Constraints.RequiredRegion,
		DataResidency:    actx.Constraints.RequireDataResidency,
		EncryptionAtRest: actx.Constraints.RequireEncryptionAtRest,
	}
	if rule == nil {
		reqs := make([]CapabilityRequirement, 0, len(actx.Constraints.RequiredCapabilities))
		for _, c := range actx.Constraints.RequiredCapabilities {
			reqs = append(reqs, CapabilityRequirement{Type: c})
		}
		return reqs, compliance
	}
	if rule.Compliance.Region != "" {
		compliance.Region = rule.Compliance.Region
	}
	compliance.DataResidency = compliance.DataResidency || rule.Compliance.DataResidency
	compliance.EncryptionAtRest = compliance.EncryptionAtRest || rule.Compliance.EncryptionAtRest
	return rule.RequiredCapabilities, compliance
}

// Combine is the weighted sum of dimension scores, accumulated in
// domain.Dimensions order so equal inputs always produce equal totals.
// Dimensions without a weight contribute nothing.
func Combine(scores, weights map[domain.Dimension]float64) float64 {
	var total float64
	for _, dim := range domain.Dimensions {
		if w, ok := weights[dim]; ok {
			total += w * scores[dim]
		}
	}
	return total
}
