// Package candidate turns the model catalog into the request-specific list of
// candidates the arbitration engine scores.
package candidate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/catalog"
	"github.com/felipepmaragno/model-arbiter/internal/cost"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

// Predictor supplies the expected performance of a model.
type Predictor interface {
	Predict(provider, modelID string, baseline time.Duration) domain.PerformancePrediction
}

type Builder struct {
	catalog   catalog.Catalog
	estimator *cost.Estimator
	predictor Predictor
}

func NewBuilder(cat catalog.Catalog, estimator *cost.Estimator, predictor Predictor) *Builder {
	if estimator == nil {
		estimator = cost.NewEstimator(1, 0)
	}
	return &Builder{
		catalog:   cat,
		estimator: estimator,
		predictor: predictor,
	}
}

// Build lists every active model that survives the request's static
// constraints. Models dropped along the way are returned as exclusions and
// never scored. An empty result is valid; a catalog failure is logged and
// treated as an empty catalog.
func (b *Builder) Build(ctx context.Context, actx domain.ArbitrationContext) ([]domain.Candidate, []domain.Exclusion) {
	models, err := b.catalog.ListActiveModels(ctx, catalog.Filter{})
	if err != nil {
		slog.Warn("catalog unavailable, no candidates",
			"request_id", actx.RequestID,
			"error", err,
		)
		return nil, nil
	}

	var (
		candidates []domain.Candidate
		exclusions []domain.Exclusion
	)
	for _, m := range models {
		if !m.Active {
			continue
		}
		if reason, detail, ok := b.screen(m, actx); !ok {
			exclusions = append(exclusions, domain.Exclusion{
				ModelID:  m.ID,
				Provider: m.Provider,
				Reason:   reason,
				Detail:   detail,
			})
			continue
		}

		c := domain.Candidate{
			ModelID:       m.ID,
			Provider:      m.Provider,
			CircuitID:     domain.CircuitID(m.Provider, m.ID),
			Model:         m,
			EstimatedCost: b.estimator.Estimate(m, actx.ExpectedInputTokens, actx.ExpectedOutputTokens),
			Prediction:    b.predict(m),
		}

		if limit := actx.Constraints.MaxLatency; limit > 0 && c.Prediction.ExpectedLatency > limit {
			exclusions = append(exclusions, domain.Exclusion{
				ModelID:  m.ID,
				Provider: m.Provider,
				Reason:   domain.ExcludedLatency,
				Detail:   fmt.Sprintf("expected %s > %s", c.Prediction.ExpectedLatency, limit),
			})
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, exclusions
}

func (b *Builder) predict(m domain.ModelCatalogEntry) domain.PerformancePrediction {
	if b.predictor == nil {
		return domain.PerformancePrediction{
			ExpectedLatency:    m.BaselineLatency,
			P50:                m.BaselineLatency,
			P95:                m.BaselineLatency,
			ReliabilityScore:   cost.NeutralReliability,
			SuccessProbability: cost.NeutralReliability,
		}
	}
	return b.predictor.Predict(m.Provider, m.ID, m.BaselineLatency)
}

func (b *Builder) screen(m domain.ModelCatalogEntry, actx domain.ArbitrationContext) (domain.ExclusionReason, string, bool) {
	prefs := actx.Preferences
	key := domain.CircuitID(m.Provider, m.ID)

	if contains(prefs.BlockedProviders, m.Provider) {
		return domain.ExcludedProviderBlocked, "", false
	}
	if len(prefs.AllowedProviders) > 0 && !contains(prefs.AllowedProviders, m.Provider) {
		return domain.ExcludedProviderNotAllowed, "", false
	}
	if contains(prefs.BlockedModels, m.ID) || contains(prefs.BlockedModels, key) {
		return domain.ExcludedModelBlocked, "", false
	}
	if len(prefs.AllowedModels) > 0 && !contains(prefs.AllowedModels, m.ID) && !contains(prefs.AllowedModels, key) {
		return domain.ExcludedModelNotAllowed, "", false
	}

	// A zero context window means the catalog does not know it.
	if need := actx.ExpectedInputTokens + actx.ExpectedOutputTokens; need > 0 && m.ContextWindow > 0 && m.ContextWindow < need {
		return domain.ExcludedContextWindow, fmt.Sprintf("%d < %d tokens", m.ContextWindow, need), false
	}

	for _, c := range actx.Constraints.RequiredCapabilities {
		if _, ok := m.CapabilityScore(c); !ok {
			return domain.ExcludedCapability, string(c), false
		}
	}

	if floor := actx.Constraints.MinIntelligenceScore; floor > 0 && m.IntelligenceScore < floor {
		return domain.ExcludedIntelligence, fmt.Sprintf("%.0f < %.0f", m.IntelligenceScore, floor), false
	}
	return "", "", true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
