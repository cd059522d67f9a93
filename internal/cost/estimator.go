// Package cost prices requests against catalog rates, records usage, and
// keeps the latency and success history that feeds performance predictions.
package cost

import (
	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

// Estimator prices token counts with catalog per-million rates. Multiplier
// scales the token cost and ServiceFee is a flat amount added per request.
type Estimator struct {
	Multiplier float64
	ServiceFee float64
}

func NewEstimator(multiplier, serviceFee float64) *Estimator {
	if multiplier <= 0 {
		multiplier = 1
	}
	if serviceFee < 0 {
		serviceFee = 0
	}
	return &Estimator{
		Multiplier: multiplier,
		ServiceFee: serviceFee,
	}
}

// Estimate is the expected cost of a request before it is sent.
func (e *Estimator) Estimate(model domain.ModelCatalogEntry, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	inputCost := float64(inputTokens) / 1e6 * model.CostPerMillionInput
	outputCost := float64(outputTokens) / 1e6 * model.CostPerMillionOutput
	return (inputCost+outputCost)*e.multiplier() + e.ServiceFee
}

// Actual prices the usage a provider reported.
func (e *Estimator) Actual(model domain.ModelCatalogEntry, usage domain.Usage) float64 {
	return e.Estimate(model, usage.InputTokens, usage.OutputTokens)
}

func (e *Estimator) multiplier() float64 {
	if e.Multiplier <= 0 {
		return 1
	}
	return e.Multiplier
}
