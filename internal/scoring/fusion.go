// Package scoring implements the fusion and decision layer. It blends
// the supervised fraud probability with the normalized anomaly score,
// applies capped contextual adjustments, and maps the fused score onto
// a discrete action.
package scoring

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sigmoid maps a raw anomaly decision score onto (0, 1). Positive raw
// scores (more anomalous) map above 0.5.
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Fuse blends the supervised probability and the raw anomaly score into
// the intermediate score components. The anomaly score arrives in the
// decision-function convention where positive means anomalous, so the
// sigmoid maps an anomalous transaction above 0.5 and a normal one
// below it.
func Fuse(supervised, anomalyRaw, supervisedWeight, anomalyWeight float64) domain.ScoreComponents {
	normalized := Sigmoid(anomalyRaw)
	fused := clamp01(supervisedWeight*supervised + anomalyWeight*normalized)

	return domain.ScoreComponents{
		SupervisedProbability: supervised,
		AnomalyRaw:            anomalyRaw,
		AnomalyNormalized:     normalized,
		FusedRiskScore:        fused,
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
