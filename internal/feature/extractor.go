// Package feature turns raw transactions into the fixed-order feature
// vector the model pair is trained on. The normalization here is part of
// the model contract: training and serving must run the exact same code
// path, or skew silently degrades accuracy without raising errors.
package feature

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Canonical feature order. Index positions are load-bearing: they must
// match the order the active model pair was trained on.
const (
	idxHour = iota
	idxAmount
	idxVelocity
	idxGeoDiff
	idxAmountDeviation
	idxIsWeekend
	idxDeviceFamiliarity
	idxAmountPercentile
	idxLocationFamiliarity
	idxTimeSinceLast
)

var featureNames = []string{
	"hour_of_day",
	"amount_log",
	"velocity",
	"geo_diff",
	"amount_deviation",
	"is_weekend",
	"device_familiarity",
	"amount_percentile",
	"location_familiarity",
	"time_since_last",
}

// Names returns the canonical ordered feature names. The slice is a copy;
// callers may persist it in model metadata.
func Names() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// Extract derives the feature vector from a transaction. Missing optional
// fields contribute their zero value; the only failure mode is an amount
// that is not a usable non-negative number.
func Extract(tx *domain.Transaction) (domain.FeatureVector, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}
	if math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) || tx.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must be a non-negative number, got %v", domain.ErrInvalidInput, tx.Amount)
	}

	fv := make(domain.FeatureVector, domain.FeatureCount)

	fv[idxHour] = float64(tx.Hour) / 24.0
	fv[idxAmount] = math.Log1p(tx.Amount) / 10.0
	fv[idxVelocity] = float64(tx.Velocity) / 10.0
	fv[idxGeoDiff] = tx.GeoDiff
	fv[idxAmountDeviation] = tx.AmountDeviation
	if tx.IsWeekend {
		fv[idxIsWeekend] = 1.0
	}
	fv[idxDeviceFamiliarity] = tx.DeviceFamiliarity
	fv[idxAmountPercentile] = tx.AmountPercentile
	fv[idxLocationFamiliarity] = tx.LocationFamiliarity
	fv[idxTimeSinceLast] = tx.TimeSinceLast

	return fv, nil
}
