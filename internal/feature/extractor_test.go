package feature

import (
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestExtractDeterministic(t *testing.T) {
	tx := &domain.Transaction{
		UserID:              "user-42",
		Amount:              1234.56,
		Hour:                13,
		Velocity:            4,
		GeoDiff:             0.31,
		AmountDeviation:     0.12,
		DeviceFamiliarity:   0.88,
		AmountPercentile:    0.66,
		LocationFamiliarity: 0.91,
		TimeSinceLast:       0.05,
		IsWeekend:           true,
	}

	first, err := Extract(tx)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	second, err := Extract(tx)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if len(first) != domain.FeatureCount {
		t.Fatalf("expected %d features, got %d", domain.FeatureCount, len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("feature %d not deterministic: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestExtractNormalization(t *testing.T) {
	tx := &domain.Transaction{
		UserID:   "user-1",
		Amount:   100,
		Hour:     12,
		Velocity: 5,
	}

	fv, err := Extract(tx)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if fv[idxHour] != 0.5 {
		t.Errorf("expected hour 12 -> 0.5, got %v", fv[idxHour])
	}
	want := math.Log1p(100) / 10.0
	if fv[idxAmount] != want {
		t.Errorf("expected amount feature %v, got %v", want, fv[idxAmount])
	}
	if fv[idxVelocity] != 0.5 {
		t.Errorf("expected velocity 5 -> 0.5, got %v", fv[idxVelocity])
	}
}

func TestExtractMissingOptionalFields(t *testing.T) {
	// Only user and amount set; everything else should default to zero.
	fv, err := Extract(&domain.Transaction{UserID: "user-1", Amount: 50})
	if err != nil {
		t.Fatalf("extract failed on sparse transaction: %v", err)
	}

	for _, idx := range []int{idxHour, idxVelocity, idxGeoDiff, idxAmountDeviation, idxIsWeekend, idxDeviceFamiliarity, idxAmountPercentile, idxLocationFamiliarity, idxTimeSinceLast} {
		if fv[idx] != 0 {
			t.Errorf("feature %d should default to 0, got %v", idx, fv[idx])
		}
	}
}

func TestExtractInvalidAmount(t *testing.T) {
	cases := []float64{-1, math.NaN(), math.Inf(1)}
	for _, amount := range cases {
		if _, err := Extract(&domain.Transaction{UserID: "u", Amount: amount}); err == nil {
			t.Errorf("expected error for amount %v", amount)
		}
	}

	if _, err := Extract(nil); err == nil {
		t.Error("expected error for nil transaction")
	}
}

func TestNamesMatchFeatureCount(t *testing.T) {
	names := Names()
	if len(names) != domain.FeatureCount {
		t.Fatalf("expected %d names, got %d", domain.FeatureCount, len(names))
	}

	// Mutating the returned slice must not affect the canonical order.
	names[0] = "mutated"
	if Names()[0] != "hour_of_day" {
		t.Error("Names() returned a shared slice")
	}
}
