package scoring

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestSigmoidRange(t *testing.T) {
	for _, x := range []float64{-100, -3, -0.5, 0, 0.5, 3, 100} {
		v := Sigmoid(x)
		if v <= 0 || v >= 1 {
			t.Errorf("Sigmoid(%v) = %v, outside (0,1)", x, v)
		}
	}
	if v := Sigmoid(0); math.Abs(v-0.5) > 1e-12 {
		t.Errorf("Sigmoid(0) = %v, want 0.5", v)
	}
}

func TestFuseWeightedBlend(t *testing.T) {
	c := Fuse(0.85, 2.0, 0.7, 0.3)

	wantNorm := 1.0 / (1.0 + math.Exp(-2.0))
	if math.Abs(c.AnomalyNormalized-wantNorm) > 1e-12 {
		t.Errorf("anomaly normalized = %.6f, want %.6f", c.AnomalyNormalized, wantNorm)
	}

	want := 0.7*0.85 + 0.3*wantNorm
	if math.Abs(c.FusedRiskScore-want) > 1e-12 {
		t.Errorf("fused score = %.6f, want %.6f", c.FusedRiskScore, want)
	}
}

func TestFuseAlwaysInUnitInterval(t *testing.T) {
	probs := []float64{0, 0.25, 0.5, 0.75, 1}
	raws := []float64{-50, -2, 0, 2, 50}
	for _, p := range probs {
		for _, a := range raws {
			c := Fuse(p, a, 0.7, 0.3)
			if c.FusedRiskScore < 0 || c.FusedRiskScore > 1 {
				t.Errorf("Fuse(%v, %v) = %v, outside [0,1]", p, a, c.FusedRiskScore)
			}
		}
	}
}

func TestFuseMonotonicInSupervised(t *testing.T) {
	prev := -1.0
	for p := 0.0; p <= 1.0; p += 0.1 {
		c := Fuse(p, 0.5, 0.7, 0.3)
		if c.FusedRiskScore < prev {
			t.Errorf("fused score decreased as supervised probability rose: p=%.1f score=%.4f prev=%.4f", p, c.FusedRiskScore, prev)
		}
		prev = c.FusedRiskScore
	}
}

func TestDecideBands(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring

	cases := []struct {
		name   string
		score  float64
		amount float64
		want   domain.Action
	}{
		{"well below challenge", 0.10, 100, domain.ActionAllow},
		{"exactly at challenge threshold", 0.40, 100, domain.ActionAllow},
		{"just above challenge threshold", 0.41, 100, domain.ActionChallenge},
		{"middle of challenge band", 0.55, 100, domain.ActionChallenge},
		{"exactly at block threshold", 0.70, 100, domain.ActionBlock},
		{"above block threshold", 0.95, 100, domain.ActionBlock},
		{"challenge escalated by large amount", 0.55, 5000, domain.ActionBlock},
		{"allow untouched by large amount", 0.10, 9999, domain.ActionAllow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Decide(tc.score, &domain.Transaction{Amount: tc.amount}, cfg)
			if err != nil {
				t.Fatalf("Decide(%.2f, %.2f) failed: %v", tc.score, tc.amount, err)
			}
			if d.Action != tc.want {
				t.Errorf("Decide(%.2f, %.2f) = %s, want %s", tc.score, tc.amount, d.Action, tc.want)
			}
			if d.Reason == "" {
				t.Error("decision carries no reason")
			}
		})
	}
}

func TestDecideRejectsNonFiniteScore(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	tx := &domain.Transaction{Amount: 100}

	for name, score := range map[string]float64{
		"nan":          math.NaN(),
		"positive inf": math.Inf(1),
		"negative inf": math.Inf(-1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decide(score, tx, cfg)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("Decide(%v) error = %v, want ErrInvalidInput", score, err)
			}
		})
	}
}

func TestDecideAuditNoteForDeviantAmount(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring

	deviant, err := Decide(0.10, &domain.Transaction{Amount: 900, AmountDeviation: 8.0}, cfg)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !strings.Contains(deviant.Reason, "average") {
		t.Errorf("expected audit note for deviant amount, got reason %q", deviant.Reason)
	}

	typical, err := Decide(0.10, &domain.Transaction{Amount: 100, AmountDeviation: 0.2}, cfg)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if strings.Contains(typical.Reason, "average") {
		t.Errorf("unexpected audit note for typical amount: %q", typical.Reason)
	}
}

func TestDecideLargeAmountReasonIsExplicit(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	d, err := Decide(0.55, &domain.Transaction{Amount: 6000}, cfg)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if d.Action != domain.ActionBlock {
		t.Fatalf("expected BLOCK, got %s", d.Action)
	}
	plain, err := Decide(0.55, &domain.Transaction{Amount: 100}, cfg)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if d.Reason == plain.Reason {
		t.Error("escalated decision should carry a distinct reason")
	}
}

func TestDecideMonotonicInScore(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	prev := 0
	for score := 0.0; score <= 1.0; score += 0.01 {
		d, err := Decide(score, &domain.Transaction{Amount: 100}, cfg)
		if err != nil {
			t.Fatalf("Decide(%.2f) failed: %v", score, err)
		}
		if d.Action.Strictness() < prev {
			t.Fatalf("action strictness decreased at score %.2f", score)
		}
		prev = d.Action.Strictness()
	}
}

func TestDecideOverrideDisabled(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	cfg.LargeAmountOverride = 0
	d, err := Decide(0.55, &domain.Transaction{Amount: 1e9}, cfg)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if d.Action != domain.ActionChallenge {
		t.Errorf("expected CHALLENGE with override disabled, got %s", d.Action)
	}
}
