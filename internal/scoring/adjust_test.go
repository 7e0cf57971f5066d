package scoring

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestAdjusterDefaultsFire(t *testing.T) {
	adj, err := NewAdjuster(nil, 0)
	if err != nil {
		t.Fatalf("failed to build adjuster: %v", err)
	}

	// Night-time high value plus unfamiliar device with a geo jump.
	tx := &domain.Transaction{
		UserID:            "user-1",
		Amount:            5000,
		Hour:              2,
		Velocity:          8,
		GeoDiff:           0.9,
		DeviceFamiliarity: 0.1,
	}

	delta, reasons := adj.Apply(tx, 0.5)
	if delta <= 0 {
		t.Errorf("expected positive adjustment, got %v", delta)
	}
	if len(reasons) != 2 {
		t.Errorf("expected 2 fired rules, got %d: %v", len(reasons), reasons)
	}
}

func TestAdjusterTrustedPatternLowersScore(t *testing.T) {
	adj, err := NewAdjuster(nil, 0)
	if err != nil {
		t.Fatalf("failed to build adjuster: %v", err)
	}

	tx := &domain.Transaction{
		UserID:            "user-1",
		Amount:            20,
		Hour:              14,
		Velocity:          1,
		GeoDiff:           0.01,
		DeviceFamiliarity: 0.95,
	}

	delta, _ := adj.Apply(tx, 0.3)
	if delta >= 0 {
		t.Errorf("expected negative adjustment for trusted pattern, got %v", delta)
	}
}

func TestAdjusterTotalCap(t *testing.T) {
	rules := []domain.AdjustmentRule{
		{ID: "a", Expression: "amount > 0.0", Delta: 0.10, Reason: "a", Enabled: true},
		{ID: "b", Expression: "amount > 0.0", Delta: 0.10, Reason: "b", Enabled: true},
		{ID: "c", Expression: "amount > 0.0", Delta: 0.10, Reason: "c", Enabled: true},
	}
	adj, err := NewAdjuster(rules, 0.15)
	if err != nil {
		t.Fatalf("failed to build adjuster: %v", err)
	}

	delta, reasons := adj.Apply(&domain.Transaction{UserID: "u", Amount: 100}, 0.5)
	if delta != 0.15 {
		t.Errorf("expected total delta capped at 0.15, got %v", delta)
	}
	if len(reasons) != 3 {
		t.Errorf("expected all 3 rules to fire, got %d", len(reasons))
	}
}

func TestAdjusterPerRuleCap(t *testing.T) {
	rules := []domain.AdjustmentRule{
		{ID: "huge", Expression: "amount > 0.0", Delta: 0.9, Reason: "huge", Enabled: true},
	}
	adj, err := NewAdjuster(rules, 0.5)
	if err != nil {
		t.Fatalf("failed to build adjuster: %v", err)
	}

	delta, _ := adj.Apply(&domain.Transaction{UserID: "u", Amount: 100}, 0.5)
	if delta != perRuleCap {
		t.Errorf("expected per-rule cap %v, got %v", perRuleCap, delta)
	}
}

func TestAdjusterDisabledRuleSkipped(t *testing.T) {
	rules := []domain.AdjustmentRule{
		{ID: "off", Expression: "amount > 0.0", Delta: 0.05, Reason: "off", Enabled: false},
	}
	adj, err := NewAdjuster(rules, 0)
	if err != nil {
		t.Fatalf("failed to build adjuster: %v", err)
	}

	if delta, _ := adj.Apply(&domain.Transaction{UserID: "u", Amount: 100}, 0.5); delta != 0 {
		t.Errorf("expected no adjustment from disabled rule, got %v", delta)
	}
}

func TestAdjusterRejectsInvalidExpression(t *testing.T) {
	rules := []domain.AdjustmentRule{
		{ID: "bad", Expression: "no_such_var > 1", Delta: 0.05, Enabled: true},
	}
	if _, err := NewAdjuster(rules, 0); err == nil {
		t.Error("expected compile error for unknown variable")
	}
}

func TestAdjusterRejectsNonBoolExpression(t *testing.T) {
	rules := []domain.AdjustmentRule{
		{ID: "numeric", Expression: "amount + 1.0", Delta: 0.05, Enabled: true},
	}
	if _, err := NewAdjuster(rules, 0); err == nil {
		t.Error("expected error for non-bool expression")
	}
}

func TestAdjusterReload(t *testing.T) {
	adj, err := NewAdjuster(nil, 0)
	if err != nil {
		t.Fatalf("failed to build adjuster: %v", err)
	}

	replacement := []domain.AdjustmentRule{
		{ID: "only", Expression: "velocity >= 1", Delta: 0.02, Reason: "only", Enabled: true},
	}
	if err := adj.Reload(replacement); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := len(adj.Rules()); got != 1 {
		t.Fatalf("expected 1 rule after reload, got %d", got)
	}

	// A failed reload must leave the existing rules untouched.
	bad := []domain.AdjustmentRule{
		{ID: "bad", Expression: "bogus ==", Delta: 0.02, Enabled: true},
	}
	if err := adj.Reload(bad); err == nil {
		t.Fatal("expected reload error for invalid expression")
	}
	if got := len(adj.Rules()); got != 1 {
		t.Errorf("failed reload mutated rule set: %d rules", got)
	}
}
