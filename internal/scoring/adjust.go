package scoring

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultMaxAdjustment caps the total contextual shift when the config
// leaves it unset.
const defaultMaxAdjustment = 0.15

// perRuleCap bounds any single rule's contribution regardless of its
// configured delta.
const perRuleCap = 0.10

// Adjuster applies CEL-based contextual adjustment rules to a fused
// score. Rules are compiled once and evaluated against transaction
// context; each fires a bounded delta when its expression is true.
type Adjuster struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiled      []compiledAdjustment
	maxAdjustment float64
}

type compiledAdjustment struct {
	rule    domain.AdjustmentRule
	program cel.Program
}

// NewAdjuster compiles the given adjustment rules. An empty rule set
// falls back to the built-in defaults.
func NewAdjuster(rules []domain.AdjustmentRule, maxAdjustment float64) (*Adjuster, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("velocity", cel.IntType),
		cel.Variable("geo_diff", cel.DoubleType),
		cel.Variable("amount_deviation", cel.DoubleType),
		cel.Variable("device_familiarity", cel.DoubleType),
		cel.Variable("location_familiarity", cel.DoubleType),
		cel.Variable("is_weekend", cel.BoolType),
		cel.Variable("base_score", cel.DoubleType),
		cel.Variable("user_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	if maxAdjustment <= 0 {
		maxAdjustment = defaultMaxAdjustment
	}
	if len(rules) == 0 {
		rules = DefaultAdjustmentRules()
	}

	a := &Adjuster{env: env, maxAdjustment: maxAdjustment}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := a.compile(rule)
		if err != nil {
			return nil, err
		}
		a.compiled = append(a.compiled, compiled)
	}
	return a, nil
}

// DefaultAdjustmentRules returns the built-in contextual adjustments:
// classic fraud context that the models only see indirectly through the
// normalized feature vector.
func DefaultAdjustmentRules() []domain.AdjustmentRule {
	return []domain.AdjustmentRule{
		{
			ID:         "night_high_value",
			Expression: `hour >= 0 && hour <= 5 && amount > 1000.0`,
			Delta:      0.05,
			Reason:     "high-value transaction during night hours",
			Enabled:    true,
		},
		{
			ID:         "unfamiliar_device_geo_jump",
			Expression: `device_familiarity < 0.3 && geo_diff > 0.5`,
			Delta:      0.05,
			Reason:     "unfamiliar device combined with location jump",
			Enabled:    true,
		},
		{
			ID:         "burst_velocity",
			Expression: `velocity >= 10`,
			Delta:      0.05,
			Reason:     "rapid transaction burst for user",
			Enabled:    true,
		},
		{
			ID:         "trusted_pattern",
			Expression: `device_familiarity > 0.9 && geo_diff < 0.1 && amount_deviation < 1.0`,
			Delta:      -0.05,
			Reason:     "transaction matches established user pattern",
			Enabled:    true,
		},
	}
}

// Apply evaluates every rule against the transaction and returns the
// capped total delta plus the reasons of the rules that fired. Rule
// evaluation errors skip the rule; adjustments are advisory and must
// never fail a scoring pass.
func (a *Adjuster) Apply(tx *domain.Transaction, baseScore float64) (float64, []string) {
	a.mu.RLock()
	compiled := a.compiled
	maxAdj := a.maxAdjustment
	a.mu.RUnlock()

	if len(compiled) == 0 {
		return 0, nil
	}

	activation := map[string]any{
		"amount":               tx.Amount,
		"hour":                 int64(tx.Hour),
		"velocity":             int64(tx.Velocity),
		"geo_diff":             tx.GeoDiff,
		"amount_deviation":     tx.AmountDeviation,
		"device_familiarity":   tx.DeviceFamiliarity,
		"location_familiarity": tx.LocationFamiliarity,
		"is_weekend":           tx.IsWeekend,
		"base_score":           baseScore,
		"user_id":              tx.UserID,
	}

	total := 0.0
	var reasons []string
	for _, c := range compiled {
		out, _, err := c.program.Eval(activation)
		if err != nil {
			continue
		}
		fired, ok := out.(types.Bool)
		if !ok || !bool(fired) {
			continue
		}
		delta := capDelta(c.rule.Delta, perRuleCap)
		total += delta
		reasons = append(reasons, c.rule.Reason)
	}

	return capDelta(total, maxAdj), reasons
}

// Reload swaps in a new rule set, leaving the old one in place when any
// rule fails to compile.
func (a *Adjuster) Reload(rules []domain.AdjustmentRule) error {
	compiled := make([]compiledAdjustment, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		c, err := a.compile(rule)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	a.mu.Lock()
	a.compiled = compiled
	a.mu.Unlock()
	return nil
}

// Rules returns the currently loaded adjustment rules.
func (a *Adjuster) Rules() []domain.AdjustmentRule {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rules := make([]domain.AdjustmentRule, 0, len(a.compiled))
	for _, c := range a.compiled {
		rules = append(rules, c.rule)
	}
	return rules
}

func (a *Adjuster) compile(rule domain.AdjustmentRule) (compiledAdjustment, error) {
	ast, issues := a.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return compiledAdjustment{}, fmt.Errorf("failed to compile adjustment %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return compiledAdjustment{}, fmt.Errorf("adjustment %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}
	program, err := a.env.Program(ast)
	if err != nil {
		return compiledAdjustment{}, fmt.Errorf("failed to create program for adjustment %s: %w", rule.ID, err)
	}
	return compiledAdjustment{rule: rule, program: program}, nil
}

func capDelta(delta, limit float64) float64 {
	if delta > limit {
		return limit
	}
	if delta < -limit {
		return -limit
	}
	return delta
}
