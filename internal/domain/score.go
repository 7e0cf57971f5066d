package domain

// FeatureCount is the length of the feature vector contract. The order
// of elements must exactly match the order the active model pair was
// trained on; see the feature package for the canonical layout.
const FeatureCount = 10

// FeatureVector is a fixed-order sequence of reals derived
// deterministically from a Transaction. Never mutated after creation.
type FeatureVector []float64

// ScoreComponents holds the intermediate values of a scoring pass.
type ScoreComponents struct {
	SupervisedProbability float64 `json:"supervised_probability"`
	AnomalyRaw            float64 `json:"anomaly_raw"`
	AnomalyNormalized     float64 `json:"anomaly_normalized"`

	// Adjustment is the total contextual shift applied after fusion,
	// already capped and reflected in FusedRiskScore.
	Adjustment     float64 `json:"adjustment,omitempty"`
	FusedRiskScore float64 `json:"fused_risk_score"`
}

// Action is the discrete outcome of the decision policy, ordered by
// strictness: ALLOW < CHALLENGE < BLOCK.
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionChallenge Action = "CHALLENGE"
	ActionBlock     Action = "BLOCK"
)

// Valid reports whether a is one of the three defined actions.
func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionChallenge || a == ActionBlock
}

// Strictness returns the ordering rank of an action for monotonicity
// comparisons.
func (a Action) Strictness() int {
	switch a {
	case ActionChallenge:
		return 1
	case ActionBlock:
		return 2
	default:
		return 0
	}
}

// Decision pairs an action with a human-readable reason. Immutable once
// produced; persisted verbatim to the audit log.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// ScoreResult is the full outcome of scoring one transaction.
type ScoreResult struct {
	TransactionID string          `json:"transaction_id"`
	Components    ScoreComponents `json:"components"`
	Decision      Decision        `json:"decision"`
	ModelVersion  string          `json:"model_version"`
}

// ScoreResponse is the API surface contract for a scoring request.
// RiskScore is the fused score scaled to an integer 0-100.
type ScoreResponse struct {
	RiskScore    int    `json:"risk_score"`
	Decision     Action `json:"decision"`
	Message      string `json:"message"`
	ModelVersion string `json:"model_version"`
}

// ToResponse converts a ScoreResult to the API response shape.
func (r *ScoreResult) ToResponse() *ScoreResponse {
	return &ScoreResponse{
		RiskScore:    int(r.Components.FusedRiskScore * 100),
		Decision:     r.Decision.Action,
		Message:      r.Decision.Reason,
		ModelVersion: r.ModelVersion,
	}
}
