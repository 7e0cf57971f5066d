package domain

import (
	"time"
)

// Transaction represents an incoming transaction to be scored.
// Only UserID and Amount are required; every other field defaults to its
// zero value during feature extraction.
type Transaction struct {
	ID     string  `json:"id,omitempty"`
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`

	Timestamp time.Time `json:"timestamp,omitempty"`

	// Device and location signals
	DeviceID  string  `json:"device_id,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`

	// Free-text signals (consumed by the explanation subsystem, not by
	// feature extraction)
	Description string `json:"description,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Email       string `json:"email,omitempty"`

	// Behavioral signals, typically precomputed by an enrichment stage.
	Hour                int     `json:"hour"`
	Velocity            int     `json:"velocity"`
	GeoDiff             float64 `json:"geo_diff"`
	AmountDeviation     float64 `json:"amount_deviation"`
	DeviceFamiliarity   float64 `json:"device_familiarity"`
	AmountPercentile    float64 `json:"amount_percentile"`
	LocationFamiliarity float64 `json:"location_familiarity"`
	TimeSinceLast       float64 `json:"time_since_last"`
	IsWeekend           bool    `json:"is_weekend"`
}

// PredictionRecord is one append-only audit log entry per scored
// transaction. Never mutated after append.
type PredictionRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	Amount       float64   `json:"amount"`
	RiskScore    float64   `json:"risk_score"`
	Decision     Action    `json:"decision"`
	Reason       string    `json:"reason"`
	ModelVersion string    `json:"model_version"`
}

// FeedbackRecord is an analyst correction to a past decision. The
// feedback log is append-only and is the ground-truth label source for
// retraining.
type FeedbackRecord struct {
	TransactionID     string    `json:"transaction_id"`
	OriginalDecision  Action    `json:"original_decision"`
	CorrectedDecision Action    `json:"corrected_decision"`
	AnalystID         string    `json:"analyst_id,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
}

// Validate checks the presence of required feedback fields. Records
// failing validation must be rejected before being appended.
func (f *FeedbackRecord) Validate() error {
	if f.TransactionID == "" {
		return invalidInput("transaction_id is required")
	}
	if f.OriginalDecision == "" {
		return invalidInput("original_decision is required")
	}
	if f.CorrectedDecision == "" {
		return invalidInput("corrected_decision is required")
	}
	if !f.OriginalDecision.Valid() || !f.CorrectedDecision.Valid() {
		return invalidInput("decision must be one of ALLOW, CHALLENGE, BLOCK")
	}
	return nil
}

// IsFraud reports the supervised training label derived from this
// correction: a transaction corrected to BLOCK is treated as fraud.
func (f *FeedbackRecord) IsFraud() bool {
	return f.CorrectedDecision == ActionBlock
}
