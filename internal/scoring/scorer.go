package scoring

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
)

// ModelSnapshot is an immutable pair of loaded models plus the version
// tag they were activated under. A snapshot is never mutated; reloads
// publish a fresh one.
type ModelSnapshot struct {
	Supervised domain.SupervisedModel
	Anomaly    domain.AnomalyModel
	Version    string
	LoadedAt   time.Time
}

// Scorer runs the full scoring pass: feature extraction, dual-model
// inference, fusion, contextual adjustment, and the decision policy.
// The model pair is held behind an atomic pointer so activation can
// swap models while requests are in flight; an individual request sees
// one consistent pair for its whole pass.
type Scorer struct {
	cfg      domain.ScoringConfig
	adjuster *Adjuster
	logger   *slog.Logger

	snapshot atomic.Pointer[ModelSnapshot]
}

// NewScorer builds a scorer from configuration. The scorer starts with
// no models loaded; Swap in a snapshot before scoring.
func NewScorer(cfg domain.ScoringConfig, logger *slog.Logger) (*Scorer, error) {
	adjuster, err := NewAdjuster(cfg.Adjustments, cfg.MaxAdjustment)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		cfg:      cfg,
		adjuster: adjuster,
		logger:   logger,
	}, nil
}

// Swap atomically publishes a new model snapshot. In-flight scoring
// passes keep the snapshot they already dereferenced.
func (s *Scorer) Swap(snap *ModelSnapshot) {
	s.snapshot.Store(snap)
	if snap != nil {
		s.logger.Info("model snapshot swapped", "version", snap.Version)
	}
}

// Snapshot returns the currently published model pair, or nil when no
// models are loaded.
func (s *Scorer) Snapshot() *ModelSnapshot {
	return s.snapshot.Load()
}

// Ready reports whether a model pair is loaded.
func (s *Scorer) Ready() bool {
	return s.snapshot.Load() != nil
}

// Adjuster exposes the contextual adjustment engine for rule
// inspection and hot reload.
func (s *Scorer) Adjuster() *Adjuster {
	return s.adjuster
}

// Score runs one transaction through the pipeline. Identical inputs
// against the same snapshot always produce the identical result; any
// nondeterminism would break the feedback and audit loop.
func (s *Scorer) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error) {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, domain.ErrModelUnavailable
	}

	fv, err := feature.Extract(tx)
	if err != nil {
		return nil, err
	}

	supervised := snap.Supervised.PredictProbability(fv)
	anomalyRaw := snap.Anomaly.AnomalyScore(fv)

	components := Fuse(supervised, anomalyRaw, s.cfg.SupervisedWeight, s.cfg.AnomalyWeight)

	delta, fired := s.adjuster.Apply(tx, components.FusedRiskScore)
	if delta != 0 {
		components.Adjustment = delta
		components.FusedRiskScore = clamp01(components.FusedRiskScore + delta)
	}

	decision, err := Decide(components.FusedRiskScore, tx, s.cfg)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("transaction scored",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"risk_score", components.FusedRiskScore,
		"decision", decision.Action,
		"adjustments", fired,
		"model_version", snap.Version,
	)

	return &domain.ScoreResult{
		TransactionID: tx.ID,
		Components:    components,
		Decision:      decision,
		ModelVersion:  snap.Version,
	}, nil
}
