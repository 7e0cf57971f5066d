// Package retrain implements the feedback-driven retraining pipeline
// and the background job manager that runs it.
package retrain

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// minTotalSamples is the floor below which a train/test split is
// meaningless and the run fails outright. Too few fraud labels, by
// contrast, only flags the report low-confidence.
const minTotalSamples = 20

// splitSeed fixes the shuffle so a rerun over the same feedback log
// reproduces the same split and metrics.
const splitSeed = 42

// Pipeline retrains the model pair from the accumulated feedback log.
// It only ever writes versioned artifacts; promotion to current is a
// separate operator action on the registry.
type Pipeline struct {
	repo     domain.Repository
	registry *registry.Registry
	cfg      domain.RetrainConfig
	logger   *slog.Logger
}

// NewPipeline creates a retraining pipeline.
func NewPipeline(repo domain.Repository, reg *registry.Registry, cfg domain.RetrainConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{repo: repo, registry: reg, cfg: cfg, logger: logger}
}

// Run executes one full retraining pass: replay feedback through the
// serving-time feature extractor, split, tune, fit both models,
// evaluate against the previously current supervised model, and
// persist the new pair under a fresh version tag.
func (p *Pipeline) Run(ctx context.Context) (*domain.RetrainReport, error) {
	report := &domain.RetrainReport{StartedAt: time.Now().UTC()}

	X, y, replayed, err := p.buildTrainingSet(ctx)
	if err != nil {
		return nil, err
	}
	report.FeedbackRecords = replayed

	fraudSamples := 0
	for _, label := range y {
		if label == 1 {
			fraudSamples++
		}
	}
	report.FraudSamples = fraudSamples
	report.FraudRatio = float64(fraudSamples) / float64(len(y))
	report.LowConfidence = fraudSamples < p.cfg.MinFraudSamples

	XTrain, yTrain, XTest, yTest := split(X, y, p.cfg.TestSplit)
	report.TrainingSamples = len(XTrain)
	report.TestSamples = len(XTest)

	p.logger.Info("training set prepared",
		"samples", len(X),
		"fraud_samples", fraudSamples,
		"fraud_ratio", report.FraudRatio,
		"low_confidence", report.LowConfidence,
	)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrainingFailed, err)
	}

	params := model.DefaultForestParams()
	if len(XTrain) >= p.cfg.MinTuneSamples {
		params = p.tune(ctx, XTrain, yTrain)
		report.TunedParams = map[string]int{
			"n_estimators":      params.Estimators,
			"max_depth":         params.MaxDepth,
			"min_samples_split": params.MinSamplesSplit,
		}
	} else {
		p.logger.Info("skipping hyperparameter search", "train_samples", len(XTrain), "minimum", p.cfg.MinTuneSamples)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrainingFailed, err)
	}

	supervised, err := model.TrainRandomForest(XTrain, yTrain, params)
	if err != nil {
		return nil, fmt.Errorf("%w: supervised fit: %v", domain.ErrRetrainingFailed, err)
	}

	// The anomaly detector's training contract is normal-only: fraud
	// rows would corrupt its notion of normal.
	var XNormal [][]float64
	for i, row := range XTrain {
		if yTrain[i] == 0 {
			XNormal = append(XNormal, row)
		}
	}
	anomaly, err := model.TrainIsolationForest(XNormal, 100, splitSeed)
	if err != nil {
		return nil, fmt.Errorf("%w: anomaly fit: %v", domain.ErrRetrainingFailed, err)
	}

	report.New = evaluate(supervised, XTest, yTest)
	if prev, _, _, err := p.registry.LoadCurrent(); err == nil {
		prevEval := evaluate(prev, XTest, yTest)
		report.Previous = &prevEval
		report.AUCDelta = report.New.ROCAUC - prevEval.ROCAUC
		report.APDelta = report.New.AveragePrecision - prevEval.AveragePrecision
	}

	version := p.freshVersion()
	report.Version = version

	supervisedData, err := model.Marshal(supervised, domain.RoleSupervised, version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrainingFailed, err)
	}
	anomalyData, err := model.Marshal(anomaly, domain.RoleAnomaly, version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrainingFailed, err)
	}

	meta := &domain.ModelMetadata{
		Version:         version,
		Timestamp:       time.Now().UTC(),
		FeatureNames:    feature.Names(),
		TrainingSamples: len(XTrain),
		TestSamples:     len(XTest),
		FraudRatio:      report.FraudRatio,
		BestParams:      report.TunedParams,
		Metrics: map[string]float64{
			"auc_roc":       report.New.ROCAUC,
			"avg_precision": report.New.AveragePrecision,
		},
	}
	if err := p.registry.SaveVersion(version, supervisedData, anomalyData, meta); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrainingFailed, err)
	}

	report.FinishedAt = time.Now().UTC()
	p.logger.Info("retraining complete",
		"version", version,
		"auc_roc", report.New.ROCAUC,
		"avg_precision", report.New.AveragePrecision,
		"auc_delta", report.AUCDelta,
	)
	return report, nil
}

// freshVersion derives a version tag from the current timestamp,
// advancing one second at a time past any tag already occupied so runs
// in the same second never overwrite each other.
func (p *Pipeline) freshVersion() string {
	ts := time.Now().UTC()
	for {
		version := ts.Format("20060102_150405")
		if _, err := p.registry.Store().ReadVersioned(domain.RoleSupervised, version); err != nil {
			return version
		}
		ts = ts.Add(time.Second)
	}
}

// buildTrainingSet replays every feedback record through the identical
// feature extractor used at serving time. Records whose transaction is
// no longer retrievable are skipped, not fatal.
func (p *Pipeline) buildTrainingSet(ctx context.Context) ([][]float64, []int, int, error) {
	feedback, err := p.repo.ListFeedback(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: loading feedback: %v", domain.ErrRetrainingFailed, err)
	}
	if len(feedback) == 0 {
		return nil, nil, 0, fmt.Errorf("%w: feedback log is empty", domain.ErrRetrainingFailed)
	}

	var (
		X        [][]float64
		y        []int
		replayed int
	)
	for _, rec := range feedback {
		tx, err := p.repo.GetTransaction(ctx, rec.TransactionID)
		if err != nil {
			p.logger.Warn("skipping feedback without transaction", "tx_id", rec.TransactionID, "error", err)
			continue
		}
		fv, err := feature.Extract(tx)
		if err != nil {
			p.logger.Warn("skipping feedback with unextractable transaction", "tx_id", rec.TransactionID, "error", err)
			continue
		}
		X = append(X, fv)
		label := 0
		if rec.IsFraud() {
			label = 1
		}
		y = append(y, label)
		replayed++
	}

	if len(X) < minTotalSamples {
		return nil, nil, 0, fmt.Errorf("%w: only %d usable feedback records, need at least %d",
			domain.ErrRetrainingFailed, len(X), minTotalSamples)
	}
	return X, y, replayed, nil
}

// tune grid-searches the supervised model over a bounded space with
// 3-fold cross-validated ROC-AUC. Falls back to defaults when nothing
// beats them.
func (p *Pipeline) tune(ctx context.Context, X [][]float64, y []int) model.ForestParams {
	estimators := []int{50, 100, 200}
	depths := []int{0, 10, 20} // 0 means unbounded
	minSplits := []int{2, 5, 10}

	best := model.DefaultForestParams()
	bestScore := -1.0

	for _, n := range estimators {
		for _, d := range depths {
			for _, ms := range minSplits {
				if ctx.Err() != nil {
					return best
				}
				candidate := model.ForestParams{
					Estimators:      n,
					MaxDepth:        d,
					MinSamplesSplit: ms,
					MinSamplesLeaf:  1,
					Seed:            splitSeed,
				}
				score := crossValidate(X, y, candidate, 3)
				if score > bestScore {
					bestScore = score
					best = candidate
				}
			}
		}
	}

	p.logger.Info("hyperparameter search complete",
		"n_estimators", best.Estimators,
		"max_depth", best.MaxDepth,
		"min_samples_split", best.MinSamplesSplit,
		"cv_auc_roc", bestScore,
	)
	return best
}

// crossValidate returns the mean ROC-AUC over k folds.
func crossValidate(X [][]float64, y []int, params model.ForestParams, folds int) float64 {
	n := len(X)
	if folds > n {
		folds = n
	}

	total := 0.0
	scored := 0
	for fold := 0; fold < folds; fold++ {
		var trainX, testX [][]float64
		var trainY, testY []int
		for i := 0; i < n; i++ {
			if i%folds == fold {
				testX = append(testX, X[i])
				testY = append(testY, y[i])
			} else {
				trainX = append(trainX, X[i])
				trainY = append(trainY, y[i])
			}
		}

		forest, err := model.TrainRandomForest(trainX, trainY, params)
		if err != nil {
			continue
		}
		eval := evaluate(forest, testX, testY)
		total += eval.ROCAUC
		scored++
	}

	if scored == 0 {
		return 0
	}
	return total / float64(scored)
}

// evaluate computes both discrimination metrics for a supervised model
// on one test split.
func evaluate(m domain.SupervisedModel, X [][]float64, y []int) domain.ModelEvaluation {
	scores := make([]float64, len(X))
	for i, row := range X {
		scores[i] = m.PredictProbability(row)
	}
	return domain.ModelEvaluation{
		ROCAUC:           model.ROCAUC(y, scores),
		AveragePrecision: model.AveragePrecision(y, scores),
	}
}

// split shuffles deterministically and carves off the held-out test
// fraction.
func split(X [][]float64, y []int, testFraction float64) ([][]float64, []int, [][]float64, []int) {
	if testFraction <= 0 || testFraction >= 1 {
		testFraction = 0.2
	}

	n := len(X)
	order := rand.New(rand.NewSource(splitSeed)).Perm(n)

	testN := int(float64(n) * testFraction)
	if testN < 1 {
		testN = 1
	}

	var trainX, testX [][]float64
	var trainY, testY []int
	for i, idx := range order {
		if i < testN {
			testX = append(testX, X[idx])
			testY = append(testY, y[idx])
		} else {
			trainX = append(trainX, X[idx])
			trainY = append(trainY, y[idx])
		}
	}
	return trainX, trainY, testX, testY
}
