// Package domain defines the core types and collaborator interfaces for
// Kestrel.
package domain

import (
	"time"
)

// SupervisedModel is a classifier trained on labeled fraud/non-fraud
// examples. It must accept the exact feature vector layout produced by
// the feature package.
type SupervisedModel interface {
	// PredictProbability returns the fraud probability in [0,1].
	PredictProbability(fv FeatureVector) float64
}

// AnomalyModel is an unsupervised detector trained only on normal
// transactions. Higher scores indicate stronger anomalies; the fusion
// layer squashes the raw score through a sigmoid.
type AnomalyModel interface {
	// AnomalyScore returns an unbounded raw anomaly score.
	AnomalyScore(fv FeatureVector) float64
}

// ModelRole identifies which half of the model pair an artifact holds.
type ModelRole string

const (
	RoleSupervised ModelRole = "supervised"
	RoleAnomaly    ModelRole = "anomaly"
)

// ArtifactMeta is the declared identity of a stored model artifact.
// Kind and Algorithm are set at save time, not discovered by runtime
// introspection.
type ArtifactMeta struct {
	Kind      ModelRole `json:"kind"`
	Algorithm string    `json:"algorithm"`
	Version   string    `json:"version"`
	SHA256    string    `json:"sha256"`
}

// VersionInfo describes one versioned artifact pair on disk.
type VersionInfo struct {
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	SupervisedSize int64     `json:"supervised_size"`
	AnomalySize    int64     `json:"anomaly_size"`
	IsCurrent      bool      `json:"is_current"`
}

// ModelMetadata is the per-version training record persisted alongside
// the artifact pair. FeatureNames pins the feature-order contract the
// models were trained on.
type ModelMetadata struct {
	Version         string             `json:"version"`
	Timestamp       time.Time          `json:"timestamp"`
	FeatureNames    []string           `json:"features"`
	TrainingSamples int                `json:"training_samples"`
	TestSamples     int                `json:"test_samples"`
	FraudRatio      float64            `json:"fraud_ratio"`
	BestParams      map[string]int     `json:"best_params,omitempty"`
	Metrics         map[string]float64 `json:"metrics"`
}

// ModelEvaluation holds discrimination metrics for one model on one
// test split. Both metrics are required: class imbalance makes raw
// accuracy misleading.
type ModelEvaluation struct {
	ROCAUC           float64 `json:"auc_roc"`
	AveragePrecision float64 `json:"avg_precision"`
}

// RetrainReport is the operator-facing outcome of a retraining run. The
// old-vs-new delta is the gate for deciding whether to promote.
type RetrainReport struct {
	Version         string           `json:"version"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	FeedbackRecords int              `json:"feedback_records"`
	TrainingSamples int              `json:"training_samples"`
	TestSamples     int              `json:"test_samples"`
	FraudSamples    int              `json:"fraud_samples"`
	FraudRatio      float64          `json:"fraud_ratio"`
	LowConfidence   bool             `json:"low_confidence"`
	TunedParams     map[string]int   `json:"tuned_params,omitempty"`
	New             ModelEvaluation  `json:"new"`
	Previous        *ModelEvaluation `json:"previous,omitempty"`
	AUCDelta        float64          `json:"auc_delta"`
	APDelta         float64          `json:"ap_delta"`
}

// JobState is the observable lifecycle state of a background retraining
// job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// JobStatus is a point-in-time snapshot of a retraining job.
type JobStatus struct {
	ID         string         `json:"id"`
	State      JobState       `json:"state"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Output     string         `json:"output,omitempty"`
	Report     *RetrainReport `json:"report,omitempty"`
}
