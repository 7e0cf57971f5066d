package registry

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

func artifactPair(t *testing.T, version string) ([]byte, []byte) {
	t.Helper()

	rng := rand.New(rand.NewSource(7))
	X := make([][]float64, 60)
	y := make([]int, 60)
	for i := range X {
		row := make([]float64, domain.FeatureCount)
		for j := range row {
			row[j] = rng.Float64()
		}
		X[i] = row
		if i%5 == 0 {
			y[i] = 1
		}
	}

	params := model.DefaultForestParams()
	params.Estimators = 3
	forest, err := model.TrainRandomForest(X, y, params)
	if err != nil {
		t.Fatalf("failed to train supervised model: %v", err)
	}
	iso, err := model.TrainIsolationForest(X, 3, 7)
	if err != nil {
		t.Fatalf("failed to train anomaly model: %v", err)
	}

	supervised, err := model.Marshal(forest, domain.RoleSupervised, version)
	if err != nil {
		t.Fatalf("failed to marshal supervised model: %v", err)
	}
	anomaly, err := model.Marshal(iso, domain.RoleAnomaly, version)
	if err != nil {
		t.Fatalf("failed to marshal anomaly model: %v", err)
	}
	return supervised, anomaly
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return New(store, nil)
}

func saveVersion(t *testing.T, r *Registry, version string) {
	t.Helper()
	supervised, anomaly := artifactPair(t, version)
	meta := &domain.ModelMetadata{
		Version:         version,
		Timestamp:       time.Now().UTC(),
		FeatureNames:    []string{"hour", "amount"},
		TrainingSamples: 48,
		TestSamples:     12,
		Metrics:         map[string]float64{"auc_roc": 0.9},
	}
	if err := r.SaveVersion(version, supervised, anomaly, meta); err != nil {
		t.Fatalf("failed to save version %s: %v", version, err)
	}
}

func TestSaveAndListVersions(t *testing.T) {
	r := newTestRegistry(t)
	saveVersion(t, r, "20250101_090000")
	saveVersion(t, r, "20250102_090000")

	versions, err := r.ListVersions()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Version != "20250102_090000" {
		t.Errorf("expected newest version first, got %s", versions[0].Version)
	}
	for _, v := range versions {
		if v.IsCurrent {
			t.Errorf("version %s flagged current before any activation", v.Version)
		}
		if v.SupervisedSize == 0 || v.AnomalySize == 0 {
			t.Errorf("version %s has zero-size artifact", v.Version)
		}
	}
}

func TestActivateAndLoadCurrent(t *testing.T) {
	r := newTestRegistry(t)
	saveVersion(t, r, "20250101_090000")

	if err := r.Activate("20250101_090000"); err != nil {
		t.Fatalf("activation failed: %v", err)
	}

	current, err := r.CurrentVersion()
	if err != nil {
		t.Fatalf("current version lookup failed: %v", err)
	}
	if current != "20250101_090000" {
		t.Errorf("expected current version 20250101_090000, got %s", current)
	}

	supervised, anomaly, version, err := r.LoadCurrent()
	if err != nil {
		t.Fatalf("load current failed: %v", err)
	}
	if version != "20250101_090000" {
		t.Errorf("loaded version %s, want 20250101_090000", version)
	}
	if supervised == nil || anomaly == nil {
		t.Fatal("loaded nil model")
	}

	probe := make(domain.FeatureVector, domain.FeatureCount)
	p := supervised.PredictProbability(probe)
	if p < 0 || p > 1 {
		t.Errorf("loaded supervised model returned probability %v", p)
	}

	versions, err := r.ListVersions()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !versions[0].IsCurrent {
		t.Error("activated version not flagged current in listing")
	}
}

func TestActivateMissingVersion(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Activate("20990101_000000")
	if !errors.Is(err, domain.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestActivateMissingAnomalyArtifact(t *testing.T) {
	r := newTestRegistry(t)
	supervised, _ := artifactPair(t, "20250101_090000")
	if err := r.Store().WriteVersioned(domain.RoleSupervised, "20250101_090000", supervised); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err := r.Activate("20250101_090000")
	if !errors.Is(err, domain.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound for half a pair, got %v", err)
	}
}

func TestActivateCorruptArtifact(t *testing.T) {
	r := newTestRegistry(t)
	_, anomaly := artifactPair(t, "20250101_090000")
	if err := r.Store().WriteVersioned(domain.RoleSupervised, "20250101_090000", []byte("{not a model")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := r.Store().WriteVersioned(domain.RoleAnomaly, "20250101_090000", anomaly); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err := r.Activate("20250101_090000")
	if !errors.Is(err, domain.ErrCorruptArtifact) {
		t.Errorf("expected ErrCorruptArtifact, got %v", err)
	}
	if _, _, _, err := r.LoadCurrent(); !errors.Is(err, domain.ErrModelUnavailable) {
		t.Errorf("failed activation must not populate the current slot, got %v", err)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	saveVersion(t, r, "20250101_090000")

	if err := r.Activate("20250101_090000"); err != nil {
		t.Fatalf("first activation failed: %v", err)
	}
	if err := r.Activate("20250101_090000"); err != nil {
		t.Fatalf("second activation failed: %v", err)
	}
	if _, _, version, err := r.LoadCurrent(); err != nil || version != "20250101_090000" {
		t.Errorf("current slot broken after repeat activation: version=%s err=%v", version, err)
	}

	// Re-activating the current version must not shuffle the current
	// pair into backups.
	if n := countBackups(t, r); n != 0 {
		t.Errorf("expected no backup files after repeat activation, got %d", n)
	}
}

func countBackups(t *testing.T, r *Registry) int {
	t.Helper()
	entries, err := os.ReadDir(r.Store().Dir())
	if err != nil {
		t.Fatalf("failed to read store dir: %v", err)
	}
	backups := 0
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "_backup_") {
			backups++
		}
	}
	return backups
}

func TestRollbackToOlderVersion(t *testing.T) {
	r := newTestRegistry(t)
	saveVersion(t, r, "20250101_090000")
	saveVersion(t, r, "20250102_090000")

	if err := r.Activate("20250102_090000"); err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	if err := r.Activate("20250101_090000"); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	_, _, version, err := r.LoadCurrent()
	if err != nil {
		t.Fatalf("load current failed: %v", err)
	}
	if version != "20250101_090000" {
		t.Errorf("expected rolled-back version, got %s", version)
	}

	// The superseded version's artifacts must survive the rollback.
	if _, err := r.Store().ReadVersioned(domain.RoleSupervised, "20250102_090000"); err != nil {
		t.Errorf("versioned artifact lost after rollback: %v", err)
	}
}

func TestActivationBacksUpReplacedPair(t *testing.T) {
	r := newTestRegistry(t)
	saveVersion(t, r, "20250101_090000")
	saveVersion(t, r, "20250102_090000")

	if err := r.Activate("20250101_090000"); err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	if err := r.Activate("20250102_090000"); err != nil {
		t.Fatalf("second activation failed: %v", err)
	}

	if n := countBackups(t, r); n != 2 {
		t.Errorf("expected 2 backup files after replacing a pair, got %d", n)
	}
}

func TestLoadCurrentVersionMismatch(t *testing.T) {
	r := newTestRegistry(t)
	supervised, _ := artifactPair(t, "20250101_090000")
	_, anomaly := artifactPair(t, "20250102_090000")

	dir := r.Store().Dir()
	if err := os.WriteFile(filepath.Join(dir, supervisedCurrentFile), supervised, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, anomalyCurrentFile), anomaly, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, _, _, err := r.LoadCurrent()
	if !errors.Is(err, domain.ErrPartialActivation) {
		t.Errorf("expected ErrPartialActivation for mixed current slot, got %v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	saveVersion(t, r, "20250101_090000")

	meta, err := r.Metadata("20250101_090000")
	if err != nil {
		t.Fatalf("metadata load failed: %v", err)
	}
	if meta.Version != "20250101_090000" {
		t.Errorf("unexpected metadata version %s", meta.Version)
	}
	if len(meta.FeatureNames) == 0 {
		t.Error("metadata lost feature name contract")
	}

	if _, err := r.Metadata("20990101_000000"); !errors.Is(err, domain.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound for missing metadata, got %v", err)
	}
}
