package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// Registry owns the model version lifecycle on top of a Store:
// persisting new versions, listing them, and promoting a version to
// current. Activation is copy-not-move: the versioned artifacts always
// survive, so rollback is just activating an older version.
type Registry struct {
	mu     sync.Mutex
	store  *Store
	logger *slog.Logger
}

// New creates a registry over the given store.
func New(store *Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Store exposes the underlying artifact store.
func (r *Registry) Store() *Store {
	return r.store
}

// SaveVersion persists a freshly trained artifact pair plus its
// metadata record under a version tag. It never touches the current
// slot; promotion is a separate explicit step.
func (r *Registry) SaveVersion(version string, supervised, anomaly []byte, meta *domain.ModelMetadata) error {
	if err := r.store.WriteVersioned(domain.RoleSupervised, version, supervised); err != nil {
		return err
	}
	if err := r.store.WriteVersioned(domain.RoleAnomaly, version, anomaly); err != nil {
		return err
	}
	if meta != nil {
		if err := r.store.WriteMetadata(meta); err != nil {
			return err
		}
	}
	r.logger.Info("model version saved", "version", version)
	return nil
}

// ListVersions returns every complete artifact pair, newest first, with
// the current one flagged.
func (r *Registry) ListVersions() ([]domain.VersionInfo, error) {
	return r.store.ListVersions()
}

// CurrentVersion returns the version tag occupying the current slot, or
// empty when nothing has been activated.
func (r *Registry) CurrentVersion() (string, error) {
	marker, err := r.store.readMarker()
	if err != nil {
		return "", err
	}
	if marker == nil {
		return "", nil
	}
	return marker.Version, nil
}

// Metadata returns the training record for a version.
func (r *Registry) Metadata(version string) (*domain.ModelMetadata, error) {
	return r.store.ReadMetadata(version)
}

// Activate promotes a version to the current slot. Both role artifacts
// are verified to deserialize before anything is touched; the old
// current pair is renamed to timestamped backups; then both new
// artifacts are staged under temp names and renamed into place. A
// failure between the two final renames leaves an inconsistent current
// slot and surfaces ErrPartialActivation rather than a silent success.
// Activating the already-current version is a no-op that succeeds.
func (r *Registry) Activate(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if marker, err := r.store.readMarker(); err == nil && marker != nil && marker.Version == version {
		r.logger.Info("model version already active", "version", version)
		return nil
	}

	supervisedData, err := r.store.ReadVersioned(domain.RoleSupervised, version)
	if err != nil {
		return err
	}
	anomalyData, err := r.store.ReadVersioned(domain.RoleAnomaly, version)
	if err != nil {
		return err
	}

	// Verify before touching the current slot.
	if _, _, err := model.UnmarshalSupervised(supervisedData); err != nil {
		return fmt.Errorf("version %s: %w", version, err)
	}
	if _, _, err := model.UnmarshalAnomaly(anomalyData); err != nil {
		return fmt.Errorf("version %s: %w", version, err)
	}

	// Stage both copies first so the swap below is rename-only.
	dir := r.store.Dir()
	stagedSupervised := filepath.Join(dir, currentFile(domain.RoleSupervised)+".staged")
	stagedAnomaly := filepath.Join(dir, currentFile(domain.RoleAnomaly)+".staged")
	if err := os.WriteFile(stagedSupervised, supervisedData, 0o644); err != nil {
		return fmt.Errorf("failed to stage supervised artifact: %w", err)
	}
	if err := os.WriteFile(stagedAnomaly, anomalyData, 0o644); err != nil {
		os.Remove(stagedSupervised)
		return fmt.Errorf("failed to stage anomaly artifact: %w", err)
	}

	backupTS := time.Now().UTC().Format("20060102_150405")
	if err := r.store.backupCurrent(domain.RoleSupervised, backupTS); err != nil {
		os.Remove(stagedSupervised)
		os.Remove(stagedAnomaly)
		return err
	}
	if err := r.store.backupCurrent(domain.RoleAnomaly, backupTS); err != nil {
		os.Remove(stagedSupervised)
		os.Remove(stagedAnomaly)
		return err
	}

	if err := os.Rename(stagedSupervised, filepath.Join(dir, currentFile(domain.RoleSupervised))); err != nil {
		os.Remove(stagedAnomaly)
		return fmt.Errorf("failed to install supervised artifact: %w", err)
	}
	if err := os.Rename(stagedAnomaly, filepath.Join(dir, currentFile(domain.RoleAnomaly))); err != nil {
		// The supervised slot now holds the new version while the
		// anomaly slot does not.
		return fmt.Errorf("%w: supervised slot updated to %s but anomaly install failed: %v",
			domain.ErrPartialActivation, version, err)
	}

	if err := r.store.writeMarker(version); err != nil {
		return err
	}

	r.logger.Info("model version activated", "version", version, "backup_suffix", backupTS)
	return nil
}

// LoadCurrent deserializes the current artifact pair. The two slots
// must carry the same version tag; a mismatch means a past activation
// was interrupted and is surfaced as ErrPartialActivation.
func (r *Registry) LoadCurrent() (domain.SupervisedModel, domain.AnomalyModel, string, error) {
	supervisedData, err := r.store.ReadCurrent(domain.RoleSupervised)
	if err != nil {
		return nil, nil, "", err
	}
	anomalyData, err := r.store.ReadCurrent(domain.RoleAnomaly)
	if err != nil {
		return nil, nil, "", err
	}

	supervised, supEnv, err := model.UnmarshalSupervised(supervisedData)
	if err != nil {
		return nil, nil, "", err
	}
	anomaly, anoEnv, err := model.UnmarshalAnomaly(anomalyData)
	if err != nil {
		return nil, nil, "", err
	}

	if supEnv.Version != anoEnv.Version {
		return nil, nil, "", fmt.Errorf("%w: current slot holds supervised %s but anomaly %s",
			domain.ErrPartialActivation, supEnv.Version, anoEnv.Version)
	}

	return supervised, anomaly, supEnv.Version, nil
}
