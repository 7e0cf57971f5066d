// Package registry manages model artifact storage and the activation
// lifecycle: versioned artifact pairs on disk, an explicit current
// marker, timestamped backups, and promote/rollback by version tag.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Current-slot and marker filenames. Versioned copies use the
// `<role>_model_v<version>.json` pattern, backups
// `<role>_model_backup_<timestamp>.json`.
const (
	supervisedCurrentFile = "supervised_model.json"
	anomalyCurrentFile    = "anomaly_model.json"
	currentMarkerFile     = "current.json"
)

// Store is the on-disk artifact store. All artifacts for every version
// live in one flat directory; files are written whole and renamed into
// place, never appended.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the artifact directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the artifact directory path.
func (s *Store) Dir() string {
	return s.dir
}

func currentFile(role domain.ModelRole) string {
	if role == domain.RoleAnomaly {
		return anomalyCurrentFile
	}
	return supervisedCurrentFile
}

func versionedFile(role domain.ModelRole, version string) string {
	return fmt.Sprintf("%s_model_v%s.json", role, version)
}

func backupFile(role domain.ModelRole, timestamp string) string {
	return fmt.Sprintf("%s_model_backup_%s.json", role, timestamp)
}

func metadataFile(version string) string {
	return fmt.Sprintf("model_metadata_v%s.json", version)
}

// WriteVersioned persists one role's artifact under its versioned
// filename. Writes to a temp file first and renames into place.
func (s *Store) WriteVersioned(role domain.ModelRole, version string, data []byte) error {
	return s.writeAtomic(versionedFile(role, version), data)
}

// ReadVersioned loads one role's artifact for a version. Missing files
// map to ErrVersionNotFound.
func (s *Store) ReadVersioned(role domain.ModelRole, version string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, versionedFile(role, version)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s artifact for version %s", domain.ErrVersionNotFound, role, version)
		}
		return nil, fmt.Errorf("failed to read %s artifact: %w", role, err)
	}
	return data, nil
}

// ReadCurrent loads the current-slot artifact for a role. A missing
// current slot maps to ErrModelUnavailable.
func (s *Store) ReadCurrent(role domain.ModelRole) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFile(role)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no current %s artifact", domain.ErrModelUnavailable, role)
		}
		return nil, fmt.Errorf("failed to read current %s artifact: %w", role, err)
	}
	return data, nil
}

// WriteMetadata persists the per-version training record.
func (s *Store) WriteMetadata(meta *domain.ModelMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return s.writeAtomic(metadataFile(meta.Version), data)
}

// ReadMetadata loads the training record for a version, or
// ErrVersionNotFound when none was persisted.
func (s *Store) ReadMetadata(version string) (*domain.ModelMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, metadataFile(version)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: metadata for version %s", domain.ErrVersionNotFound, version)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta domain.ModelMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata for version %s: %v", domain.ErrCorruptArtifact, version, err)
	}
	return &meta, nil
}

// currentMarker is the explicit record of which version occupies the
// current slot.
type currentMarker struct {
	Version     string    `json:"version"`
	ActivatedAt time.Time `json:"activated_at"`
}

func (s *Store) writeMarker(version string) error {
	data, err := json.MarshalIndent(currentMarker{
		Version:     version,
		ActivatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode current marker: %w", err)
	}
	return s.writeAtomic(currentMarkerFile, data)
}

func (s *Store) readMarker() (*currentMarker, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentMarkerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read current marker: %w", err)
	}
	var marker currentMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("%w: current marker: %v", domain.ErrCorruptArtifact, err)
	}
	return &marker, nil
}

// ListVersions scans the directory for versioned artifact pairs, newest
// first. Version tags are timestamp-shaped, so lexical order is
// temporal order.
func (s *Store) ListVersions() ([]domain.VersionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact directory: %w", err)
	}

	marker, err := s.readMarker()
	if err != nil {
		return nil, err
	}

	supervisedPrefix := string(domain.RoleSupervised) + "_model_v"
	byVersion := make(map[string]*domain.VersionInfo)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, supervisedPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		version := strings.TrimSuffix(strings.TrimPrefix(name, supervisedPrefix), ".json")
		info, err := entry.Info()
		if err != nil {
			continue
		}
		byVersion[version] = &domain.VersionInfo{
			Version:        version,
			CreatedAt:      info.ModTime().UTC(),
			SupervisedSize: info.Size(),
			IsCurrent:      marker != nil && marker.Version == version,
		}
	}

	// Attach the anomaly counterpart sizes; versions missing either
	// role are incomplete and not listed.
	versions := make([]domain.VersionInfo, 0, len(byVersion))
	for version, info := range byVersion {
		stat, err := os.Stat(filepath.Join(s.dir, versionedFile(domain.RoleAnomaly, version)))
		if err != nil {
			continue
		}
		info.AnomalySize = stat.Size()
		versions = append(versions, *info)
	}

	sort.Slice(versions, func(a, b int) bool {
		return versions[a].Version > versions[b].Version
	})
	return versions, nil
}

// backupCurrent renames a role's current artifact to a timestamped
// backup. A missing current slot is not an error.
func (s *Store) backupCurrent(role domain.ModelRole, timestamp string) error {
	src := filepath.Join(s.dir, currentFile(role))
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(s.dir, backupFile(role, timestamp))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to back up current %s artifact: %w", role, err)
	}
	return nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", name, err)
	}
	return nil
}
