package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"pipeline-copilot/pkg/domain/errors"
)

// snapshotFile is the on-disk form of the applied registry. The in-memory
// registry stays authoritative; snapshots exist to survive restarts.
type snapshotFile struct {
	SavedAt time.Time       `json:"saved_at"`
	Applied []*AppliedPatch `json:"applied"`
}

// SaveSnapshot writes the applied registry to the configured snapshot path.
// Without a configured path it does nothing.
func (r *Runner) SaveSnapshot() error {
	if r.cfg.SnapshotPath == "" {
		return nil
	}
	snap := snapshotFile{SavedAt: r.clock.Now(), Applied: r.applied.list()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Internal("runner", "applied registry does not marshal", err)
	}

	dir := filepath.Dir(r.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Internal("runner", "failed to create snapshot directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".applied-*")
	if err != nil {
		return errors.Internal("runner", "failed to create temp snapshot file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Internal("runner", "failed to write snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Internal("runner", "failed to flush snapshot", err)
	}
	if err := os.Rename(tmp.Name(), r.cfg.SnapshotPath); err != nil {
		os.Remove(tmp.Name())
		return errors.Internal("runner", "failed to move snapshot into place", err)
	}

	r.logger.Info().
		Str("path", r.cfg.SnapshotPath).
		Int("applied", len(snap.Applied)).
		Msg("applied registry snapshot saved")
	return nil
}

// LoadSnapshot replaces the applied registry with the snapshot contents.
// A missing file is not an error; the registry starts empty.
func (r *Runner) LoadSnapshot() error {
	if r.cfg.SnapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.cfg.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Internal("runner", "failed to read snapshot", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.New(errors.CodeDataMismatch, "runner",
			"snapshot file does not parse", err)
	}
	r.applied.replace(snap.Applied)

	r.logger.Info().
		Str("path", r.cfg.SnapshotPath).
		Int("applied", r.applied.len()).
		Msg("applied registry snapshot loaded")
	return nil
}
