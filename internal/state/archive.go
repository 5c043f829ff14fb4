// Package state implements the snapshot archive: write-to-temp-and-
// rename persistence of StateSnapshot under
// <archive_root>/<strategy_id>/<symbol>/<mode>/<timestamp>_<run_id>.json,
// fingerprint verification before restore, and retention pruning.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// Archiver persists and restores StateSnapshots for one archive root.
type Archiver struct {
	cfg    types.ArchiveConfig
	logger *zap.Logger
}

// NewArchiver builds an Archiver.
func NewArchiver(cfg types.ArchiveConfig, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, logger: logger}
}

func (a *Archiver) dir(strategyID, symbol, mode string) string {
	return filepath.Join(a.cfg.Root, strategyID, symbol, mode)
}

// Save writes snapshot under the archive layout, returning the file path.
// The file is written to a temp path in the same directory, fsynced, then
// renamed into place — a partial write from a crash mid-save can never be
// observed as a valid snapshot file.
func (a *Archiver) Save(strategyID, symbol, mode, runID string, ts time.Time, snapshot types.StateSnapshot) (string, error) {
	dir := a.dir(strategyID, symbol, mode)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("state: create archive dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", ts.UTC().Format("20060102T150405.000000000Z"), runID)
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"

	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("state: marshal snapshot: %w", err)
	}

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("state: open temp file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("state: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("state: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("state: rename into place: %w", err)
	}

	if err := a.prune(dir); err != nil {
		a.logger.Warn("archive retention prune failed", zap.Error(err), zap.String("dir", dir))
	}
	return finalPath, nil
}

// Load reads and unmarshals a snapshot file.
func (a *Archiver) Load(path string) (types.StateSnapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.StateSnapshot{}, fmt.Errorf("state: read snapshot: %w", err)
	}
	var snap types.StateSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return types.StateSnapshot{}, fmt.Errorf("state: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Latest returns the path and contents of the most recently saved snapshot
// for (strategyID, symbol, mode). Filenames are timestamp-prefixed so a
// lexicographic sort is also a chronological sort.
func (a *Archiver) Latest(strategyID, symbol, mode string) (string, types.StateSnapshot, error) {
	paths, err := a.list(strategyID, symbol, mode)
	if err != nil {
		return "", types.StateSnapshot{}, err
	}
	if len(paths) == 0 {
		return "", types.StateSnapshot{}, fmt.Errorf("state: no snapshots found under %s", a.dir(strategyID, symbol, mode))
	}
	latest := paths[len(paths)-1]
	snap, err := a.Load(latest)
	return latest, snap, err
}

// ListSnapshots returns all snapshot file paths for (strategyID, symbol,
// mode) in chronological order, for callers that need to scan the full
// history rather than just the latest (e.g. internal/evprofile).
func (a *Archiver) ListSnapshots(strategyID, symbol, mode string) ([]string, error) {
	return a.list(strategyID, symbol, mode)
}

func (a *Archiver) list(strategyID, symbol, mode string) ([]string, error) {
	dir := a.dir(strategyID, symbol, mode)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: list archive dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// prune deletes all but the most recent RetentionKeep snapshots in dir.
func (a *Archiver) prune(dir string) error {
	if a.cfg.RetentionKeep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= a.cfg.RetentionKeep {
		return nil
	}
	for _, n := range names[:len(names)-a.cfg.RetentionKeep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			return err
		}
	}
	return nil
}

// VerifyFingerprint checks that snapshot was produced by a run with the
// same behavior-relevant configuration as cfg — restoring EV/slip state
// learned under a different TP/SL/decay regime would silently corrupt the
// new run's statistics.
func VerifyFingerprint(snapshot types.StateSnapshot, cfg types.RunnerConfig, kTP, kSL, kTrail float64) error {
	want := cfg.Fingerprint(kTP, kSL, kTrail)
	if snapshot.RunnerConfigFingerprint != want {
		return fmt.Errorf("state: fingerprint mismatch: snapshot=%s config=%s", snapshot.RunnerConfigFingerprint, want)
	}
	if snapshot.SchemaVersion != types.CurrentSchemaVersion {
		return fmt.Errorf("state: schema version mismatch: snapshot=%d current=%d", snapshot.SchemaVersion, types.CurrentSchemaVersion)
	}
	return nil
}
