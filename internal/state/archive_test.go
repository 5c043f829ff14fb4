package state_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/state"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

func newArchiver(t *testing.T) (*state.Archiver, string) {
	t.Helper()
	root := t.TempDir()
	cfg := types.ArchiveConfig{Root: root, RetentionKeep: 2}
	return state.NewArchiver(cfg, zap.NewNop()), root
}

func sampleSnapshot(fp string) types.StateSnapshot {
	return types.StateSnapshot{
		RunnerConfigFingerprint: fp,
		PooledEV:                types.PooledEVState{Buckets: map[string]types.BetaState{}},
		SchemaVersion:           types.CurrentSchemaVersion,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a, _ := newArchiver(t)
	snap := sampleSnapshot("abc123")
	path, err := a.Save("orb5m", "EURUSD", "backtest", "run1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), snap)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := a.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RunnerConfigFingerprint != snap.RunnerConfigFingerprint {
		t.Errorf("fingerprint mismatch after round trip: got %s want %s", loaded.RunnerConfigFingerprint, snap.RunnerConfigFingerprint)
	}
}

func TestLatestReturnsMostRecent(t *testing.T) {
	a, _ := newArchiver(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.Save("orb5m", "EURUSD", "backtest", "run1", base, sampleSnapshot("first"))
	a.Save("orb5m", "EURUSD", "backtest", "run2", base.Add(time.Hour), sampleSnapshot("second"))

	_, latest, err := a.Latest("orb5m", "EURUSD", "backtest")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.RunnerConfigFingerprint != "second" {
		t.Errorf("expected the later snapshot, got fingerprint %s", latest.RunnerConfigFingerprint)
	}
}

func TestRetentionPruneKeepsOnlyMostRecent(t *testing.T) {
	a, root := newArchiver(t) // RetentionKeep = 2
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := a.Save("orb5m", "EURUSD", "backtest", "run", base.Add(time.Duration(i)*time.Hour), sampleSnapshot("fp")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	dir := filepath.Join(root, "orb5m", "EURUSD", "backtest")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected retention to keep 2 snapshots, found %d", len(entries))
	}
}

func TestVerifyFingerprintMismatch(t *testing.T) {
	cfg := types.DefaultRunnerConfig("orb5m", "EURUSD")
	snap := sampleSnapshot("wrong")
	snap.SchemaVersion = types.CurrentSchemaVersion
	if err := state.VerifyFingerprint(snap, cfg, 2, 1, 0); err == nil {
		t.Error("expected fingerprint mismatch error")
	}
	snap.RunnerConfigFingerprint = cfg.Fingerprint(2, 1, 0)
	if err := state.VerifyFingerprint(snap, cfg, 2, 1, 0); err != nil {
		t.Errorf("expected match, got %v", err)
	}
}
