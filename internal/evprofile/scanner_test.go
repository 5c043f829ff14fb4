package evprofile_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/evprofile"
	"github.com/atlas-desktop/orb5m-backtester/internal/state"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

func TestBuildProfilesAveragesLongTermAndKeepsRecent(t *testing.T) {
	root := t.TempDir()
	cfg := types.ArchiveConfig{Root: root, RetentionKeep: 100}
	a := state.NewArchiver(cfg, zap.NewNop())

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snaps := []types.StateSnapshot{
		{
			SchemaVersion: types.CurrentSchemaVersion,
			PooledEV: types.PooledEVState{
				Buckets: map[string]types.BetaState{
					"london|tight|normal|trend": {Alpha: 2, Beta: 3},
				},
			},
		},
		{
			SchemaVersion: types.CurrentSchemaVersion,
			PooledEV: types.PooledEVState{
				Buckets: map[string]types.BetaState{
					"london|tight|normal|trend": {Alpha: 4, Beta: 5},
				},
			},
		},
	}
	for i, s := range snaps {
		if _, err := a.Save("orb5m", "EURUSD", "backtest", "run", base.Add(time.Duration(i)*time.Hour), s); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	scanner := evprofile.NewScanner(cfg, zap.NewNop())
	profiles, err := scanner.BuildProfiles(context.Background(), "orb5m", "EURUSD", "backtest")
	if err != nil {
		t.Fatalf("build profiles: %v", err)
	}

	got, ok := profiles["london|tight|normal|trend"]
	if !ok {
		t.Fatalf("expected bucket to be present")
	}
	if got.LongTerm == nil {
		t.Fatalf("expected long term prior")
	}
	if got.LongTerm.Alpha != 3 || got.LongTerm.Beta != 4 {
		t.Errorf("expected averaged alpha=3 beta=4, got alpha=%v beta=%v", got.LongTerm.Alpha, got.LongTerm.Beta)
	}
	if got.Recent == nil || got.Recent.Alpha != 4 || got.Recent.Beta != 5 {
		t.Errorf("expected recent to match the last snapshot, got %+v", got.Recent)
	}
}

func TestBuildProfilesEmptyArchiveReturnsEmptyMap(t *testing.T) {
	root := t.TempDir()
	cfg := types.ArchiveConfig{Root: root, RetentionKeep: 10}
	scanner := evprofile.NewScanner(cfg, zap.NewNop())

	profiles, err := scanner.BuildProfiles(context.Background(), "orb5m", "EURUSD", "backtest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected no profiles for an empty archive, got %d", len(profiles))
	}
}
