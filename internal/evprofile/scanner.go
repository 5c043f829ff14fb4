// Package evprofile implements the archive scanner: it reads a
// strategy/symbol/mode's full snapshot history and produces per-bucket
// long-term and recent Beta priors, blended at ev_profile_obs_norm weight
// by internal/ev.Estimator.SeedProfile. Parallel directory/file scanning
// uses golang.org/x/sync/errgroup.
package evprofile

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-desktop/orb5m-backtester/internal/state"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// Scanner builds EVProfileStats from a state.Archiver's snapshot history.
type Scanner struct {
	archiver *state.Archiver
	logger   *zap.Logger
}

// NewScanner builds a Scanner over cfg's archive root.
func NewScanner(cfg types.ArchiveConfig, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{archiver: state.NewArchiver(cfg, logger), logger: logger}
}

// BuildProfiles scans every snapshot for (strategyID, symbol, mode) and
// returns a map from bucket key to EVProfileStats. LongTerm averages the
// Beta parameters across the full history; Recent is the bucket state from
// the chronologically last snapshot. Snapshot files are read concurrently
// via an errgroup, then merged sequentially — the merge itself has no
// meaningful parallelism (it is a small in-memory reduce).
func (s *Scanner) BuildProfiles(ctx context.Context, strategyID, symbol, mode string) (map[string]types.EVProfileStats, error) {
	paths, err := s.archiver.ListSnapshots(strategyID, symbol, mode)
	if err != nil {
		return nil, fmt.Errorf("evprofile: list snapshots: %w", err)
	}
	if len(paths) == 0 {
		return map[string]types.EVProfileStats{}, nil
	}

	snapshots := make([]types.StateSnapshot, len(paths))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			snap, err := s.archiver.Load(p)
			if err != nil {
				return fmt.Errorf("evprofile: load %s: %w", p, err)
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sums := make(map[string]*types.BetaPrior)
	counts := make(map[string]int)
	for _, snap := range snapshots {
		for key, b := range snap.PooledEV.Buckets {
			if sums[key] == nil {
				sums[key] = &types.BetaPrior{}
			}
			sums[key].Alpha += b.Alpha
			sums[key].Beta += b.Beta
			counts[key]++
		}
	}

	recent := snapshots[len(snapshots)-1]

	out := make(map[string]types.EVProfileStats, len(sums))
	for key, sum := range sums {
		n := float64(counts[key])
		longTerm := &types.BetaPrior{
			Alpha: sum.Alpha / n,
			Beta:  sum.Beta / n,
			N:     (sum.Alpha + sum.Beta) / n,
		}
		stats := types.EVProfileStats{LongTerm: longTerm}
		if b, ok := recent.PooledEV.Buckets[key]; ok {
			stats.Recent = &types.BetaPrior{Alpha: b.Alpha, Beta: b.Beta, N: b.Alpha + b.Beta}
		}
		out[key] = stats
	}
	return out, nil
}
