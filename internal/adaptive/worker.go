// Package adaptive implements the update worker: resume from the latest
// snapshot, replay newly ingested bars, diff the candidate state against
// the prior one, apply guardrails, and decide applied/blocked/preview —
// a load-state, step, evaluate, act lifecycle generalized from a live
// trading loop down to a bounded snapshot-replay step.
package adaptive

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/backtester"
	"github.com/atlas-desktop/orb5m-backtester/internal/state"
	"github.com/atlas-desktop/orb5m-backtester/internal/strategy"
	"github.com/atlas-desktop/orb5m-backtester/internal/webhook"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// Decision is the update worker's verdict for one replay cycle.
type Decision string

const (
	DecisionApplied Decision = "applied"
	DecisionBlocked Decision = "blocked"
	DecisionPreview Decision = "preview"
	DecisionSkipped Decision = "skipped"
)

// DiffEntry is one scalar field's before/after comparison.
type DiffEntry struct {
	Field    string  `json:"field"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	AbsDelta float64 `json:"abs_delta"`
}

// Result records one update cycle's outcome for the run journal: decision,
// bars processed, the scalar-field diff, any anomalies, and the archive
// path written on apply.
type Result struct {
	JobID        string           `json:"job_id"`
	Decision     Decision         `json:"decision"`
	BarsProcessed int             `json:"bars_processed"`
	Diff         []DiffEntry      `json:"diff"`
	Anomalies    []webhook.Anomaly `json:"anomalies,omitempty"`
	ArchivePath  string           `json:"archive_path,omitempty"`
}

// Worker runs update cycles for one (strategy_id, symbol, mode) archive.
type Worker struct {
	archiver   *state.Archiver
	archiveRoot string
	sender     webhook.Sender
	logger     *zap.Logger

	// TriggerAggregator, if set, runs after a successful apply — the EV
	// profile aggregator rebuilding its priors from the freshly written
	// archive. Optional: tests and single-shot callers may leave it nil.
	TriggerAggregator func() error
}

// NewWorker builds a Worker. archiveRoot must match cfg.Archive.Root for
// the snapshots this worker replays.
func NewWorker(archiveRoot string, sender webhook.Sender, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		archiver:    state.NewArchiver(types.ArchiveConfig{Root: archiveRoot, RetentionKeep: 5}, logger),
		archiveRoot: archiveRoot,
		sender:      sender,
		logger:      logger,
	}
}

// Run executes one update cycle: load → replay → diff → guardrail →
// decide → (write | alert). cfg.Archive.Root must equal the root this
// Worker was constructed with.
func (w *Worker) Run(ctx context.Context, cfg types.RunnerConfig, strat strategy.Strategy, newBars backtester.BarSource, kTP, kSL, kTrail float64) (Result, error) {
	jobID := uuid.NewString()

	release, ok, err := acquireLock(w.archiveRoot)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		w.logger.Info("update worker skipped: lock held", zap.String("job_id", jobID))
		return Result{JobID: jobID, Decision: DecisionSkipped}, nil
	}
	defer release()

	_, prevSnap, err := w.archiver.Latest(cfg.StrategyID, cfg.Symbol, cfg.Mode)
	if err != nil {
		return Result{}, fmt.Errorf("adaptive: load latest snapshot: %w", err)
	}
	if err := state.VerifyFingerprint(prevSnap, cfg, kTP, kSL, kTrail); err != nil {
		w.logger.Warn("snapshot fingerprint mismatch, proceeding in degraded mode", zap.Error(err))
	}

	counting := &countingSource{inner: newBars, lastTS: prevSnap.LastBarTS}
	runner := backtester.NewRunner(cfg, strat, w.logger, &prevSnap)
	metrics, err := runner.RunPartial(ctx, counting, 0)
	if err != nil {
		return Result{}, fmt.Errorf("adaptive: run_partial: %w", err)
	}

	candidate, err := runner.ExportSnapshot(counting.lastTS)
	if err != nil {
		return Result{}, fmt.Errorf("adaptive: export candidate snapshot: %w", err)
	}

	diff := diffSnapshots(prevSnap, candidate)
	anomalies := anomaliesFor(diff, cfg.Guardrail, metrics, cfg.InitialEquity)

	override, err := LoadOverride(w.archiveRoot)
	if err != nil {
		return Result{}, err
	}

	result := Result{JobID: jobID, BarsProcessed: counting.count, Diff: diff, Anomalies: anomalies}

	switch {
	case cfg.Guardrail.DryRun:
		result.Decision = DecisionPreview
		w.alert(ctx, result, cfg, "preview")
	case len(anomalies) > 0:
		result.Decision = DecisionBlocked
		w.alert(ctx, result, cfg, "blocked")
	case override.Disabled:
		result.Decision = DecisionBlocked
		w.logger.Info("auto-apply disabled by override", zap.String("reason", override.Reason))
		w.alert(ctx, result, cfg, "blocked")
	default:
		path, err := w.archiver.Save(cfg.StrategyID, cfg.Symbol, cfg.Mode, jobID, counting.lastTS, candidate)
		if err != nil {
			return Result{}, fmt.Errorf("adaptive: save candidate snapshot: %w", err)
		}
		result.Decision = DecisionApplied
		result.ArchivePath = path
		w.alert(ctx, result, cfg, "applied")
		if w.TriggerAggregator != nil {
			if err := w.TriggerAggregator(); err != nil {
				w.logger.Warn("ev aggregator trigger failed", zap.Error(err))
			}
		}
	}

	return result, nil
}

func (w *Worker) alert(ctx context.Context, r Result, cfg types.RunnerConfig, eventType string) {
	if w.sender == nil {
		return
	}
	err := w.sender.Send(ctx, webhook.Event{
		JobID:      r.JobID,
		Type:       eventType,
		StrategyID: cfg.StrategyID,
		Symbol:     cfg.Symbol,
		Anomalies:  r.Anomalies,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		w.logger.Warn("webhook alert failed", zap.Error(err), zap.String("job_id", r.JobID))
	}
}

// diffSnapshots compares the scalar fields that drive strategy behavior:
// the pooled global Beta posterior and the realized-volatility cut
// thresholds. Per-bucket and slip-band diffs are omitted — the global
// aggregate is the field an operator rolling back a bad update actually
// keys on; bucket-level drift is absorbed into it.
func diffSnapshots(prev, cur types.StateSnapshot) []DiffEntry {
	return []DiffEntry{
		diffEntry("pooled_ev.global.alpha", prev.PooledEV.Global.Alpha, cur.PooledEV.Global.Alpha),
		diffEntry("pooled_ev.global.beta", prev.PooledEV.Global.Beta, cur.PooledEV.Global.Beta),
		diffEntry("rv_thresholds.cut_low", prev.RVThresholds.CutLow, cur.RVThresholds.CutLow),
		diffEntry("rv_thresholds.cut_high", prev.RVThresholds.CutHigh, cur.RVThresholds.CutHigh),
	}
}

func diffEntry(field string, previous, current float64) DiffEntry {
	return DiffEntry{Field: field, Previous: previous, Current: current, AbsDelta: math.Abs(current - previous)}
}

// anomaliesFor applies three guardrails: max-delta on the scalar diff, a
// VaR-cap proxy from the replay's drawdown relative to equity, and a
// liquidity-cap proxy from the largest single fill's size (Trade.Qty, in
// units) relative to initial equity.
func anomaliesFor(diff []DiffEntry, g types.GuardrailConfig, metrics types.RunMetrics, initialEquity float64) []webhook.Anomaly {
	var out []webhook.Anomaly
	for _, d := range diff {
		if d.Previous == 0 {
			if d.AbsDelta > 0 {
				out = append(out, webhook.Anomaly{Field: d.Field, Previous: d.Previous, Current: d.Current, AbsDelta: d.AbsDelta})
			}
			continue
		}
		if d.AbsDelta > g.MaxDelta*math.Abs(d.Previous) {
			out = append(out, webhook.Anomaly{Field: d.Field, Previous: d.Previous, Current: d.Current, AbsDelta: d.AbsDelta})
		}
	}

	if initialEquity > 0 && g.VaRCap > 0 {
		varUsage := metrics.MaxDrawdown // already a fraction of peak equity
		if varUsage > g.VaRCap {
			out = append(out, webhook.Anomaly{Field: "var_usage", Previous: 0, Current: varUsage, AbsDelta: varUsage})
		}
	}

	if initialEquity > 0 && g.LiquidityCap > 0 {
		var maxNotional float64
		for _, t := range metrics.Trades {
			if n := t.Qty; n > maxNotional {
				maxNotional = n
			}
		}
		liquidityUsage := maxNotional / initialEquity
		if liquidityUsage > g.LiquidityCap {
			out = append(out, webhook.Anomaly{Field: "liquidity_usage", Previous: 0, Current: liquidityUsage, AbsDelta: liquidityUsage})
		}
	}

	return out
}

// countingSource wraps a BarSource to track how many bars were consumed
// and the timestamp of the last one, for the run journal's
// bars_processed field and the candidate snapshot's last_bar_ts.
type countingSource struct {
	inner  backtester.BarSource
	count  int
	lastTS time.Time
}

func (c *countingSource) Next() (types.Bar, bool, error) {
	bar, ok, err := c.inner.Next()
	if err != nil || !ok {
		return bar, ok, err
	}
	c.count++
	c.lastTS = bar.Timestamp
	return bar, true, nil
}
