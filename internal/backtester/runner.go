// Package backtester implements the Runner: the per-bar event loop that
// wires the feature pipeline, EV estimator, sizer, fill engine, and
// strategy dispatcher together through the gate sequence that turns a
// bar into a go/no-go sizing and fill decision.
package backtester

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/ev"
	"github.com/atlas-desktop/orb5m-backtester/internal/features"
	"github.com/atlas-desktop/orb5m-backtester/internal/fill"
	"github.com/atlas-desktop/orb5m-backtester/internal/pip"
	"github.com/atlas-desktop/orb5m-backtester/internal/sizing"
	"github.com/atlas-desktop/orb5m-backtester/internal/strategy"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// BarSource streams bars to the Runner in timestamp order. Next returns
// ok=false once exhausted. Implementations (an in-memory slice, a CSV/parquet
// reader) are an external collaborator's concern.
type BarSource interface {
	Next() (bar types.Bar, ok bool, err error)
}

const defaultMaxDebugRecords = 2000

// Runner drives one backtest or simulate-live pass over a BarSource.
type Runner struct {
	cfg      types.RunnerConfig
	logger   *zap.Logger
	pipTable *pip.Table

	features   *features.Pipeline
	ev         *ev.Estimator
	sizer      *sizing.Sizer
	fillEngine *fill.Engine
	dispatcher *strategy.Dispatcher
	equity     *equityTracker
	metrics    *MetricsCalculator

	active     *fill.Active
	activeSpec types.OrderSpec

	lossStreak      int
	dailyTradeCount int
	dailyLossPips   float64
	currentDay      string

	maxDebugRecords int
	result          types.RunMetrics

	cancelled atomic.Bool
}

// NewRunner builds a Runner. seed, if non-nil, restores EV/slip/RV state
// and strategy state from a prior snapshot whose fingerprint must match
// cfg's (the caller verifies this before calling NewRunner; see
// internal/state).
func NewRunner(cfg types.RunnerConfig, strat strategy.Strategy, logger *zap.Logger, seed *types.StateSnapshot) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	pipTable := pip.NewTable([]string{cfg.Symbol}, nil)
	featurePipeline := features.NewPipeline(cfg.Features, pipTable)

	var evSeed *types.PooledEVState
	var slipSeed *types.SlipState
	if seed != nil {
		evSeed = &seed.PooledEV
		slipSeed = &seed.SlipState
		featurePipeline.LoadRVState(seed.RVThresholds)
	}

	r := &Runner{
		cfg:             cfg,
		logger:          logger,
		pipTable:        pipTable,
		features:        featurePipeline,
		ev:              ev.NewEstimator(cfg.EV, logger, evSeed),
		sizer:           sizing.NewSizer(cfg.Sizing, logger),
		fillEngine:      fill.NewEngine(cfg.Fill, logger, pipTable, slipSeed),
		dispatcher:      strategy.NewDispatcher(strat, logger),
		equity:          newEquityTracker(cfg.InitialEquity, cfg.Sizing.PipValue),
		metrics:         NewMetricsCalculator(),
		maxDebugRecords: defaultMaxDebugRecords,
	}
	if seed != nil {
		if err := r.dispatcher.LoadState(seed.StrategyState); err != nil {
			logger.Warn("strategy state restore failed", zap.Error(err))
		}
	}
	return r
}

// Cancel requests the run loop stop at the next bar boundary.
func (r *Runner) Cancel() { r.cancelled.Store(true) }

// Run consumes source to exhaustion (or cancellation) and returns the
// accumulated RunMetrics.
func (r *Runner) Run(ctx context.Context, source BarSource) (types.RunMetrics, error) {
	return r.run(ctx, source, 0)
}

// RunPartial consumes at most maxBars bars — used by the adaptive update
// worker to replay a bounded tail window without re-running an entire
// history.
func (r *Runner) RunPartial(ctx context.Context, source BarSource, maxBars int) (types.RunMetrics, error) {
	return r.run(ctx, source, maxBars)
}

func (r *Runner) run(ctx context.Context, source BarSource, maxBars int) (types.RunMetrics, error) {
	if err := r.dispatcher.Start(r.cfg); err != nil {
		return r.result, fmt.Errorf("backtester: strategy on_start failed: %w", err)
	}
	runStart := time.Now()

	barsSeen := 0
	for {
		if r.cancelled.Load() {
			break
		}
		select {
		case <-ctx.Done():
			return r.result, ctx.Err()
		default:
		}
		if maxBars > 0 && barsSeen >= maxBars {
			break
		}
		bar, ok, err := source.Next()
		if err != nil {
			return r.result, fmt.Errorf("backtester: bar source: %w", err)
		}
		if !ok {
			break
		}
		if err := bar.Validate(); err != nil {
			r.result.DebugCounts.MissingCols++
			r.logger.Warn("skipping invalid bar", zap.Error(err))
			continue
		}
		barsSeen++
		r.rolloverDay(bar.Timestamp)
		r.stepBar(bar)
	}

	r.result.Sharpe = r.metrics.Sharpe(r.result.Trades)
	r.result.MaxDrawdown = r.equity.MaxDrawdown()

	elapsed := time.Since(runStart)
	var rate float64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(barsSeen) / secs
	}
	r.logger.Info("run complete",
		zap.String("bars", humanize.Comma(int64(barsSeen))),
		zap.String("trades", humanize.Comma(int64(len(r.result.Trades)))),
		zap.Duration("elapsed", elapsed),
		zap.String("rate", fmt.Sprintf("%s bars/sec", humanize.Commaf(rate))),
	)
	return r.result, nil
}

func (r *Runner) rolloverDay(ts time.Time) {
	day := ts.UTC().Format("2006-01-02")
	if day != r.currentDay {
		r.currentDay = day
		r.dailyTradeCount = 0
		r.dailyLossPips = 0
	}
}

func (r *Runner) stepBar(bar types.Bar) {
	pipSize := r.pipTable.PipSize(bar.Symbol)

	if r.active != nil {
		r.resolveActive(bar, pipSize)
	}

	bctx, armed := r.features.Update(bar)
	bctx.TrendFlag = features.TrendFlag(r.features.ADX())
	bctx.LossStreak = r.lossStreak
	bctx.DailyTradeCount = r.dailyTradeCount
	bctx.DailyLossPips = r.dailyLossPips
	bctx = bctx.Sanitize()

	if err := r.dispatcher.Bar(bar, bctx); err != nil {
		r.logger.Warn("strategy on_bar error", zap.Error(err))
		return
	}
	if !armed || r.active != nil {
		return
	}

	signals := r.dispatcher.Signals()
	if len(signals) == 0 {
		r.result.DebugCounts.NoBreakout++
		return
	}
	r.tryOpen(bar, bctx, signals[0], pipSize)
}

func (r *Runner) tryOpen(bar types.Bar, bctx types.Context, sig types.PendingSignal, pipSize float64) {
	if sig.TPPips <= 0 || sig.SLPips <= 0 {
		r.recordDebug(bar.Timestamp, sig.Side, "order_reject", "non_positive_tp_sl", types.DebugRecord{})
		return
	}

	ok, why, err := r.dispatcher.Gate(sig, bctx)
	if err != nil {
		r.result.DebugCounts.StrategyGateError++
		r.recordDebug(bar.Timestamp, sig.Side, "strategy_gate_error", err.Error(), types.DebugRecord{})
		ok = true
	}
	if !ok {
		r.result.DebugCounts.GateBlock++
		r.recordDebug(bar.Timestamp, sig.Side, "strategy_gate", why, types.DebugRecord{})
		return
	}

	if ok, why := r.passGates(bar, sig); !ok {
		r.result.DebugCounts.GateBlock++
		r.recordDebug(bar.Timestamp, sig.Side, "router_gate", why, types.DebugRecord{})
		return
	}

	bucketKey := sig.Buckets.Key()
	costPips := bctx.CostPips

	nominalSlip := r.fillEngine.ExpectedSlip(sig.Buckets.SpreadBand, 1.0)
	if r.cfg.Fill.SlipCapPip > 0 && nominalSlip > r.cfg.Fill.SlipCapPip {
		r.result.DebugCounts.GateBlock++
		r.recordDebug(bar.Timestamp, sig.Side, "slip_cap", "slip_cap_exceeded", types.DebugRecord{})
		return
	}

	var evLCB, pLCB, threshold float64
	var evUnseeded bool
	var calibID uint64
	if r.cfg.EV.Mode == types.EVModeOff {
		evUnseeded = true
		pLCB = r.cfg.Sizing.FallbackWinRate
	} else {
		thresholdOverride, used, err := r.dispatcher.Threshold(bctx)
		threshold = r.cfg.EV.ThresholdLCBPip
		if err != nil {
			r.result.DebugCounts.EVThresholdError++
			r.recordDebug(bar.Timestamp, sig.Side, "ev_threshold_error", err.Error(), types.DebugRecord{})
		} else if used {
			threshold = thresholdOverride
		}
		bypass := r.ev.ConsumeWarmup()
		evLCB, pLCB = r.ev.EVLCBPips(bucketKey, sig.TPPips, sig.SLPips, costPips)
		if bypass {
			calibID = r.ev.RegisterCalibration(bucketKey)
			evUnseeded = true
			r.result.DebugCounts.EVBypass++
		} else if evLCB < threshold {
			r.result.DebugCounts.EVReject++
			return
		}
	}

	req := sizing.Request{
		PLCB: pLCB, TPPips: sig.TPPips, SLPips: sig.SLPips,
		Equity: r.equity.Equity(), EVUnseeded: evUnseeded,
		Side: sig.Side, Now: bar.Timestamp, DailyLossPips: r.dailyLossPips,
	}
	res := r.sizer.Size(req)
	if res.Blocked {
		r.result.DebugCounts.GateBlock++
		r.recordDebug(bar.Timestamp, sig.Side, "sizing", res.BlockedWhy, types.DebugRecord{})
		return
	}
	if res.ZeroQty {
		r.result.DebugCounts.ZeroQty++
		return
	}
	if !r.sizer.CheckTradeLoss(sig.SLPips, r.equity.Equity()) {
		r.result.DebugCounts.GateBlock++
		r.recordDebug(bar.Timestamp, sig.Side, "max_trade_loss", "max_trade_loss_pct", types.DebugRecord{})
		return
	}

	slipEst := r.fillEngine.ExpectedSlip(sig.Buckets.SpreadBand, res.Units)
	spec := types.OrderSpec{
		Side: sig.Side, Entry: sig.Entry, TPPips: sig.TPPips, SLPips: sig.SLPips,
		TrailPips: sig.TrailPips, SameBarPolicy: r.cfg.Fill.SameBarPolicy, Qty: res.Units,
		Buckets: sig.Buckets, SubmittedAt: bar.Timestamp, CostPips: costPips,
		SlipEstPips: slipEst, ThresholdLCB: threshold, EVLCB: evLCB,
		WarmupLeft: r.ev.WarmupLeft(), WarmupTotal: r.ev.WarmupTotal(), CalibrationID: calibID,
		ORAtrRatio: sig.ORAtrRatio,
	}
	entryPrice, _ := sig.Entry.Float64()
	r.active = r.fillEngine.Open(spec, bar.Symbol, entryPrice, bar.Timestamp)
	r.activeSpec = spec
	r.dailyTradeCount++
}

func (r *Runner) resolveActive(bar types.Bar, pipSize float64) {
	var done bool
	var trade types.Trade
	if r.cfg.Fill.Model == types.FillBridge {
		trade = r.fillEngine.ResolveBridge(r.active, bar, pipSize)
		done = true
	} else {
		done, trade = r.fillEngine.StepConservative(r.active, bar, pipSize)
	}
	if !done {
		return
	}

	if r.cfg.EV.Mode != types.EVModeOff {
		y := r.outcomeLabel(trade, bar, pipSize)
		if r.activeSpec.CalibrationID != 0 {
			r.ev.SettleCalibration(r.activeSpec.CalibrationID, y)
		} else {
			r.ev.Update(trade.Buckets.Key(), y)
		}
	}

	r.sizer.RecordFill(trade.Side, bar.Timestamp, func(n int) time.Time {
		return bar.Timestamp.Add(time.Duration(n) * 5 * time.Minute)
	})

	r.equity.Apply(trade.PnLPips, r.activeSpec.Qty)
	r.result.Trades = append(r.result.Trades, trade)
	r.result.TotalPips += trade.PnLPips
	if trade.PnLPips > 0 {
		r.result.Wins++
		r.lossStreak = 0
	} else {
		r.lossStreak++
		r.dailyLossPips += -trade.PnLPips
	}
	r.result.EquityCurve = append(r.result.EquityCurve, types.EquityPoint{
		TradeIndex: len(r.result.Trades) - 1, PnLPips: trade.PnLPips, Cumulative: r.result.TotalPips,
	})
	r.result.DebugCounts.Fills++
	r.dispatcher.Fill(trade)
	r.recordDebug(bar.Timestamp, trade.Side, "fill", string(trade.ExitReason), types.DebugRecord{
		TPPips: trade.TPPips, SLPips: trade.SLPips, CostPips: trade.CostPips,
		SlipEst: trade.SlipEst, SlipReal: trade.SlipReal, Exit: trade.ExitReason,
		PnLPips: trade.PnLPips, ORAtrRatio: trade.ORAtrRatio, RVBand: trade.Buckets.RVBand,
		SpreadBand: trade.Buckets.SpreadBand, EVLCB: trade.EVLCB, ThresholdLCB: trade.Threshold,
		WarmupLeft: trade.WarmupLeft, WarmupTotal: trade.WarmupTot,
	})
	r.active = nil
}

// outcomeLabel returns the EV update's y for a just-closed trade: under the
// Conservative model it is the binary tp-hit indicator (trail exits count
// as losses for EV purposes, matching the gate's tp-vs-everything-else
// framing); under Bridge it is the continuous TP-probability computed
// from the same closing bar.
func (r *Runner) outcomeLabel(trade types.Trade, bar types.Bar, pipSize float64) float64 {
	if r.cfg.Fill.Model == types.FillBridge {
		return r.fillEngine.TPProbability(r.active, bar, pipSize)
	}
	if trade.ExitReason == types.ExitTP {
		return 1
	}
	return 0
}

func (r *Runner) recordDebug(ts time.Time, side types.Side, stage, reason string, base types.DebugRecord) {
	if len(r.result.DebugRecords) >= r.maxDebugRecords {
		return
	}
	base.Timestamp = ts
	base.Side = side
	base.Stage = stage
	base.Reason = reason
	r.result.DebugRecords = append(r.result.DebugRecords, base)
}

// ExportSnapshot builds a StateSnapshot of all learned state for the
// archive. kTP/kSL/kTrail come from the wrapped strategy's Parameterized
// capability.
func (r *Runner) ExportSnapshot(lastBarTS time.Time) (types.StateSnapshot, error) {
	kTP, kSL, kTrail := r.dispatcher.Params()
	strategyState, err := r.dispatcher.ExportState()
	if err != nil {
		return types.StateSnapshot{}, fmt.Errorf("backtester: strategy export_state failed: %w", err)
	}
	return types.StateSnapshot{
		RunnerConfigFingerprint: r.cfg.Fingerprint(kTP, kSL, kTrail),
		PooledEV:                r.ev.Export(),
		SlipState:               r.fillEngine.Export(),
		RVThresholds:            r.features.ExportRVState(),
		StrategyState:           strategyState,
		LastBarTS:               lastBarTS,
		SchemaVersion:           types.CurrentSchemaVersion,
	}, nil
}

// Metrics returns the RunMetrics accumulated so far (valid mid-run too, for
// progress reporting).
func (r *Runner) Metrics() types.RunMetrics { return r.result }
