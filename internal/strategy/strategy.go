// Package strategy provides the capability-based strategy interface and hook
// dispatcher. A strategy only implements the hooks it needs; the
// Dispatcher type-asserts each optional capability and isolates hook panics
// so one misbehaving strategy cannot take down a run.
package strategy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// Strategy is the minimal marker interface every strategy implements. All
// behavior hooks below are optional capabilities detected by type
// assertion — a strategy that implements none of them is legal but inert.
type Strategy interface {
	Name() string
}

// Parameterized strategies expose the TP/SL/trail multipliers (in
// pips-per-ATR terms) that feed RunnerConfig.Fingerprint.
type Parameterized interface {
	Params() (kTP, kSL, kTrail float64)
}

// OnStarter runs once before the first bar.
type OnStarter interface {
	OnStart(cfg types.RunnerConfig) error
}

// OnBarer is called once per bar after the feature pipeline has updated ctx.
type OnBarer interface {
	OnBar(bar types.Bar, ctx types.Context) error
}

// SignalProducer returns any pending signals generated by the most recent
// OnBar call. Returning none is the common case — most bars have no
// breakout.
type SignalProducer interface {
	Signals() []types.PendingSignal
}

// StrategyGater runs a strategy-defined admission check on a candidate
// signal before the EV gate. Returning ok=false blocks the signal with why
// as the debug reason.
type StrategyGater interface {
	StrategyGate(sig types.PendingSignal, ctx types.Context) (ok bool, why string)
}

// EVThresholder lets a strategy override the configured threshold_lcb_pip
// per bucket context. used is false to fall back to RunnerConfig.EV's
// static threshold.
type EVThresholder interface {
	EVThreshold(ctx types.Context) (thresholdLCBPip float64, used bool)
}

// OnFiller is notified once an order reaches a terminal fill.
type OnFiller interface {
	OnFill(trade types.Trade)
}

// StateExporter/StateLoader round-trip strategy-internal state through a
// StateSnapshot's StrategyState field.
type StateExporter interface {
	ExportState() (map[string]interface{}, error)
}
type StateLoader interface {
	LoadState(state map[string]interface{}) error
}

// Dispatcher wraps a Strategy and calls its optional hooks, converting a
// panicking hook into an error rather than propagating it into the run
// loop.
type Dispatcher struct {
	strategy Strategy
	logger   *zap.Logger
}

// NewDispatcher builds a Dispatcher around strategy.
func NewDispatcher(s Strategy, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{strategy: s, logger: logger}
}

func (d *Dispatcher) recoverHook(hook string, errOut *error) {
	if r := recover(); r != nil {
		*errOut = fmt.Errorf("strategy %s: panic in %s: %v", d.strategy.Name(), hook, r)
		d.logger.Error("strategy hook panicked", zap.String("strategy", d.strategy.Name()), zap.String("hook", hook), zap.Any("recover", r))
	}
}

// Start calls OnStart if present.
func (d *Dispatcher) Start(cfg types.RunnerConfig) (err error) {
	s, ok := d.strategy.(OnStarter)
	if !ok {
		return nil
	}
	defer d.recoverHook("on_start", &err)
	return s.OnStart(cfg)
}

// Bar calls OnBar if present.
func (d *Dispatcher) Bar(bar types.Bar, ctx types.Context) (err error) {
	s, ok := d.strategy.(OnBarer)
	if !ok {
		return nil
	}
	defer d.recoverHook("on_bar", &err)
	return s.OnBar(bar, ctx)
}

// Signals calls Signals if present; a missing capability or a panic both
// yield no signals rather than an error, since "no breakout this bar" is
// the overwhelmingly common outcome.
func (d *Dispatcher) Signals() (out []types.PendingSignal) {
	s, ok := d.strategy.(SignalProducer)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("strategy hook panicked", zap.String("strategy", d.strategy.Name()), zap.String("hook", "signals"), zap.Any("recover", r))
			out = nil
		}
	}()
	return s.Signals()
}

// Gate calls StrategyGate if present; absence of the capability passes the
// signal through.
func (d *Dispatcher) Gate(sig types.PendingSignal, ctx types.Context) (ok bool, why string, err error) {
	s, implements := d.strategy.(StrategyGater)
	if !implements {
		return true, "", nil
	}
	defer d.recoverHook("strategy_gate", &err)
	ok, why = s.StrategyGate(sig, ctx)
	return ok, why, err
}

// Threshold calls EVThreshold if present.
func (d *Dispatcher) Threshold(ctx types.Context) (thresholdLCBPip float64, used bool, err error) {
	s, implements := d.strategy.(EVThresholder)
	if !implements {
		return 0, false, nil
	}
	defer d.recoverHook("ev_threshold", &err)
	thresholdLCBPip, used = s.EVThreshold(ctx)
	return thresholdLCBPip, used, err
}

// Fill notifies OnFill if present. Errors are logged, not propagated — a
// strategy's post-fill bookkeeping must never abort an otherwise-settled
// trade.
func (d *Dispatcher) Fill(trade types.Trade) {
	s, ok := d.strategy.(OnFiller)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("strategy hook panicked", zap.String("strategy", d.strategy.Name()), zap.String("hook", "on_fill"), zap.Any("recover", r))
		}
	}()
	s.OnFill(trade)
}

// ExportState/LoadState round-trip through the optional capabilities.
func (d *Dispatcher) ExportState() (map[string]interface{}, error) {
	s, ok := d.strategy.(StateExporter)
	if !ok {
		return nil, nil
	}
	return s.ExportState()
}

func (d *Dispatcher) LoadState(state map[string]interface{}) error {
	s, ok := d.strategy.(StateLoader)
	if !ok || state == nil {
		return nil
	}
	return s.LoadState(state)
}

// Params returns the strategy's TP/SL/trail multipliers, or zeros if it
// does not implement Parameterized.
func (d *Dispatcher) Params() (kTP, kSL, kTrail float64) {
	s, ok := d.strategy.(Parameterized)
	if !ok {
		return 0, 0, 0
	}
	return s.Params()
}

// Name returns the wrapped strategy's name.
func (d *Dispatcher) Name() string { return d.strategy.Name() }
