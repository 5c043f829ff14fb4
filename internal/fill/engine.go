// Package fill implements the OCO fill engine: Conservative and
// Brownian-Bridge order resolution, same-bar tie-breaking, and EWMA
// slip-coefficient learning.
package fill

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/pip"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// Active is a live OCO order tracked by the engine between submission and
// terminal resolution.
type Active struct {
	Spec        types.OrderSpec
	EntryPrice  float64
	TP          float64
	SL          float64 // mutated by trailing
	trailActive bool
	runningHigh float64
	runningLow  float64
	OpenedAt    time.Time
}

// Engine resolves OCO orders against successive bars and learns per-band
// slip coefficients from realized-vs-expected slip.
type Engine struct {
	cfg    types.FillConfig
	logger *zap.Logger
	pip    *pip.Table

	slip map[types.SpreadBand]types.SlipCoef
}

// NewEngine builds a fill engine, optionally restoring slip coefficients
// from a snapshot (pass nil for fresh EWMA-initial coefficients).
func NewEngine(cfg types.FillConfig, logger *zap.Logger, pipTable *pip.Table, seed *types.SlipState) *Engine {
	e := &Engine{cfg: cfg, logger: logger, pip: pipTable, slip: make(map[types.SpreadBand]types.SlipCoef)}
	if seed != nil {
		for band, c := range seed.ByBand {
			e.slip[types.SpreadBand(band)] = c
		}
	}
	return e
}

func (e *Engine) coefFor(band types.SpreadBand) types.SlipCoef {
	if c, ok := e.slip[band]; ok {
		return c
	}
	return types.SlipCoef{A: e.cfg.SlipInitA, B: e.cfg.SlipInitB}
}

// ExpectedSlip returns the EWMA-learned expected slip in pips for band at
// the given order size.
func (e *Engine) ExpectedSlip(band types.SpreadBand, size float64) float64 {
	c := e.coefFor(band)
	return c.A*size + c.B
}

// UpdateSlip folds a realized slip observation into band's EWMA
// coefficients. The slope update is a documented approximation — with a
// single realized/expected pair per fill there is no way to fit a full
// linear regression online, so the intercept absorbs most of the error and
// the slope nudges proportionally to size.
func (e *Engine) UpdateSlip(band types.SpreadBand, size, realized float64) {
	c := e.coefFor(band)
	expected := c.A*size + c.B
	errTerm := realized - expected
	alpha := e.cfg.SlipEWMAAlpha
	c.B += alpha * errTerm
	if size > 0 {
		c.A += alpha * errTerm / size * 0.1
	}
	e.slip[band] = c
}

// Export returns a serializable snapshot of the learned slip state.
func (e *Engine) Export() types.SlipState {
	out := types.SlipState{ByBand: make(map[string]types.SlipCoef, len(e.slip))}
	for band, c := range e.slip {
		out.ByBand[string(band)] = c
	}
	return out
}

// Open admits an order at fillPrice (entry already adjusted for slip by
// the caller) and seeds trailing-stop bookkeeping. symbol selects the pip
// size used to convert tp_pips/sl_pips into absolute price offsets.
func (e *Engine) Open(spec types.OrderSpec, symbol string, fillPrice float64, now time.Time) *Active {
	if spec.TPPips <= 0 || spec.SLPips <= 0 {
		panic("fill: tp_pips and sl_pips must be positive on order open")
	}
	tpDelta := e.pip.ToPrice(symbol, spec.TPPips)
	slDelta := e.pip.ToPrice(symbol, spec.SLPips)
	a := &Active{Spec: spec, EntryPrice: fillPrice, OpenedAt: now, runningHigh: fillPrice, runningLow: fillPrice}
	if spec.Side == types.SideBuy {
		a.TP = fillPrice + tpDelta
		a.SL = fillPrice - slDelta
	} else {
		a.TP = fillPrice - tpDelta
		a.SL = fillPrice + slDelta
	}
	return a
}

// StepConservative advances one bar under the Conservative model. It
// returns done=true plus a populated Trade once the order resolves.
func (e *Engine) StepConservative(a *Active, bar types.Bar, symbolPipSize float64) (done bool, trade types.Trade) {
	high, _ := bar.High.Float64()
	low, _ := bar.Low.Float64()
	open, _ := bar.Open.Float64()

	a.runningHigh = math.Max(a.runningHigh, high)
	a.runningLow = math.Min(a.runningLow, low)
	e.applyTrailing(a, symbolPipSize)

	var tpHit, slHit bool
	if a.Spec.Side == types.SideBuy {
		tpHit = high >= a.TP
		slHit = low <= a.SL
	} else {
		tpHit = low <= a.TP
		slHit = high >= a.SL
	}

	switch {
	case tpHit && slHit:
		reason := e.resolveSameBar(a, open)
		return true, e.terminal(a, bar, reason, symbolPipSize)
	case tpHit:
		return true, e.terminal(a, bar, types.ExitTP, symbolPipSize)
	case slHit:
		reason := types.ExitSL
		if a.trailActive {
			reason = types.ExitTrail
		}
		return true, e.terminal(a, bar, reason, symbolPipSize)
	default:
		return false, types.Trade{}
	}
}

// applyTrailing tightens the stop toward the running extreme once
// trail_pips is configured. The stop only ever tightens, never loosens.
func (e *Engine) applyTrailing(a *Active, symbolPipSize float64) {
	if a.Spec.TrailPips <= 0 {
		return
	}
	trailDelta := a.Spec.TrailPips * symbolPipSize
	if a.Spec.Side == types.SideBuy {
		candidate := a.runningHigh - trailDelta
		if candidate > a.SL {
			a.SL = candidate
			a.trailActive = true
		}
	} else {
		candidate := a.runningLow + trailDelta
		if candidate < a.SL {
			a.SL = candidate
			a.trailActive = true
		}
	}
}

// resolveSameBar breaks a same-bar TP/SL tie per the order's policy.
// tick_priority is an open-distance heuristic approximation, not ground
// truth — real tick sequencing is unavailable to a bar-only backtest.
// protective_priority and stop_priority behave identically (the stop
// side wins) so both resolve to ExitSL here.
func (e *Engine) resolveSameBar(a *Active, open float64) types.ExitReason {
	switch a.Spec.SameBarPolicy {
	case types.TickPriority:
		if math.Abs(open-a.TP) <= math.Abs(open-a.SL) {
			return types.ExitTP
		}
		return types.ExitSL
	case types.ProtectivePriority, types.StopPriority:
		return types.ExitSL
	default:
		return types.ExitSL
	}
}

func (e *Engine) terminal(a *Active, bar types.Bar, reason types.ExitReason, symbolPipSize float64) types.Trade {
	var pipReturn float64
	switch reason {
	case types.ExitTP:
		pipReturn = a.Spec.TPPips
	case types.ExitSL:
		pipReturn = -a.Spec.SLPips
	case types.ExitTrail:
		if symbolPipSize <= 0 {
			pipReturn = -a.Spec.SLPips
		} else if a.Spec.Side == types.SideBuy {
			pipReturn = (a.SL - a.EntryPrice) / symbolPipSize
		} else {
			pipReturn = (a.EntryPrice - a.SL) / symbolPipSize
		}
	}
	pnl := pipReturn - a.Spec.CostPips - a.Spec.SlipEstPips
	return types.Trade{
		OpenedAt:   a.OpenedAt,
		ClosedAt:   bar.Timestamp,
		Side:       a.Spec.Side,
		Qty:        a.Spec.Qty,
		Buckets:    a.Spec.Buckets,
		TPPips:     a.Spec.TPPips,
		SLPips:     a.Spec.SLPips,
		CostPips:   a.Spec.CostPips,
		SlipEst:    a.Spec.SlipEstPips,
		SlipReal:   a.Spec.SlipEstPips,
		ExitReason: reason,
		PnLPips:    pnl,
		ORAtrRatio: a.Spec.ORAtrRatio,
		EVLCB:      a.Spec.EVLCB,
		Threshold:  a.Spec.ThresholdLCB,
		WarmupLeft: a.Spec.WarmupLeft,
		WarmupTot:  a.Spec.WarmupTotal,
	}
}

// ResolveBridge computes the Brownian-bridge probabilistic fill for the
// entry bar. p_tp is the probability the path hits TP before SL, using a
// reflection-style closed form over the bar's realized range as the
// volatility proxy, mixed by bridge_lambda and drift-scaled by
// bridge_mu_scale: the distance-to-boundary difference over range, scaled
// by erf.
func (e *Engine) ResolveBridge(a *Active, bar types.Bar, symbolPipSize float64) types.Trade {
	pTP := e.TPProbability(a, bar, symbolPipSize)
	pnl := pTP*a.Spec.TPPips - (1-pTP)*a.Spec.SLPips - a.Spec.CostPips - a.Spec.SlipEstPips
	exit := types.ExitTP
	if pTP < 0.5 {
		exit = types.ExitSL
	}
	return types.Trade{
		OpenedAt:   a.OpenedAt,
		ClosedAt:   bar.Timestamp,
		Side:       a.Spec.Side,
		Qty:        a.Spec.Qty,
		Buckets:    a.Spec.Buckets,
		TPPips:     a.Spec.TPPips,
		SLPips:     a.Spec.SLPips,
		CostPips:   a.Spec.CostPips,
		SlipEst:    a.Spec.SlipEstPips,
		SlipReal:   a.Spec.SlipEstPips,
		ExitReason: exit,
		PnLPips:    pnl,
		ORAtrRatio: a.Spec.ORAtrRatio,
		EVLCB:      a.Spec.EVLCB,
		Threshold:  a.Spec.ThresholdLCB,
		WarmupLeft: a.Spec.WarmupLeft,
		WarmupTot:  a.Spec.WarmupTotal,
	}
}

// TPProbability computes p_tp for the entry bar, used as the EV
// estimator's outcome label in Bridge mode and for ResolveBridge's pnl
// expectation.
func (e *Engine) TPProbability(a *Active, bar types.Bar, symbolPipSize float64) float64 {
	high, _ := bar.High.Float64()
	low, _ := bar.Low.Float64()
	open, _ := bar.Open.Float64()
	closeP, _ := bar.Close.Float64()

	rangeWidth := math.Max(high-low, symbolPipSize)
	distTP := math.Abs(a.TP - a.EntryPrice)
	distSL := math.Abs(a.SL - a.EntryPrice)

	drift := (closeP - open) / rangeWidth
	if a.Spec.Side == types.SideSell {
		drift = -drift
	}

	z := (distSL - distTP) / (math.Sqrt2 * rangeWidth)
	pTP := 0.5 + 0.5*e.cfg.BridgeLambda*math.Erf(z) + e.cfg.BridgeMuScale*drift*0.1
	return math.Min(math.Max(pTP, 0), 1)
}
