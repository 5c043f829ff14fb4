// Package features implements the feature pipeline: it ingests bars,
// maintains Wilder ATR14/ADX14, a realized-volatility history with
// quantile-calibrated band classification, spread-band classification, and
// UTC session labeling, then produces a sanitized per-bar Context.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/orb5m-backtester/internal/pip"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// Pipeline maintains all feature state for one symbol across a run. It is
// not safe for concurrent use — the Runner owns it exclusively during
// run(), per the single-threaded-cooperative scheduling model.
type Pipeline struct {
	cfg types.FeatureConfig
	pip *pip.Table

	seeded    int // count of bars seen, used to gate ATR/ADX "unarmed" state
	prevClose float64
	prevHigh  float64
	prevLow   float64

	atr       float64
	trSum     float64 // accumulator while seeding the first atr_period bars
	smoothedP float64 // Wilder-smoothed +DM
	smoothedM float64 // Wilder-smoothed -DM
	smoothedT float64 // Wilder-smoothed TR (for ADX's DI calc)
	adx       float64
	dxHistory []float64 // DX readings; the first adx_period seed ADX with a simple average

	closes    []float64 // bounded window of the last rv_lookback log-returns
	rvHistory []float64
	rvCutLow  float64
	rvCutHigh float64
	lastUTCDay int // -1 until first bar
}

// NewPipeline builds a feature pipeline for one symbol, seeding RV cutpoints
// from config until enough history accumulates to recompute them.
func NewPipeline(cfg types.FeatureConfig, pipTable *pip.Table) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		pip:        pipTable,
		rvCutLow:   cfg.InitialRVCutLow,
		rvCutHigh:  cfg.InitialRVCutHigh,
		lastUTCDay: -1,
	}
}

// sessionFor returns the UTC-hour session label.
func sessionFor(t time.Time) types.Session {
	h := t.UTC().Hour()
	switch {
	case h >= 8 && h < 13:
		return types.SessionLDN
	case h >= 13 && h < 22:
		return types.SessionNY
	default:
		return types.SessionTOK
	}
}

// Update ingests one validated bar and returns the context built from the
// feature state after incorporating it. armed reports whether ATR/ADX have
// finished seeding; while false, the Runner must treat the bar as
// unarmed — no signals.
func (p *Pipeline) Update(bar types.Bar) (ctx types.Context, armed bool) {
	high, _ := bar.High.Float64()
	low, _ := bar.Low.Float64()
	closeP, _ := bar.Close.Float64()
	openP, _ := bar.Open.Float64()
	spread, _ := bar.Spread.Float64()

	p.updateATR(high, low, closeP)
	p.updateADX(high, low)
	rv := p.updateRV(closeP)
	p.maybeRecalibrateRV(bar.Timestamp)

	atrPips := p.pip.ToPips(bar.Symbol, p.atr)
	spreadBand := p.classifySpread(bar.Symbol, spread, high, low)
	rvBand := p.classifyRV(rv)

	p.seeded++
	p.prevClose = closeP
	p.prevHigh = high
	p.prevLow = low
	_ = openP

	armed = p.seeded > p.cfg.ATRPeriod && p.seeded > p.cfg.ADXPeriod
	if !armed {
		atrPips = math.NaN() // no ATR reading until seeding completes; Sanitize reports 0
	}

	ctx = types.Context{
		Session:    sessionFor(bar.Timestamp),
		SpreadBand: spreadBand,
		RVBand:     rvBand,
		ATRPips:    atrPips,
		CostPips:   p.pip.ToPips(bar.Symbol, spread),
	}
	return ctx.Sanitize(), armed
}

func (p *Pipeline) updateATR(high, low, closeP float64) {
	var tr float64
	if p.seeded == 0 {
		tr = high - low
	} else {
		tr = math.Max(high-low, math.Max(math.Abs(high-p.prevClose), math.Abs(low-p.prevClose)))
	}
	period := float64(p.cfg.ATRPeriod)
	if p.seeded < p.cfg.ATRPeriod {
		p.trSum += tr
		p.atr = p.trSum / float64(p.seeded+1)
		return
	}
	if p.seeded == p.cfg.ATRPeriod {
		p.atr = p.trSum / period
	}
	// Wilder smoothing: atr_k = atr_(k-1)*(period-1)/period + tr/period
	p.atr = p.atr*(period-1)/period + tr/period
}

func (p *Pipeline) updateADX(high, low float64) {
	period := float64(p.cfg.ADXPeriod)
	if p.seeded == 0 {
		p.prevHigh, p.prevLow = high, low
		return
	}
	upMove := high - p.prevHigh
	downMove := p.prevLow - low
	var plusDM, minusDM float64
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	tr := math.Max(high-low, math.Max(math.Abs(high-p.prevClose), math.Abs(low-p.prevClose)))

	if p.seeded <= int(period) {
		p.smoothedP += plusDM
		p.smoothedM += minusDM
		p.smoothedT += tr
		if p.seeded == int(period) {
			p.computeDX()
		}
		return
	}
	// Wilder smoothing recurrence for +DM/-DM/TR accumulators.
	p.smoothedP = p.smoothedP - p.smoothedP/period + plusDM
	p.smoothedM = p.smoothedM - p.smoothedM/period + minusDM
	p.smoothedT = p.smoothedT - p.smoothedT/period + tr
	p.computeDX()
}

func (p *Pipeline) computeDX() {
	if p.smoothedT == 0 {
		return
	}
	diPlus := 100 * p.smoothedP / p.smoothedT
	diMinus := 100 * p.smoothedM / p.smoothedT
	denom := diPlus + diMinus
	var dx float64
	if denom != 0 {
		dx = 100 * math.Abs(diPlus-diMinus) / denom
	}
	period := p.cfg.ADXPeriod
	p.dxHistory = append(p.dxHistory, dx)
	if len(p.dxHistory) < period {
		return
	}
	if len(p.dxHistory) == period {
		sum := 0.0
		for _, v := range p.dxHistory {
			sum += v
		}
		p.adx = sum / float64(period)
		return
	}
	p.adx = (p.adx*(float64(period)-1) + dx) / float64(period)
}

// updateRV appends a log-return and returns the current realized-volatility
// sample: stdev of the last rv_lookback log-returns.
func (p *Pipeline) updateRV(closeP float64) float64 {
	if p.seeded > 0 && p.prevClose > 0 && closeP > 0 {
		ret := math.Log(closeP / p.prevClose)
		p.closes = append(p.closes, ret)
		if len(p.closes) > p.cfg.RVLookback {
			p.closes = p.closes[len(p.closes)-p.cfg.RVLookback:]
		}
	}
	if len(p.closes) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range p.closes {
		mean += r
	}
	mean /= float64(len(p.closes))
	var ss float64
	for _, r := range p.closes {
		ss += (r - mean) * (r - mean)
	}
	rv := math.Sqrt(ss / float64(len(p.closes)))
	p.rvHistory = append(p.rvHistory, rv)
	if len(p.rvHistory) > p.cfg.RVHistoryMax {
		p.rvHistory = p.rvHistory[len(p.rvHistory)-p.cfg.RVHistoryMax:]
	}
	return rv
}

// maybeRecalibrateRV recomputes the rolling quantile cutpoints at the first
// bar of a new UTC day, from the bounded RV history accumulated so far (a
// proxy for "last 20 sessions of intraday RV samples" since the pipeline
// does not track session boundaries explicitly).
func (p *Pipeline) maybeRecalibrateRV(ts time.Time) {
	day := ts.UTC().YearDay() + ts.UTC().Year()*1000
	if p.lastUTCDay == -1 {
		p.lastUTCDay = day
		return
	}
	if day == p.lastUTCDay {
		return
	}
	p.lastUTCDay = day
	if len(p.rvHistory) < 20 {
		return // not warm yet; keep config-seeded cutpoints
	}
	sorted := append([]float64(nil), p.rvHistory...)
	sort.Float64s(sorted)
	p.rvCutLow = quantile(sorted, p.cfg.RVQuantileLow)
	p.rvCutHigh = quantile(sorted, p.cfg.RVQuantileHigh)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func (p *Pipeline) classifyRV(rv float64) types.RVBand {
	switch {
	case rv <= p.rvCutLow:
		return types.RVLow
	case rv >= p.rvCutHigh:
		return types.RVHigh
	default:
		return types.RVMid
	}
}

func (p *Pipeline) classifySpread(symbol string, spread, high, low float64) types.SpreadBand {
	spreadPips := p.pip.ToPips(symbol, spread)
	if spread <= 0 {
		spreadPips = p.pip.ToPips(symbol, p.cfg.SpreadProxyK*(high-low))
	}
	switch {
	case spreadPips <= p.cfg.SpreadNarrowPip:
		return types.SpreadNarrow
	case spreadPips >= p.cfg.SpreadWidePip:
		return types.SpreadWide
	default:
		return types.SpreadNormal
	}
}

// ExportRVState returns a serializable snapshot of the RV cutpoints and
// bounded history, for the state archive.
func (p *Pipeline) ExportRVState() types.RVBandState {
	return types.RVBandState{
		CutLow:  p.rvCutLow,
		CutHigh: p.rvCutHigh,
		History: append([]float64(nil), p.rvHistory...),
	}
}

// LoadRVState restores RV cutpoints and history from a snapshot.
func (p *Pipeline) LoadRVState(s types.RVBandState) {
	p.rvCutLow = s.CutLow
	p.rvCutHigh = s.CutHigh
	p.rvHistory = append([]float64(nil), s.History...)
}

// ATRPips returns the current ATR in pips for symbol (callers track their
// own strategy-level OR/ATR ratio; the pipeline only exposes the ATR).
func (p *Pipeline) ATRPips(symbol string) float64 {
	return p.pip.ToPips(symbol, p.atr)
}

// ADX returns the current Wilder ADX value.
func (p *Pipeline) ADX() float64 { return p.adx }

// TrendFlag classifies the current ADX reading into the "trend" / "range"
// labels used as the bucket key's fourth discriminant. ADX >= 25 is the
// conventional Wilder threshold for "trending."
func TrendFlag(adx float64) string {
	if adx >= 25 {
		return "trend"
	}
	return "range"
}
