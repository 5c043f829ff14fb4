// Package types provides shared type definitions for the ORB5M backtester.
package types

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies a bar's bucket width. The core only operates on
// Timeframe5m; the distinct type keeps callers from passing an arbitrary
// string where a bar timeframe is expected.
type Timeframe string

const (
	Timeframe5m Timeframe = "5m"
)

// Side is the direction of a pending signal or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Session is the UTC-hour-bucket session label.
type Session string

const (
	SessionTOK Session = "TOK"
	SessionLDN Session = "LDN"
	SessionNY  Session = "NY"
)

// SpreadBand discretizes the instantaneous spread.
type SpreadBand string

const (
	SpreadNarrow SpreadBand = "narrow"
	SpreadNormal SpreadBand = "normal"
	SpreadWide   SpreadBand = "wide"
)

// RVBand is the realized-volatility tercile label.
type RVBand string

const (
	RVLow  RVBand = "low"
	RVMid  RVBand = "mid"
	RVHigh RVBand = "high"
)

// SameBarPolicy resolves a bar where both TP and SL are touched.
type SameBarPolicy string

const (
	TickPriority       SameBarPolicy = "tick_priority"
	ProtectivePriority SameBarPolicy = "protective_priority"
	StopPriority       SameBarPolicy = "stop_priority"
)

// ExitReason names why an order reached a terminal state.
type ExitReason string

const (
	ExitTP    ExitReason = "tp"
	ExitSL    ExitReason = "sl"
	ExitTrail ExitReason = "trail"
	ExitNone  ExitReason = ""
)

// OrderState is the fill-engine lifecycle state of a single OCO order.
type OrderState string

const (
	OrderPending  OrderState = "pending"
	OrderOpen     OrderState = "open"
	OrderFilledTP OrderState = "filled_tp"
	OrderFilledSL OrderState = "filled_sl"
	OrderFilledTr OrderState = "filled_trail"
	OrderExpired  OrderState = "expired"
)

// Bar is a single 5-minute OHLCV record. Timestamp is UTC; Spread is in
// price units.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	TF        Timeframe       `json:"tf"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Spread    decimal.Decimal `json:"spread"`
}

// Validate checks the OHLC ordering and finiteness invariants from the bar
// schema. Timestamp monotonicity is a stream-level property, checked by the
// bar source (cmd/bars.CSVSource) rather than here.
func (b Bar) Validate() error {
	for _, v := range []decimal.Decimal{b.Open, b.High, b.Low, b.Close, b.Volume, b.Spread} {
		f, _ := v.Float64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("bar %s %s: non-finite field", b.Symbol, b.Timestamp)
		}
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("bar %s %s: negative volume", b.Symbol, b.Timestamp)
	}
	if b.Spread.IsNegative() {
		return fmt.Errorf("bar %s %s: negative spread", b.Symbol, b.Timestamp)
	}
	lo, hi := decimal.Min(b.Open, b.Close), decimal.Max(b.Open, b.Close)
	if !b.Low.LessThanOrEqual(lo) || !b.High.GreaterThanOrEqual(hi) {
		return fmt.Errorf("bar %s %s: OHLC ordering violated", b.Symbol, b.Timestamp)
	}
	return nil
}

// BucketKeys is the discriminated-sum tuple used to index pooled EV state,
// slip coefficients, and debug records.
type BucketKeys struct {
	Session    Session    `json:"session"`
	SpreadBand SpreadBand `json:"spread_band"`
	RVBand     RVBand     `json:"rv_band"`
	TrendFlag  string     `json:"trend_flag"`
}

// Key packs the tuple into a single string for O(1) map access on the hot
// path. The four fields are short enumerants, so no escaping is needed.
func (b BucketKeys) Key() string {
	return string(b.Session) + "|" + string(b.SpreadBand) + "|" + string(b.RVBand) + "|" + b.TrendFlag
}

// BetaPrior is a Beta-distribution prior with an observation count, as
// stored in an EV profile file section.
type BetaPrior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	N     float64 `json:"n"`
}

// EVProfileStats carries the long-term and recent Beta priors for a bucket.
type EVProfileStats struct {
	LongTerm *BetaPrior `json:"long_term,omitempty"`
	Recent   *BetaPrior `json:"recent,omitempty"`
}

// Context is the immutable-per-bar view passed to strategy hooks.
type Context struct {
	Session         Session        `json:"session"`
	SpreadBand      SpreadBand     `json:"spread_band"`
	RVBand          RVBand         `json:"rv_band"`
	ATRPips         float64        `json:"atr_pips"`
	ORAtrRatio      float64        `json:"or_atr_ratio"`
	CostPips        float64        `json:"cost_pips"`
	EVProfileStats  EVProfileStats `json:"ev_profile_stats"`
	LossStreak      int            `json:"loss_streak"`
	DailyTradeCount int            `json:"daily_trade_count"`
	DailyLossPips   float64        `json:"daily_loss_pips"`
	TrendFlag       string         `json:"trend_flag"`
}

// Buckets derives the discriminated bucket key tuple for this context.
func (c Context) Buckets() BucketKeys {
	return BucketKeys{Session: c.Session, SpreadBand: c.SpreadBand, RVBand: c.RVBand, TrendFlag: c.TrendFlag}
}

// Sanitize coerces non-finite fields to their zero value, matching the
// feature pipeline's context-sanitization step.
func (c Context) Sanitize() Context {
	fix := func(f float64) float64 {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	}
	c.ATRPips = fix(c.ATRPips)
	c.ORAtrRatio = fix(c.ORAtrRatio)
	c.CostPips = fix(c.CostPips)
	c.DailyLossPips = fix(c.DailyLossPips)
	return c
}

// PendingSignal is emitted by a strategy's on_bar/signals hooks. It is
// consumed on the bar it was created on, or discarded.
type PendingSignal struct {
	Side       Side
	Entry      decimal.Decimal
	TPPips     float64
	SLPips     float64
	TrailPips  float64 // 0 disables trailing
	OCO        bool
	Buckets    BucketKeys
	ORAtrRatio float64
	ATRPips    float64
}

// OrderSpec is a concrete OCO order submitted to the fill engine.
type OrderSpec struct {
	Side          Side
	Entry         decimal.Decimal
	TPPips        float64
	SLPips        float64
	TrailPips     float64
	SameBarPolicy SameBarPolicy
	Qty           float64
	Buckets       BucketKeys
	SubmittedAt   time.Time
	CostPips      float64
	SlipEstPips   float64
	ThresholdLCB  float64
	EVLCB         float64
	WarmupLeft    int
	WarmupTotal   int
	// CalibrationID is nonzero if this order was opened during warmup; the
	// EV estimator's calibration registry uses it to drain the outcome once
	// the fill settles, even after warmup_left has reached zero.
	CalibrationID uint64
	ORAtrRatio    float64
}

// Trade is a terminal fill record.
type Trade struct {
	OpenedAt   time.Time      `json:"opened_at"`
	ClosedAt   time.Time      `json:"closed_at"`
	Side       Side           `json:"side"`
	Qty        float64        `json:"qty"`
	Buckets    BucketKeys     `json:"buckets"`
	TPPips     float64        `json:"tp_pips"`
	SLPips     float64        `json:"sl_pips"`
	CostPips   float64        `json:"cost_pips"`
	SlipEst    float64        `json:"slip_est"`
	SlipReal   float64        `json:"slip_real"`
	ExitReason ExitReason     `json:"exit_reason"`
	PnLPips    float64        `json:"pnl_pips"`
	ORAtrRatio float64        `json:"or_atr_ratio"`
	EVLCB      float64        `json:"ev_lcb"`
	Threshold  float64        `json:"threshold_lcb"`
	WarmupLeft int            `json:"warmup_left"`
	WarmupTot  int            `json:"warmup_total"`
}

// DebugRecord is one row of the bounded sample buffer / records.csv stream.
type DebugRecord struct {
	Timestamp    time.Time  `json:"ts"`
	Side         Side       `json:"side"`
	Stage        string     `json:"stage"`
	Reason       string     `json:"reason"`
	TPPips       float64    `json:"tp_pips"`
	SLPips       float64    `json:"sl_pips"`
	CostPips     float64    `json:"cost_pips"`
	SlipEst      float64    `json:"slip_est"`
	SlipReal     float64    `json:"slip_real"`
	Exit         ExitReason `json:"exit"`
	PnLPips      float64    `json:"pnl_pips"`
	ORAtrRatio   float64    `json:"or_atr_ratio"`
	RVBand       RVBand     `json:"rv_band"`
	SpreadBand   SpreadBand `json:"spread_band"`
	EVLCB        float64    `json:"ev_lcb"`
	ThresholdLCB float64    `json:"threshold_lcb"`
	WarmupLeft   int        `json:"warmup_left"`
	WarmupTotal  int        `json:"warmup_total"`
}

// DebugCounts accumulates the named gate/fill counters from the error
// handling design and the testable properties.
type DebugCounts struct {
	NoBreakout        int `json:"no_breakout"`
	GateBlock         int `json:"gate_block"`
	EVReject          int `json:"ev_reject"`
	EVBypass          int `json:"ev_bypass"`
	ZeroQty           int `json:"zero_qty"`
	StrategyGateError int `json:"strategy_gate_error"`
	EVThresholdError  int `json:"ev_threshold_error"`
	MissingCols       int `json:"missing_cols"`
	Fills             int `json:"fills"`
}

// EquityPoint is one trade-indexed cumulative-pnl sample.
type EquityPoint struct {
	TradeIndex int     `json:"trade_index"`
	PnLPips    float64 `json:"pnl_pips"`
	Cumulative float64 `json:"cumulative"`
}

// RunMetrics is the accumulated output of a single backtest run.
type RunMetrics struct {
	Trades       []Trade       `json:"trades"`
	Wins         int           `json:"wins"`
	TotalPips    float64       `json:"total_pips"`
	DebugCounts  DebugCounts   `json:"debug_counts"`
	DebugRecords []DebugRecord `json:"debug_records"`
	EquityCurve  []EquityPoint `json:"equity_curve"`
	Sharpe       *float64      `json:"sharpe"` // nil when trades < 2
	MaxDrawdown  float64       `json:"max_drawdown"`
}

// MonteCarloResult is a bootstrap-resampled robustness summary over a
// completed run's trade pnl sequence. It is a reporting extension, not a
// gate: nothing in the core consumes it as an input.
type MonteCarloResult struct {
	Iterations      int       `json:"iterations"`
	MedianPips      float64   `json:"median_pips"`
	P5Pips          float64   `json:"p5_pips"`
	P95Pips         float64   `json:"p95_pips"`
	ProbabilityRuin float64   `json:"probability_ruin"`
	MaxDrawdownP95  float64   `json:"max_drawdown_p95"`
}
