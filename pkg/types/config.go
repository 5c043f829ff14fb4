// Package types provides configuration types for the ORB5M backtester.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// EVMode selects whether the EV gate is enforced.
type EVMode string

const (
	EVModeOn  EVMode = "on"
	EVModeOff EVMode = "off"
)

// FillModel selects the OCO resolution model used by the fill engine.
type FillModel string

const (
	FillConservative FillModel = "conservative"
	FillBridge       FillModel = "bridge"
)

// EVConfig configures the pooled Beta-Binomial estimator.
type EVConfig struct {
	Mode             EVMode  `json:"mode"`
	Alpha0           float64 `json:"alpha0"`
	Beta0            float64 `json:"beta0"`
	Decay            float64 `json:"decay"`             // d in (0,1)
	NMin             float64 `json:"n_min"`              // minimum effective sample before bucket trusted
	Confidence       float64 `json:"confidence"`         // c for invPhi(c)
	ThresholdLCBPip  float64 `json:"threshold_lcb_pip"`
	WarmupTrades     int     `json:"warmup_trades"`
	ProfileObsNorm   float64 `json:"ev_profile_obs_norm"` // blend weight for long_term vs recent, default 15
}

// DefaultEVConfig returns conservative defaults.
func DefaultEVConfig() EVConfig {
	return EVConfig{
		Mode:            EVModeOn,
		Alpha0:          1,
		Beta0:           1,
		Decay:           0.02,
		NMin:            30,
		Confidence:      0.80,
		ThresholdLCBPip: 0,
		WarmupTrades:    20,
		ProfileObsNorm:  15,
	}
}

// SizingConfig configures fractional-Kelly position sizing.
type SizingConfig struct {
	RiskPerTradePct float64 `json:"risk_per_trade_pct"`
	KellyFraction   float64 `json:"kelly_fraction"`
	UnitsCap        float64 `json:"units_cap"`
	SizeFloorMult   float64 `json:"size_floor_mult"`
	FallbackWinRate float64 `json:"fallback_win_rate"`
	MaxTradeLossPct float64 `json:"max_trade_loss_pct"`
	MaxDailyDDPct   float64 `json:"max_daily_dd_pct"`
	CooldownBars    int     `json:"cooldown_bars"`
	PipValue        float64 `json:"pip_value"`
}

// DefaultSizingConfig returns conservative defaults.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		RiskPerTradePct: 0.01,
		KellyFraction:   0.5,
		UnitsCap:        3.0,
		SizeFloorMult:   0.25,
		FallbackWinRate: 0.5,
		MaxTradeLossPct: 0.02,
		MaxDailyDDPct:   0.05,
		CooldownBars:    3,
		PipValue:        1.0,
	}
}

// FillConfig configures the fill engine.
type FillConfig struct {
	Model         FillModel     `json:"model"`
	SameBarPolicy SameBarPolicy `json:"same_bar_policy"`
	SlipCapPip    float64       `json:"slip_cap_pip"`
	BridgeLambda  float64       `json:"bridge_lambda"`   // mixing coefficient
	BridgeMuScale float64       `json:"bridge_mu_scale"` // drift scale
	SlipInitA     float64       `json:"slip_init_a"`     // initial EWMA slope
	SlipInitB     float64       `json:"slip_init_b"`     // initial EWMA intercept
	SlipEWMAAlpha float64       `json:"slip_ewma_alpha"`
}

// DefaultFillConfig returns conservative defaults.
func DefaultFillConfig() FillConfig {
	return FillConfig{
		Model:         FillConservative,
		SameBarPolicy: ProtectivePriority,
		SlipCapPip:    1.0,
		BridgeLambda:  0.5,
		BridgeMuScale: 1.0,
		SlipInitA:     0.01,
		SlipInitB:     0.05,
		SlipEWMAAlpha: 0.1,
	}
}

// FeatureConfig configures the feature pipeline.
type FeatureConfig struct {
	ORBars              int        `json:"or_bars"`
	ATRPeriod           int        `json:"atr_period"`
	ADXPeriod           int        `json:"adx_period"`
	RVLookback          int        `json:"rv_lookback"`          // log-returns used in stdev
	RVHistoryMax        int        `json:"rv_history_max"`       // bounded history length
	RVQuantileLow       float64    `json:"rv_quantile_low"`      // default 0.33
	RVQuantileHigh      float64    `json:"rv_quantile_high"`     // default 0.67
	RVCalibrationDays   int        `json:"rv_calibration_days"`  // last N sessions
	InitialRVCutLow     float64    `json:"initial_rv_cut_low"`
	InitialRVCutHigh    float64    `json:"initial_rv_cut_high"`
	SpreadNarrowPip     float64    `json:"spread_narrow_pip"`
	SpreadWidePip       float64    `json:"spread_wide_pip"`
	SpreadProxyK        float64    `json:"spread_proxy_k"` // fallback: k * (high-low) when spread missing
	PipSize             float64    `json:"pip_size"`
}

// DefaultFeatureConfig returns conservative defaults.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		ORBars:            3,
		ATRPeriod:         14,
		ADXPeriod:         14,
		RVLookback:        12,
		RVHistoryMax:      2000,
		RVQuantileLow:     0.33,
		RVQuantileHigh:    0.67,
		RVCalibrationDays: 20,
		InitialRVCutLow:   0.0005,
		InitialRVCutHigh:  0.0015,
		SpreadNarrowPip:   1.0,
		SpreadWidePip:     3.0,
		SpreadProxyK:      0.3,
		PipSize:           0.0001,
	}
}

// ArchiveConfig configures the state-snapshot archive.
type ArchiveConfig struct {
	Root          string `json:"root"`
	RetentionKeep int    `json:"retention_keep"` // most recent N kept, default 5
}

// DefaultArchiveConfig returns conservative defaults.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{Root: "./archive", RetentionKeep: 5}
}

// GuardrailConfig configures the adaptive update worker's anomaly checks.
type GuardrailConfig struct {
	MaxDelta     float64 `json:"max_delta"`     // relative, e.g. 0.2 = 20%
	VaRCap       float64 `json:"var_cap"`
	LiquidityCap float64 `json:"liquidity_cap"`
	DryRun       bool    `json:"dry_run"`
}

// DefaultGuardrailConfig returns conservative defaults.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{MaxDelta: 0.2, VaRCap: 0.1, LiquidityCap: 0.5, DryRun: false}
}

// NewsWindow is a daily UTC blackout window expressed as minutes since
// midnight. EndMinUTC < StartMinUTC wraps past midnight.
type NewsWindow struct {
	StartMinUTC int `json:"start_min_utc"`
	EndMinUTC   int `json:"end_min_utc"`
}

// RouterConfig configures the shared router gate applied to every signal
// regardless of which strategy produced it: a session whitelist, allowed
// spread/realized-vol bands, a recurring news blackout calendar, and a
// band on the opening-range-to-ATR ratio. An empty allow-list for a field
// means that check is not enforced.
type RouterConfig struct {
	AllowedSessions    []Session    `json:"allowed_sessions"`
	AllowedSpreadBands []SpreadBand `json:"allowed_spread_bands"`
	AllowedRVBands     []RVBand     `json:"allowed_rv_bands"`
	NewsFreezeWindows  []NewsWindow `json:"news_freeze_windows"`
	ORAtrRatioMin      float64      `json:"or_atr_ratio_min"` // 0 disables the lower bound
	ORAtrRatioMax      float64      `json:"or_atr_ratio_max"` // 0 disables the upper bound
}

// DefaultRouterConfig returns a permissive router: every session/band is
// allowed, no news windows, no OR/ATR ratio band.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedSessions:    []Session{SessionTOK, SessionLDN, SessionNY},
		AllowedSpreadBands: []SpreadBand{SpreadNarrow, SpreadNormal, SpreadWide},
		AllowedRVBands:     []RVBand{RVLow, RVMid, RVHigh},
	}
}

// RunnerConfig is the normalized configuration the core consumes — the
// manifest/CLI layer (external collaborator) is responsible for producing
// one of these from a YAML manifest.
type RunnerConfig struct {
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Mode           string          `json:"mode"` // "backtest" | "simulate_live"
	InitialEquity  float64         `json:"initial_equity"`
	EV             EVConfig        `json:"ev"`
	Sizing         SizingConfig    `json:"sizing"`
	Fill           FillConfig      `json:"fill"`
	Features       FeatureConfig   `json:"features"`
	Archive        ArchiveConfig   `json:"archive"`
	Guardrail      GuardrailConfig `json:"guardrail"`
	Router         RouterConfig    `json:"router"`
}

// DefaultRunnerConfig returns a RunnerConfig wired from the other Default*
// constructors, for callers that only need to override a handful of fields.
func DefaultRunnerConfig(strategyID, symbol string) RunnerConfig {
	return RunnerConfig{
		StrategyID:    strategyID,
		Symbol:        symbol,
		Mode:          "backtest",
		InitialEquity: 10000,
		EV:            DefaultEVConfig(),
		Sizing:        DefaultSizingConfig(),
		Fill:          DefaultFillConfig(),
		Features:      DefaultFeatureConfig(),
		Archive:       DefaultArchiveConfig(),
		Guardrail:     DefaultGuardrailConfig(),
		Router:        DefaultRouterConfig(),
	}
}

// fingerprintFields is the stable subset of RunnerConfig hashed into the
// fingerprint — deliberately excludes Archive (a deployment detail, not a
// behavioral parameter) so moving the archive root does not invalidate
// existing snapshots.
type fingerprintFields struct {
	StrategyID string
	Mode       string
	ORBars     int
	TPKPips    float64
	SLKPips    float64
	TrailKPips float64
	EVAlpha0   float64
	EVBeta0    float64
	EVDecay    float64
	Warmup     int
	ThreshLCB  float64
	FillModel  FillModel
	SameBar    SameBarPolicy
	SlipCap    float64
}

// Fingerprint is a stable hash over the behavior-relevant subset of the
// config (strategy id, mode, or_n, k_tp/k_sl/k_tr, ev priors, decay,
// warmup, threshold_lcb_pip, fill policy parameters). kTP, kSL, kTrail
// are the strategy's configured TP/SL/trail multipliers in pips-per-ATR
// terms and are supplied by the caller since RunnerConfig itself does
// not carry strategy parameters (those live in the strategy instance).
func (c RunnerConfig) Fingerprint(kTP, kSL, kTrail float64) string {
	f := fingerprintFields{
		StrategyID: c.StrategyID,
		Mode:       c.Mode,
		ORBars:     c.Features.ORBars,
		TPKPips:    kTP,
		SLKPips:    kSL,
		TrailKPips: kTrail,
		EVAlpha0:   c.EV.Alpha0,
		EVBeta0:    c.EV.Beta0,
		EVDecay:    c.EV.Decay,
		Warmup:     c.EV.WarmupTrades,
		ThreshLCB:  c.EV.ThresholdLCBPip,
		FillModel:  c.Fill.Model,
		SameBar:    c.Fill.SameBarPolicy,
		SlipCap:    c.Fill.SlipCapPip,
	}
	// encoding/json on a struct of comparable scalar fields is stable across
	// runs within one Go version — field order is fixed by the struct
	// definition, which is what makes this a fingerprint rather than a
	// generic hash.
	b, err := json.Marshal(f)
	if err != nil {
		panic("types: fingerprint fields must be json-marshalable: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// BacktestProgress reports live run progress over a progress channel for
// long-running sweeps.
type BacktestProgress struct {
	RunID           string  `json:"run_id"`
	Status          string  `json:"status"` // "running", "completed", "failed", "cancelled"
	BarsProcessed   uint64  `json:"bars_processed"`
	TotalBars       uint64  `json:"total_bars"`
	TradesExecuted  int     `json:"trades_executed"`
	Error           string  `json:"error,omitempty"`
}
