package types

import "time"

// PooledEVState is the serializable form of the Beta-Binomial pooled
// estimator: per-bucket (alpha,beta) plus the global aggregate.
type PooledEVState struct {
	Buckets map[string]BetaState `json:"buckets"`
	Global  BetaState            `json:"global"`
}

// BetaState is a single Beta-distribution posterior (alpha, beta).
type BetaState struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// SlipState is the serializable form of the per-spread-band EWMA slip
// coefficients.
type SlipState struct {
	ByBand map[string]SlipCoef `json:"by_band"`
}

// SlipCoef is one spread band's learned slip model: expected slip in pips
// is A*size + B.
type SlipCoef struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// RVBandState is the serializable rolling-quantile classifier state.
type RVBandState struct {
	CutLow  float64   `json:"cut_low"`
	CutHigh float64   `json:"cut_high"`
	History []float64 `json:"history"` // bounded rolling buffer of realized-vol samples
}

// StateSnapshot is the complete serializable runner state.
type StateSnapshot struct {
	RunnerConfigFingerprint string                 `json:"runner_config_fingerprint"`
	PooledEV                PooledEVState          `json:"pooled_ev"`
	SlipState               SlipState              `json:"slip_state"`
	RVThresholds            RVBandState            `json:"rv_thresholds"`
	StrategyState           map[string]interface{} `json:"strategy_state,omitempty"`
	LastBarTS               time.Time              `json:"last_bar_ts"`
	SchemaVersion           int                     `json:"schema_version"`
}

// CurrentSchemaVersion is the schema_version written by this codec. Unknown
// versions on load are rejected.
const CurrentSchemaVersion = 1
