package backtester

import (
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// ViabilityThresholds are the minimum requirements a run must clear to be
// judged worth taking live: Sharpe >0.5, max drawdown <20%, profit factor
// >1.5 — conservative, research-derived defaults that hold regardless of
// instrument or strategy shape.
type ViabilityThresholds struct {
	MinSharpe       float64
	MaxDrawdown     float64
	MinProfitFactor float64
	MinWinRate      float64
	MinTrades       int
}

// DefaultViabilityThresholds returns the conservative default thresholds.
func DefaultViabilityThresholds() ViabilityThresholds {
	return ViabilityThresholds{
		MinSharpe:       0.5,
		MaxDrawdown:     0.20,
		MinProfitFactor: 1.5,
		MinWinRate:      0.40,
		MinTrades:       30,
	}
}

// ViabilityVerdict is the pass/fail result of checking a run's RunMetrics
// against ViabilityThresholds.
type ViabilityVerdict struct {
	Viable        bool
	FailedReasons []string
	Sharpe        float64
	MaxDrawdown   float64
	ProfitFactor  float64
	WinRate       float64
	Trades        int
}

// AssessViability checks metrics against thresholds. A nil Sharpe (fewer
// than two trades, or zero pnl dispersion) always fails MinSharpe;
// MinTrades looks only at the trade count.
func AssessViability(metrics types.RunMetrics, th ViabilityThresholds) ViabilityVerdict {
	v := ViabilityVerdict{Viable: true, Trades: len(metrics.Trades), MaxDrawdown: metrics.MaxDrawdown}
	if metrics.Sharpe != nil {
		v.Sharpe = *metrics.Sharpe
	}

	var grossWin, grossLoss float64
	for _, t := range metrics.Trades {
		if t.PnLPips > 0 {
			grossWin += t.PnLPips
		} else {
			grossLoss += -t.PnLPips
		}
	}
	if grossLoss > 0 {
		v.ProfitFactor = grossWin / grossLoss
	}
	if v.Trades > 0 {
		v.WinRate = float64(metrics.Wins) / float64(v.Trades)
	}

	fail := func(why string) {
		v.Viable = false
		v.FailedReasons = append(v.FailedReasons, why)
	}
	if v.Trades < th.MinTrades {
		fail("min_trades")
	}
	if metrics.Sharpe == nil || v.Sharpe < th.MinSharpe {
		fail("min_sharpe")
	}
	if v.MaxDrawdown > th.MaxDrawdown {
		fail("max_drawdown")
	}
	if grossLoss > 0 && v.ProfitFactor < th.MinProfitFactor {
		fail("min_profit_factor")
	}
	if v.Trades > 0 && v.WinRate < th.MinWinRate {
		fail("min_win_rate")
	}
	return v
}
