package backtester

import (
	"math"

	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// MetricsCalculator derives RunMetrics.Sharpe and RunMetrics.MaxDrawdown
// from a run's trade sequence, adapted from calendar-day equity returns
// to a trades-based, no-calendar-scaling Sharpe: with intraday bars and
// no fixed trades-per-day count, annualizing by calendar days would
// invent a scaling factor with no principled basis.
type MetricsCalculator struct{}

// NewMetricsCalculator builds a MetricsCalculator.
func NewMetricsCalculator() *MetricsCalculator { return &MetricsCalculator{} }

// Sharpe computes the trades-based Sharpe ratio (mean pnl_pips / stdev
// pnl_pips, unannualized) over trades. Returns nil when fewer than two
// trades exist.
func (mc *MetricsCalculator) Sharpe(trades []types.Trade) *float64 {
	if len(trades) < 2 {
		return nil
	}
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.PnLPips
	}
	mean := mc.mean(returns)
	sd := mc.stdDev(returns, mean)
	if sd == 0 {
		return nil
	}
	sharpe := mean / sd
	return &sharpe
}

// MaxDrawdown computes the peak-to-trough drawdown fraction over an
// equity curve already expressed in dollar terms (or any consistent unit —
// the ratio is scale-invariant).
func (mc *MetricsCalculator) MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	maxDD := 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			dd := (peak - e) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func (mc *MetricsCalculator) mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func (mc *MetricsCalculator) stdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
