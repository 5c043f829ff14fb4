package backtester

import (
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// MonteCarloSimulator bootstraps a completed run's trade pnl sequence into
// a robustness report (median/P5/P95 pnl, probability of ruin, P95 max
// drawdown): a shuffle-and-replay design over pnl_pips, since trades here
// already carry the realized pip outcome directly. This is a reporting
// extension — nothing in the core gate sequence consumes it.
type MonteCarloSimulator struct {
	logger     *zap.Logger
	iterations int
	rng        *rand.Rand
	ruinPips   float64 // cumulative pnl_pips at or below this marks a ruined path
}

// NewMonteCarloSimulator builds a simulator. seed lets callers make a run
// reproducible; pass a fixed seed at call sites since Workflow scripts and
// tests cannot call rand.New with a time-based source.
func NewMonteCarloSimulator(logger *zap.Logger, iterations int, seed int64, ruinPips float64) *MonteCarloSimulator {
	if iterations <= 0 {
		iterations = 1000
	}
	return &MonteCarloSimulator{
		logger:     logger,
		iterations: iterations,
		rng:        rand.New(rand.NewSource(seed)),
		ruinPips:   ruinPips,
	}
}

// Run bootstraps trades' pnl_pips into iterations resampled paths.
func (mc *MonteCarloSimulator) Run(trades []types.Trade) types.MonteCarloResult {
	if len(trades) == 0 {
		return types.MonteCarloResult{Iterations: 0}
	}
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.PnLPips
	}

	totals := make([]float64, mc.iterations)
	drawdowns := make([]float64, mc.iterations)
	ruinCount := 0

	for i := 0; i < mc.iterations; i++ {
		shuffled := mc.shuffle(returns)
		total, maxDD, ruined := mc.simulatePath(shuffled)
		totals[i] = total
		drawdowns[i] = maxDD
		if ruined {
			ruinCount++
		}
	}

	sort.Float64s(totals)
	sort.Float64s(drawdowns)

	result := types.MonteCarloResult{
		Iterations:      mc.iterations,
		MedianPips:      mc.percentile(totals, 50),
		P5Pips:          mc.percentile(totals, 5),
		P95Pips:         mc.percentile(totals, 95),
		ProbabilityRuin: float64(ruinCount) / float64(mc.iterations),
		MaxDrawdownP95:  mc.percentile(drawdowns, 95),
	}
	if mc.logger != nil {
		mc.logger.Info("monte carlo robustness report",
			zap.Int("iterations", result.Iterations),
			zap.Float64("median_pips", result.MedianPips),
			zap.Float64("probability_ruin", result.ProbabilityRuin),
		)
	}
	return result
}

func (mc *MonteCarloSimulator) shuffle(returns []float64) []float64 {
	shuffled := make([]float64, len(returns))
	copy(shuffled, returns)
	mc.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled
}

func (mc *MonteCarloSimulator) simulatePath(returns []float64) (total, maxDD float64, ruined bool) {
	cum := 0.0
	peak := 0.0
	for _, r := range returns {
		cum += r
		if cum > peak {
			peak = cum
		}
		dd := peak - cum
		if dd > maxDD {
			maxDD = dd
		}
		if mc.ruinPips > 0 && cum <= -mc.ruinPips {
			return cum, maxDD, true
		}
	}
	return cum, maxDD, false
}

func (mc *MonteCarloSimulator) percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
