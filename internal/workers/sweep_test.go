package workers_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/backtester"
	"github.com/atlas-desktop/orb5m-backtester/internal/strategy"
	"github.com/atlas-desktop/orb5m-backtester/internal/workers"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
	"github.com/shopspring/decimal"
)

type sliceSource struct {
	bars []types.Bar
	i    int
}

func (s *sliceSource) Next() (types.Bar, bool, error) {
	if s.i >= len(s.bars) {
		return types.Bar{}, false, nil
	}
	b := s.bars[s.i]
	s.i++
	return b, true, nil
}

func sweepBars() []types.Bar {
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	price := 1.1000
	bars := make([]types.Bar, 0, 30)
	for i := 0; i < 30; i++ {
		open := price
		price += 0.00015
		bars = append(bars, types.Bar{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Symbol:    "EURUSD",
			TF:        types.Timeframe5m,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(price + 0.0003),
			Low:       decimal.NewFromFloat(open - 0.0002),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(100),
			Spread:    decimal.NewFromFloat(0.00005),
		})
	}
	return bars
}

func TestSweepRunsAllVariantsAndCollectsResults(t *testing.T) {
	bars := sweepBars()
	tasks := []*workers.SweepTask{
		{
			Label:     "tp1.5",
			Config:    types.DefaultRunnerConfig("orb5m", "EURUSD"),
			Strategy:  strategy.NewORB(3, 1.5, 1.0, 0),
			NewSource: func() backtester.BarSource { return &sliceSource{bars: bars} },
		},
		{
			Label:     "tp2.0",
			Config:    types.DefaultRunnerConfig("orb5m", "EURUSD"),
			Strategy:  strategy.NewORB(3, 2.0, 1.0, 0),
			NewSource: func() backtester.BarSource { return &sliceSource{bars: bars} },
		},
	}

	sweep := workers.NewSweep(zap.NewNop(), 2)
	results, err := sweep.Run(tasks)
	if err != nil {
		t.Fatalf("sweep run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("task %s failed: %v", r.Label, r.Err)
		}
	}
}
