package backtester_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/backtester"
	"github.com/atlas-desktop/orb5m-backtester/internal/strategy"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
	"github.com/shopspring/decimal"
)

type sliceBarSource struct {
	bars []types.Bar
	i    int
}

func (s *sliceBarSource) Next() (types.Bar, bool, error) {
	if s.i >= len(s.bars) {
		return types.Bar{}, false, nil
	}
	b := s.bars[s.i]
	s.i++
	return b, true, nil
}

// synthesizeBars builds n 5-minute bars starting at base, drifting the
// close upward by step each bar with a small wick, enough to seed
// ATR14/ADX14 and eventually clear an opening-range breakout.
func synthesizeBars(base time.Time, n int, start, step float64) []types.Bar {
	bars := make([]types.Bar, 0, n)
	price := start
	for i := 0; i < n; i++ {
		open := price
		price += step
		high := price + 0.0003
		low := open - 0.0002
		bars = append(bars, types.Bar{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Symbol:    "EURUSD",
			TF:        types.Timeframe5m,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(100),
			Spread:    decimal.NewFromFloat(0.00005),
		})
	}
	return bars
}

func TestRunnerFullPassProducesNoErrorsAndSaneMetrics(t *testing.T) {
	cfg := types.DefaultRunnerConfig("orb5m", "EURUSD")
	cfg.EV.Mode = types.EVModeOff
	cfg.Sizing.PipValue = 1.0

	strat := strategy.NewORB(3, 2.0, 1.0, 0)
	r := backtester.NewRunner(cfg, strat, zap.NewNop(), nil)

	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := synthesizeBars(base, 40, 1.1000, 0.00015)
	src := &sliceBarSource{bars: bars}

	metrics, err := r.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if metrics.DebugCounts.MissingCols != 0 {
		t.Errorf("expected no invalid bars, got %d", metrics.DebugCounts.MissingCols)
	}
	if metrics.MaxDrawdown < 0 {
		t.Errorf("max drawdown should be non-negative, got %v", metrics.MaxDrawdown)
	}
	if len(metrics.Trades) < 2 && metrics.Sharpe != nil {
		t.Errorf("sharpe should be nil with fewer than two trades, got %v", *metrics.Sharpe)
	}
}

func TestRunnerExportSnapshotRoundTripsFingerprint(t *testing.T) {
	cfg := types.DefaultRunnerConfig("orb5m", "EURUSD")
	strat := strategy.NewORB(3, 2.0, 1.0, 0.5)
	r := backtester.NewRunner(cfg, strat, zap.NewNop(), nil)

	snap, err := r.ExportSnapshot(time.Now())
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	want := cfg.Fingerprint(2.0, 1.0, 0.5)
	if snap.RunnerConfigFingerprint != want {
		t.Errorf("fingerprint = %s, want %s", snap.RunnerConfigFingerprint, want)
	}
}

func TestRunnerRouterGateRejectsDisallowedSession(t *testing.T) {
	cfg := types.DefaultRunnerConfig("orb5m", "EURUSD")
	cfg.EV.Mode = types.EVModeOff
	cfg.Sizing.PipValue = 1.0
	cfg.Router.AllowedSessions = []types.Session{types.SessionLDN, types.SessionNY}

	strat := strategy.NewORB(3, 2.0, 1.0, 0)
	r := backtester.NewRunner(cfg, strat, zap.NewNop(), nil)

	// Midnight UTC start keeps every synthesized bar inside the TOK
	// session, which the router config above excludes.
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := synthesizeBars(base, 40, 1.1000, 0.00015)
	src := &sliceBarSource{bars: bars}

	metrics, err := r.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if len(metrics.Trades) != 0 {
		t.Errorf("expected no trades once the signal's session is excluded, got %d", len(metrics.Trades))
	}
	found := false
	for _, rec := range metrics.DebugRecords {
		if rec.Stage == "router_gate" {
			found = true
			if rec.Reason != "session_not_allowed" {
				t.Errorf("reason = %q, want session_not_allowed", rec.Reason)
			}
		}
	}
	if !found {
		t.Errorf("expected at least one router_gate debug record")
	}
}

func TestRunnerCancelStopsEarly(t *testing.T) {
	cfg := types.DefaultRunnerConfig("orb5m", "EURUSD")
	strat := strategy.NewORB(3, 2.0, 1.0, 0)
	r := backtester.NewRunner(cfg, strat, zap.NewNop(), nil)
	r.Cancel()

	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := synthesizeBars(base, 10, 1.1000, 0.0001)
	src := &sliceBarSource{bars: bars}

	metrics, err := r.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if len(metrics.Trades) != 0 {
		t.Errorf("cancelled run before first bar should produce no trades, got %d", len(metrics.Trades))
	}
}
