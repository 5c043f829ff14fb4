package strategy_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/strategy"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
	"github.com/shopspring/decimal"
)

func mkBar(ts time.Time, o, h, l, c float64) types.Bar {
	return types.Bar{
		Timestamp: ts, Symbol: "EURUSD", TF: types.Timeframe5m,
		Open: decimal.NewFromFloat(o), High: decimal.NewFromFloat(h),
		Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(c),
		Volume: decimal.NewFromInt(100),
	}
}

func TestORBTriggersOnceAfterOpeningRange(t *testing.T) {
	s := strategy.NewORB(2, 2.0, 1.0, 0)
	d := strategy.NewDispatcher(s, zap.NewNop())
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ctx := types.Context{ATRPips: 10}

	bars := []types.Bar{
		mkBar(base, 1.1000, 1.1005, 1.0998, 1.1002),
		mkBar(base.Add(5*time.Minute), 1.1002, 1.1006, 1.0999, 1.1003),
		mkBar(base.Add(10*time.Minute), 1.1003, 1.1020, 1.1002, 1.1015), // breaks above or_high
	}
	var lastSignals []types.PendingSignal
	for _, b := range bars {
		if err := d.Bar(b, ctx); err != nil {
			t.Fatalf("on_bar error: %v", err)
		}
		lastSignals = d.Signals()
	}
	if len(lastSignals) != 1 {
		t.Fatalf("expected exactly one breakout signal, got %d", len(lastSignals))
	}
	if lastSignals[0].Side != types.SideBuy {
		t.Errorf("side = %s, want buy", lastSignals[0].Side)
	}

	// A further bar above the range must not re-trigger within the same day.
	if err := d.Bar(mkBar(base.Add(15*time.Minute), 1.1015, 1.1030, 1.1010, 1.1025), ctx); err != nil {
		t.Fatalf("on_bar error: %v", err)
	}
	if sigs := d.Signals(); len(sigs) != 0 {
		t.Errorf("expected no re-trigger, got %d signals", len(sigs))
	}
}

func TestDispatcherIsolatesPanickingGate(t *testing.T) {
	s := &panicGateStrategy{}
	d := strategy.NewDispatcher(s, zap.NewNop())
	ok, _, err := d.Gate(types.PendingSignal{}, types.Context{})
	if err == nil {
		t.Fatal("expected error from panicking gate hook")
	}
	if ok {
		t.Error("ok should be false when the hook panics")
	}
}

func TestDispatcherPermissiveWhenGateAbsent(t *testing.T) {
	s := strategy.NewORB(3, 2, 1, 0)
	d := strategy.NewDispatcher(s, zap.NewNop())
	ok, why, err := d.Gate(types.PendingSignal{}, types.Context{})
	if err != nil || !ok || why != "" {
		t.Errorf("expected permissive pass-through, got ok=%v why=%q err=%v", ok, why, err)
	}
}

type panicGateStrategy struct{}

func (p *panicGateStrategy) Name() string { return "panic_gate" }
func (p *panicGateStrategy) StrategyGate(sig types.PendingSignal, ctx types.Context) (bool, string) {
	panic("boom")
}
