package fill_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/fill"
	"github.com/atlas-desktop/orb5m-backtester/internal/pip"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
	"github.com/shopspring/decimal"
)

func newEngine(t *testing.T, policy types.SameBarPolicy) (*fill.Engine, *pip.Table) {
	t.Helper()
	cfg := types.DefaultFillConfig()
	cfg.SameBarPolicy = policy
	table := pip.NewTable([]string{"EURUSD"}, nil)
	return fill.NewEngine(cfg, zap.NewNop(), table, nil), table
}

func mkBar(o, h, l, c float64) types.Bar {
	return types.Bar{
		Symbol: "EURUSD",
		TF:     types.Timeframe5m,
		Open:   decimal.NewFromFloat(o),
		High:   decimal.NewFromFloat(h),
		Low:    decimal.NewFromFloat(l),
		Close:  decimal.NewFromFloat(c),
		Volume: decimal.NewFromInt(100),
		Spread: decimal.NewFromFloat(0.0001),
	}
}

func TestSingleBreakoutTPHitSameBar(t *testing.T) {
	e, table := newEngine(t, types.ProtectivePriority)
	spec := types.OrderSpec{Side: types.SideBuy, TPPips: 10, SLPips: 5, CostPips: 1, SameBarPolicy: types.ProtectivePriority}
	active := e.Open(spec, "EURUSD", 1.1000, time.Now())

	tpPrice := 1.1000 + table.ToPrice("EURUSD", 10)
	bar := mkBar(1.1000, tpPrice+0.0002, 1.0999, tpPrice)
	done, trade := e.StepConservative(active, bar, table.PipSize("EURUSD"))
	if !done {
		t.Fatal("expected terminal fill")
	}
	if trade.ExitReason != types.ExitTP {
		t.Errorf("exit reason = %s, want tp", trade.ExitReason)
	}
	wantPnL := 10.0 - 1.0
	if trade.PnLPips != wantPnL {
		t.Errorf("pnl_pips = %v, want %v", trade.PnLPips, wantPnL)
	}
}

func TestSameBarBothHitProtectivePriority(t *testing.T) {
	e, table := newEngine(t, types.ProtectivePriority)
	spec := types.OrderSpec{Side: types.SideBuy, TPPips: 10, SLPips: 5, CostPips: 1, SameBarPolicy: types.ProtectivePriority}
	active := e.Open(spec, "EURUSD", 1.1000, time.Now())

	tpPrice := 1.1000 + table.ToPrice("EURUSD", 10)
	slPrice := 1.1000 - table.ToPrice("EURUSD", 5)
	bar := mkBar(1.1000, tpPrice+0.0001, slPrice-0.0001, 1.1000)
	done, trade := e.StepConservative(active, bar, table.PipSize("EURUSD"))
	if !done {
		t.Fatal("expected terminal fill")
	}
	if trade.ExitReason != types.ExitSL {
		t.Errorf("exit reason = %s, want sl (protective_priority)", trade.ExitReason)
	}
	wantPnL := -5.0 - 1.0
	if trade.PnLPips != wantPnL {
		t.Errorf("pnl_pips = %v, want %v", trade.PnLPips, wantPnL)
	}
}

func TestTrailingStopTightensAndExits(t *testing.T) {
	e, table := newEngine(t, types.ProtectivePriority)
	spec := types.OrderSpec{Side: types.SideBuy, TPPips: 50, SLPips: 10, TrailPips: 5, CostPips: 0, SameBarPolicy: types.ProtectivePriority}
	active := e.Open(spec, "EURUSD", 1.1000, time.Now())
	pipSize := table.PipSize("EURUSD")

	// Bar 1: price gaps up and holds above the tightened stop, no hit yet,
	// trailing should tighten SL upward.
	bar1 := mkBar(1.1028, 1.1030, 1.1026, 1.1029)
	done, _ := e.StepConservative(active, bar1, pipSize)
	if done {
		t.Fatal("should not terminate on bar 1")
	}
	if active.SL <= 1.1000-table.ToPrice("EURUSD", 10) {
		t.Errorf("trailing stop should have tightened above the original SL, got %v", active.SL)
	}

	// Bar 2: price reverses and breaches the tightened SL.
	bar2 := mkBar(1.1025, 1.1026, 1.1010, 1.1015)
	done, trade := e.StepConservative(active, bar2, pipSize)
	if !done {
		t.Fatal("expected trailing exit on bar 2")
	}
	if trade.ExitReason != types.ExitTrail {
		t.Errorf("exit reason = %s, want trail", trade.ExitReason)
	}
}

func TestBridgeResolveProducesProbabilisticPnL(t *testing.T) {
	e, table := newEngine(t, types.ProtectivePriority)
	spec := types.OrderSpec{Side: types.SideBuy, TPPips: 10, SLPips: 10, CostPips: 0, SameBarPolicy: types.ProtectivePriority}
	active := e.Open(spec, "EURUSD", 1.1000, time.Now())

	bar := mkBar(1.1000, 1.1008, 1.0994, 1.1005)
	trade := e.ResolveBridge(active, bar, table.PipSize("EURUSD"))
	if trade.PnLPips < -10 || trade.PnLPips > 10 {
		t.Errorf("bridge pnl out of plausible range: %v", trade.PnLPips)
	}
}

func TestExpectedSlipAndUpdate(t *testing.T) {
	e, _ := newEngine(t, types.ProtectivePriority)
	before := e.ExpectedSlip(types.SpreadWide, 1.0)
	e.UpdateSlip(types.SpreadWide, 1.0, before+1.0)
	after := e.ExpectedSlip(types.SpreadWide, 1.0)
	if after <= before {
		t.Errorf("expected slip should increase after a higher realized observation: before=%v after=%v", before, after)
	}
}
