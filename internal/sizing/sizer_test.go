package sizing_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/sizing"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

func TestSizeBasicPositive(t *testing.T) {
	cfg := types.DefaultSizingConfig()
	s := sizing.NewSizer(cfg, zap.NewNop())

	res := s.Size(sizing.Request{
		PLCB:   0.6,
		TPPips: 10,
		SLPips: 5,
		Equity: 10000,
		Now:    time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		Side:   types.SideBuy,
	})
	if res.Blocked || res.ZeroQty {
		t.Fatalf("expected a positive size, got %+v", res)
	}
	if res.Units <= 0 {
		t.Errorf("units should be positive, got %v", res.Units)
	}
}

func TestSizeZeroQtyWhenKellyNonPositive(t *testing.T) {
	cfg := types.DefaultSizingConfig()
	cfg.SizeFloorMult = 0 // disable floor so a losing edge truly zeroes out
	s := sizing.NewSizer(cfg, zap.NewNop())

	res := s.Size(sizing.Request{
		PLCB:   0.1, // far below breakeven for tp/sl=2
		TPPips: 10,
		SLPips: 5,
		Equity: 10000,
		Now:    time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		Side:   types.SideBuy,
	})
	if !res.ZeroQty {
		t.Errorf("expected zero_qty, got %+v", res)
	}
}

func TestCooldownBlocksSubsequentSignal(t *testing.T) {
	cfg := types.DefaultSizingConfig()
	cfg.CooldownBars = 3
	s := sizing.NewSizer(cfg, zap.NewNop())

	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	s.RecordFill(types.SideBuy, now, func(n int) time.Time {
		return now.Add(time.Duration(n) * 5 * time.Minute)
	})

	res := s.Size(sizing.Request{
		PLCB: 0.6, TPPips: 10, SLPips: 5, Equity: 10000,
		Now: now.Add(5 * time.Minute), Side: types.SideBuy,
	})
	if !res.Blocked || res.BlockedWhy != "cooldown" {
		t.Errorf("expected cooldown block, got %+v", res)
	}
}

func TestDuplicateMinuteSuppressed(t *testing.T) {
	cfg := types.DefaultSizingConfig()
	s := sizing.NewSizer(cfg, zap.NewNop())
	now := time.Date(2024, 1, 2, 9, 0, 12, 0, time.UTC)

	first := s.Size(sizing.Request{PLCB: 0.6, TPPips: 10, SLPips: 5, Equity: 10000, Now: now, Side: types.SideSell})
	if first.Blocked {
		t.Fatalf("first signal should not be blocked: %+v", first)
	}
	second := s.Size(sizing.Request{PLCB: 0.6, TPPips: 10, SLPips: 5, Equity: 10000, Now: now.Add(30 * time.Second), Side: types.SideSell})
	if !second.Blocked || second.BlockedWhy != "duplicate_minute" {
		t.Errorf("expected duplicate_minute block, got %+v", second)
	}
}

func TestDailyLossStop(t *testing.T) {
	cfg := types.DefaultSizingConfig()
	cfg.MaxDailyDDPct = 0.01 // 1% of equity
	cfg.PipValue = 1.0
	s := sizing.NewSizer(cfg, zap.NewNop())
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

	res := s.Size(sizing.Request{
		PLCB: 0.6, TPPips: 10, SLPips: 5, Equity: 10000,
		DailyLossPips: 200, // 200 pips * $1 = $200 >= 1% of 10000
		Now:           now, Side: types.SideBuy,
	})
	if !res.Blocked || res.BlockedWhy != "daily_dd_stop" {
		t.Errorf("expected daily_dd_stop block, got %+v", res)
	}
}

func TestCheckTradeLoss(t *testing.T) {
	cfg := types.DefaultSizingConfig()
	cfg.MaxTradeLossPct = 0.02
	cfg.PipValue = 1.0
	s := sizing.NewSizer(cfg, zap.NewNop())

	if !s.CheckTradeLoss(50, 10000) { // 50 pips loss on 10000 equity with 2% cap = 200 pips allowed
		t.Error("50 pip loss should be within the 2% cap")
	}
	if s.CheckTradeLoss(500, 10000) {
		t.Error("500 pip loss should exceed the 2% cap")
	}
}
