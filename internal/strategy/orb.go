package strategy

import (
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// ORB is the bundled opening-range-breakout reference strategy: it marks
// the high/low of the first OrBars bars of each UTC day as the opening
// range, then signals a breakout when a later bar's close clears that
// range. TP/SL/trail are expressed as ATR multipliers, adapting a
// rolling-lookback breakout into a session-anchored opening range.
type ORB struct {
	orBars  int
	kTP     float64
	kSL     float64
	kTrail  float64

	day        string
	orHigh     float64
	orLow      float64
	orBarCount int
	orReady    bool
	triggered  bool // one breakout attempt per opening range

	pending []types.PendingSignal
}

// NewORB builds an ORB strategy. kTP/kSL/kTrail are ATR multipliers; kTrail
// of 0 disables trailing.
func NewORB(orBars int, kTP, kSL, kTrail float64) *ORB {
	if orBars <= 0 {
		orBars = 3
	}
	return &ORB{orBars: orBars, kTP: kTP, kSL: kSL, kTrail: kTrail}
}

func (s *ORB) Name() string { return "orb5m" }

func (s *ORB) Params() (kTP, kSL, kTrail float64) { return s.kTP, s.kSL, s.kTrail }

func (s *ORB) OnBar(bar types.Bar, ctx types.Context) error {
	s.pending = nil
	day := bar.Timestamp.UTC().Format("2006-01-02")
	if day != s.day {
		s.day = day
		s.orHigh, s.orLow = 0, 0
		s.orBarCount = 0
		s.orReady = false
		s.triggered = false
	}

	high, _ := bar.High.Float64()
	low, _ := bar.Low.Float64()
	closeP, _ := bar.Close.Float64()

	if s.orBarCount < s.orBars {
		if s.orBarCount == 0 {
			s.orHigh, s.orLow = high, low
		} else {
			if high > s.orHigh {
				s.orHigh = high
			}
			if low < s.orLow {
				s.orLow = low
			}
		}
		s.orBarCount++
		if s.orBarCount == s.orBars {
			s.orReady = true
		}
		return nil
	}

	if !s.orReady || s.triggered {
		return nil
	}
	if ctx.ATRPips <= 0 {
		return nil
	}

	var side types.Side
	switch {
	case closeP > s.orHigh:
		side = types.SideBuy
	case closeP < s.orLow:
		side = types.SideSell
	default:
		return nil
	}

	s.triggered = true
	entry := bar.Close
	sig := types.PendingSignal{
		Side:       side,
		Entry:      entry,
		TPPips:     s.kTP * ctx.ATRPips,
		SLPips:     s.kSL * ctx.ATRPips,
		TrailPips:  s.kTrail * ctx.ATRPips,
		OCO:        true,
		Buckets:    ctx.Buckets(),
		ORAtrRatio: ((s.orHigh - s.orLow) / 0.0001) / ctx.ATRPips, // or range (in pips, assuming a 4-decimal pair) over atr_pips
		ATRPips:    ctx.ATRPips,
	}
	s.pending = append(s.pending, sig)
	return nil
}

func (s *ORB) Signals() []types.PendingSignal {
	return s.pending
}

func (s *ORB) ExportState() (map[string]interface{}, error) {
	return map[string]interface{}{
		"day":         s.day,
		"or_high":     s.orHigh,
		"or_low":      s.orLow,
		"or_bar_count": s.orBarCount,
		"or_ready":    s.orReady,
		"triggered":   s.triggered,
	}, nil
}

func (s *ORB) LoadState(state map[string]interface{}) error {
	if v, ok := state["day"].(string); ok {
		s.day = v
	}
	if v, ok := state["or_high"].(float64); ok {
		s.orHigh = v
	}
	if v, ok := state["or_low"].(float64); ok {
		s.orLow = v
	}
	if v, ok := state["or_bar_count"].(float64); ok {
		s.orBarCount = int(v)
	}
	if v, ok := state["or_ready"].(bool); ok {
		s.orReady = v
	}
	if v, ok := state["triggered"].(bool); ok {
		s.triggered = v
	}
	return nil
}
