// Package sizing implements fractional-Kelly position sizing with risk
// caps, cooldown, and warmup fallback.
package sizing

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// Request carries everything Size needs to compute a position in units.
type Request struct {
	PLCB            float64
	TPPips          float64
	SLPips          float64
	Equity          float64
	EVUnseeded      bool // true when EV mode is off or the bucket/global estimate has not warmed up
	Side            types.Side
	Now             time.Time
	DailyLossPips   float64
}

// Result is the sizing outcome plus the debug signal the Runner needs.
type Result struct {
	Units      float64
	ZeroQty    bool
	Blocked    bool // cooldown, duplicate-minute suppression, or daily-loss stop
	BlockedWhy string
}

// Sizer holds the mutable cooldown/duplicate-suppression/daily-loss state
// that spans bars within one run.
type Sizer struct {
	cfg    types.SizingConfig
	logger *zap.Logger

	cooldownUntil  map[types.Side]time.Time
	lastSignalMin  map[types.Side]time.Time
	dayStopDate    string
	dayStopped     bool
}

// NewSizer builds a Sizer from config.
func NewSizer(cfg types.SizingConfig, logger *zap.Logger) *Sizer {
	return &Sizer{
		cfg:           cfg,
		logger:        logger,
		cooldownUntil: make(map[types.Side]time.Time),
		lastSignalMin: make(map[types.Side]time.Time),
	}
}

// calculateKelly computes the Kelly fraction: f* = p - q/b, clamped to
// [0,1].
func calculateKelly(p, b float64) float64 {
	if b <= 0 {
		return 0
	}
	q := 1 - p
	f := p - q/b
	return math.Max(0, math.Min(1, f))
}

// Size computes the position size in units for req, applying the Kelly
// fraction, risk caps, the size floor, cooldown, daily-loss stop, and
// duplicate-minute suppression.
func (s *Sizer) Size(req Request) Result {
	if why, blocked := s.checkCooldown(req.Side, req.Now); blocked {
		return Result{Blocked: true, BlockedWhy: why}
	}
	if why, blocked := s.checkDuplicateMinute(req.Side, req.Now); blocked {
		return Result{Blocked: true, BlockedWhy: why}
	}
	if s.checkDailyStop(req.Now, req.DailyLossPips, req.Equity) {
		return Result{Blocked: true, BlockedWhy: "daily_dd_stop"}
	}
	if req.SLPips <= 0 {
		return Result{ZeroQty: true}
	}

	unitsBase := (s.cfg.RiskPerTradePct * req.Equity) / (s.cfg.PipValue * req.SLPips)

	p := req.PLCB
	if req.EVUnseeded && s.cfg.SizeFloorMult > 0 {
		p = s.cfg.FallbackWinRate
	}
	b := req.TPPips / req.SLPips
	fStar := calculateKelly(p, b)

	kellyCap := math.Min(s.cfg.UnitsCap, s.cfg.KellyFraction*fStar)
	units := unitsBase * kellyCap
	units = math.Max(0, math.Min(units, s.cfg.UnitsCap*unitsBase))

	floor := s.cfg.SizeFloorMult * unitsBase
	if s.cfg.SizeFloorMult > 0 && units < floor {
		units = floor
	}

	if units <= 0 {
		return Result{ZeroQty: true}
	}
	return Result{Units: units}
}

// checkCooldown reports whether side is still inside its post-fill
// cooldown window.
func (s *Sizer) checkCooldown(side types.Side, now time.Time) (string, bool) {
	until, ok := s.cooldownUntil[side]
	if ok && now.Before(until) {
		return "cooldown", true
	}
	return "", false
}

// checkDuplicateMinute suppresses a second signal on the same side within
// the same UTC minute.
func (s *Sizer) checkDuplicateMinute(side types.Side, now time.Time) (string, bool) {
	last, ok := s.lastSignalMin[side]
	minute := now.Truncate(time.Minute)
	if ok && last.Equal(minute) {
		return "duplicate_minute", true
	}
	s.lastSignalMin[side] = minute
	return "", false
}

// checkDailyStop enforces the max_daily_dd_pct guard — once breached for a
// UTC date, no further trades are sized for the rest of that date.
func (s *Sizer) checkDailyStop(now time.Time, dailyLossPips, equity float64) bool {
	date := now.UTC().Format("2006-01-02")
	if date != s.dayStopDate {
		s.dayStopDate = date
		s.dayStopped = false
	}
	if s.dayStopped {
		return true
	}
	if s.cfg.PipValue <= 0 {
		return false
	}
	maxLossPips := s.cfg.MaxDailyDDPct * equity / s.cfg.PipValue
	if dailyLossPips > 0 && maxLossPips > 0 && dailyLossPips >= maxLossPips {
		s.dayStopped = true
		return true
	}
	return false
}

// CheckTradeLoss reports whether a single trade's pip loss stays within
// max_trade_loss_pct of equity (false means the cap would be exceeded) —
// called by the Runner before submitting an
// order, since the sizing preview already knows the worst-case SL loss.
func (s *Sizer) CheckTradeLoss(slPips, equity float64) bool {
	maxLossPips := s.cfg.MaxTradeLossPct * equity / s.cfg.PipValue
	return slPips <= maxLossPips
}

// RecordFill starts the cooldown window for side after a fill.
func (s *Sizer) RecordFill(side types.Side, now time.Time, barsElapsed func(n int) time.Time) {
	s.cooldownUntil[side] = barsElapsed(s.cfg.CooldownBars)
}
