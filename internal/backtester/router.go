package backtester

import (
	"time"

	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// passGates applies the shared router admission rules to a candidate
// signal: session whitelist, allowed spread/realized-vol bands, a news
// blackout calendar, and an opening-range-to-ATR ratio band. It runs after
// the strategy's own gate hook and rejects independently of it — a
// strategy cannot waive a restriction it did not itself define.
func (r *Runner) passGates(bar types.Bar, sig types.PendingSignal) (ok bool, why string) {
	rc := r.cfg.Router
	if len(rc.AllowedSessions) > 0 && !sessionIn(rc.AllowedSessions, sig.Buckets.Session) {
		return false, "session_not_allowed"
	}
	if len(rc.AllowedSpreadBands) > 0 && !spreadBandIn(rc.AllowedSpreadBands, sig.Buckets.SpreadBand) {
		return false, "spread_band_not_allowed"
	}
	if len(rc.AllowedRVBands) > 0 && !rvBandIn(rc.AllowedRVBands, sig.Buckets.RVBand) {
		return false, "rv_band_not_allowed"
	}
	if inNewsWindow(rc.NewsFreezeWindows, bar.Timestamp) {
		return false, "news_freeze"
	}
	if rc.ORAtrRatioMin > 0 && sig.ORAtrRatio < rc.ORAtrRatioMin {
		return false, "or_atr_ratio_out_of_band"
	}
	if rc.ORAtrRatioMax > 0 && sig.ORAtrRatio > rc.ORAtrRatioMax {
		return false, "or_atr_ratio_out_of_band"
	}
	return true, ""
}

func sessionIn(allowed []types.Session, s types.Session) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

func spreadBandIn(allowed []types.SpreadBand, b types.SpreadBand) bool {
	for _, a := range allowed {
		if a == b {
			return true
		}
	}
	return false
}

func rvBandIn(allowed []types.RVBand, b types.RVBand) bool {
	for _, a := range allowed {
		if a == b {
			return true
		}
	}
	return false
}

// inNewsWindow reports whether ts's UTC time-of-day falls inside any
// configured blackout window.
func inNewsWindow(windows []types.NewsWindow, ts time.Time) bool {
	if len(windows) == 0 {
		return false
	}
	t := ts.UTC()
	minOfDay := t.Hour()*60 + t.Minute()
	for _, w := range windows {
		if w.StartMinUTC == w.EndMinUTC {
			continue
		}
		if w.StartMinUTC < w.EndMinUTC {
			if minOfDay >= w.StartMinUTC && minOfDay < w.EndMinUTC {
				return true
			}
		} else {
			if minOfDay >= w.StartMinUTC || minOfDay < w.EndMinUTC {
				return true
			}
		}
	}
	return false
}
