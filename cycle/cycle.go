// Package cycle computes billing/reset cycle windows: the half-open
// [start, end) interval a usage meter is currently accumulating into.
// CycleWindow is a pure function of its inputs so that the same
// (config, anchor, now) always yields the same window, which lets the
// reconciler and entitlement service recompute it freely without
// coordinating on shared state.
package cycle

import "time"

// Interval is the calendar unit a cycle repeats on.
type Interval string

const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
	IntervalDay    Interval = "day"
	IntervalWeek   Interval = "week"
	IntervalMonth  Interval = "month"
	IntervalYear   Interval = "year"
)

// PlanType distinguishes a recurring cycle from a one-time, non-repeating
// grant whose window spans its entire effective range.
type PlanType string

const (
	PlanTypeRecurring PlanType = "recurring"
	PlanTypeOnetime   PlanType = "onetime"
)

// Config describes how a reset or billing cycle repeats.
type Config struct {
	Name          string
	Interval      Interval
	IntervalCount int // number of Interval units per cycle, minimum 1
	PlanType      PlanType
	Anchor        time.Time // the instant cycle boundaries are aligned to
}

// Window is a half-open cycle interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the half-open window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// CycleWindow computes the [start, end) window containing now, given the
// grant's effective range, a reset/billing config, and an optional trial
// end override. It returns (Window{}, false) when the grant has not yet
// started or has already ended and no window applies.
//
// For PlanTypeOnetime the window is the entire effective range regardless
// of interval settings. For recurring plans the window is anchored at
// config.Anchor and advances monotonically by (interval * intervalCount)
// until it contains now; no DST smoothing is attempted beyond strict
// calendar-unit advancement (see AddInterval).
func CycleWindow(effectiveStart time.Time, effectiveEnd *time.Time, now time.Time, cfg Config, trialEndsAt *time.Time) (Window, bool) {
	end := effectiveEnd
	if trialEndsAt != nil && (end == nil || trialEndsAt.Before(*end)) {
		end = trialEndsAt
	}

	if now.Before(effectiveStart) {
		return Window{}, false
	}
	if end != nil && !now.Before(*end) {
		return Window{}, false
	}

	if cfg.PlanType == PlanTypeOnetime {
		w := Window{Start: effectiveStart}
		if end != nil {
			w.End = *end
		} else {
			w.End = time.Unix(1<<62, 0) // effectively unbounded upper edge
		}
		return w, true
	}

	count := cfg.IntervalCount
	if count < 1 {
		count = 1
	}

	start := alignToAnchor(cfg.Anchor, effectiveStart, cfg.Interval, count)
	next := AddInterval(start, cfg.Interval, count)
	for !next.After(now) {
		start = next
		next = AddInterval(start, cfg.Interval, count)
	}

	w := Window{Start: start, End: next}
	if end != nil && next.After(*end) {
		w.End = *end
	}
	return w, true
}

// alignToAnchor finds the cycle boundary at or before lowerBound that is
// congruent with anchor modulo (interval*count), by repeatedly stepping
// anchor forward or backward by whole cycles.
func alignToAnchor(anchor, lowerBound time.Time, interval Interval, count int) time.Time {
	cur := anchor
	if cur.After(lowerBound) {
		for cur.After(lowerBound) {
			cur = AddInterval(cur, interval, -count)
		}
		return cur
	}
	for {
		next := AddInterval(cur, interval, count)
		if next.After(lowerBound) {
			return cur
		}
		cur = next
	}
}

// AddInterval advances t by n calendar units of the given Interval. n may
// be negative to step backward. Month/year arithmetic uses time.AddDate,
// which clamps overflowing days into the following month (e.g. Jan 31 + 1
// month lands on Mar 3 in a non-leap year) rather than normalizing to the
// last day of the target month; this mirrors calendar-library behavior
// and is a known, accepted edge case rather than a bug.
func AddInterval(t time.Time, interval Interval, n int) time.Time {
	switch interval {
	case IntervalMinute:
		return t.Add(time.Duration(n) * time.Minute)
	case IntervalHour:
		return t.Add(time.Duration(n) * time.Hour)
	case IntervalDay:
		return t.AddDate(0, 0, n)
	case IntervalWeek:
		return t.AddDate(0, 0, n*7)
	case IntervalMonth:
		return t.AddDate(0, n, 0)
	case IntervalYear:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}
