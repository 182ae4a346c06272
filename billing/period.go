package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - The accounting window a transaction belongs to
// =============================================================================

// Period is the half-open interval [Start, End) owning a transaction.
// For CARRY_OVER the period is open-ended: it starts when the bill is opened
// and lasts until the bill is saved, however many days that takes.
//
// Examples (cutoff hour 2):
//   - 2025-03-10 01:00 -> [2025-03-09 02:00, 2025-03-10 02:00)
//   - 2025-03-10 02:00 -> [2025-03-10 02:00, 2025-03-11 02:00)
type Period struct {
	Start     time.Time
	End       time.Time
	OpenEnded bool
}

// OpenEndedPeriod is the CARRY_OVER period anchored at start.
func OpenEndedPeriod(start time.Time) Period {
	return Period{Start: start, OpenEnded: true}
}

// Contains returns true if t is within [Start, End). An open-ended period
// contains every instant from Start on.
func (p Period) Contains(t time.Time) bool {
	if t.Before(p.Start) {
		return false
	}
	return p.OpenEnded || t.Before(p.End)
}

// Ended reports whether the period is over at t.
func (p Period) Ended(t time.Time) bool {
	return !p.OpenEnded && !t.Before(p.End)
}

func (p Period) String() string {
	if p.OpenEnded {
		return "[" + p.Start.Format(time.RFC3339) + ", open)"
	}
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}

// =============================================================================
// PERIOD RESOLVER
// =============================================================================

// ResolvePeriod returns the period that owns a transaction at now.
//
// For the daily modes the cutoff is today's date at cutoffHour:00:00 in loc.
// At or after the cutoff the period is [cutoff, cutoff+1d), before it the
// period is [cutoff-1d, cutoff). A transaction at 01:00 with cutoff 2
// therefore belongs to yesterday's period.
//
// For CARRY_OVER no calendar boundary exists; the result is an open-ended
// period anchored at now, which the ledger replaces with the currently open
// bill when one exists.
func ResolvePeriod(now time.Time, cutoffHour int, mode AccountingMode, loc *time.Location) (Period, error) {
	if cutoffHour < 0 || cutoffHour > 23 {
		return Period{}, fmt.Errorf("%w: %d", ErrInvalidCutoffHour, cutoffHour)
	}
	if loc == nil {
		loc = time.UTC
	}

	switch mode {
	case ModeCarryOver:
		return OpenEndedPeriod(now), nil

	case ModeDailyReset, ModeSingleBillPerDay:
		local := now.In(loc)
		cutoff := time.Date(local.Year(), local.Month(), local.Day(), cutoffHour, 0, 0, 0, loc)
		if local.Before(cutoff) {
			return Period{Start: cutoff.AddDate(0, 0, -1), End: cutoff}, nil
		}
		return Period{Start: cutoff, End: cutoff.AddDate(0, 0, 1)}, nil

	default:
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current instant. Injected so tests can pin time.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now() }
