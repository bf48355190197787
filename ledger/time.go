package ledger

import "time"

// =============================================================================
// DAY ARITHMETIC
// =============================================================================
// All engine dates are UTC. Cutoffs compare against the end of a calendar day,
// so a row stamped any time on day D is visible to the pass for day D.

func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Millisecond)
}

func EndOfYear(year int) time.Time {
	return EndOfDay(time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC))
}

func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateKey formats the calendar day of t as YYYYMMDD. Used for clustering and
// slip counters.
func DateKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return StartOfDay(a).Equal(StartOfDay(b))
}

// Days returns every calendar day in [since, until], ascending.
func Days(since, until time.Time) []time.Time {
	var days []time.Time
	for d := StartOfDay(since); !d.After(StartOfDay(until)); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func TimePtr(t time.Time) *time.Time { return &t }
