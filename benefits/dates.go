package benefits

import "time"

// Today truncates t to its calendar date in UTC.
func Today(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthsBetween counts whole months from start to end. A month only
// completes once the day of month is reached. Returns 0 when end precedes
// start or start is unknown.
func MonthsBetween(start, end time.Time) int {
	if start.IsZero() || end.Before(start) {
		return 0
	}
	y1, m1, d1 := start.Date()
	y2, m2, d2 := end.Date()
	months := (y2-y1)*12 + int(m2) - int(m1)
	if d2 < d1 {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

// AgeOn returns completed years from dateOfBirth to on.
func AgeOn(dateOfBirth, on time.Time) int {
	return MonthsBetween(dateOfBirth, on) / 12
}

// AddMonths adds n months, clamping to the last day of the target month.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// AddYears adds n years, clamping Feb 29 to Feb 28.
func AddYears(t time.Time, n int) time.Time {
	return AddMonths(t, 12*n)
}
