package payroll

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/payroll-engine/benefits"
)

// Frequency is a tenant pay schedule.
type Frequency string

const (
	Monthly     Frequency = "monthly"
	SemiMonthly Frequency = "semi_monthly"
	BiWeekly    Frequency = "bi_weekly"
	Weekly      Frequency = "weekly"
)

// DefaultAnchor is the first day of a reference weekly or bi-weekly period.
var DefaultAnchor = time.Date(2025, time.January, 6, 0, 0, 0, 0, time.UTC)

// ParseFrequency accepts the Frequency names, case-insensitively.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case Monthly, SemiMonthly, BiWeekly, Weekly:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, s)
}

// ClosedPeriod returns the most recent pay period that ended before today.
// Semi-monthly periods split on the 15th; weekly and bi-weekly periods are
// counted from anchor.
func ClosedPeriod(freq Frequency, anchor, today time.Time) (benefits.Period, error) {
	today = benefits.Today(today)
	y, m, d := today.Date()

	switch freq {
	case Monthly:
		start := time.Date(y, m-1, 1, 0, 0, 0, 0, time.UTC)
		return benefits.NewPeriod(start, start.AddDate(0, 1, -1))
	case SemiMonthly:
		if d > 15 {
			return benefits.NewPeriod(time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), time.Date(y, m, 15, 0, 0, 0, 0, time.UTC))
		}
		start := time.Date(y, m-1, 16, 0, 0, 0, 0, time.UTC)
		return benefits.NewPeriod(start, time.Date(y, m, 0, 0, 0, 0, 0, time.UTC))
	case Weekly:
		return anchoredPeriod(anchor, today, 7)
	case BiWeekly:
		return anchoredPeriod(anchor, today, 14)
	}
	return benefits.Period{}, fmt.Errorf("%w: %q", ErrUnknownFrequency, freq)
}

func anchoredPeriod(anchor, today time.Time, days int) (benefits.Period, error) {
	if anchor.IsZero() {
		anchor = DefaultAnchor
	}
	anchor = benefits.Today(anchor)
	elapsed := int(today.Sub(anchor).Hours() / 24)
	k := elapsed / days
	if elapsed < 0 && elapsed%days != 0 {
		k--
	}
	current := anchor.AddDate(0, 0, k*days)
	return benefits.NewPeriod(current.AddDate(0, 0, -days), current.AddDate(0, 0, -1))
}
