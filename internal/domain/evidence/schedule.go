package evidence

import (
	"fmt"
	"strings"
	"time"
)

// Schedule is a supported recurring cadence. Only the hourly, daily and
// weekly cron equivalents are understood.
type Schedule struct {
	Pattern string
	period  period
}

type period int

const (
	periodHourly period = iota + 1
	periodDaily
	periodWeekly
)

var schedulePatterns = map[string]period{
	"hourly":    periodHourly,
	"0 * * * *": periodHourly,
	"daily":     periodDaily,
	"0 0 * * *": periodDaily,
	"weekly":    periodWeekly,
	"0 0 * * 0": periodWeekly,
}

// ParseSchedule accepts the keywords hourly, daily, weekly and their cron forms.
func ParseSchedule(pattern string) (Schedule, error) {
	normalized := strings.Join(strings.Fields(strings.ToLower(pattern)), " ")
	p, ok := schedulePatterns[normalized]
	if !ok {
		return Schedule{}, fmt.Errorf("unsupported schedule %q", pattern)
	}
	return Schedule{Pattern: pattern, period: p}, nil
}

// Next returns the first boundary strictly after t: the top of the next hour,
// the next midnight, or the next Sunday midnight, in t's location.
func (s Schedule) Next(t time.Time) time.Time {
	switch s.period {
	case periodHourly:
		return t.Truncate(time.Hour).Add(time.Hour)
	case periodDaily:
		y, m, d := t.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
	case periodWeekly:
		y, m, d := t.Date()
		days := (7 - int(t.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return time.Date(y, m, d+days, 0, 0, 0, 0, t.Location())
	}
	return time.Time{}
}

// Interval is the nominal period length.
func (s Schedule) Interval() time.Duration {
	switch s.period {
	case periodHourly:
		return time.Hour
	case periodDaily:
		return 24 * time.Hour
	case periodWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}
