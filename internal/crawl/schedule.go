package crawl

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var timeRangePattern = regexp.MustCompile(`^(\d+)([hdwm])$`)

// ParseTimeRange turns a lookback spec like "1d", "12h", "2w" or "1m"
// into a duration. Months are fixed at 30 days.
func ParseTimeRange(value string) (time.Duration, error) {
	m := timeRangePattern.FindStringSubmatch(value)
	if m == nil {
		return 0, fmt.Errorf("invalid time range %q (want e.g. 12h, 1d, 2w, 1m)", value)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid time range %q", value)
	}

	switch m[2] {
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case "m":
		return time.Duration(n) * 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid time range unit %q", m[2])
	}
}

// NextRun computes when a task should fire after a run at the given time.
// Once-tasks have no next run. Monthly advances by a calendar month, so
// the fire time drifts with month lengths rather than assuming 30 days.
func NextRun(scheduleType string, from time.Time) (*time.Time, error) {
	from = from.UTC()
	var next time.Time
	switch scheduleType {
	case ScheduleOnce:
		return nil, nil
	case ScheduleDaily:
		next = from.Add(24 * time.Hour)
	case ScheduleWeekly:
		next = from.AddDate(0, 0, 7)
	case ScheduleMonthly:
		next = from.AddDate(0, 1, 0)
	default:
		return nil, fmt.Errorf("invalid schedule type %q", scheduleType)
	}
	return &next, nil
}

// FirstRun is the initial fire time of a newly created or re-enabled
// task: the next scheduler tick picks it up immediately.
func FirstRun(now time.Time) *time.Time {
	at := now.UTC()
	return &at
}
