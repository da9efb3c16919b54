package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// nextRun computes when a task fires next. Recurring kinds always return a
// time strictly after now; a once task returns its stored timestamp, or now
// itself when the spec is empty (run at next tick). The spec grammar matches
// what the config validator accepts:
//
//	once     RFC3339 timestamp, or empty
//	interval positive integer seconds
//	daily    HH:MM (24h clock)
//	weekly   <weekday>@HH:MM, e.g. monday@09:00
//	cron     standard 5-field cron expression
func nextRun(kind models.ScheduleKind, spec string, now time.Time) (time.Time, error) {
	switch kind {
	case models.ScheduleOnce:
		if spec == "" {
			return now, nil
		}
		at, err := time.Parse(time.RFC3339, spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("once spec must be RFC3339 or empty: %v", err)
		}
		return at, nil

	case models.ScheduleInterval:
		n, err := strconv.Atoi(spec)
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("interval spec must be a positive number of seconds, got %q", spec)
		}
		return now.Add(time.Duration(n) * time.Second), nil

	case models.ScheduleDaily:
		at, err := time.Parse("15:04", spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("daily spec must be HH:MM, got %q", spec)
		}
		next := time.Date(now.Year(), now.Month(), now.Day(),
			at.Hour(), at.Minute(), 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case models.ScheduleWeekly:
		day, clock, ok := strings.Cut(spec, "@")
		if !ok {
			return time.Time{}, fmt.Errorf("weekly spec must be <weekday>@HH:MM, got %q", spec)
		}
		weekday, err := parseWeekday(day)
		if err != nil {
			return time.Time{}, err
		}
		at, err := time.Parse("15:04", clock)
		if err != nil {
			return time.Time{}, fmt.Errorf("weekly spec time must be HH:MM, got %q", clock)
		}
		next := time.Date(now.Year(), now.Month(), now.Day(),
			at.Hour(), at.Minute(), 0, 0, now.Location())
		next = next.AddDate(0, 0, int((weekday-next.Weekday()+7)%7))
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	case models.ScheduleCron:
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron spec %q: %v", spec, err)
		}
		return sched.Next(now), nil
	}

	return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}
