// Package clock computes next-fire times for recurring tasks. All
// time-of-day arithmetic happens in a fixed civil timezone supplied by the
// caller, never in machine-local time.
package clock

import (
	"errors"
	"fmt"
	"sort"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrNoRecurrence is returned when a recurrence has no interval, no
// times-of-day, and no cron expression. The caller decides whether that is
// fatal.
var ErrNoRecurrence = errors.New("no recurrence configured")

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Recurrence describes when a task should fire. Exactly one form is
// honored, in precedence order: Cron, Times, IntervalMinutes.
type Recurrence struct {
	IntervalMinutes int
	Times           []string // "HH:MM" times-of-day in the civil timezone
	Cron            string   // 5-field cron expression
}

// Configured reports whether any recurrence form is set.
func (r Recurrence) Configured() bool {
	return r.Cron != "" || len(r.Times) > 0 || r.IntervalMinutes > 0
}

// Validate checks that every configured form parses. A zero Recurrence is
// valid here; activation decides whether an empty recurrence is an error.
func (r Recurrence) Validate() error {
	if r.Cron != "" {
		if _, err := cronParser.Parse(r.Cron); err != nil {
			return fmt.Errorf("cron expression %q: %w", r.Cron, err)
		}
	}
	for _, tod := range r.Times {
		if _, _, err := parseTimeOfDay(tod); err != nil {
			return err
		}
	}
	if r.IntervalMinutes < 0 {
		return fmt.Errorf("negative interval: %d", r.IntervalMinutes)
	}
	return nil
}

// NextFire returns the next fire time strictly after now.
//
// For a times-of-day list it is the earliest listed time still in the
// future today, or the earliest listed time tomorrow when all have passed.
// For an interval it is now + interval. For a cron expression it is the
// expression's next occurrence in loc.
func NextFire(now time.Time, rec Recurrence, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	civil := now.In(loc)

	switch {
	case rec.Cron != "":
		sched, err := cronParser.Parse(rec.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron expression %q: %w", rec.Cron, err)
		}
		return sched.Next(civil), nil

	case len(rec.Times) > 0:
		return nextTimeOfDay(civil, rec.Times, loc)

	case rec.IntervalMinutes > 0:
		return civil.Add(time.Duration(rec.IntervalMinutes) * time.Minute), nil

	default:
		return time.Time{}, ErrNoRecurrence
	}
}

func nextTimeOfDay(civil time.Time, times []string, loc *time.Location) (time.Time, error) {
	candidates := make([]time.Time, 0, len(times))
	for _, tod := range times {
		hour, minute, err := parseTimeOfDay(tod)
		if err != nil {
			return time.Time{}, err
		}
		candidates = append(candidates,
			time.Date(civil.Year(), civil.Month(), civil.Day(), hour, minute, 0, 0, loc))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

	for _, c := range candidates {
		if c.After(civil) {
			return c, nil
		}
	}
	// Everything today has passed; roll the earliest time to tomorrow.
	return candidates[0].AddDate(0, 0, 1), nil
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("time-of-day %q: %w", s, err)
	}
	return parsed.Hour(), parsed.Minute(), nil
}
