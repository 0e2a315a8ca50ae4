// Package trigger implements the stateless Trigger Evaluator: a pure
// function from (schedule, last due or creation instant, now) to the next
// due instant or Done. It holds no state and reads no clock of its own —
// "now" and "last_due" are always supplied by the caller.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
)

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Done is returned by NextDue to signal a schedule has no further
// occurrences (a fired "at" job).
var Done = fmt.Errorf("trigger: schedule exhausted")

// NextDue computes the next due instant for sched given the job's
// createdAt, its last computed due instant (nil if never computed) and the
// reference instant now. Returns (nil, Done) when the schedule has no
// further occurrences.
//
// Missed-fire policy for Every and Cron: at most one catch-up fire for the
// whole missed window, then resynchronisation onto the regular grid — per
// §4.3, an implementer decision recorded in SPEC_FULL.md since the source
// left this underspecified.
func NextDue(sched job.Schedule, createdAt time.Time, lastDue *time.Time, now time.Time) (*time.Time, error) {
	switch sched.Kind {
	case job.ScheduleAt:
		return nextDueAt(sched, lastDue)
	case job.ScheduleEvery:
		return nextDueEvery(sched, createdAt, lastDue, now)
	case job.ScheduleCron:
		return nextDueCron(sched, createdAt, lastDue, now)
	default:
		return nil, fmt.Errorf("trigger: unknown schedule kind %q", sched.Kind)
	}
}

func nextDueAt(sched job.Schedule, lastDue *time.Time) (*time.Time, error) {
	if lastDue != nil {
		// The single occurrence has already been claimed/advanced.
		return nil, Done
	}
	at := time.UnixMilli(sched.AtMs).UTC()
	return &at, nil
}

func nextDueEvery(sched job.Schedule, createdAt time.Time, lastDue *time.Time, now time.Time) (*time.Time, error) {
	interval := time.Duration(sched.EveryMs) * time.Millisecond
	if interval <= 0 {
		return nil, fmt.Errorf("trigger: non-positive every interval")
	}

	var next time.Time
	if lastDue == nil {
		next = createdAt.Add(interval)
	} else {
		next = lastDue.Add(interval)
	}

	if !next.After(now) {
		// One or more intervals were missed. Fire once for the missed
		// window, then resync to the grid anchored at createdAt.
		elapsed := now.Sub(createdAt)
		periods := elapsed / interval
		grid := createdAt.Add(periods * interval).Add(interval)
		if grid.After(next) {
			next = grid
		}
		if !next.After(now) {
			next = next.Add(interval)
		}
	}
	return &next, nil
}

func nextDueCron(sched job.Schedule, createdAt time.Time, lastDue *time.Time, now time.Time) (*time.Time, error) {
	if strings.TrimSpace(sched.Expr) == "" {
		return nil, fmt.Errorf("trigger: empty cron expression")
	}
	loc := time.Local
	if sched.Tz != "" {
		l, err := time.LoadLocation(sched.Tz)
		if err != nil {
			return nil, fmt.Errorf("trigger: invalid timezone %q: %w", sched.Tz, err)
		}
		loc = l
	}
	schedule, err := cronParser.Parse(sched.Expr)
	if err != nil {
		return nil, fmt.Errorf("trigger: invalid cron expression %q: %w", sched.Expr, err)
	}

	after := now
	if lastDue != nil && lastDue.After(after) {
		after = *lastDue
	}
	// robfig/cron.Schedule.Next already returns the first occurrence
	// strictly after "after", and by construction only ever produces one
	// occurrence per call — this is exactly the "at most one catch-up
	// fire" semantics regardless of how long the process was down, since
	// we only ever ask for the single next instant after max(last_due,
	// now).
	next := schedule.Next(after.In(loc))
	return &next, nil
}

// ParseDuration parses human-friendly interval strings: "30s", "5m", "2h",
// "1d", "1w", in addition to anything time.ParseDuration accepts.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("trigger: empty duration")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("trigger: invalid days: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	if strings.HasSuffix(s, "w") {
		weeks, err := strconv.Atoi(strings.TrimSuffix(s, "w"))
		if err != nil {
			return 0, fmt.Errorf("trigger: invalid weeks: %w", err)
		}
		return time.Duration(weeks) * 7 * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// ParseAt parses an "at" schedule time specification: unix milliseconds,
// ISO-8601 (UTC if unqualified per §6), or a relative "+5m"/"+2h"/"+1d".
func ParseAt(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("trigger: empty time specification")
	}
	if strings.HasPrefix(s, "+") {
		dur, err := ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("trigger: invalid relative time: %w", err)
		}
		return now.Add(dur), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1_000_000_000_000 {
		return time.UnixMilli(ms).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("trigger: unrecognized time format: %s", s)
}
