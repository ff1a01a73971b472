package scheduler

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Ning0612/dirsync/internal/domain"
)

// CronFallback is used when a cron expression cannot produce a next time
const CronFallback = 60 * time.Minute

var errInvalidCron = errors.New("invalid cron expression")

// Five standard fields plus descriptors such as @hourly and @every 15m
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ComputeNextRun returns the next run time for a schedule evaluated in time.Local
func ComputeNextRun(s domain.Schedule, now time.Time) time.Time {
	return NextRun(s, now, nil)
}

// NextRun returns the next run time for a schedule.
// Interval schedules run max(1, IntervalMinutes) minutes after now. Cron
// schedules run at the first match after now in loc (time.Local when nil);
// a malformed expression falls back to now+60m.
func NextRun(s domain.Schedule, now time.Time, loc *time.Location) time.Time {
	if s.Kind == domain.ScheduleCron {
		return nextCron(s.CronExpr, now, loc)
	}

	// stored schedules never carry 0 here: state.normalizeSchedule rewrites
	// it to the 60 minute default on write. The clamp covers negative values
	// and schedules built in memory.
	minutes := s.IntervalMinutes
	if minutes < 1 {
		minutes = 1
	}
	return now.Add(time.Duration(minutes) * time.Minute)
}

func nextCron(expr string, now time.Time, loc *time.Location) time.Time {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = domain.DefaultCronExpr
	}
	if loc == nil {
		loc = time.Local
	}

	sched, err := parseCron(expr)
	if err != nil {
		return now.Add(CronFallback)
	}

	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return now.Add(CronFallback)
	}
	return next
}

// parseCron guards against parser panics on pathological input
func parseCron(expr string) (sched cron.Schedule, err error) {
	defer func() {
		if r := recover(); r != nil {
			sched, err = nil, errInvalidCron
		}
	}()
	return cronParser.Parse(expr)
}

// ValidateCron reports whether expr is a usable cron expression. An empty
// expression is valid and means domain.DefaultCronExpr. Seeds that fail it
// still load; NextRun then falls back to CronFallback.
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := parseCron(strings.TrimSpace(expr))
	return err
}
