package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes when a task fires next. Implementations are pure: they
// never look at the wall clock themselves.
type Trigger interface {
	// NextRun returns the next fire time strictly relative to now and the
	// last completed run. ok is false when the trigger will never fire
	// again.
	NextRun(now time.Time, lastRun *time.Time) (next time.Time, ok bool)
}

// BuildTrigger constructs the trigger for a task, validating its config.
func BuildTrigger(t *Task) (Trigger, error) {
	switch t.TriggerType {
	case TriggerOnce:
		if t.TriggerConfig.At.IsZero() {
			return nil, fmt.Errorf("once task %s: missing fire time", t.ID)
		}
		return &OnceTrigger{At: t.TriggerConfig.At}, nil
	case TriggerInterval:
		if t.TriggerConfig.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval task %s: interval must be positive", t.ID)
		}
		start := t.TriggerConfig.StartTime
		if start.IsZero() {
			start = t.CreatedAt
		}
		return &IntervalTrigger{
			Interval: time.Duration(t.TriggerConfig.IntervalSeconds) * time.Second,
			Start:    start,
		}, nil
	case TriggerCron:
		sched, err := cron.ParseStandard(t.TriggerConfig.Expression)
		if err != nil {
			return nil, fmt.Errorf("cron task %s: %w", t.ID, err)
		}
		return &CronTrigger{Schedule: sched}, nil
	default:
		return nil, fmt.Errorf("task %s: unknown trigger type %q", t.ID, t.TriggerType)
	}
}

// OnceTrigger fires exactly once at At.
type OnceTrigger struct {
	At time.Time
}

func (o *OnceTrigger) NextRun(now time.Time, lastRun *time.Time) (time.Time, bool) {
	if lastRun != nil {
		return time.Time{}, false
	}
	return o.At, true
}

// IntervalTrigger fires every Interval, aligned to the grid anchored at
// Start. A missed slot is skipped, never fired late: the next run is always
// strictly in the future.
type IntervalTrigger struct {
	Interval time.Duration
	Start    time.Time
}

func (i *IntervalTrigger) NextRun(now time.Time, lastRun *time.Time) (time.Time, bool) {
	if lastRun != nil {
		next := lastRun.Add(i.Interval)
		for !next.After(now) {
			next = next.Add(i.Interval)
		}
		return next, true
	}
	if i.Start.After(now) {
		return i.Start, true
	}
	// Align forward onto the grid, strictly past now.
	elapsed := now.Sub(i.Start)
	steps := elapsed/i.Interval + 1
	return i.Start.Add(steps * i.Interval), true
}

// CronTrigger fires on a standard 5-field cron schedule (minute granularity,
// Sunday is 0). The next run is never the current minute: the schedule is
// evaluated from one minute past the later of now and the last run.
type CronTrigger struct {
	Schedule cron.Schedule
}

func (c *CronTrigger) NextRun(now time.Time, lastRun *time.Time) (time.Time, bool) {
	base := now
	if lastRun != nil && lastRun.After(base) {
		base = *lastRun
	}
	base = base.Add(time.Minute).Truncate(time.Minute)
	// Schedule.Next is exclusive of its argument; back off one second so a
	// slot landing exactly on base still matches.
	return c.Schedule.Next(base.Add(-time.Second)), true
}
