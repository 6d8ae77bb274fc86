package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xaenox/sandbot/internal/models"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// onceLayouts are accepted for one-shot schedules without an explicit offset;
// they are read in the conversation's timezone.
var onceLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseInterval(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	// bare integers are milliseconds
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

func parseOnce(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range onceLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", value)
}

// Validate checks a schedule definition without computing a run time.
func Validate(scheduleType models.ScheduleType, value string) error {
	switch scheduleType {
	case models.ScheduleCron:
		if _, err := cron.ParseStandard(value); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
	case models.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return fmt.Errorf("%w: interval %q: %v", ErrInvalidSchedule, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
	case models.ScheduleOnce:
		if _, err := parseOnce(value, time.UTC); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, scheduleType)
	}
	return nil
}

// FirstRun computes the first run time of a new task.
func FirstRun(scheduleType models.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	if err := Validate(scheduleType, value); err != nil {
		return nil, err
	}
	if scheduleType == models.ScheduleOnce {
		t, _ := parseOnce(value, loc)
		t = t.UTC()
		return &t, nil
	}
	return next(scheduleType, value, now, loc)
}

// NextRun computes the run after one that just finished. One-shot tasks have
// no next run.
func NextRun(task *models.Task, now time.Time, loc *time.Location) (*time.Time, error) {
	if task.ScheduleType == models.ScheduleOnce {
		return nil, nil
	}
	return next(task.ScheduleType, task.ScheduleValue, now, loc)
}

func next(scheduleType models.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch scheduleType {
	case models.ScheduleCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
		t := sched.Next(now.In(loc)).UTC()
		return &t, nil
	case models.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: interval %q", ErrInvalidSchedule, value)
		}
		t := now.Add(d).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, scheduleType)
}

// Location returns the timezone tasks of conv are evaluated in.
func Location(conv *models.Conversation, fallback *time.Location) *time.Location {
	if conv != nil && conv.Settings.Timezone != "" {
		if loc, err := time.LoadLocation(conv.Settings.Timezone); err == nil {
			return loc
		}
	}
	if fallback == nil {
		return time.UTC
	}
	return fallback
}
