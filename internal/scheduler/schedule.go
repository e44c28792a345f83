package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule decides when a job next runs.
type Schedule interface {
	// Next returns the first run time strictly after after.
	Next(after time.Time) time.Time
	String() string
}

type every time.Duration

// Every runs a job at a fixed interval.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		d = time.Hour
	}
	return every(d)
}

func (e every) Next(after time.Time) time.Time {
	return after.Add(time.Duration(e))
}

func (e every) String() string {
	return "@every " + time.Duration(e).String()
}

type dailyAt struct {
	hour, minute int
	loc          *time.Location
}

// DailyAt runs a job once a day at hh:mm in loc (UTC when nil).
func DailyAt(hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return dailyAt{hour: hour, minute: minute, loc: loc}
}

func (d dailyAt) Next(after time.Time) time.Time {
	local := after.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d dailyAt) String() string {
	return fmt.Sprintf("@daily %02d:%02d", d.hour, d.minute)
}

// ParseSchedule accepts "@every <duration>" and "@daily HH:MM".
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "@every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(s, "@every ")))
		if err != nil {
			return nil, fmt.Errorf("scheduler: schedule %q: %w", s, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("scheduler: schedule %q: interval must be positive", s)
		}
		return Every(d), nil
	case strings.HasPrefix(s, "@daily "):
		minutes, err := parseClock(strings.TrimSpace(strings.TrimPrefix(s, "@daily ")))
		if err != nil {
			return nil, fmt.Errorf("scheduler: schedule %q: %w", s, err)
		}
		return DailyAt(minutes/60, minutes%60, time.UTC), nil
	default:
		return nil, fmt.Errorf("scheduler: unsupported schedule %q", s)
	}
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

// Window is a time-of-day range scheduled backups may start in. A window
// whose end is before its start spans midnight. The zero Window is always
// open.
type Window struct {
	start, end int
	set        bool
}

// ParseWindow parses "HH:MM-HH:MM". An empty string is an open window.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("scheduler: backup window %q is not HH:MM-HH:MM", s)
	}
	start, err := parseClock(strings.TrimSpace(from))
	if err != nil {
		return Window{}, fmt.Errorf("scheduler: backup window: %w", err)
	}
	end, err := parseClock(strings.TrimSpace(to))
	if err != nil {
		return Window{}, fmt.Errorf("scheduler: backup window: %w", err)
	}
	if start == end {
		return Window{}, fmt.Errorf("scheduler: backup window %q is empty", s)
	}
	return Window{start: start, end: end, set: true}, nil
}

// Contains reports whether t's time of day (UTC) falls in the window. The
// start is inclusive and the end exclusive.
func (w Window) Contains(t time.Time) bool {
	if !w.set {
		return true
	}
	u := t.UTC()
	m := u.Hour()*60 + u.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

func (w Window) String() string {
	if !w.set {
		return "always"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.start/60, w.start%60, w.end/60, w.end%60)
}
