//go:build linux

// Package timejob decides whether a time-bearing job may send now and when
// it wakes up next. Jobs carry one or more cron expressions; files arriving
// outside every window are either buffered until the next window opens or
// deleted, depending on the job's time mode.
package timejob

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/afd-plus/afd-plus/internal/syslog"
)

// zoneinfoDir is where timezone names are validated when the directory
// exists. Validation is skipped on systems without it.
var zoneinfoDir = "/usr/share/zoneinfo"

// Schedule is the compiled time data of one job.
type Schedule struct {
	entries  []*cronexpr.Expression
	location *time.Location
}

// New compiles the cron expressions and resolves the timezone. An empty
// timezone means local time. A timezone that fails validation falls back to
// local time with a WARN, matching how a bad option must not stop the job.
func New(exprs []string, timezone string) (*Schedule, error) {
	if len(exprs) == 0 {
		return nil, fmt.Errorf("New: no time entries given")
	}

	s := &Schedule{location: time.Local}
	for _, e := range exprs {
		ce, err := cronexpr.Parse(e)
		if err != nil {
			return nil, fmt.Errorf("New: error parsing time entry %q -> %w", e, err)
		}
		s.entries = append(s.entries, ce)
	}

	if timezone != "" {
		loc, err := loadZone(timezone)
		if err != nil {
			syslog.L.Warn().WithField("timezone", timezone).
				WithMessagef("invalid timezone, using local time: %v", err).Write()
		} else {
			s.location = loc
		}
	}
	return s, nil
}

func loadZone(name string) (*time.Location, error) {
	if _, err := os.Stat(zoneinfoDir); err == nil {
		if _, err := os.Stat(filepath.Join(zoneinfoDir, filepath.FromSlash(name))); err != nil {
			return nil, fmt.Errorf("loadZone: %s not in %s", name, zoneinfoDir)
		}
	}
	return time.LoadLocation(name)
}

// InTime reports whether t falls inside one of the schedule's windows. A
// window is the minute a cron entry fires on, so a time is in the window
// exactly when truncating it to the minute yields a trigger instant.
func (s *Schedule) InTime(t time.Time) bool {
	local := t.In(s.location).Truncate(time.Minute)
	before := local.Add(-time.Second)
	for _, e := range s.entries {
		if next := e.Next(before); !next.IsZero() && next.Equal(local) {
			return true
		}
	}
	return false
}

// Next returns the earliest trigger instant after t across all entries, or
// the zero time when no entry ever fires again.
func (s *Schedule) Next(t time.Time) time.Time {
	local := t.In(s.location)
	var best time.Time
	for _, e := range s.entries {
		next := e.Next(local)
		if next.IsZero() {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	return best
}

// Clock wakes the dispatcher at the earliest next trigger across a set of
// schedules. Wait returns when the trigger fires or stop is closed.
type Clock struct {
	timer *time.Timer
}

func NewClock() *Clock {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &Clock{timer: t}
}

// Arm programs the clock for the earliest Next over schedules. It returns
// the chosen instant, or the zero time when nothing is pending.
func (c *Clock) Arm(now time.Time, schedules []*Schedule) time.Time {
	var best time.Time
	for _, s := range schedules {
		next := s.Next(now)
		if next.IsZero() {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
	if !best.IsZero() {
		c.timer.Reset(best.Sub(now))
	}
	return best
}

// C is the wake-up channel. It fires once per Arm.
func (c *Clock) C() <-chan time.Time {
	return c.timer.C
}
