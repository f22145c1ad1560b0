// Package schedule installs, edits, removes and inspects the recurring
// backup job for a world. The job is a systemd timer plus a oneshot service
// invoking a small script; the interval lives only in the timer unit's
// OnCalendar line and is read back from there, never tracked separately.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval is one of the fixed auto-backup cadences.
type Interval int

const (
	Every30Min Interval = iota
	Hourly
	Every3Hours
)

// Intervals lists the selectable cadences in menu order.
func Intervals() []Interval {
	return []Interval{Every30Min, Hourly, Every3Hours}
}

func (i Interval) String() string {
	switch i {
	case Every30Min:
		return "every 30 minutes"
	case Hourly:
		return "hourly"
	case Every3Hours:
		return "every 3 hours"
	}
	return fmt.Sprintf("Interval(%d)", int(i))
}

// OnCalendar returns the systemd timer expression for the cadence.
func (i Interval) OnCalendar() string {
	switch i {
	case Every30Min:
		return "*:0/30"
	case Hourly:
		return "hourly"
	case Every3Hours:
		return "0/3:00:00"
	}
	return ""
}

// cronExpr is the cadence as a standard cron line, used only to compute the
// next firing time for display.
func (i Interval) cronExpr() string {
	switch i {
	case Every30Min:
		return "*/30 * * * *"
	case Hourly:
		return "0 * * * *"
	case Every3Hours:
		return "0 */3 * * *"
	}
	return ""
}

// NextRun computes the first firing after now.
func (i Interval) NextRun(now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(i.cronExpr())
	if err != nil {
		return time.Time{}, fmt.Errorf("parse interval %q: %w", i, err)
	}
	return sched.Next(now), nil
}

// ParseOnCalendar recovers the cadence from a timer unit's OnCalendar
// expression.
func ParseOnCalendar(expr string) (Interval, error) {
	for _, i := range Intervals() {
		if i.OnCalendar() == expr {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unrecognized OnCalendar expression %q", expr)
}
