// Package window answers whether a class of outreach action may run at a
// given instant, based on configured work hours and workdays.
//
// Policy is a plain value: no clock is read internally, callers pass "now".
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action is a class of work gated by the window.
type Action string

const (
	Discover Action = "discover"
	Draft    Action = "draft"
	Connect  Action = "connect"
	Send     Action = "send"
	Enqueue  Action = "enqueue"
	Poll     Action = "poll"
)

// Actions lists every known action class.
var Actions = []Action{Discover, Draft, Connect, Send, Enqueue, Poll}

// alwaysGated actions ignore AllowOutside.
var alwaysGated = map[Action]bool{Send: true, Connect: true}

// Clock is a time of day expressed as minutes since midnight.
type Clock int

// ParseClock parses "HH:MM" (24h).
func ParseClock(raw string) (Clock, error) {
	s := strings.TrimSpace(raw)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("window: invalid clock %q (want HH:MM)", raw)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("window: invalid clock %q (want HH:MM)", raw)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// ParseWorkdays accepts weekday names ("mon", "Monday") or numbers (0=Sunday).
func ParseWorkdays(raw []string) ([7]bool, error) {
	var out [7]bool
	for _, r := range raw {
		s := strings.ToLower(strings.TrimSpace(r))
		if s == "" {
			continue
		}
		if n, err := strconv.Atoi(s); err == nil {
			if n < 0 || n > 6 {
				return out, fmt.Errorf("window: workday %d out of range 0..6", n)
			}
			out[n] = true
			continue
		}
		found := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if s == name || s == name[:3] {
				out[d] = true
				found = true
				break
			}
		}
		if !found {
			return out, fmt.Errorf("window: unknown workday %q", r)
		}
	}
	return out, nil
}

// Policy is the configured work window.
//
// Start == End means the whole day is open on workdays. End < Start wraps past
// midnight; the part after midnight belongs to the previous day's workday.
type Policy struct {
	Location     *time.Location
	Workdays     [7]bool
	Start        Clock
	End          Clock
	AllowOutside map[Action]bool
}

// Default is Monday to Friday 09:00-17:00 in UTC with polling, discovery and
// drafting allowed outside hours.
func Default() Policy {
	return Policy{
		Location: time.UTC,
		Workdays: [7]bool{time.Monday: true, time.Tuesday: true, time.Wednesday: true, time.Thursday: true, time.Friday: true},
		Start:    9 * 60,
		End:      17 * 60,
		AllowOutside: map[Action]bool{
			Discover: true,
			Draft:    true,
			Poll:     true,
		},
	}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// InWindow reports whether now falls inside the work window.
func (p Policy) InWindow(now time.Time) bool {
	t := now.In(p.loc())
	mins := Clock(t.Hour()*60 + t.Minute())
	day := t.Weekday()

	switch {
	case p.Start == p.End:
		return p.Workdays[day]
	case p.Start < p.End:
		return p.Workdays[day] && mins >= p.Start && mins < p.End
	default:
		if mins >= p.Start {
			return p.Workdays[day]
		}
		if mins < p.End {
			return p.Workdays[(day+6)%7]
		}
		return false
	}
}

// CanPerform reports whether the action may run at now.
// Send and Connect are never allowed outside the window.
func (p Policy) CanPerform(a Action, now time.Time) bool {
	if p.InWindow(now) {
		return true
	}
	if alwaysGated[a] {
		return false
	}
	return p.AllowOutside[a]
}

// NextOpen returns the first minute boundary at or after now when the window
// is open. It returns the zero time if no workday is configured.
func (p Policy) NextOpen(now time.Time) time.Time {
	if p.InWindow(now) {
		return now
	}
	hasWorkday := false
	for _, d := range p.Workdays {
		hasWorkday = hasWorkday || d
	}
	if !hasWorkday {
		return time.Time{}
	}

	t := now.In(p.loc())
	start := p.Start
	if p.Start == p.End {
		start = 0
	}
	// Candidate openings are the Start of each day; check up to 8 days ahead.
	// time.Date keeps the wall clock right across DST changes.
	for i := 0; i <= 8; i++ {
		day := time.Date(t.Year(), t.Month(), t.Day()+i, 0, 0, 0, 0, t.Location())
		if !p.Workdays[day.Weekday()] {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), int(start)/60, int(start)%60, 0, 0, day.Location())
		if open.Before(now) {
			continue
		}
		return open
	}
	return time.Time{}
}
