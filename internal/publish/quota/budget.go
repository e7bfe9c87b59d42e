package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Budget is one platform's daily allowance.
type Budget struct {
	DailyLimit int64
	// ActionCost is the units charged per successful publish (default 1).
	ActionCost int64
	Location   *time.Location
}

func (b Budget) cost() int64 {
	if b.ActionCost <= 0 {
		return 1
	}
	return b.ActionCost
}

func (b Budget) loc() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// Window is a half-open [Start, End) day interval in a platform's timezone.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t is inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// WindowAt returns the day window containing now in loc.
// End uses calendar arithmetic so DST days keep their local midnight boundaries.
func WindowAt(now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// ParseLocation accepts "", "UTC", an IANA zone name, or a fixed offset like "UTC-08:00" / "UTC+5:30".
func ParseLocation(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "UTC") || strings.EqualFold(s, "Z") {
		return time.UTC, nil
	}
	up := strings.ToUpper(s)
	if strings.HasPrefix(up, "UTC+") || strings.HasPrefix(up, "UTC-") {
		off, err := parseOffset(s[3:])
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", s, err)
		}
		return time.FixedZone(strings.ToUpper(s), off), nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s, err)
	}
	return loc, nil
}

// parseOffset parses "+HH:MM", "-HH", "+HHMM" into seconds east of UTC.
func parseOffset(s string) (int, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("offset too short")
	}
	sign := 1
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("offset must start with + or -")
	}
	body := s[1:]
	var hh, mm string
	switch {
	case strings.Contains(body, ":"):
		parts := strings.SplitN(body, ":", 2)
		hh, mm = parts[0], parts[1]
	case len(body) == 4:
		hh, mm = body[:2], body[2:]
	default:
		hh, mm = body, "0"
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 14 {
		return 0, fmt.Errorf("bad hours %q", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minutes %q", mm)
	}
	return sign * (h*3600 + m*60), nil
}
