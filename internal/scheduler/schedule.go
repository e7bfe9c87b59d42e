package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Schedule is a parsed poll schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */2 * * * *" (with seconds), "@hourly", "@every 30s"
//   - interval: "45s", "2m30s", or "HH:MM" ("00:05" is five minutes)
//   - explicit prefixes "cron:" and "every:" skip the guessing
type Schedule struct {
	Kind  Kind
	Expr  string
	Every time.Duration
}

// CronSpec returns the expression handed to robfig/cron.
func (s Schedule) CronSpec() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Expr
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule is empty")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron expression missing after %q", "cron:")
		}
		return Schedule{Kind: KindCron, Expr: expr}, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseEvery(s[len("every:"):])
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindInterval, Every: d}, nil
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Schedule{Kind: KindCron, Expr: s}, nil
	}

	d, err := parseEvery(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: use a cron expression, HH:MM or a duration like 1m", raw)
	}
	return Schedule{Kind: KindInterval, Every: d}, nil
}

func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if m := hhmm.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		d = time.Duration(h)*time.Hour + time.Duration(min)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %q", v)
	}
	return d, nil
}
