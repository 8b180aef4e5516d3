package task

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the recurrence variant.
type Kind int

const (
	KindNone Kind = iota
	KindEvery
	KindCron
	KindOnHead
)

func (k Kind) String() string {
	switch k {
	case KindEvery:
		return "every"
	case KindCron:
		return "cron"
	case KindOnHead:
		return "head"
	default:
		return "none"
	}
}

// Recurrence says what happens after a task completes when it has no Handler.
// The zero value runs once.
type Recurrence struct {
	kind  Kind
	every time.Duration
	expr  string
	sched cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func Once() Recurrence { return Recurrence{} }

func Every(d time.Duration) Recurrence {
	if d <= 0 {
		return Recurrence{}
	}
	return Recurrence{kind: KindEvery, every: d}
}

func Cron(expr string) (Recurrence, error) {
	expr = strings.TrimSpace(expr)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Recurrence{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return Recurrence{kind: KindCron, expr: expr, sched: sched}, nil
}

func OnHead() Recurrence { return Recurrence{kind: KindOnHead} }

func (r Recurrence) Kind() Kind { return r.kind }

func (r Recurrence) Interval() time.Duration {
	if r.kind != KindEvery {
		return 0
	}
	return r.every
}

// Next returns the next run time after now for time-based recurrences.
func (r Recurrence) Next(now time.Time) (time.Time, bool) {
	switch r.kind {
	case KindEvery:
		return now.Add(r.every), true
	case KindCron:
		return r.sched.Next(now), true
	default:
		return time.Time{}, false
	}
}

func (r Recurrence) String() string {
	switch r.kind {
	case KindEvery:
		return "every " + r.every.String()
	case KindCron:
		return "cron " + r.expr
	case KindOnHead:
		return "head"
	default:
		return "once"
	}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseRecurrence parses a config string into a Recurrence.
//
// Supported forms:
//   - "once", "head"
//   - Cron: "*/5 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes)
//
// Optional prefixes "cron:" and "every:" / "interval:" force the kind.
func ParseRecurrence(raw string) (Recurrence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Recurrence{}, fmt.Errorf("recurrence required")
	}
	low := strings.ToLower(s)
	switch low {
	case "once", "none":
		return Once(), nil
	case "head", "block", "on_head":
		return OnHead(), nil
	}
	if strings.HasPrefix(low, "cron:") {
		return Cron(s[len("cron:"):])
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(s[len(p):])
			if err != nil {
				return Recurrence{}, err
			}
			return Every(d), nil
		}
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Cron(s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return Recurrence{}, fmt.Errorf("invalid recurrence %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m', or 'head')", raw)
	}
	return Every(d), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", v, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
