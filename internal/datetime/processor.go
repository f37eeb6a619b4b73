// Package datetime turns user-facing time expressions into absolute times and
// recurrences for task scheduling.
package datetime

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnrecognized is returned when an expression matches no supported form.
var ErrUnrecognized = errors.New("unrecognized time expression")

// DefaultTomorrowTime is used for a bare "tomorrow".
const DefaultTomorrowTime = "09:00"

var (
	reClock    = regexp.MustCompile(`^(?:at\s+)?(\d{1,2}):(\d{2})$`)
	reTomorrow = regexp.MustCompile(`^tomorrow(?:\s+at\s+(\d{1,2}:\d{2}))?$`)
	reInUnits  = regexp.MustCompile(`^in\s+(\d+)\s*(second|sec|minute|min|hour|hr|day|week)s?$`)
)

var unitDurations = map[string]time.Duration{
	"second": time.Second,
	"sec":    time.Second,
	"minute": time.Minute,
	"min":    time.Minute,
	"hour":   time.Hour,
	"hr":     time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Processor parses expressions relative to a location.
type Processor struct {
	loc    *time.Location
	parser cron.Parser
}

// NewProcessor returns a Processor for loc, UTC when loc is nil.
func NewProcessor(loc *time.Location) *Processor {
	if loc == nil {
		loc = time.UTC
	}
	return &Processor{
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Location ...
func (p *Processor) Location() *time.Location { return p.loc }

// Parse resolves expr to an absolute time. Supported forms:
//   - RFC3339 and a few date/time layouts without zone (read in the processor location)
//   - "now"
//   - "in 15m", "in 2 hours"
//   - "tomorrow", "tomorrow at 14:30"
//   - "14:30", "at 14:30" (next occurrence)
//   - bare Go durations ("90s", "1h30m") relative to now
func (p *Processor) Parse(expr string, now time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrUnrecognized)
	}
	now = now.In(p.loc)

	if s == "now" {
		return now, nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(expr), p.loc); err == nil {
			return t, nil
		}
	}
	if m := reTomorrow.FindStringSubmatch(s); m != nil {
		clock := m[1]
		if clock == "" {
			clock = DefaultTomorrowTime
		}
		h, min, err := parseClock(clock)
		if err != nil {
			return time.Time{}, err
		}
		next := now.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), h, min, 0, 0, p.loc), nil
	}
	if m := reClock.FindStringSubmatch(s); m != nil {
		h, min, err := parseClock(m[1] + ":" + m[2])
		if err != nil {
			return time.Time{}, err
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), h, min, 0, 0, p.loc)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	if rest, ok := strings.CutPrefix(s, "in "); ok {
		d, err := parseRelative(strings.TrimSpace(rest), s)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
}

// NextFire returns the first activation of a cron spec strictly after the given
// time. Five-field specs and descriptors such as @hourly and @every 5m are accepted.
func (p *Processor) NextFire(spec string, after time.Time) (time.Time, error) {
	sched, err := p.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", spec, err)
	}
	next := sched.Next(after.In(p.loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", spec)
	}
	return next, nil
}

// IntervalOf returns the fixed period of a Go duration or "@every" expression.
func (p *Processor) IntervalOf(expr string) (time.Duration, error) {
	s := strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		s = strings.TrimSpace(rest)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: interval %q", ErrUnrecognized, expr)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", expr)
	}
	return d, nil
}

func parseRelative(rest, expr string) (time.Duration, error) {
	if m := reInUnits.FindStringSubmatch("in " + rest); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
		}
		return time.Duration(n) * unitDurations[m[2]], nil
	}
	d, err := time.ParseDuration(rest)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
	}
	return d, nil
}

func parseClock(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: clock %q", ErrUnrecognized, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: hour in %q", ErrUnrecognized, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: minute in %q", ErrUnrecognized, s)
	}
	return h, m, nil
}
