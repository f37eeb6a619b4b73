package datetime

import (
	"fmt"
	"strings"
	"time"
)

// RecurrenceKind ...
type RecurrenceKind int

// const ...
const (
	RecurrenceInterval RecurrenceKind = iota
	RecurrenceCron
)

// Recurrence is a parsed "every" expression: either a fixed period or a cron spec.
type Recurrence struct {
	Cron  string
	Every time.Duration
	Kind  RecurrenceKind
}

// ParseRecurrence classifies expr. Durations and "@every" are intervals; any
// other descriptor or whitespace-separated expression is cron.
func (p *Processor) ParseRecurrence(expr string) (Recurrence, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Recurrence{}, fmt.Errorf("%w: empty recurrence", ErrUnrecognized)
	}
	if strings.HasPrefix(s, "@every ") || !strings.ContainsAny(s, " \t@") {
		d, err := p.IntervalOf(s)
		if err != nil {
			return Recurrence{}, err
		}
		return Recurrence{Kind: RecurrenceInterval, Every: d}, nil
	}
	if _, err := p.parser.Parse(s); err != nil {
		return Recurrence{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return Recurrence{Kind: RecurrenceCron, Cron: s}, nil
}
