package cron

import (
	"sync"
	"time"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

var defaultParser = NewParser()

// Definition is the recurring scan policy: an expression plus a time zone.
// Expression and zone never change after New; only the last run moves, and only forward.
type Definition struct {
	expression string
	timeZone   string

	mu      sync.Mutex
	lastRun *time.Time
}

// New validates expression and timeZone. An empty zone means UTC.
func New(expression, timeZone string, lastRun *time.Time) (*Definition, error) {
	if timeZone == "" {
		timeZone = "UTC"
	}
	if expression == "" {
		return nil, apperr.Validation("cron.New", "expression is required")
	}
	if _, err := defaultParser.Parse(expression, timeZone); err != nil {
		return nil, apperr.Validation("cron.New", "%s (expression %q, zone %q)", err.Error(), expression, timeZone)
	}

	d := &Definition{expression: expression, timeZone: timeZone}
	if lastRun != nil {
		t := lastRun.UTC()
		d.lastRun = &t
	}
	return d, nil
}

// FromRecord rebuilds a Definition from its stored form.
func FromRecord(rec domain.ScheduleRecord) (*Definition, error) {
	return New(rec.Expression, rec.TimeZone, rec.LastRun)
}

func (d *Definition) Expression() string { return d.expression }
func (d *Definition) TimeZone() string   { return d.timeZone }

func (d *Definition) LastRun() *time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastRun == nil {
		return nil
	}
	t := *d.lastRun
	return &t
}

// NextOccurrence returns the first fire time at or after from, in the definition's zone.
// The expression is parsed on every call.
func (d *Definition) NextOccurrence(from time.Time) time.Time {
	sched, err := defaultParser.Parse(d.expression, d.timeZone)
	if err != nil {
		// unreachable: New rejected anything that fails to parse
		return time.Time{}
	}
	// Next is strictly-after and truncates to the second, so stepping back
	// one nanosecond makes an exact fire instant count.
	return sched.Next(from.Add(-time.Nanosecond))
}

// RecordRun advances the last-run timestamp. An instant that is not after the
// current last run is ignored and RecordRun returns false.
func (d *Definition) RecordRun(at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at = at.UTC()
	if d.lastRun != nil && !at.After(*d.lastRun) {
		return false
	}
	d.lastRun = &at
	return true
}

// Record returns the persisted form.
func (d *Definition) Record(now time.Time) domain.ScheduleRecord {
	return domain.ScheduleRecord{
		Expression: d.expression,
		TimeZone:   d.timeZone,
		LastRun:    d.LastRun(),
		UpdatedAt:  now.UTC(),
	}
}
