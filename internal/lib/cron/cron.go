// Package cron parses standard five-field cron expressions. Conveyor uses it
// to validate schedule triggers in pipeline definitions and to compute when a
// schedule next fires.
package cron

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Schedule is a parsed cron expression. Obtain one with Parse, then call
// Next to compute the next matching time.
type Schedule struct {
	minutes     bitset
	hours       bitset
	daysOfMonth bitset
	months      bitset
	daysOfWeek  bitset
	// Standard cron matches day-of-month OR day-of-week when both fields are
	// restricted, and AND otherwise. These flags record restriction.
	domRestricted bool
	dowRestricted bool
}

// bitset is a compact set of small integers (0-63).
type bitset uint64

func (b bitset) has(v int) bool { return b&(1<<uint(v)) != 0 }
func (b *bitset) set(v int)     { *b |= 1 << uint(v) }

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fieldSpecs = []fieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 7}, // both 0 and 7 mean Sunday
}

// Parse parses a five-field cron expression (minute, hour, day-of-month,
// month, day-of-week). Each field accepts wildcards, values, lists, ranges,
// and steps. It returns an error if the expression is malformed or contains
// out-of-range values.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != len(fieldSpecs) {
		return Schedule{}, errors.Errorf(
			"invalid cron expression %q: expected %d fields, got %d",
			expression,
			len(fieldSpecs),
			len(fields),
		)
	}
	sets := make([]bitset, len(fieldSpecs))
	for i, spec := range fieldSpecs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return Schedule{}, errors.Wrapf(
				err,
				"invalid cron expression %q: bad %s field",
				expression,
				spec.name,
			)
		}
		sets[i] = set
	}
	s := Schedule{
		minutes:       sets[0],
		hours:         sets[1],
		daysOfMonth:   sets[2],
		months:        sets[3],
		daysOfWeek:    normalizeDayOfWeek(sets[4]),
		domRestricted: fields[2] != "*",
		dowRestricted: fields[4] != "*",
	}
	return s, nil
}

// normalizeDayOfWeek folds 7 into 0 so Sunday can be written either way.
func normalizeDayOfWeek(b bitset) bitset {
	if b.has(7) {
		b.set(0)
		b &^= 1 << 7
	}
	return b
}

// Next returns the earliest time strictly after t that matches the schedule.
// All computation is in UTC. It returns an error if no match exists within
// four years of t, which guards against impossible schedules such as
// February 31st.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for t.Before(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, errors.Errorf(
		"no time matching the schedule within four years of %s",
		t.Format(time.RFC3339),
	)
}

func (s Schedule) dayMatches(t time.Time) bool {
	dom := s.daysOfMonth.has(t.Day())
	dow := s.daysOfWeek.has(int(t.Weekday()))
	if s.domRestricted && s.dowRestricted {
		return dom || dow
	}
	return dom && dow
}

// parseField parses one comma-separated cron field into a bitset.
func parseField(field string, min, max int) (bitset, error) {
	var result bitset
	for _, term := range strings.Split(field, ",") {
		bits, err := parseTerm(term, min, max)
		if err != nil {
			return 0, err
		}
		result |= bits
	}
	if result == 0 {
		return 0, errors.Errorf("field %q matches nothing", field)
	}
	return result, nil
}

// parseTerm parses a single term: *, */N, V, V-V, or V-V/N.
func parseTerm(term string, min, max int) (bitset, error) {
	parts := strings.SplitN(term, "/", 2)
	step := 1
	if len(parts) == 2 {
		parsed, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, errors.Errorf("invalid step %q", parts[1])
		}
		if parsed <= 0 {
			return 0, errors.Errorf("step must be positive; got %d", parsed)
		}
		step = parsed
	}

	var start, end int
	rangeExpr := parts[0]
	switch {
	case rangeExpr == "*":
		start, end = min, max
	case strings.ContainsRune(rangeExpr, '-'):
		dash := strings.IndexByte(rangeExpr, '-')
		var err error
		if start, err = strconv.Atoi(rangeExpr[:dash]); err != nil {
			return 0, errors.Errorf("invalid range start %q", rangeExpr[:dash])
		}
		if end, err = strconv.Atoi(rangeExpr[dash+1:]); err != nil {
			return 0, errors.Errorf("invalid range end %q", rangeExpr[dash+1:])
		}
		if start > end {
			return 0, errors.Errorf("range start %d is after range end %d", start, end)
		}
	default:
		value, err := strconv.Atoi(rangeExpr)
		if err != nil {
			return 0, errors.Errorf("invalid value %q", rangeExpr)
		}
		start, end = value, value
	}

	if start < min || end > max {
		return 0, errors.Errorf(
			"value out of range [%d-%d]; got %d-%d",
			min,
			max,
			start,
			end,
		)
	}

	var result bitset
	for v := start; v <= end; v += step {
		result.set(v)
	}
	return result, nil
}
