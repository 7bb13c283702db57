// Package recurrence computes the next execution instant of a schedule.
// It performs no I/O; all wall-clock values are interpreted in the
// schedule's IANA time zone.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tickflow/internal/domain"
)

var (
	ErrMalformed = errors.New("malformed recurrence")
	ErrNoMatch   = errors.New("no matching time within one year")
)

// Next returns the first instant strictly after ref at which the recurrence
// fires. ok is false for one_off, whose single instant is fixed at creation.
func Next(kind domain.RecurrenceKind, value, timezone string, ref time.Time) (next time.Time, ok bool, err error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return time.Time{}, false, err
	}
	switch kind {
	case domain.OneOff:
		return time.Time{}, false, nil
	case domain.DailyAt:
		h, m, err := parseClock(value)
		if err != nil {
			return time.Time{}, false, err
		}
		return nextDaily(h, m, loc, ref), true, nil
	case domain.WeeklyAt:
		w, err := parseWeekly(value)
		if err != nil {
			return time.Time{}, false, err
		}
		return w.next(loc, ref), true, nil
	case domain.CronExpr:
		c, err := ParseCron(value)
		if err != nil {
			return time.Time{}, false, err
		}
		next, err := c.Next(ref, loc)
		if err != nil {
			return time.Time{}, false, err
		}
		return next, true, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
}

// Validate checks that value parses for kind and timezone names a known zone.
func Validate(kind domain.RecurrenceKind, value, timezone string) error {
	if _, err := LoadLocation(timezone); err != nil {
		return err
	}
	var err error
	switch kind {
	case domain.OneOff:
		if strings.TrimSpace(value) != "" {
			err = fmt.Errorf("%w: one_off takes no recurrence value", ErrMalformed)
		}
	case domain.DailyAt:
		_, _, err = parseClock(value)
	case domain.WeeklyAt:
		_, err = parseWeekly(value)
	case domain.CronExpr:
		_, err = ParseCron(value)
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
	}
	return err
}

// Preview returns up to n consecutive instants after from.
func Preview(kind domain.RecurrenceKind, value, timezone string, from time.Time, n int) ([]time.Time, error) {
	var out []time.Time
	ref := from
	for i := 0; i < n; i++ {
		next, ok, err := Next(kind, value, timezone, ref)
		if err != nil {
			if errors.Is(err, ErrNoMatch) && len(out) > 0 {
				break
			}
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, next)
		ref = next
	}
	return out, nil
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrMalformed, name)
	}
	return loc, nil
}

func nextDaily(h, m int, loc *time.Location, ref time.Time) time.Time {
	local := ref.In(loc)
	cand := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	if !cand.After(ref) {
		cand = time.Date(local.Year(), local.Month(), local.Day()+1, h, m, 0, 0, loc)
	}
	return cand
}

// parseClock accepts "H:MM" or "HH:MM" on a 24-hour clock.
func parseClock(v string) (int, int, error) {
	v = strings.TrimSpace(v)
	hs, ms, found := strings.Cut(v, ":")
	if !found || len(hs) < 1 || len(hs) > 2 || len(ms) != 2 {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrMalformed, v)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: hour in %q", ErrMalformed, v)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: minute in %q", ErrMalformed, v)
	}
	return h, m, nil
}
