package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type bounds struct {
	min, max int
	starMax  int // upper bound used by "*"; differs from max only for day-of-week
	names    map[string]int
}

var (
	minuteBounds = bounds{min: 0, max: 59, starMax: 59}
	hourBounds   = bounds{min: 0, max: 23, starMax: 23}
	domBounds    = bounds{min: 1, max: 31, starMax: 31}
	monthBounds  = bounds{min: 1, max: 12, starMax: 12, names: map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}}
	dowBounds = bounds{min: 0, max: 7, starMax: 6, names: map[string]int{
		"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
	}}
)

// Cron is a parsed five-field expression: minute hour day-of-month month day-of-week.
type Cron struct {
	minute, hour, dom, month, dow uint64
	domStar, dowStar              bool
}

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (*Cron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: cron %q needs 5 fields, got %d", ErrMalformed, expr, len(fields))
	}
	var c Cron
	var err error
	if c.minute, _, err = parseField(fields[0], minuteBounds); err != nil {
		return nil, err
	}
	if c.hour, _, err = parseField(fields[1], hourBounds); err != nil {
		return nil, err
	}
	if c.dom, c.domStar, err = parseField(fields[2], domBounds); err != nil {
		return nil, err
	}
	if c.month, _, err = parseField(fields[3], monthBounds); err != nil {
		return nil, err
	}
	if c.dow, c.dowStar, err = parseField(fields[4], dowBounds); err != nil {
		return nil, err
	}
	if c.dow&(1<<7) != 0 {
		c.dow = c.dow&^(1<<7) | 1
	}
	return &c, nil
}

// parseField returns the set of values field selects. star reports an
// unrestricted part: "*" with no step other than 1.
func parseField(field string, b bounds) (bits uint64, star bool, err error) {
	for _, part := range strings.Split(field, ",") {
		rng, stepStr, hasStep := strings.Cut(part, "/")
		var start, end int
		switch {
		case rng == "*":
			start, end = b.min, b.starMax
		default:
			lo, hi, isRange := strings.Cut(rng, "-")
			if start, err = parseValue(lo, b); err != nil {
				return 0, false, err
			}
			end = start
			if isRange {
				if end, err = parseValue(hi, b); err != nil {
					return 0, false, err
				}
			} else if hasStep {
				end = b.max
			}
		}
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 || n > b.max-b.min {
				return 0, false, fmt.Errorf("%w: bad step in %q", ErrMalformed, part)
			}
			step = n
		}
		if start < b.min || end > b.max || start > end {
			return 0, false, fmt.Errorf("%w: %q out of range [%d,%d]", ErrMalformed, part, b.min, b.max)
		}
		if rng == "*" && step == 1 {
			star = true
		}
		for v := start; v <= end; v += step {
			bits |= 1 << uint(v)
		}
	}
	return bits, star, nil
}

func parseValue(s string, b bounds) (int, error) {
	if v, ok := b.names[strings.ToUpper(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad cron value %q", ErrMalformed, s)
	}
	return v, nil
}

// Matches reports whether the wall-clock minute of t satisfies every field.
func (c *Cron) Matches(t time.Time) bool {
	return c.minute&(1<<uint(t.Minute())) != 0 &&
		c.hour&(1<<uint(t.Hour())) != 0 &&
		c.month&(1<<uint(t.Month())) != 0 &&
		c.dayMatches(t)
}

// dayMatches ORs day-of-month and day-of-week when both are restricted.
func (c *Cron) dayMatches(t time.Time) bool {
	domOK := c.dom&(1<<uint(t.Day())) != 0
	dowOK := c.dow&(1<<uint(t.Weekday())) != 0
	if c.domStar || c.dowStar {
		return domOK && dowOK
	}
	return domOK || dowOK
}

// Next searches forward from the minute after ref for the first match in loc.
// Whole months and days that cannot match are skipped; within a matching day
// the search advances one absolute minute at a time so DST shifts are exact.
func (c *Cron) Next(ref time.Time, loc *time.Location) (time.Time, error) {
	t := ref.In(loc).Truncate(time.Minute).Add(time.Minute)
	horizon := ref.AddDate(1, 0, 0)
	for !t.After(horizon) {
		if c.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if c.hour&(1<<uint(t.Hour())) == 0 || c.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, ErrNoMatch
}
