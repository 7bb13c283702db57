package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const defaultWeeklyClock = "09:00"

var weekdayCodes = map[string]time.Weekday{
	"SUN": time.Sunday,
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
}

type weekly struct {
	days   []time.Weekday // sorted, unique
	hour   int
	minute int
}

// parseWeekly reads "DAY[,DAY...][:HH:MM]"; the time defaults to 09:00.
func parseWeekly(v string) (weekly, error) {
	v = strings.TrimSpace(v)
	dayPart, clock, found := strings.Cut(v, ":")
	if !found {
		clock = defaultWeeklyClock
	}
	h, m, err := parseClock(clock)
	if err != nil {
		return weekly{}, err
	}

	seen := make(map[time.Weekday]bool)
	var days []time.Weekday
	for _, code := range strings.Split(dayPart, ",") {
		code = strings.ToUpper(strings.TrimSpace(code))
		d, ok := weekdayCodes[code]
		if !ok {
			return weekly{}, fmt.Errorf("%w: unknown day %q in %q", ErrMalformed, code, v)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return weekly{days: days, hour: h, minute: m}, nil
}

func (w weekly) has(d time.Weekday) bool {
	for _, x := range w.days {
		if x == d {
			return true
		}
	}
	return false
}

func (w weekly) next(loc *time.Location, ref time.Time) time.Time {
	local := ref.In(loc)
	// offset 7 revisits today's weekday next week, so a non-empty day list always hits.
	for off := 0; off <= 7; off++ {
		wd := time.Weekday((int(local.Weekday()) + off) % 7)
		if !w.has(wd) {
			continue
		}
		cand := time.Date(local.Year(), local.Month(), local.Day()+off, w.hour, w.minute, 0, 0, loc)
		if cand.After(ref) {
			return cand
		}
	}
	panic("recurrence: weekly schedule without days")
}
