package modem

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is the calendar time last reported by the modem's network clock.
type Clock struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

// Time converts the clock to a time.Time in loc.
func (c Clock) Time(loc *time.Location) time.Time {
	return time.Date(c.Year, time.Month(c.Month), c.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

// ParseClock parses a modem clock string such as `"24/05/14,08:30:15+08"`
// (+CCLK) or `2024/05/14,08:30:15+12,0` (+QLTS). Everything after the time
// field, including the zone offset, is ignored. Two digit years are moved
// into the 2000s.
func ParseClock(s string, twoDigitYear bool) (Clock, error) {
	datePart, timePart, ok := strings.Cut(s, ",")
	if !ok {
		return Clock{}, fmt.Errorf("clock %q: missing time field", s)
	}
	datePart = strings.TrimSpace(strings.ReplaceAll(datePart, `"`, ""))
	timePart = strings.ReplaceAll(timePart, `"`, "")
	timePart, _, _ = strings.Cut(timePart, ",")
	if i := strings.IndexAny(timePart, "+-"); i >= 0 {
		timePart = timePart[:i]
	}

	date, err := clockFields(datePart, "/")
	if err != nil {
		return Clock{}, fmt.Errorf("clock %q: %w", s, err)
	}
	hms, err := clockFields(strings.TrimSpace(timePart), ":")
	if err != nil {
		return Clock{}, fmt.Errorf("clock %q: %w", s, err)
	}

	c := Clock{
		Year: date[0], Month: date[1], Day: date[2],
		Hour: hms[0], Minute: hms[1], Second: hms[2],
	}
	if twoDigitYear {
		c.Year += 2000
	}
	return c, nil
}

func clockFields(s, sep string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(s, sep)
	if len(parts) < 3 {
		return out, fmt.Errorf("expected 3 fields in %q", s)
	}
	for i := range out {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}
