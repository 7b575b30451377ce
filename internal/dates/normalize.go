// Package dates converts the human-readable timestamps shown on the mobile
// site ("12 mar 2024 at 5:07 pm", "yesterday at 9:15", "3 hours ago") into
// unix seconds.
package dates

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	fullDateRE    = regexp.MustCompile(`^(\d{1,2})\s+([a-z]{3,5})[a-z]*\s+(\d{4})(?:\s+at\s+(\d{1,2}):(\d{2})\s*(am|pm)?)?$`)
	dayTimeRE     = regexp.MustCompile(`^(\d{1,2})\s+([a-z]{3,5})[a-z]*\s+at\s+(\d{1,2}):(\d{2})\s*(am|pm)?$`)
	dayOnlyRE     = regexp.MustCompile(`^(\d{1,2})\s+([a-z]{3,5})[a-z]*$`)
	relativeDayRE = regexp.MustCompile(`^(yesterday|today)\s+at\s+(\d{1,2}):(\d{2})\s*(am|pm)?`)
	agoRE         = regexp.MustCompile(`^(?:(\d+)|(one|two|three|four|five|six|seven|eight|nine|ten))\s+(hours?|minutes?)\s+ago`)
)

var months = map[string]time.Month{
	"jan": time.January,
	"feb": time.February,
	"mar": time.March,
	"apr": time.April,
	"may": time.May,
	"jun": time.June,
	"jul": time.July,
	"aug": time.August,
	"sep": time.September,
	"oct": time.October,
	"nov": time.November,
	"dec": time.December,
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// futureSlack is how far ahead of "now" a yearless date may land before it
// is attributed to the previous year.
const futureSlack = 24 * time.Hour

// Normalize parses text relative to now in loc and returns unix seconds, or 0
// when the text matches no known form or names an impossible date.
func Normalize(text string, now time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return 0
	}
	now = now.In(loc)

	if m := fullDateRE.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[3])
		hour, minute := 0, 0
		if m[4] != "" {
			var ok bool
			if hour, minute, ok = clock(m[4], m[5], m[6]); !ok {
				return 0
			}
		}
		t, ok := build(year, m[1], m[2], hour, minute, loc)
		if !ok {
			return 0
		}
		return t.Unix()
	}

	if m := dayTimeRE.FindStringSubmatch(s); m != nil {
		hour, minute, ok := clock(m[3], m[4], m[5])
		if !ok {
			return 0
		}
		return yearless(now, m[1], m[2], hour, minute, loc)
	}

	if m := dayOnlyRE.FindStringSubmatch(s); m != nil {
		return yearless(now, m[1], m[2], 0, 0, loc)
	}

	if m := relativeDayRE.FindStringSubmatch(s); m != nil {
		hour, minute, ok := clock(m[2], m[3], m[4])
		if !ok {
			return 0
		}
		day := now.Day()
		if m[1] == "yesterday" {
			day--
		}
		return time.Date(now.Year(), now.Month(), day, hour, minute, 0, 0, loc).Unix()
	}

	if m := agoRE.FindStringSubmatch(s); m != nil {
		n := numberWords[m[2]]
		if m[1] != "" {
			var err error
			if n, err = strconv.Atoi(m[1]); err != nil {
				return 0
			}
		}
		unit := time.Minute
		if strings.HasPrefix(m[3], "hour") {
			unit = time.Hour
		}
		return now.Add(-time.Duration(n) * unit).Unix()
	}

	return 0
}

func yearless(now time.Time, day, month string, hour, minute int, loc *time.Location) int64 {
	t, ok := build(now.Year(), day, month, hour, minute, loc)
	if !ok {
		return 0
	}
	if t.Sub(now) > futureSlack {
		if t, ok = build(now.Year()-1, day, month, hour, minute, loc); !ok {
			return 0
		}
	}
	return t.Unix()
}

// build rejects dates that time.Date would silently normalize, such as 31 feb.
func build(year int, day, month string, hour, minute int, loc *time.Location) (time.Time, bool) {
	mon, ok := months[month[:3]]
	if !ok {
		return time.Time{}, false
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, mon, d, hour, minute, 0, 0, loc)
	if t.Day() != d || t.Month() != mon {
		return time.Time{}, false
	}
	return t, true
}

// clock converts an h:mm [am|pm] triple to 24-hour form.
func clock(h, m, meridiem string) (int, int, bool) {
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, false
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, 0, false
	}
	switch meridiem {
	case "pm":
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

// Clock supplies the reference time.
type Clock interface {
	Now() time.Time
}

// Normalizer binds a timezone and clock so callers only pass the text.
type Normalizer struct {
	loc   *time.Location
	clock Clock
}

// NewNormalizer builds a Normalizer. A nil clock falls back to time.Now.
func NewNormalizer(loc *time.Location, clock Clock) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc, clock: clock}
}

// Normalize parses text relative to the bound clock.
func (n *Normalizer) Normalize(text string) int64 {
	now := time.Now()
	if n.clock != nil {
		now = n.clock.Now()
	}
	return Normalize(text, now, n.loc)
}

// Location reports the bound timezone.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}
