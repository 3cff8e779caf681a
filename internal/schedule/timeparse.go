package schedule

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var absoluteLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

var (
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	clockRe    = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)?(?:\s|$|[^\w])`)
	relativeRe = regexp.MustCompile(`^in\s+(\d+)\s*(minutes?|mins?|hours?|hrs?)$`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ResolveTime turns an absolute or relative time expression into an instant.
// Absolute forms without an offset and all relative forms are interpreted in
// loc; relative forms are anchored at now.
//
// Supported relative forms: "in 2 hours", "tomorrow 8pm", "tonight at 9",
// "day after tomorrow 10:30", "friday 6pm", "next wednesday 19:00",
// "2026-10-20 8pm", "noon", "9pm" (today, or tomorrow when already past).
// A bare weekday always means the first such day strictly after today.
func ResolveTime(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, Errorf(KindInvalidRequest, "empty start time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return resolveRelative(strings.ToLower(s), now.In(loc), loc)
}

func resolveRelative(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := time.Minute
		if strings.HasPrefix(m[2], "h") {
			unit = time.Hour
		}
		return now.Add(time.Duration(n) * unit).Truncate(time.Minute), nil
	}

	day, dayKnown, evening := resolveDay(s, now, loc)
	if dayKnown && day.IsZero() {
		return time.Time{}, Errorf(KindInvalidRequest, "invalid date in %q", s)
	}
	rest := isoDateRe.ReplaceAllString(s, " ")

	hour, minute, ok := resolveClock(rest, evening)
	if !ok {
		return time.Time{}, Errorf(KindInvalidRequest, "could not understand the time %q", s)
	}

	if !dayKnown {
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if t.Before(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), nil
}

// resolveDay finds the calendar day named in s. evening reports a phrase
// that implies afternoon or evening hours.
func resolveDay(s string, now time.Time, loc *time.Location) (day time.Time, known, evening bool) {
	evening = strings.Contains(s, "tonight") || strings.Contains(s, "evening") || strings.Contains(s, "afternoon")

	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		t, err := time.ParseInLocation("2006-01-02", m[0], loc)
		if err != nil {
			return time.Time{}, true, evening
		}
		return t, true, evening
	}

	switch {
	case strings.Contains(s, "day after tomorrow"):
		return now.AddDate(0, 0, 2), true, evening
	case strings.Contains(s, "tomorrow"):
		return now.AddDate(0, 0, 1), true, evening
	case strings.Contains(s, "today"), strings.Contains(s, "tonight"), strings.Contains(s, "this evening"):
		return now, true, evening
	}

	for _, word := range strings.FieldsFunc(s, func(r rune) bool { return r < 'a' || r > 'z' }) {
		wd, ok := weekdays[word]
		if !ok {
			continue
		}
		offset := (int(wd) - int(now.Weekday()) + 7) % 7
		if offset == 0 {
			offset = 7
		}
		return now.AddDate(0, 0, offset), true, evening
	}
	return time.Time{}, false, evening
}

func resolveClock(s string, evening bool) (hour, minute int, ok bool) {
	switch {
	case strings.Contains(s, "noon"):
		return 12, 0, true
	case strings.Contains(s, "midnight"):
		return 0, 0, true
	}

	m := clockRe.FindStringSubmatch(s + " ")
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, false
	}

	switch strings.ReplaceAll(m[3], ".", "") {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, false
		}
		if evening && hour < 12 {
			hour += 12
		}
	}
	return hour, minute, true
}
