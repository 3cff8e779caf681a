package policy

import (
	"fmt"
	"sync"
	"time"
)

// HolidayOracle answers whether a calendar date is a public holiday.
type HolidayOracle interface {
	IsHoliday(date time.Time) bool
}

// JapaneseCalendar computes Japanese national holidays by rule, covering the
// years 2000 through 2099, plus any extra dates configured by the operator.
// Dates are evaluated in the location of the time passed in.
type JapaneseCalendar struct {
	extra map[civilDate]struct{}

	mu    sync.Mutex
	years map[int]map[civilDate]struct{}
}

type civilDate struct {
	y int
	m time.Month
	d int
}

func dateOf(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{y, m, d}
}

// NewJapaneseCalendar builds the oracle. extra holds additional holidays in
// YYYY-MM-DD form.
func NewJapaneseCalendar(extra []string) (*JapaneseCalendar, error) {
	c := &JapaneseCalendar{
		extra: make(map[civilDate]struct{}, len(extra)),
		years: make(map[int]map[civilDate]struct{}),
	}
	for _, s := range extra {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid extra holiday %q: %w", s, err)
		}
		c.extra[dateOf(t)] = struct{}{}
	}
	return c, nil
}

// IsHoliday reports whether date's calendar day is a holiday.
func (c *JapaneseCalendar) IsHoliday(date time.Time) bool {
	d := dateOf(date)
	if _, ok := c.extra[d]; ok {
		return true
	}
	_, ok := c.holidaysFor(d.y)[d]
	return ok
}

func (c *JapaneseCalendar) holidaysFor(year int) map[civilDate]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.years[year]; ok {
		return h
	}
	h := computeYear(year)
	c.years[year] = h
	return h
}

func computeYear(year int) map[civilDate]struct{} {
	set := make(map[civilDate]struct{})
	if year < 2000 || year > 2099 {
		return set
	}
	add := func(m time.Month, d int) { set[civilDate{year, m, d}] = struct{}{} }

	add(time.January, 1)
	add(time.January, nthMonday(year, time.January, 2))
	add(time.February, 11)
	if year >= 2020 {
		add(time.February, 23)
	}
	add(time.March, vernalEquinox(year))
	add(time.April, 29)
	add(time.May, 3)
	add(time.May, 4)
	add(time.May, 5)

	switch year {
	case 2020:
		add(time.July, 23)
		add(time.July, 24)
		add(time.August, 10)
	case 2021:
		add(time.July, 22)
		add(time.July, 23)
		add(time.August, 8)
	default:
		if year >= 2003 {
			add(time.July, nthMonday(year, time.July, 3))
		} else {
			add(time.July, 20)
		}
		if year >= 2016 {
			add(time.August, 11)
		}
		add(time.October, nthMonday(year, time.October, 2))
	}

	if year >= 2003 {
		add(time.September, nthMonday(year, time.September, 3))
	} else {
		add(time.September, 15)
	}
	add(time.September, autumnEquinox(year))
	add(time.November, 3)
	add(time.November, 23)

	if year < 2019 {
		add(time.December, 23)
	}
	if year == 2019 {
		add(time.April, 30)
		add(time.May, 1)
		add(time.May, 2)
		add(time.October, 22)
	}

	addCitizensHolidays(year, set)
	addSubstituteHolidays(year, set)
	return set
}

// addSubstituteHolidays marks the next non-holiday day after any holiday
// that falls on a Sunday.
func addSubstituteHolidays(year int, set map[civilDate]struct{}) {
	var sundays []time.Time
	for d := range set {
		t := time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC)
		if t.Weekday() == time.Sunday {
			sundays = append(sundays, t)
		}
	}
	for _, t := range sundays {
		next := t.AddDate(0, 0, 1)
		for {
			if _, taken := set[dateOf(next)]; !taken {
				break
			}
			next = next.AddDate(0, 0, 1)
		}
		if next.Year() == year {
			set[dateOf(next)] = struct{}{}
		}
	}
}

// addCitizensHolidays marks a weekday sandwiched between two holidays.
func addCitizensHolidays(year int, set map[civilDate]struct{}) {
	var found []civilDate
	for d := range set {
		t := time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC)
		mid := t.AddDate(0, 0, 1)
		after := t.AddDate(0, 0, 2)
		if _, ok := set[dateOf(mid)]; ok {
			continue
		}
		if _, ok := set[dateOf(after)]; !ok {
			continue
		}
		if mid.Weekday() == time.Sunday {
			continue
		}
		found = append(found, dateOf(mid))
	}
	for _, d := range found {
		set[d] = struct{}{}
	}
}

func nthMonday(year int, month time.Month, n int) int {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Monday) - int(first.Weekday()) + 7) % 7
	return 1 + offset + 7*(n-1)
}

// Equinox days use the standard approximation valid for 1980-2099.
func vernalEquinox(year int) int {
	return int(20.8431 + 0.242194*float64(year-1980) - float64((year-1980)/4))
}

func autumnEquinox(year int) int {
	return int(23.2488 + 0.242194*float64(year-1980) - float64((year-1980)/4))
}
