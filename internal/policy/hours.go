// Package policy classifies proposed meeting times against the working-hours
// policy of a single locale.
package policy

import (
	"fmt"
	"time"

	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

// Classification is the policy verdict for a start time.
type Classification string

const (
	// Booked means the time is inside working hours; no event is created.
	Booked Classification = "BOOKED"
	// Schedulable means the time is outside working hours and a real event may be created.
	Schedulable Classification = "SCHEDULABLE"
)

// Reason explains a Classification.
type Reason string

const (
	ReasonWorkingHours Reason = "WORKING_DAY_AND_HOURS"
	ReasonHoliday      Reason = "HOLIDAY"
	ReasonWeekend      Reason = "WEEKEND"
	ReasonOutsideHours Reason = "OUTSIDE_HOURS"
)

// Decision is the result of Decide.
type Decision struct {
	Classification Classification `json:"classification"`
	Reason         Reason         `json:"reason"`
}

// Engine applies the working-hours policy.
type Engine struct {
	oracle HolidayOracle
	loc    *time.Location
	open   util.ClockTime
	close  util.ClockTime
}

// NewEngine creates a policy engine. The working window is [open, close)
// in loc.
func NewEngine(oracle HolidayOracle, loc *time.Location, open, close util.ClockTime) (*Engine, error) {
	if oracle == nil {
		return nil, fmt.Errorf("holiday oracle is required")
	}
	if loc == nil {
		return nil, fmt.Errorf("location is required")
	}
	if open.Minutes() >= close.Minutes() {
		return nil, fmt.Errorf("working window %s-%s is empty", open, close)
	}
	return &Engine{oracle: oracle, loc: loc, open: open, close: close}, nil
}

// Location returns the locale the policy is evaluated in.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Decide classifies start. Weekends win over holidays when both apply.
func (e *Engine) Decide(start time.Time) (Decision, error) {
	if start.IsZero() {
		return Decision{}, schedule.Errorf(schedule.KindInvalidRequest, "start time is required")
	}
	local := start.In(e.loc)

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Decision{Schedulable, ReasonWeekend}, nil
	}
	if e.oracle.IsHoliday(local) {
		return Decision{Schedulable, ReasonHoliday}, nil
	}

	tod := local.Hour()*60 + local.Minute()
	if tod >= e.open.Minutes() && tod < e.close.Minutes() {
		return Decision{Booked, ReasonWorkingHours}, nil
	}
	return Decision{Schedulable, ReasonOutsideHours}, nil
}
