// Package conflict finds existing calendar events that overlap a proposed
// meeting window.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dtorcivia/afterhours/internal/schedule"
)

// Lister returns the events intersecting a window.
type Lister interface {
	ListEvents(ctx context.Context, window schedule.Window) ([]schedule.CalendarEvent, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, window schedule.Window) ([]schedule.CalendarEvent, error)

// ListEvents calls f.
func (f ListerFunc) ListEvents(ctx context.Context, window schedule.Window) ([]schedule.CalendarEvent, error) {
	return f(ctx, window)
}

// Options tunes a single check.
type Options struct {
	// FindFreeSlot requests the earliest gap of the window's length.
	FindFreeSlot bool
	// Horizon bounds the free-slot search, measured from the window start.
	Horizon time.Duration
	// ExcludeID skips an event, e.g. the one being rescheduled.
	ExcludeID string
	// Acceptable, when set, must approve a free slot's start time.
	Acceptable func(start time.Time) bool
}

// slotStep is how far the free-slot search moves past an unacceptable start.
const slotStep = 15 * time.Minute

// Report is the advisory outcome of a check. It is computed fresh on every call.
type Report struct {
	HasConflict      bool                     `json:"has_conflict"`
	Overlapping      []schedule.CalendarEvent `json:"overlapping,omitempty"`
	EarliestFreeSlot *time.Time               `json:"earliest_free_slot,omitempty"`
}

// Detector checks proposed windows against a calendar.
type Detector struct {
	defaultHorizon time.Duration
}

// NewDetector creates a Detector. horizon is the default free-slot search span.
func NewDetector(horizon time.Duration) *Detector {
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &Detector{defaultHorizon: horizon}
}

// Check lists events around window and reports the ones overlapping it,
// ordered by start time.
func (d *Detector) Check(ctx context.Context, lister Lister, window schedule.Window, opts Options) (Report, error) {
	if !window.Start.Before(window.End) {
		return Report{}, schedule.Errorf(schedule.KindInvalidRequest, "window end must be after start")
	}

	search := window
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = d.defaultHorizon
	}
	if opts.FindFreeSlot {
		if end := window.Start.Add(horizon); end.After(search.End) {
			search.End = end
		}
	}

	events, err := lister.ListEvents(ctx, search)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list events: %w", err)
	}

	busy := make([]schedule.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if ev.Cancelled() || ev.AllDay || (opts.ExcludeID != "" && ev.ID == opts.ExcludeID) {
			continue
		}
		if !ev.Start.Before(ev.End) {
			continue
		}
		busy = append(busy, ev)
	}
	sort.SliceStable(busy, func(i, j int) bool {
		if busy[i].Start.Equal(busy[j].Start) {
			return busy[i].End.Before(busy[j].End)
		}
		return busy[i].Start.Before(busy[j].Start)
	})

	var report Report
	for _, ev := range busy {
		if window.Overlaps(ev.Window()) {
			report.Overlapping = append(report.Overlapping, ev)
		}
	}
	report.HasConflict = len(report.Overlapping) > 0

	if opts.FindFreeSlot && report.HasConflict {
		report.EarliestFreeSlot = earliestFree(busy, window.Start, window.Duration(), window.Start.Add(horizon), opts.Acceptable)
	}
	return report, nil
}

// earliestFree returns the first gap of length d in the sorted busy
// intervals that starts at or after from, ends by limit and whose start
// passes ok.
func earliestFree(busy []schedule.CalendarEvent, from time.Time, d time.Duration, limit time.Time, ok func(time.Time) bool) *time.Time {
	candidate := from
	for {
		candidate = nextGap(busy, candidate, d)
		if candidate.Add(d).After(limit) {
			return nil
		}
		if ok == nil || ok(candidate) {
			return &candidate
		}
		candidate = candidate.Add(slotStep)
	}
}

func nextGap(busy []schedule.CalendarEvent, from time.Time, d time.Duration) time.Time {
	candidate := from
	for _, ev := range busy {
		if !ev.End.After(candidate) {
			continue
		}
		if !ev.Start.Before(candidate.Add(d)) {
			break
		}
		candidate = ev.End
	}
	return candidate
}
