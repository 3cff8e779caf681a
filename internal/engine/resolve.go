package engine

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dtorcivia/afterhours/internal/google"
	"github.com/dtorcivia/afterhours/internal/schedule"
)

// Words that say nothing about which event is meant. Dates reach the
// resolver as the target's date hint.
var descriptorStopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "with": {}, "about": {}, "and": {}, "for": {},
	"my": {}, "our": {}, "on": {}, "at": {}, "to": {}, "of": {}, "in": {},
	"meeting": {}, "meet": {}, "call": {}, "event": {},
	"today": {}, "tonight": {}, "tomorrow": {}, "yesterday": {}, "next": {}, "this": {},
	"am": {}, "pm": {}, "morning": {}, "afternoon": {}, "evening": {},
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {}, "friday": {},
	"saturday": {}, "sunday": {},
}

// resolveTarget turns a TargetRef into a concrete event. An explicit id is
// fetched; a descriptor is matched against upcoming events.
func (e *Engine) resolveTarget(ctx context.Context, m *mutation, req schedule.ScheduleRequest) (*schedule.CalendarEvent, error) {
	target := req.Target
	if target == nil {
		return nil, schedule.Errorf(schedule.KindAmbiguousReference, "no event was named")
	}

	if target.EventID != "" {
		var ev *schedule.CalendarEvent
		err := e.call(ctx, m, "get", readCall, func(ctx context.Context, cred *google.Credential) error {
			var err error
			ev, err = e.cal.GetEvent(ctx, cred, target.EventID)
			return err
		})
		if err != nil {
			if isNotFound(err) {
				return nil, schedule.Wrap(schedule.KindEventNotFound, "no event with id "+target.EventID, err)
			}
			return nil, permanent(err, "failed to look up event")
		}
		if ev.Cancelled() {
			return nil, schedule.Errorf(schedule.KindEventNotFound, "event %s has been cancelled", target.EventID)
		}
		return ev, nil
	}

	window := e.searchWindow(req)
	var events []schedule.CalendarEvent
	err := e.call(ctx, m, "list", readCall, func(ctx context.Context, cred *google.Credential) error {
		var err error
		events, err = e.cal.ListEvents(ctx, cred, window)
		return err
	})
	if err != nil {
		return nil, permanent(err, "failed to search the calendar")
	}
	return pickTarget(target, events)
}

func (e *Engine) searchWindow(req schedule.ScheduleRequest) schedule.Window {
	anchor := req.Anchor
	if anchor.IsZero() {
		anchor = e.now()
	}
	w := schedule.Window{Start: anchor.Add(-24 * time.Hour), End: anchor.Add(e.opts.ResolveWindow)}
	if hint := req.Target.DateHint; hint != nil {
		if from := hint.Add(-24 * time.Hour); from.Before(w.Start) {
			w.Start = from
		}
		if to := hint.Add(24 * time.Hour); to.After(w.End) {
			w.End = to
		}
	}
	return w
}

// pickTarget keeps the events that contain every descriptor word, in the
// summary or an attendee's name. A partial overlap is not a match: "interview
// with alex" never picks "Interview with Bob". Ties go to the start nearest
// the date hint, else the most recently created; a tie that survives both is
// ambiguous.
func pickTarget(target *schedule.TargetRef, events []schedule.CalendarEvent) (*schedule.CalendarEvent, error) {
	words := descriptorWords(target.Descriptor)
	if len(words) == 0 {
		return nil, schedule.Errorf(schedule.KindAmbiguousReference, "%q does not describe an event", target.Descriptor)
	}

	var cands []schedule.CalendarEvent
	for _, ev := range events {
		if ev.Cancelled() {
			continue
		}
		if matchesAll(words, ev) {
			cands = append(cands, ev)
		}
	}
	if len(cands) == 0 {
		return nil, schedule.Errorf(schedule.KindEventNotFound, "no event matches %q", target.Descriptor)
	}

	less := func(a, b schedule.CalendarEvent) int {
		if target.DateHint != nil {
			da, db := absDuration(a.Start.Sub(*target.DateHint)), absDuration(b.Start.Sub(*target.DateHint))
			if da != db {
				if da < db {
					return -1
				}
				return 1
			}
			return 0
		}
		if !a.Created.Equal(b.Created) {
			if a.Created.After(b.Created) {
				return -1
			}
			return 1
		}
		return 0
	}
	sort.SliceStable(cands, func(i, j int) bool { return less(cands[i], cands[j]) < 0 })

	if len(cands) > 1 && less(cands[0], cands[1]) == 0 {
		return nil, schedule.Errorf(schedule.KindAmbiguousReference,
			"%q matches several events (%q and %q); give a date or the event id",
			target.Descriptor, cands[0].Summary, cands[1].Summary)
	}
	best := cands[0]
	return &best, nil
}

func matchesAll(words []string, ev schedule.CalendarEvent) bool {
	haystack := make(map[string]struct{})
	for _, w := range tokenize(ev.Summary) {
		haystack[w] = struct{}{}
	}
	for _, a := range ev.Attendees {
		local := a
		if at := strings.IndexByte(a, '@'); at >= 0 {
			local = a[:at]
		}
		for _, w := range tokenize(local) {
			haystack[w] = struct{}{}
		}
	}

	for _, w := range words {
		if _, ok := haystack[w]; !ok {
			return false
		}
	}
	return true
}

func descriptorWords(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, w := range tokenize(s) {
		if _, stop := descriptorStopWords[w]; stop || isClockWord(w) {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// isClockWord reports tokens like "8", "20", "8pm" or "9am".
func isClockWord(w string) bool {
	w = strings.TrimSuffix(strings.TrimSuffix(w, "pm"), "am")
	if w == "" {
		return false
	}
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
