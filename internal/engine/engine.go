// Package engine orchestrates scheduling requests: the working-hours
// verdict, conflict checks, idempotent calendar mutations and the
// notifications that follow them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtorcivia/afterhours/internal/conflict"
	"github.com/dtorcivia/afterhours/internal/google"
	"github.com/dtorcivia/afterhours/internal/idempotency"
	"github.com/dtorcivia/afterhours/internal/metrics"
	"github.com/dtorcivia/afterhours/internal/policy"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

// Calendar is the backend the engine mutates.
type Calendar interface {
	ListEvents(ctx context.Context, cred *google.Credential, window schedule.Window) ([]schedule.CalendarEvent, error)
	GetEvent(ctx context.Context, cred *google.Credential, eventID string) (*schedule.CalendarEvent, error)
	CreateEvent(ctx context.Context, cred *google.Credential, spec schedule.EventSpec) (*schedule.CalendarEvent, error)
	UpdateEvent(ctx context.Context, cred *google.Credential, eventID string, patch schedule.EventPatch) (*schedule.CalendarEvent, error)
	DeleteEvent(ctx context.Context, cred *google.Credential, eventID string) error
}

// Credentials hands out a credential valid for the next calendar call.
type Credentials interface {
	ValidCredential(ctx context.Context) (*google.Credential, error)
}

// Policy classifies a start time.
type Policy interface {
	Decide(start time.Time) (policy.Decision, error)
}

// Notifier is told about newly created events. It must not block.
type Notifier interface {
	Notify(event schedule.CalendarEvent, recipients []string)
}

// Status is the user-facing result of a request.
type Status string

const (
	StatusBooked    Status = "booked"
	StatusScheduled Status = "scheduled"
	StatusUpdated   Status = "updated"
	StatusDeleted   Status = "deleted"
)

// Outcome is what a successful request reports. It is also what the
// idempotency coordinator replays to duplicates.
type Outcome struct {
	Status           Status                   `json:"status"`
	Message          string                   `json:"message"`
	Reason           string                   `json:"reason,omitempty"`
	EventID          string                   `json:"event_id,omitempty"`
	Event            *schedule.CalendarEvent  `json:"event,omitempty"`
	Conflicts        []schedule.CalendarEvent `json:"conflicts,omitempty"`
	EarliestFreeSlot *time.Time               `json:"earliest_free_slot,omitempty"`
	MutationID       string                   `json:"mutation_id,omitempty"`
	Replayed         bool                     `json:"replayed,omitempty"`
}

// Options tunes an Engine.
type Options struct {
	TimeZone        string // IANA name attached to created events
	AddMeetLink     bool
	BlockOnConflict bool
	SuggestFreeSlot bool
	FreeSlotHorizon time.Duration
	ResolveWindow   time.Duration // how far ahead descriptors are searched
	Retry           RetryPolicy
	Now             func() time.Time
}

// claimMargin keeps an idempotency claim alive past the mutation deadline
// long enough for the result to be recorded.
const claimMargin = 30 * time.Second

// Engine runs scheduling requests end to end.
type Engine struct {
	policy   Policy
	cal      Calendar
	creds    Credentials
	idem     *idempotency.Coordinator
	detector *conflict.Detector
	notifier Notifier
	audit    *AuditLogger

	opts  Options
	retry RetryPolicy
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	inflight sync.WaitGroup
}

// NewEngine wires an Engine. notifier and audit may be nil.
func NewEngine(pol Policy, cal Calendar, creds Credentials, idem *idempotency.Coordinator, notifier Notifier, audit *AuditLogger, opts Options) *Engine {
	if opts.ResolveWindow <= 0 {
		opts.ResolveWindow = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	retry := opts.Retry.withDefaults()
	idem.CoverInFlight(retry.MutationDeadline() + claimMargin)
	return &Engine{
		policy:   pol,
		cal:      cal,
		creds:    creds,
		idem:     idem,
		detector: conflict.NewDetector(opts.FreeSlotHorizon),
		notifier: notifier,
		audit:    audit,
		opts:     opts,
		retry:    retry,
		now:      opts.Now,
		sleep:    sleepCtx,
	}
}

// Drain waits for mutations whose callers stopped waiting.
func (e *Engine) Drain() {
	e.inflight.Wait()
}

// Schedule dispatches a normalized request by action.
func (e *Engine) Schedule(ctx context.Context, req schedule.ScheduleRequest) (*Outcome, error) {
	switch req.Action {
	case schedule.ActionCreate:
		return e.Create(ctx, req)
	case schedule.ActionUpdate:
		return e.Update(ctx, req)
	case schedule.ActionRemove:
		return e.Remove(ctx, req)
	default:
		return nil, schedule.Errorf(schedule.KindInvalidRequest, "unsupported action %q", req.Action)
	}
}

// Create applies the working-hours policy and, for schedulable times,
// creates the event exactly once per fingerprint.
func (e *Engine) Create(ctx context.Context, req schedule.ScheduleRequest) (*Outcome, error) {
	if req.DurationMinutes <= 0 {
		return nil, schedule.Errorf(schedule.KindInvalidRequest, "duration must be positive")
	}
	decision, err := e.policy.Decide(req.Start)
	if err != nil {
		return nil, err
	}
	metrics.PolicyDecisions.WithLabelValues(string(decision.Classification), string(decision.Reason)).Inc()

	if decision.Classification == policy.Booked {
		util.Info("Request falls in working hours; not creating an event",
			"start", req.Start, "reason", decision.Reason)
		return &Outcome{
			Status:  StatusBooked,
			Message: "Booked",
			Reason:  string(decision.Reason),
		}, nil
	}

	return e.once(ctx, req, func(ctx context.Context, m *mutation) (*Outcome, error) {
		out, err := e.create(ctx, m, req)
		if out != nil {
			out.Reason = string(decision.Reason)
		}
		return out, err
	})
}

// Update applies a partial change to an existing event.
func (e *Engine) Update(ctx context.Context, req schedule.ScheduleRequest) (*Outcome, error) {
	return e.once(ctx, req, func(ctx context.Context, m *mutation) (*Outcome, error) {
		return e.update(ctx, m, req)
	})
}

// Remove deletes an event. Deleting an event that is already gone succeeds.
func (e *Engine) Remove(ctx context.Context, req schedule.ScheduleRequest) (*Outcome, error) {
	return e.once(ctx, req, func(ctx context.Context, m *mutation) (*Outcome, error) {
		return e.remove(ctx, m, req)
	})
}

type mutationFunc func(ctx context.Context, m *mutation) (*Outcome, error)

// once routes req through the idempotency coordinator so that identical
// concurrent requests share one execution.
func (e *Engine) once(ctx context.Context, req schedule.ScheduleRequest, run mutationFunc) (*Outcome, error) {
	if req.Fingerprint == "" {
		return nil, schedule.Errorf(schedule.KindInvalidRequest, "request has no fingerprint")
	}

	// A released slot lets waiters try again; a few rounds is plenty.
	for round := 0; round < 3; round++ {
		slot, err := e.idem.Begin(ctx, req.Fingerprint)
		if err != nil {
			return nil, err
		}

		switch slot.Outcome {
		case idempotency.Completed:
			return replay(slot.Result)
		case idempotency.InFlight:
			res, err := e.idem.Wait(ctx, req.Fingerprint)
			if err != nil {
				return nil, err
			}
			if res == nil {
				continue
			}
			return replay(res)
		default:
			return e.execute(ctx, req, slot, run)
		}
	}
	return nil, schedule.Errorf(schedule.KindInProgress, "an identical request keeps failing; retry shortly")
}

func replay(res *idempotency.Result) (*Outcome, error) {
	if err := res.Err(); err != nil {
		return nil, err
	}
	var out Outcome
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode stored outcome: %w", err)
	}
	out.Replayed = true
	return &out, nil
}

type mutationResult struct {
	out *Outcome
	err error
}

// execute runs the mutation detached from ctx. If the caller goes away the
// mutation still finishes and its result is recorded for the next attempt.
func (e *Engine) execute(ctx context.Context, req schedule.ScheduleRequest, slot *idempotency.Slot, run mutationFunc) (*Outcome, error) {
	m := newMutation(req, e.audit)
	detached := context.WithoutCancel(ctx)
	done := make(chan mutationResult, 1)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		mctx, cancel := context.WithTimeout(detached, e.retry.MutationDeadline())
		defer cancel()
		stopHold := e.idem.Hold(mctx, slot)

		out, err := run(mctx, m)
		stopHold()
		if out != nil {
			out.MutationID = m.id
		}
		e.settle(detached, slot, m, out, err)
		done <- mutationResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		util.Warn("Caller left before the mutation finished; it will still complete",
			"mutation_id", m.id, "action", req.Action)
		return nil, ctx.Err()
	}
}

// settle records the mutation's end state. Failures that never reached the
// calendar, and authentication failures, release the slot so a corrected
// retry is not answered from cache.
func (e *Engine) settle(ctx context.Context, slot *idempotency.Slot, m *mutation, out *Outcome, runErr error) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if runErr == nil {
		res, err := idempotency.SuccessResult(out)
		if err == nil {
			err = e.idem.Complete(sctx, slot, res)
		}
		if err != nil {
			util.Error("Failed to record mutation result", "error", err, "mutation_id", m.id)
		}
		return
	}

	m.moveTo(sctx, MutationFailedPermanent, map[string]interface{}{
		"kind":  string(schedule.KindOf(runErr)),
		"error": runErr.Error(),
	})

	kind := schedule.KindOf(runErr)
	release := !m.dispatched ||
		kind == schedule.KindNotAuthenticated ||
		kind == schedule.KindReauthRequired ||
		errors.Is(runErr, context.Canceled)
	if release {
		if err := e.idem.Release(sctx, slot); err != nil {
			util.Error("Failed to release idempotency slot", "error", err, "mutation_id", m.id)
		}
		return
	}
	if err := e.idem.Complete(sctx, slot, idempotency.FailureResult(runErr)); err != nil {
		util.Error("Failed to record mutation failure", "error", err, "mutation_id", m.id)
	}
}

func (e *Engine) create(ctx context.Context, m *mutation, req schedule.ScheduleRequest) (*Outcome, error) {
	report, err := e.conflicts(ctx, m, req.Window(), "")
	if err != nil {
		return nil, err
	}

	spec := schedule.EventSpec{
		Summary:     req.Topic,
		Description: req.Description,
		Start:       req.Start,
		End:         req.End(),
		Attendees:   req.Attendees,
		TimeZone:    e.opts.TimeZone,
		AddMeetLink: e.opts.AddMeetLink,
		RequestID:   conferenceRequestID(req.Fingerprint),
	}

	var created *schedule.CalendarEvent
	err = e.call(ctx, m, "create", writeCall, func(ctx context.Context, cred *google.Credential) error {
		var err error
		created, err = e.cal.CreateEvent(ctx, cred, spec)
		return err
	})
	if err != nil {
		return nil, permanent(err, "failed to create the event")
	}
	m.eventID = created.ID
	m.moveTo(ctx, MutationSucceeded, map[string]interface{}{"event_id": created.ID})
	util.Info("Event created", "event_id", created.ID, "mutation_id", m.id, "start", created.Start)

	if e.notifier != nil {
		e.notifier.Notify(*created, recipients(*created))
	}

	return &Outcome{
		Status:           StatusScheduled,
		Message:          "Meeting scheduled: " + req.Topic,
		EventID:          created.ID,
		Event:            created,
		Conflicts:        report.Overlapping,
		EarliestFreeSlot: report.EarliestFreeSlot,
	}, nil
}

func (e *Engine) update(ctx context.Context, m *mutation, req schedule.ScheduleRequest) (*Outcome, error) {
	current, err := e.resolveTarget(ctx, m, req)
	if err != nil {
		return nil, err
	}
	m.eventID = current.ID

	patch := schedule.EventPatch{TimeZone: e.opts.TimeZone}
	if req.Topic != "" {
		patch.Summary = &req.Topic
	}
	if req.Description != "" || req.ClearDescription {
		patch.Description = &req.Description
	}
	if len(req.Attendees) > 0 {
		patch.Attendees = req.Attendees
	}

	var report conflict.Report
	if !req.Start.IsZero() || req.DurationMinutes > 0 {
		start := current.Start
		if !req.Start.IsZero() {
			start = req.Start
		}
		length := current.End.Sub(current.Start)
		if req.DurationMinutes > 0 {
			length = time.Duration(req.DurationMinutes) * time.Minute
		}
		if length <= 0 || (current.AllDay && req.DurationMinutes == 0) {
			return nil, schedule.Errorf(schedule.KindInvalidRequest, "cannot work out the new length of %q; give a duration", current.Summary)
		}
		end := start.Add(length)
		patch.Start, patch.End = &start, &end

		report, err = e.conflicts(ctx, m, schedule.Window{Start: start, End: end}, current.ID)
		if err != nil {
			return nil, err
		}
	}
	if patch.Empty() {
		return nil, schedule.Errorf(schedule.KindInvalidRequest, "update changes nothing")
	}

	var updated *schedule.CalendarEvent
	err = e.call(ctx, m, "update", writeCall, func(ctx context.Context, cred *google.Credential) error {
		var err error
		updated, err = e.cal.UpdateEvent(ctx, cred, current.ID, patch)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, schedule.Wrap(schedule.KindEventNotFound, "the event no longer exists", err)
		}
		return nil, permanent(err, "failed to update the event")
	}
	m.moveTo(ctx, MutationSucceeded, map[string]interface{}{"event_id": updated.ID})
	util.Info("Event updated", "event_id", updated.ID, "mutation_id", m.id)

	return &Outcome{
		Status:           StatusUpdated,
		Message:          "Meeting updated: " + updated.Summary,
		EventID:          updated.ID,
		Event:            updated,
		Conflicts:        report.Overlapping,
		EarliestFreeSlot: report.EarliestFreeSlot,
	}, nil
}

func (e *Engine) remove(ctx context.Context, m *mutation, req schedule.ScheduleRequest) (*Outcome, error) {
	if req.Target == nil {
		return nil, schedule.Errorf(schedule.KindAmbiguousReference, "no event was named")
	}

	eventID, summary := req.Target.EventID, ""
	if eventID == "" {
		ev, err := e.resolveTarget(ctx, m, req)
		if err != nil {
			return nil, err
		}
		eventID, summary = ev.ID, ev.Summary
	}
	m.eventID = eventID

	err := e.call(ctx, m, "delete", writeCall, func(ctx context.Context, cred *google.Credential) error {
		return e.cal.DeleteEvent(ctx, cred, eventID)
	})
	message := "Meeting cancelled"
	if summary != "" {
		message += ": " + summary
	}
	switch {
	case err == nil:
	case isNotFound(err):
		util.Info("Event already gone; treating delete as done", "event_id", eventID, "mutation_id", m.id)
		message = "Meeting already cancelled"
	default:
		return nil, permanent(err, "failed to delete the event")
	}
	m.moveTo(ctx, MutationSucceeded, map[string]interface{}{"event_id": eventID})

	return &Outcome{
		Status:  StatusDeleted,
		Message: message,
		EventID: eventID,
	}, nil
}

// conflicts runs the advisory conflict check. With BlockOnConflict set, an
// overlap fails the request; otherwise it is reported alongside success.
// Lookup failures other than authentication are logged and skipped unless
// blocking is on.
// schedulable reports whether a suggested slot would create an event rather
// than come back as booked.
func (e *Engine) schedulable(start time.Time) bool {
	d, err := e.policy.Decide(start)
	return err == nil && d.Classification == policy.Schedulable
}

func (e *Engine) conflicts(ctx context.Context, m *mutation, window schedule.Window, excludeID string) (conflict.Report, error) {
	lister := conflict.ListerFunc(func(ctx context.Context, w schedule.Window) ([]schedule.CalendarEvent, error) {
		var events []schedule.CalendarEvent
		err := e.call(ctx, m, "list", readCall, func(ctx context.Context, cred *google.Credential) error {
			var err error
			events, err = e.cal.ListEvents(ctx, cred, w)
			return err
		})
		return events, err
	})

	report, err := e.detector.Check(ctx, lister, window, conflict.Options{
		FindFreeSlot: e.opts.SuggestFreeSlot,
		ExcludeID:    excludeID,
		Acceptable:   e.schedulable,
	})
	if err != nil {
		metrics.ConflictChecks.WithLabelValues("error").Inc()
		kind := schedule.KindOf(err)
		if kind == schedule.KindNotAuthenticated || kind == schedule.KindReauthRequired || e.opts.BlockOnConflict {
			return conflict.Report{}, permanent(err, "failed to check for conflicts")
		}
		util.Warn("Conflict check failed; continuing without it", "error", err, "mutation_id", m.id)
		return conflict.Report{}, nil
	}

	if !report.HasConflict {
		metrics.ConflictChecks.WithLabelValues("clear").Inc()
		return report, nil
	}
	metrics.ConflictChecks.WithLabelValues("conflict").Inc()
	util.Info("Requested window overlaps existing events", "count", len(report.Overlapping), "mutation_id", m.id)
	if e.opts.BlockOnConflict {
		return report, schedule.Errorf(schedule.KindConflict, "the meeting overlaps %d existing event(s), starting with %q",
			len(report.Overlapping), report.Overlapping[0].Summary)
	}
	return report, nil
}

// conferenceRequestID is stable per fingerprint so a retried insert does
// not ask for a second Meet conference.
func conferenceRequestID(fp string) string {
	if len(fp) > 32 {
		return fp[:32]
	}
	return fp
}

func recipients(ev schedule.CalendarEvent) []string {
	out := make([]string, 0, len(ev.Attendees)+1)
	seen := make(map[string]struct{})
	for _, addr := range append([]string{ev.Organizer}, ev.Attendees...) {
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
