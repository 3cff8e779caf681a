package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/api/googleapi"

	"github.com/dtorcivia/afterhours/internal/database"
	"github.com/dtorcivia/afterhours/internal/google"
	"github.com/dtorcivia/afterhours/internal/idempotency"
	"github.com/dtorcivia/afterhours/internal/policy"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

var jst = time.FixedZone("JST", 9*3600)

// Monday 2026-10-19 10:00 JST.
var mondayMorning = time.Date(2026, 10, 19, 10, 0, 0, 0, jst)

type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]schedule.CalendarEvent
	deleted map[string]bool
	nextID  int

	creates  atomic.Int32
	updates  atomic.Int32
	deletes  atomic.Int32
	lists    atomic.Int32
	failNext map[string][]error
	delay    time.Duration
	gate     chan struct{} // when set, creates block until it is closed
	lastSpec schedule.EventSpec
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		events:   make(map[string]schedule.CalendarEvent),
		deleted:  make(map[string]bool),
		failNext: make(map[string][]error),
	}
}

func (f *fakeCalendar) add(ev schedule.CalendarEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.ID] = ev
}

func (f *fakeCalendar) fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], errs...)
}

func (f *fakeCalendar) popErr(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := f.failNext[op]
	if len(errs) == 0 {
		return nil
	}
	f.failNext[op] = errs[1:]
	return errs[0]
}

func (f *fakeCalendar) get(id string) (schedule.CalendarEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	return ev, ok
}

func (f *fakeCalendar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeCalendar) ListEvents(_ context.Context, _ *google.Credential, w schedule.Window) ([]schedule.CalendarEvent, error) {
	f.lists.Add(1)
	if err := f.popErr("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []schedule.CalendarEvent
	for _, ev := range f.events {
		if w.Overlaps(ev.Window()) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeCalendar) GetEvent(_ context.Context, _ *google.Credential, id string) (*schedule.CalendarEvent, error) {
	if err := f.popErr("get"); err != nil {
		return nil, err
	}
	ev, ok := f.get(id)
	if !ok {
		return nil, fmt.Errorf("failed to get event: %w", &googleapi.Error{Code: http.StatusNotFound})
	}
	return &ev, nil
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, _ *google.Credential, spec schedule.EventSpec) (*schedule.CalendarEvent, error) {
	f.creates.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.popErr("create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.lastSpec = spec
	ev := schedule.CalendarEvent{
		ID:        fmt.Sprintf("evt-%d", f.nextID),
		Summary:   spec.Summary,
		Start:     spec.Start,
		End:       spec.End,
		Attendees: spec.Attendees,
		Organizer: "owner@example.com",
		MeetLink:  "https://meet.google.com/fake",
		Status:    "confirmed",
	}
	f.events[ev.ID] = ev
	return &ev, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _ *google.Credential, id string, patch schedule.EventPatch) (*schedule.CalendarEvent, error) {
	f.updates.Add(1)
	if err := f.popErr("update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound}
	}
	if patch.Summary != nil {
		ev.Summary = *patch.Summary
	}
	if patch.Description != nil {
		ev.Description = *patch.Description
	}
	if patch.Start != nil {
		ev.Start = *patch.Start
	}
	if patch.End != nil {
		ev.End = *patch.End
	}
	if patch.Attendees != nil {
		ev.Attendees = patch.Attendees
	}
	f.events[id] = ev
	return &ev, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ *google.Credential, id string) error {
	f.deletes.Add(1)
	if err := f.popErr("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[id]; !ok {
		if f.deleted[id] {
			return &googleapi.Error{Code: http.StatusGone}
		}
		return &googleapi.Error{Code: http.StatusNotFound}
	}
	delete(f.events, id)
	f.deleted[id] = true
	return nil
}

type fakeCreds struct {
	err   error
	calls atomic.Int32
}

func (c *fakeCreds) ValidCredential(context.Context) (*google.Credential, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &google.Credential{State: google.StateAuthenticated, AccessToken: "tok"}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []schedule.CalendarEvent
	rcpts [][]string
}

func (n *recordingNotifier) Notify(ev schedule.CalendarEvent, recipients []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, ev)
	n.rcpts = append(n.rcpts, recipients)
}

type harness struct {
	engine     *Engine
	policy     *policy.Engine
	cal        *fakeCalendar
	creds      *fakeCreds
	notifier   *recordingNotifier
	normalizer *schedule.Normalizer
	audit      *AuditLogger
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	util.SetDefaultLogger(util.NewLogger("error", "json"))

	holidays, err := policy.NewJapaneseCalendar(nil)
	require.NoError(t, err)
	pol, err := policy.NewEngine(holidays, jst, util.ClockTime{Hour: 9}, util.ClockTime{Hour: 19})
	require.NoError(t, err)

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	opts := Options{
		TimeZone:        "Asia/Tokyo",
		AddMeetLink:     true,
		SuggestFreeSlot: true,
		Retry:           RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, CallTimeout: time.Second},
		Now:             func() time.Time { return mondayMorning },
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	h := &harness{
		policy:     pol,
		cal:        newFakeCalendar(),
		creds:      &fakeCreds{},
		notifier:   &recordingNotifier{},
		normalizer: schedule.NewNormalizer(schedule.NormalizerOptions{Location: jst}),
		audit:      NewAuditLogger(db),
	}
	coord := idempotency.NewCoordinator(idempotency.NewMemoryStore(), idempotency.Options{
		PollInterval: time.Millisecond,
		WaitTimeout:  5 * time.Second,
	})
	h.engine = NewEngine(pol, h.cal, h.creds, coord, h.notifier, h.audit, opts)
	return h
}

func (h *harness) request(t *testing.T, parsed schedule.ParsedIntent) schedule.ScheduleRequest {
	t.Helper()
	req, err := h.normalizer.Normalize(parsed, nil, mondayMorning)
	require.NoError(t, err)
	return req
}

func intPtr(n int) *int { return &n }

func TestScenarioAfterHoursMeetingIsCreated(t *testing.T) {
	h := newHarness(t)
	req := h.request(t, schedule.ParsedIntent{
		Action:    "create",
		Topic:     "release planning",
		StartTime: "tomorrow at 8pm",
		Duration:  intPtr(30),
		Attendees: []string{"Alex@Example.com"},
	})

	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, out.Status)
	assert.Equal(t, string(policy.ReasonOutsideHours), out.Reason)
	require.NotNil(t, out.Event)
	assert.Equal(t, "release planning", out.Event.Summary)
	assert.Equal(t, 30*time.Minute, out.Event.Window().Duration())
	assert.Equal(t, time.Date(2026, 10, 20, 20, 0, 0, 0, jst), out.Event.Start.In(jst))
	assert.Equal(t, int32(1), h.cal.creates.Load())

	assert.True(t, h.cal.lastSpec.AddMeetLink)
	assert.Equal(t, "Asia/Tokyo", h.cal.lastSpec.TimeZone)
	assert.Equal(t, conferenceRequestID(req.Fingerprint), h.cal.lastSpec.RequestID)

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, []string{"owner@example.com", "alex@example.com"}, h.notifier.rcpts[0])
}

func TestScenarioWorkingHoursIsBooked(t *testing.T) {
	h := newHarness(t)
	req := h.request(t, schedule.ParsedIntent{
		Action:    "create",
		Topic:     "release planning",
		StartTime: "tomorrow at 2pm",
		Duration:  intPtr(30),
	})

	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StatusBooked, out.Status)
	assert.Equal(t, "Booked", out.Message)
	assert.Equal(t, string(policy.ReasonWorkingHours), out.Reason)
	assert.Nil(t, out.Event)
	assert.Equal(t, int32(0), h.cal.creates.Load())
	assert.Equal(t, int32(0), h.cal.lists.Load())
	assert.Equal(t, int32(0), h.creds.calls.Load(), "booked requests never touch the credential")
}

func TestScenarioCancelUnknownEvent(t *testing.T) {
	h := newHarness(t)
	h.cal.add(schedule.CalendarEvent{
		ID:      "other",
		Summary: "dentist",
		Start:   mondayMorning.Add(48 * time.Hour),
		End:     mondayMorning.Add(49 * time.Hour),
	})
	req := h.request(t, schedule.ParsedIntent{Action: "cancel", Target: "interview with alex"})

	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrEventNotFound)
	assert.Equal(t, int32(0), h.cal.deletes.Load())
}

func TestCancelDoesNotSettleForPartialMatch(t *testing.T) {
	h := newHarness(t)
	start := mondayMorning.Add(48 * time.Hour)
	h.cal.add(schedule.CalendarEvent{
		ID:        "bob",
		Summary:   "Interview with Bob",
		Attendees: []string{"bob@example.com"},
		Start:     start,
		End:       start.Add(time.Hour),
	})
	req := h.request(t, schedule.ParsedIntent{Action: "cancel", Target: "interview with alex"})

	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrEventNotFound)
	assert.Equal(t, int32(0), h.cal.deletes.Load())
	_, still := h.cal.get("bob")
	assert.True(t, still)
}

func TestPickTargetNeedsEveryWord(t *testing.T) {
	start := time.Date(2026, 10, 21, 20, 0, 0, 0, jst)
	events := []schedule.CalendarEvent{
		{ID: "bob", Summary: "Interview with Bob", Start: start, End: start.Add(time.Hour)},
		{ID: "alex", Summary: "Interview", Attendees: []string{"alex.tanaka@example.com"}, Start: start.Add(2 * time.Hour), End: start.Add(3 * time.Hour)},
	}

	ev, err := pickTarget(&schedule.TargetRef{Descriptor: "the interview with Alex tomorrow at 8pm"}, events)
	require.NoError(t, err)
	assert.Equal(t, "alex", ev.ID)

	_, err = pickTarget(&schedule.TargetRef{Descriptor: "interview with carol"}, events)
	assert.ErrorIs(t, err, schedule.ErrEventNotFound)

	_, err = pickTarget(&schedule.TargetRef{Descriptor: "interview"}, events)
	assert.ErrorIs(t, err, schedule.ErrAmbiguousReference)
}

func TestConcurrentIdenticalCreatesMakeOneEvent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	h.cal.delay = 30 * time.Millisecond
	req := h.request(t, schedule.ParsedIntent{
		Action:    "create",
		Topic:     "incident review",
		StartTime: "tonight at 9",
	})

	const n = 12
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			out, err := h.engine.Schedule(context.Background(), req)
			errs[i] = err
			if out != nil {
				ids[i] = out.EventID
			}
		}(i)
	}
	wg.Wait()
	h.engine.Drain()

	assert.Equal(t, int32(1), h.cal.creates.Load())
	assert.Equal(t, 1, h.cal.count())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestSlowCreateKeepsItsClaim(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	var clockMu sync.Mutex
	now := mondayMorning
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	coord := idempotency.NewCoordinator(idempotency.NewMemoryStore(), idempotency.Options{
		PollInterval: time.Millisecond,
		WaitTimeout:  5 * time.Second,
		Now:          clock,
	})
	retry := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, CallTimeout: 45 * time.Second}
	h.engine = NewEngine(h.policy, h.cal, h.creds, coord, h.notifier, h.audit, Options{
		TimeZone: "Asia/Tokyo",
		Retry:    retry,
		Now:      func() time.Time { return mondayMorning },
	})
	assert.Greater(t, coord.InFlightTTL(), retry.MutationDeadline())

	h.cal.gate = make(chan struct{})
	req := h.request(t, schedule.ParsedIntent{
		Action:    "create",
		Topic:     "vendor sync",
		StartTime: "tonight at 9",
	})

	results := make(chan *Outcome, 2)
	run := func() {
		out, err := h.engine.Schedule(context.Background(), req)
		assert.NoError(t, err)
		results <- out
	}
	go run()
	require.Eventually(t, func() bool { return h.cal.creates.Load() == 1 }, time.Second, time.Millisecond)

	// Well past the default two-minute claim.
	clockMu.Lock()
	now = now.Add(121 * time.Second)
	clockMu.Unlock()
	go run()
	time.Sleep(20 * time.Millisecond)
	close(h.cal.gate)

	first, second := <-results, <-results
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.EventID, second.EventID)
	assert.True(t, first.Replayed || second.Replayed)
	assert.Equal(t, int32(1), h.cal.creates.Load())
	assert.Equal(t, 1, h.cal.count())
	h.engine.Drain()
}

func TestRetryAfterCompletionReplays(t *testing.T) {
	h := newHarness(t)
	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "sync", StartTime: "tomorrow 8pm"})

	first, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	second, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.EventID, second.EventID)
	assert.True(t, second.Replayed)
	assert.Equal(t, int32(1), h.cal.creates.Load())
	assert.Len(t, h.notifier.sent, 1)
}

func TestConflictsAreAdvisoryByDefault(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 20, 20, 0, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{ID: "busy", Summary: "on call handover", Start: start.Add(-15 * time.Minute), End: start.Add(15 * time.Minute)})

	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "retro", StartTime: "tomorrow at 8pm", Duration: intPtr(30)})
	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, out.Status)
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, "busy", out.Conflicts[0].ID)
	require.NotNil(t, out.EarliestFreeSlot)
	assert.True(t, out.EarliestFreeSlot.Equal(start.Add(15*time.Minute)))
}

func TestFreeSlotSkipsWorkingHours(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 20, 8, 30, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{ID: "early", Summary: "gym", Start: start.Add(-30 * time.Minute), End: start.Add(30 * time.Minute)})

	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "vendor call", StartTime: "2026-10-20 08:30", Duration: intPtr(30)})
	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, out.Conflicts, 1)
	require.NotNil(t, out.EarliestFreeSlot)
	// 09:00 is free but would only be booked; the first schedulable start is 19:00.
	assert.True(t, out.EarliestFreeSlot.Equal(time.Date(2026, 10, 20, 19, 0, 0, 0, jst)), "got %s", out.EarliestFreeSlot)
}

func TestConflictsBlockWhenConfigured(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BlockOnConflict = true })
	start := time.Date(2026, 10, 20, 20, 0, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{ID: "busy", Summary: "on call handover", Start: start, End: start.Add(time.Hour)})

	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "retro", StartTime: "tomorrow at 8pm"})
	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrConflict)
	assert.Equal(t, int32(0), h.cal.creates.Load())

	// Nothing reached the calendar, so the slot was released rather than cached.
	h.cal.mu.Lock()
	delete(h.cal.events, "busy")
	h.cal.mu.Unlock()
	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, out.Status)
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.cal.fail("create",
		&googleapi.Error{Code: http.StatusServiceUnavailable},
		&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}},
	)
	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "sync", StartTime: "tomorrow 8pm"})

	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, out.Status)
	assert.Equal(t, int32(3), h.cal.creates.Load())

	entries, err := h.audit.ByMutation(context.Background(), out.MutationID)
	require.NoError(t, err)
	var states []string
	for _, e := range entries {
		states = append(states, e.State)
	}
	assert.Equal(t, []string{"in_flight", "failed_transient", "in_flight", "failed_transient", "in_flight", "succeeded"}, states)
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.cal.fail("create", &googleapi.Error{Code: http.StatusBadGateway})
	}
	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "sync", StartTime: "tomorrow 8pm"})

	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrCalendarOperationFailed)
	assert.Equal(t, int32(3), h.cal.creates.Load())
}

func TestPermanentFailureIsCached(t *testing.T) {
	h := newHarness(t)
	h.cal.fail("create", &googleapi.Error{Code: http.StatusBadRequest, Message: "Invalid attendee email."})
	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "sync", StartTime: "tomorrow 8pm"})

	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrCalendarOperationFailed)
	assert.Contains(t, schedule.ReasonOf(err), "Invalid attendee email.")

	_, err = h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrCalendarOperationFailed)
	assert.Equal(t, int32(1), h.cal.creates.Load(), "a duplicate must not retry a permanent failure")
}

func TestReauthAbortsWithoutCaching(t *testing.T) {
	h := newHarness(t)
	h.creds.err = schedule.Errorf(schedule.KindReauthRequired, "re-authorize")
	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "sync", StartTime: "tomorrow 8pm"})

	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrReauthRequired)
	assert.Equal(t, int32(0), h.cal.creates.Load())

	h.creds.err = nil
	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, int32(1), h.cal.creates.Load())
}

func TestCallerCancellationDoesNotAbortMutation(t *testing.T) {
	h := newHarness(t)
	h.cal.delay = 50 * time.Millisecond
	req := h.request(t, schedule.ParsedIntent{Action: "create", Topic: "sync", StartTime: "tomorrow 8pm"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := h.engine.Schedule(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h.engine.Drain()
	assert.Equal(t, 1, h.cal.count())

	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, int32(1), h.cal.creates.Load())
}

func TestPartialUpdateKeepsOtherFields(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 20, 20, 0, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{
		ID:        "evt-7",
		Summary:   "release planning",
		Start:     start,
		End:       start.Add(45 * time.Minute),
		Attendees: []string{"alex@example.com"},
	})

	req := h.request(t, schedule.ParsedIntent{Action: "update", EventID: "evt-7", Topic: "release retro"})
	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, out.Status)

	ev, ok := h.cal.get("evt-7")
	require.True(t, ok)
	assert.Equal(t, "release retro", ev.Summary)
	assert.True(t, ev.Start.Equal(start))
	assert.Equal(t, 45*time.Minute, ev.Window().Duration())
	assert.Equal(t, []string{"alex@example.com"}, ev.Attendees)
}

func TestRescheduleKeepsDuration(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 20, 20, 0, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{ID: "evt-8", Summary: "design review", Start: start, End: start.Add(time.Hour), Created: mondayMorning})

	req := h.request(t, schedule.ParsedIntent{Action: "move", Target: "design review", StartTime: "tomorrow at 9pm"})
	_, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)

	ev, _ := h.cal.get("evt-8")
	assert.True(t, ev.Start.Equal(start.Add(time.Hour)))
	assert.Equal(t, time.Hour, ev.Window().Duration())
	assert.Equal(t, "design review", ev.Summary)
}

func TestUpdateClearsDescription(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 20, 20, 0, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{ID: "evt-10", Summary: "retro", Description: "bring notes", Start: start, End: start.Add(time.Hour)})

	req := h.request(t, schedule.ParsedIntent{Action: "update", EventID: "evt-10", ClearDescription: true})
	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, out.Status)

	ev, ok := h.cal.get("evt-10")
	require.True(t, ok)
	assert.Empty(t, ev.Description)
	assert.Equal(t, "retro", ev.Summary)
	assert.True(t, ev.Start.Equal(start))
}

func TestUpdateUnknownIDIsNotFound(t *testing.T) {
	h := newHarness(t)
	req := h.request(t, schedule.ParsedIntent{Action: "update", EventID: "missing", Topic: "x"})
	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrEventNotFound)
	assert.Equal(t, int32(0), h.cal.updates.Load())
}

func TestDeleteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 20, 20, 0, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{ID: "evt-9", Summary: "sync", Start: start, End: start.Add(time.Hour)})

	first := schedule.ScheduleRequest{
		Action:      schedule.ActionRemove,
		Target:      &schedule.TargetRef{EventID: "evt-9"},
		Fingerprint: "delete-1",
	}
	out, err := h.engine.Remove(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, out.Status)

	// A fresh fingerprint bypasses the idempotency cache and reaches the backend.
	second := first
	second.Fingerprint = "delete-2"
	out, err = h.engine.Remove(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, out.Status)
	assert.Equal(t, int32(2), h.cal.deletes.Load())
}

func TestRemoveByDescriptor(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 21, 20, 0, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{ID: "a", Summary: "Interview", Attendees: []string{"alex@example.com"}, Start: start, End: start.Add(time.Hour)})
	h.cal.add(schedule.CalendarEvent{ID: "b", Summary: "Lunch with Sam", Start: start.Add(-6 * time.Hour), End: start.Add(-5 * time.Hour)})

	req := h.request(t, schedule.ParsedIntent{Action: "cancel", Target: "interview with alex"})
	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "a", out.EventID)
	_, still := h.cal.get("a")
	assert.False(t, still)
}

func TestAmbiguousDescriptor(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 21, 20, 0, 0, 0, jst)
	h.cal.add(schedule.CalendarEvent{ID: "a", Summary: "standup", Start: start, End: start.Add(time.Hour), Created: mondayMorning})
	h.cal.add(schedule.CalendarEvent{ID: "b", Summary: "standup", Start: start.Add(24 * time.Hour), End: start.Add(25 * time.Hour), Created: mondayMorning})

	req := h.request(t, schedule.ParsedIntent{Action: "cancel", Target: "standup"})
	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrAmbiguousReference)

	// A date hint breaks the tie.
	req = h.request(t, schedule.ParsedIntent{Action: "cancel", Target: "standup", StartTime: "2026-10-22 20:00"})
	out, err := h.engine.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b", out.EventID)
}

func TestNotAuthenticatedSurfaces(t *testing.T) {
	h := newHarness(t)
	h.creds.err = schedule.Errorf(schedule.KindNotAuthenticated, "connect first")
	req := h.request(t, schedule.ParsedIntent{Action: "cancel", EventID: "evt-1"})

	_, err := h.engine.Schedule(context.Background(), req)
	assert.ErrorIs(t, err, schedule.ErrNotAuthenticated)
}

func TestBackoffIsBoundedExponential(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, p.backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.backoff(2))
	assert.Equal(t, time.Second, p.backoff(5))
}

func TestMutationTransitions(t *testing.T) {
	m := &mutation{id: "m", state: MutationPending}
	ctx := context.Background()

	m.moveTo(ctx, MutationSucceeded, nil)
	assert.Equal(t, MutationPending, m.state, "pending cannot jump to succeeded")

	m.moveTo(ctx, MutationInFlight, nil)
	m.moveTo(ctx, MutationFailedTransient, nil)
	m.moveTo(ctx, MutationInFlight, nil)
	m.moveTo(ctx, MutationSucceeded, nil)
	assert.Equal(t, MutationSucceeded, m.state)
	assert.Equal(t, 2, m.attempts)
	assert.True(t, m.state.Terminal())

	m.moveTo(ctx, MutationInFlight, nil)
	assert.Equal(t, MutationSucceeded, m.state)
}
