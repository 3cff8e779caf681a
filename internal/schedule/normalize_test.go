package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jst = time.FixedZone("JST", 9*60*60)

// Monday 2026-10-19 10:00 JST.
var monday = time.Date(2026, 10, 19, 10, 0, 0, 0, jst)

func intPtr(v int) *int { return &v }

func newTestNormalizer() *Normalizer {
	return NewNormalizer(NormalizerOptions{Location: jst, DefaultDurationMinutes: 30})
}

func TestResolveTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"tomorrow 8pm", time.Date(2026, 10, 20, 20, 0, 0, 0, jst)},
		{"tomorrow at 2pm", time.Date(2026, 10, 20, 14, 0, 0, 0, jst)},
		{"Tomorrow at 20:00", time.Date(2026, 10, 20, 20, 0, 0, 0, jst)},
		{"tonight at 9", time.Date(2026, 10, 19, 21, 0, 0, 0, jst)},
		{"day after tomorrow 10:30am", time.Date(2026, 10, 21, 10, 30, 0, 0, jst)},
		{"friday 6pm", time.Date(2026, 10, 23, 18, 0, 0, 0, jst)},
		{"next Monday 9:15", time.Date(2026, 10, 26, 9, 15, 0, 0, jst)},
		{"saturday noon", time.Date(2026, 10, 24, 12, 0, 0, 0, jst)},
		{"2026-10-22 7 p.m.", time.Date(2026, 10, 22, 19, 0, 0, 0, jst)},
		{"2026-10-22 19:30:00", time.Date(2026, 10, 22, 19, 30, 0, 0, jst)},
		{"2026-10-22T19:30", time.Date(2026, 10, 22, 19, 30, 0, 0, jst)},
		{"9am", time.Date(2026, 10, 20, 9, 0, 0, 0, jst)},
		{"11:00", time.Date(2026, 10, 19, 11, 0, 0, 0, jst)},
		{"in 2 hours", time.Date(2026, 10, 19, 12, 0, 0, 0, jst)},
		{"in 45 minutes", time.Date(2026, 10, 19, 10, 45, 0, 0, jst)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ResolveTime(tt.in, monday, jst)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestResolveTimeKeepsExplicitOffset(t *testing.T) {
	got, err := ResolveTime("2026-10-20T11:00:00Z", monday, jst)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 10, 20, 20, 0, 0, 0, jst)))
}

func TestResolveTimeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"whenever", "tomorrow", "25:00", "13pm", "2026-13-40 10:00"} {
		_, err := ResolveTime(in, monday, jst)
		require.Error(t, err, in)
		assert.Equal(t, KindInvalidRequest, KindOf(err), in)
	}
}

func TestNormalizeCreate(t *testing.T) {
	n := newTestNormalizer()

	req, err := n.Normalize(ParsedIntent{
		Action:    "create",
		Topic:     "  Project   sync ",
		StartTime: "tomorrow 8pm",
		Attendees: []string{"Bob@Example.com", "alice@example.com", "bob@example.com", "not-an-email"},
	}, nil, monday)
	require.NoError(t, err)

	assert.Equal(t, ActionCreate, req.Action)
	assert.Equal(t, "Project sync", req.Topic)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, req.Attendees)
	assert.Equal(t, 30, req.DurationMinutes)
	assert.True(t, req.Start.Equal(time.Date(2026, 10, 20, 20, 0, 0, 0, jst)))
	assert.True(t, req.Anchor.Equal(monday))
	assert.NotEmpty(t, req.Fingerprint)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := newTestNormalizer()
	p := ParsedIntent{Action: "schedule", Topic: "Sync", StartTime: "friday 7pm", Attendees: []string{"b@x.io", "a@x.io"}}

	first, err := n.Normalize(p, nil, monday)
	require.NoError(t, err)
	second, err := n.Normalize(p, nil, monday)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Attendee order and topic case do not change identity.
	p2 := p
	p2.Attendees = []string{"A@x.io", "b@x.io"}
	p2.Topic = "SYNC"
	third, err := n.Normalize(p2, nil, monday)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, third.Fingerprint)

	p3 := p
	p3.StartTime = "friday 8pm"
	fourth, err := n.Normalize(p3, nil, monday)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, fourth.Fingerprint)
}

func TestNormalizeCreateFailures(t *testing.T) {
	n := NewNormalizer(NormalizerOptions{Location: jst, MinLeadTime: 5 * time.Hour})

	tests := []struct {
		name string
		p    ParsedIntent
	}{
		{"no start", ParsedIntent{Topic: "Sync"}},
		{"no topic or attendee", ParsedIntent{StartTime: "tomorrow 8pm"}},
		{"zero duration", ParsedIntent{Topic: "Sync", StartTime: "tomorrow 8pm", Duration: intPtr(0)}},
		{"negative duration", ParsedIntent{Topic: "Sync", StartTime: "tomorrow 8pm", Duration: intPtr(-15)}},
		{"too soon", ParsedIntent{Topic: "Sync", StartTime: "in 2 hours"}},
		{"in the past", ParsedIntent{Topic: "Sync", StartTime: "2026-10-18 20:00"}},
		{"unknown action", ParsedIntent{Action: "dance", Topic: "Sync", StartTime: "tomorrow 8pm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.p, nil, monday)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestNormalizeCreateInheritsFromHistory(t *testing.T) {
	n := newTestNormalizer()
	prevStart := time.Date(2026, 10, 20, 20, 0, 0, 0, jst)
	history := []HistoryEntry{
		{Text: "hello"},
		{Action: ActionCreate, Topic: "Design review", Attendees: []string{"carol@example.com"}, Start: &prevStart, DurationMinutes: 45},
		{Text: "make it an hour later"},
	}

	req, err := n.Normalize(ParsedIntent{StartTime: "tomorrow 9pm"}, history, monday)
	require.NoError(t, err)
	assert.Equal(t, "Design review", req.Topic)
	assert.Equal(t, []string{"carol@example.com"}, req.Attendees)
	assert.Equal(t, 45, req.DurationMinutes)
	assert.Equal(t, 21, req.Start.Hour())
}

func TestNormalizeExtraAttendees(t *testing.T) {
	n := NewNormalizer(NormalizerOptions{Location: jst, ExtraAttendees: []string{"qa@example.com"}})
	req, err := n.Normalize(ParsedIntent{StartTime: "tomorrow 8pm"}, nil, monday)
	require.NoError(t, err)
	assert.Equal(t, []string{"qa@example.com"}, req.Attendees)
	assert.Equal(t, "Meeting", req.Topic)
}

func TestNormalizeUpdate(t *testing.T) {
	n := newTestNormalizer()

	req, err := n.Normalize(ParsedIntent{Action: "reschedule", EventID: "evt1", StartTime: "tomorrow 9pm"}, nil, monday)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, req.Action)
	require.NotNil(t, req.Target)
	assert.Equal(t, "evt1", req.Target.EventID)
	assert.Equal(t, 0, req.DurationMinutes)
	assert.Empty(t, req.Topic)

	_, err = n.Normalize(ParsedIntent{Action: "update", EventID: "evt1"}, nil, monday)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// A topic that only names the target is not a rename.
	req, err = n.Normalize(ParsedIntent{Action: "move", Topic: "dentist", StartTime: "friday 8pm"}, nil, monday)
	require.NoError(t, err)
	assert.Equal(t, "dentist", req.Target.Descriptor)
	assert.Empty(t, req.Topic)
}

func TestNormalizeUpdateClearsDescription(t *testing.T) {
	n := newTestNormalizer()

	cleared, err := n.Normalize(ParsedIntent{Action: "update", EventID: "evt1", ClearDescription: true}, nil, monday)
	require.NoError(t, err)
	assert.True(t, cleared.ClearDescription)
	assert.Empty(t, cleared.Description)

	renamed, err := n.Normalize(ParsedIntent{Action: "update", EventID: "evt1", Topic: "retro", ClearDescription: true}, nil, monday)
	require.NoError(t, err)
	plain, err := n.Normalize(ParsedIntent{Action: "update", EventID: "evt1", Topic: "retro"}, nil, monday)
	require.NoError(t, err)
	assert.NotEqual(t, plain.Fingerprint, renamed.Fingerprint)

	_, err = n.Normalize(ParsedIntent{Action: "update", EventID: "evt1", Description: "notes", ClearDescription: true}, nil, monday)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNormalizeTargetFromHistory(t *testing.T) {
	n := newTestNormalizer()

	one := []HistoryEntry{{Action: ActionCreate, EventID: "evt1"}, {Text: "thanks"}}
	req, err := n.Normalize(ParsedIntent{Action: "cancel"}, one, monday)
	require.NoError(t, err)
	assert.Equal(t, "evt1", req.Target.EventID)

	two := []HistoryEntry{{EventID: "evt1"}, {EventID: "evt2"}}
	_, err = n.Normalize(ParsedIntent{Action: "cancel"}, two, monday)
	assert.ErrorIs(t, err, ErrAmbiguousReference)

	_, err = n.Normalize(ParsedIntent{Action: "update", StartTime: "friday 8pm"}, nil, monday)
	assert.ErrorIs(t, err, ErrAmbiguousReference)
}

func TestNormalizeRemoveWithDateHint(t *testing.T) {
	n := newTestNormalizer()
	req, err := n.Normalize(ParsedIntent{Action: "delete", Target: "sync with Bob", StartTime: "tomorrow 8pm"}, nil, monday)
	require.NoError(t, err)
	require.NotNil(t, req.Target.DateHint)
	assert.Equal(t, 20, req.Target.DateHint.Day())
	assert.True(t, req.Start.IsZero())

	other, err := n.Normalize(ParsedIntent{Action: "delete", Target: "sync with Bob"}, nil, monday)
	require.NoError(t, err)
	assert.NotEqual(t, req.Fingerprint, other.Fingerprint)
}

func TestTrimHistory(t *testing.T) {
	h := make([]HistoryEntry, 25)
	for i := range h {
		h[i].Text = string(rune('a' + i))
	}
	trimmed := TrimHistory(h)
	require.Len(t, trimmed, MaxHistory)
	assert.Equal(t, h[len(h)-1], trimmed[MaxHistory-1])
}

func TestWindowOverlaps(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 10, 20, h, 0, 0, 0, jst) }
	w := Window{Start: at(20), End: at(21)}

	assert.True(t, w.Overlaps(Window{Start: at(19), End: at(21)}))
	assert.True(t, w.Overlaps(Window{Start: at(20), End: at(22)}))
	assert.False(t, w.Overlaps(Window{Start: at(21), End: at(22)}), "touching at the end")
	assert.False(t, w.Overlaps(Window{Start: at(19), End: at(20)}), "touching at the start")
}

func TestErrorKinds(t *testing.T) {
	err := Wrap(KindCalendarOperationFailed, "calendar rejected the event", assert.AnError)
	assert.ErrorIs(t, err, ErrCalendarOperationFailed)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, ErrEventNotFound)
	assert.Equal(t, KindCalendarOperationFailed, KindOf(err))
	assert.Equal(t, "calendar rejected the event", ReasonOf(err))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}
