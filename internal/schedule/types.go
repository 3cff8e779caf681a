// Package schedule holds the domain model shared by the scheduling pipeline:
// normalized requests, calendar events, time windows and classified errors.
package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Action is what a request wants done to the calendar.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

// ParseAction maps the parser's vocabulary onto an Action.
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create", "schedule", "book", "add", "":
		return ActionCreate, true
	case "update", "reschedule", "move", "modify", "change":
		return ActionUpdate, true
	case "remove", "cancel", "delete":
		return ActionRemove, true
	default:
		return "", false
	}
}

// TargetRef identifies the event an UPDATE or REMOVE refers to.
type TargetRef struct {
	EventID    string     `json:"event_id,omitempty"`
	Descriptor string     `json:"descriptor,omitempty"`
	DateHint   *time.Time `json:"date_hint,omitempty"`
}

func (t *TargetRef) key() string {
	if t == nil {
		return ""
	}
	if t.EventID != "" {
		return "id:" + t.EventID
	}
	k := "desc:" + strings.ToLower(t.Descriptor)
	if t.DateHint != nil {
		k += "@" + t.DateHint.UTC().Format(time.RFC3339)
	}
	return k
}

// ScheduleRequest is a validated, canonical scheduling intent. It is treated
// as immutable once produced by the Normalizer.
//
// For ActionUpdate a zero Start, zero DurationMinutes or empty Topic,
// Description or Attendees means the field is left unchanged. An update
// removes the description only when ClearDescription is set.
type ScheduleRequest struct {
	Action           Action     `json:"action"`
	Start            time.Time  `json:"start,omitempty"`
	DurationMinutes  int        `json:"duration_minutes,omitempty"`
	Attendees        []string   `json:"attendees,omitempty"`
	Topic            string     `json:"topic,omitempty"`
	Description      string     `json:"description,omitempty"`
	ClearDescription bool       `json:"clear_description,omitempty"`
	Target           *TargetRef `json:"target,omitempty"`
	Anchor           time.Time  `json:"anchor"`
	Fingerprint      string     `json:"fingerprint"`
}

// End returns Start plus the duration.
func (r ScheduleRequest) End() time.Time {
	return r.Start.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// Window returns the half-open interval the request occupies.
func (r ScheduleRequest) Window() Window {
	return Window{Start: r.Start, End: r.End()}
}

// Fingerprint hashes the semantic identity of a request. Attendees must
// already be normalized (lower-case, sorted, unique).
func Fingerprint(action Action, start time.Time, attendees []string, topic string, target *TargetRef) string {
	h := sha256.New()
	h.Write([]byte(action))
	h.Write([]byte{0})
	if !start.IsZero() {
		h.Write([]byte(start.UTC().Format(time.RFC3339)))
	}
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(attendees, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(topic))))
	if action != ActionCreate {
		h.Write([]byte{0})
		h.Write([]byte(target.key()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open windows intersect. Windows that
// merely touch do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// CalendarEvent is the backend's view of an event.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	MeetLink    string    `json:"meet_link,omitempty"`
	HTMLLink    string    `json:"html_link,omitempty"`
	Status      string    `json:"status,omitempty"`
	Organizer   string    `json:"organizer,omitempty"`
	Created     time.Time `json:"created,omitempty"`
}

// Window returns the interval the event occupies.
func (e CalendarEvent) Window() Window {
	return Window{Start: e.Start, End: e.End}
}

// Cancelled reports whether the backend marks the event as cancelled.
func (e CalendarEvent) Cancelled() bool {
	return e.Status == "cancelled"
}

// EventSpec is everything needed to create an event.
type EventSpec struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
	TimeZone    string
	AddMeetLink bool
	RequestID   string // conference create request id; stable per fingerprint
}

// EventPatch carries partial update fields. Nil means unchanged.
type EventPatch struct {
	Summary     *string
	Description *string
	Start       *time.Time
	End         *time.Time
	Attendees   []string
	TimeZone    string
}

// Empty reports whether the patch changes nothing.
func (p EventPatch) Empty() bool {
	return p.Summary == nil && p.Description == nil && p.Start == nil && p.End == nil && p.Attendees == nil
}
