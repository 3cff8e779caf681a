package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/dtorcivia/afterhours/internal/util"
)

// MaxHistory bounds how many prior turns are consulted.
const MaxHistory = 10

// ParsedIntent is the loosely-typed output of the language parser. Nothing
// in it is trusted until Normalize has validated it.
type ParsedIntent struct {
	Action      string   `json:"action"`
	Topic       string   `json:"topic"`
	StartTime   string   `json:"start_time"`
	Duration    *int     `json:"duration"`
	Attendees   []string `json:"attendees"`
	Description string   `json:"description"`
	EventID     string   `json:"event_id"`
	Target      string   `json:"target"`

	// ClearDescription asks an update to remove the description. The
	// parser never sets it; only the events API does.
	ClearDescription bool `json:"-"`
}

// HistoryEntry is one prior turn of the conversation. Clients echo back the
// fields of earlier responses so follow-ups can refer to them.
type HistoryEntry struct {
	Text            string     `json:"text,omitempty"`
	Action          Action     `json:"action,omitempty"`
	Start           *time.Time `json:"start,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	Attendees       []string   `json:"attendees,omitempty"`
	Topic           string     `json:"topic,omitempty"`
	EventID         string     `json:"event_id,omitempty"`
}

// TrimHistory keeps the newest MaxHistory entries.
func TrimHistory(h []HistoryEntry) []HistoryEntry {
	if len(h) <= MaxHistory {
		return h
	}
	return h[len(h)-MaxHistory:]
}

// NormalizerOptions configures a Normalizer.
type NormalizerOptions struct {
	Location               *time.Location
	DefaultDurationMinutes int
	// MinLeadTime rejects starts closer than this to now. Zero disables it.
	MinLeadTime time.Duration
	// ExtraAttendees are added to every CREATE.
	ExtraAttendees []string
}

// Normalizer turns parser output into a canonical ScheduleRequest.
type Normalizer struct {
	loc             *time.Location
	defaultDuration int
	minLead         time.Duration
	extra           []string
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts NormalizerOptions) *Normalizer {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	d := opts.DefaultDurationMinutes
	if d <= 0 {
		d = 30
	}
	return &Normalizer{loc: loc, defaultDuration: d, minLead: opts.MinLeadTime, extra: opts.ExtraAttendees}
}

// Location returns the locale relative dates are resolved in.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Normalize validates and canonicalizes parsed. now anchors relative dates;
// passing the same now and history always yields the same request.
func (n *Normalizer) Normalize(parsed ParsedIntent, history []HistoryEntry, now time.Time) (ScheduleRequest, error) {
	if now.IsZero() {
		return ScheduleRequest{}, Errorf(KindInvalidRequest, "missing reference time")
	}
	history = TrimHistory(history)

	action, ok := ParseAction(parsed.Action)
	if !ok {
		return ScheduleRequest{}, Errorf(KindInvalidRequest, "unsupported action %q", parsed.Action)
	}

	switch action {
	case ActionCreate:
		return n.normalizeCreate(parsed, history, now)
	case ActionUpdate:
		return n.normalizeUpdate(parsed, history, now)
	default:
		return n.normalizeRemove(parsed, history, now)
	}
}

func (n *Normalizer) normalizeCreate(p ParsedIntent, history []HistoryEntry, now time.Time) (ScheduleRequest, error) {
	last := latest(history)

	topic := util.SanitizeString(p.Topic)
	if topic == "" && last != nil {
		topic = last.Topic
	}

	raw := p.Attendees
	if len(raw) == 0 && last != nil {
		raw = last.Attendees
	}
	attendees, _ := util.NormalizeEmails(append(append([]string(nil), raw...), n.extra...))

	var start time.Time
	if s := strings.TrimSpace(p.StartTime); s != "" {
		t, err := ResolveTime(s, now, n.loc)
		if err != nil {
			return ScheduleRequest{}, err
		}
		start = t
	} else if last != nil && last.Start != nil {
		start = *last.Start
	} else {
		return ScheduleRequest{}, Errorf(KindInvalidRequest, "could not determine a start time")
	}

	duration, err := n.duration(p.Duration, last)
	if err != nil {
		return ScheduleRequest{}, err
	}

	if topic == "" && len(attendees) == 0 {
		return ScheduleRequest{}, Errorf(KindInvalidRequest, "a topic or at least one attendee is required")
	}
	if topic == "" {
		topic = "Meeting"
	}

	if err := n.checkLead(start, now); err != nil {
		return ScheduleRequest{}, err
	}

	return ScheduleRequest{
		Action:          ActionCreate,
		Start:           start,
		DurationMinutes: duration,
		Attendees:       attendees,
		Topic:           topic,
		Description:     strings.TrimSpace(p.Description),
		Anchor:          now,
		Fingerprint:     Fingerprint(ActionCreate, start, attendees, topic, nil),
	}, nil
}

func (n *Normalizer) normalizeUpdate(p ParsedIntent, history []HistoryEntry, now time.Time) (ScheduleRequest, error) {
	topic := util.SanitizeString(p.Topic)
	target, err := n.target(p, history, topic, nil)
	if err != nil {
		return ScheduleRequest{}, err
	}
	// A topic that only named the target is not a rename.
	if target.EventID == "" && strings.EqualFold(target.Descriptor, topic) {
		topic = ""
	}

	req := ScheduleRequest{
		Action:      ActionUpdate,
		Topic:       topic,
		Description: strings.TrimSpace(p.Description),
		Target:      target,
		Anchor:      now,
	}
	if p.ClearDescription {
		if req.Description != "" {
			return ScheduleRequest{}, Errorf(KindInvalidRequest, "a description cannot be both set and cleared")
		}
		req.ClearDescription = true
	}

	if s := strings.TrimSpace(p.StartTime); s != "" {
		start, err := ResolveTime(s, now, n.loc)
		if err != nil {
			return ScheduleRequest{}, err
		}
		if err := n.checkLead(start, now); err != nil {
			return ScheduleRequest{}, err
		}
		req.Start = start
	}
	if p.Duration != nil {
		if *p.Duration <= 0 {
			return ScheduleRequest{}, Errorf(KindInvalidRequest, "duration must be positive")
		}
		req.DurationMinutes = *p.Duration
	}
	if len(p.Attendees) > 0 {
		req.Attendees, _ = util.NormalizeEmails(p.Attendees)
	}

	if req.Start.IsZero() && req.DurationMinutes == 0 && req.Topic == "" && req.Description == "" &&
		!req.ClearDescription && len(req.Attendees) == 0 {
		return ScheduleRequest{}, Errorf(KindInvalidRequest, "update changes nothing")
	}

	// Duration and description are part of what an update means.
	semantic := req.Topic + "\x00" + strconv.Itoa(req.DurationMinutes) + "\x00" + req.Description +
		"\x00" + strconv.FormatBool(req.ClearDescription)
	req.Fingerprint = Fingerprint(ActionUpdate, req.Start, req.Attendees, semantic, target)
	return req, nil
}

func (n *Normalizer) normalizeRemove(p ParsedIntent, history []HistoryEntry, now time.Time) (ScheduleRequest, error) {
	var hint *time.Time
	if s := strings.TrimSpace(p.StartTime); s != "" {
		t, err := ResolveTime(s, now, n.loc)
		if err != nil {
			return ScheduleRequest{}, err
		}
		hint = &t
	}
	topic := util.SanitizeString(p.Topic)
	target, err := n.target(p, history, topic, hint)
	if err != nil {
		return ScheduleRequest{}, err
	}
	return ScheduleRequest{
		Action:      ActionRemove,
		Target:      target,
		Anchor:      now,
		Fingerprint: Fingerprint(ActionRemove, time.Time{}, nil, "", target),
	}, nil
}

// target resolves what an UPDATE or REMOVE refers to: an explicit id, a
// description, or the single event the conversation has been about.
func (n *Normalizer) target(p ParsedIntent, history []HistoryEntry, topic string, hint *time.Time) (*TargetRef, error) {
	if id := strings.TrimSpace(p.EventID); id != "" {
		return &TargetRef{EventID: id}, nil
	}
	desc := util.SanitizeString(p.Target)
	if desc == "" {
		desc = topic
	}
	if desc != "" {
		return &TargetRef{Descriptor: desc, DateHint: hint}, nil
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, h := range history {
		if h.EventID == "" {
			continue
		}
		if _, dup := seen[h.EventID]; dup {
			continue
		}
		seen[h.EventID] = struct{}{}
		ids = append(ids, h.EventID)
	}
	switch len(ids) {
	case 1:
		return &TargetRef{EventID: ids[0]}, nil
	case 0:
		return nil, Errorf(KindAmbiguousReference, "no event was named and the conversation does not mention one")
	default:
		return nil, Errorf(KindAmbiguousReference, "the conversation mentions %d events; say which one", len(ids))
	}
}

func (n *Normalizer) duration(d *int, last *HistoryEntry) (int, error) {
	if d != nil {
		if *d <= 0 {
			return 0, Errorf(KindInvalidRequest, "duration must be positive")
		}
		return *d, nil
	}
	if last != nil && last.DurationMinutes > 0 {
		return last.DurationMinutes, nil
	}
	return n.defaultDuration, nil
}

func (n *Normalizer) checkLead(start, now time.Time) error {
	if start.Before(now) {
		return Errorf(KindInvalidRequest, "start time %s is in the past", start.In(n.loc).Format("2006-01-02 15:04"))
	}
	if n.minLead > 0 && start.Before(now.Add(n.minLead)) {
		return Errorf(KindInvalidRequest, "meetings must be scheduled at least %s in advance", n.minLead)
	}
	return nil
}

func latest(history []HistoryEntry) *HistoryEntry {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Action != "" && h.Action != ActionCreate {
			continue
		}
		if h.Start != nil || h.Topic != "" || len(h.Attendees) > 0 {
			return &history[i]
		}
	}
	return nil
}
