// Package api provides REST API handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/engine"
	"github.com/dtorcivia/afterhours/internal/google"
	"github.com/dtorcivia/afterhours/internal/response"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/server/middleware"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Scheduler runs normalized requests against the calendar.
type Scheduler interface {
	Schedule(ctx context.Context, req schedule.ScheduleRequest) (*engine.Outcome, error)
}

// Parser reads a free-text command.
type Parser interface {
	Parse(ctx context.Context, command string, history []schedule.HistoryEntry, now time.Time) (schedule.ParsedIntent, error)
}

// Authenticator is the slice of the OAuth manager the API exposes.
type Authenticator interface {
	BeginAuth(ctx context.Context) (string, error)
	AuthURL() string
	CompleteAuth(ctx context.Context, code, state string) (*google.Credential, error)
	Status(ctx context.Context) google.StatusReport
	Disconnect(ctx context.Context) error
	ExportBlob() (string, error)
}

// Handler provides REST API handlers.
type Handler struct {
	config     *config.Config
	scheduler  Scheduler
	parser     Parser
	normalizer *schedule.Normalizer
	auth       Authenticator
	now        func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(
	cfg *config.Config,
	scheduler Scheduler,
	parser Parser,
	normalizer *schedule.Normalizer,
	auth Authenticator,
) *Handler {
	return &Handler{
		config:     cfg,
		scheduler:  scheduler,
		parser:     parser,
		normalizer: normalizer,
		auth:       auth,
		now:        time.Now,
	}
}

// RegisterRoutes registers API routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /schedule", h.Schedule)
	mux.HandleFunc("PUT /events/{eventId}", h.UpdateEvent)
	mux.HandleFunc("DELETE /events/{eventId}", h.DeleteEvent)

	// OAuth consent flow
	mux.HandleFunc("GET /auth/google", h.BeginAuth)
	mux.HandleFunc("POST /auth/google", h.BeginAuth)
	mux.HandleFunc("GET /auth/callback", h.AuthCallback)
	mux.HandleFunc("GET /auth/status", h.AuthStatus)
	mux.HandleFunc("POST /auth/disconnect", h.Disconnect)
}

// scheduleBody is the POST /schedule payload. Now lets a client retry with
// the anchor it was given so the retry resolves to the same request.
type scheduleBody struct {
	Command string                  `json:"command"`
	History []schedule.HistoryEntry `json:"history"`
	Now     *time.Time              `json:"now,omitempty"`
}

// scheduleResponse is the success body for every scheduling route.
type scheduleResponse struct {
	Status           engine.Status            `json:"status"`
	Message          string                   `json:"message"`
	Reason           string                   `json:"reason,omitempty"`
	EventID          string                   `json:"event_id,omitempty"`
	MeetLink         string                   `json:"meet_link,omitempty"`
	HTMLLink         string                   `json:"html_link,omitempty"`
	StartTime        string                   `json:"start_time,omitempty"`
	Duration         int                      `json:"duration,omitempty"`
	Topic            string                   `json:"topic,omitempty"`
	Description      string                   `json:"description,omitempty"`
	Attendees        []string                 `json:"attendees,omitempty"`
	Conflicts        []schedule.CalendarEvent `json:"conflicts,omitempty"`
	EarliestFreeSlot *time.Time               `json:"earliest_free_slot,omitempty"`
	Replayed         bool                     `json:"replayed,omitempty"`
	Anchor           time.Time                `json:"now"`
	History          schedule.HistoryEntry    `json:"history_entry"`
}

// Schedule handles POST /schedule.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	var body scheduleBody
	if err := parseJSON(w, r, &body); err != nil {
		response.WriteValidationError(w, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if body.Command == "" {
		response.WriteValidationError(w, "command is required", nil)
		return
	}

	now := h.now()
	if body.Now != nil && !body.Now.IsZero() {
		now = *body.Now
	}
	ctx := r.Context()

	parsed, err := h.parser.Parse(ctx, body.Command, body.History, now)
	if err != nil {
		h.writeError(w, r, err, requestID)
		return
	}
	req, err := h.normalizer.Normalize(parsed, body.History, now)
	if err != nil {
		h.writeError(w, r, err, requestID)
		return
	}
	h.run(w, r, req, requestID)
}

// run executes req and renders its outcome.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, req schedule.ScheduleRequest, requestID string) {
	outcome, err := h.scheduler.Schedule(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, requestID)
		return
	}
	response.JSON(w, http.StatusOK, h.render(req, outcome))
}

func (h *Handler) render(req schedule.ScheduleRequest, o *engine.Outcome) scheduleResponse {
	resp := scheduleResponse{
		Status:           o.Status,
		Message:          o.Message,
		Reason:           o.Reason,
		EventID:          o.EventID,
		Conflicts:        o.Conflicts,
		EarliestFreeSlot: o.EarliestFreeSlot,
		Replayed:         o.Replayed,
		Anchor:           req.Anchor,
		Topic:            req.Topic,
		Description:      req.Description,
		Attendees:        req.Attendees,
		Duration:         req.DurationMinutes,
	}
	start := req.Start
	if ev := o.Event; ev != nil {
		resp.EventID = ev.ID
		resp.MeetLink = ev.MeetLink
		resp.HTMLLink = ev.HTMLLink
		resp.Topic = ev.Summary
		resp.Description = ev.Description
		resp.Attendees = ev.Attendees
		start = ev.Start
		if !ev.AllDay {
			resp.Duration = int(ev.Window().Duration() / time.Minute)
		}
	}
	if !start.IsZero() {
		resp.StartTime = start.In(h.normalizer.Location()).Format("2006-01-02 15:04")
	}

	// The entry a client appends to its history so follow-ups can refer
	// to this turn.
	resp.History = schedule.HistoryEntry{
		Action:          req.Action,
		DurationMinutes: resp.Duration,
		Attendees:       resp.Attendees,
		Topic:           resp.Topic,
		EventID:         resp.EventID,
	}
	if !start.IsZero() {
		s := start
		resp.History.Start = &s
	}
	return resp
}

// writeError renders a scheduling failure. Authentication failures carry a
// fresh consent URL.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, requestID string) {
	var authURL string
	switch schedule.KindOf(err) {
	case schedule.KindNotAuthenticated, schedule.KindReauthRequired:
		if h.auth != nil {
			authURL = h.auth.AuthURL()
		}
	}
	response.WriteScheduleError(w, err, requestID, authURL)
}

// parseJSON decodes a JSON request body.
func parseJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}
