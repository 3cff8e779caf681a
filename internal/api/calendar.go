package api

import (
	"net/http"
	"strings"

	"github.com/dtorcivia/afterhours/internal/response"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/server/middleware"
)

// updateEventBody is the PUT /events/{eventId} payload. Absent fields are
// left unchanged; an empty description removes it.
type updateEventBody struct {
	Summary         *string  `json:"summary"`
	StartTime       *string  `json:"start_time"`
	DurationMinutes *int     `json:"duration_minutes"`
	Description     *string  `json:"description"`
	Attendees       []string `json:"attendees"`
}

func (b updateEventBody) empty() bool {
	return b.Summary == nil && b.StartTime == nil && b.DurationMinutes == nil &&
		b.Description == nil && len(b.Attendees) == 0
}

// UpdateEvent handles PUT /events/{eventId}.
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	eventID := strings.TrimSpace(r.PathValue("eventId"))
	if eventID == "" {
		response.WriteValidationError(w, "event id is required", nil)
		return
	}

	var body updateEventBody
	if err := parseJSON(w, r, &body); err != nil {
		response.WriteValidationError(w, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if body.empty() {
		response.WriteValidationError(w, "no fields to update", nil)
		return
	}

	parsed := schedule.ParsedIntent{
		Action:    string(schedule.ActionUpdate),
		EventID:   eventID,
		Duration:  body.DurationMinutes,
		Attendees: body.Attendees,
	}
	if body.Summary != nil {
		parsed.Topic = *body.Summary
	}
	if body.StartTime != nil {
		parsed.StartTime = *body.StartTime
	}
	if body.Description != nil {
		parsed.Description = *body.Description
		parsed.ClearDescription = strings.TrimSpace(*body.Description) == ""
	}

	req, err := h.normalizer.Normalize(parsed, nil, h.now())
	if err != nil {
		h.writeError(w, r, err, requestID)
		return
	}
	h.run(w, r, req, requestID)
}

// DeleteEvent handles DELETE /events/{eventId}. Deleting an event that is
// already gone succeeds.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	eventID := strings.TrimSpace(r.PathValue("eventId"))
	if eventID == "" {
		response.WriteValidationError(w, "event id is required", nil)
		return
	}

	parsed := schedule.ParsedIntent{Action: string(schedule.ActionRemove), EventID: eventID}
	req, err := h.normalizer.Normalize(parsed, nil, h.now())
	if err != nil {
		h.writeError(w, r, err, requestID)
		return
	}
	h.run(w, r, req, requestID)
}
