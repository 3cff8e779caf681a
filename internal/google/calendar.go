package google

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/dtorcivia/afterhours/internal/schedule"
)

const (
	defaultCalendarID = "primary"
	listPageSize      = 250
)

// CalendarClient talks to the Google Calendar API on behalf of whichever
// credential the caller passes in.
type CalendarClient struct {
	calendarID string
	extra      []option.ClientOption
}

// NewCalendarClient creates a client for calendarID ("" means primary).
// Extra options are appended to every service, which tests use to point
// the client at a local server.
func NewCalendarClient(calendarID string, extra ...option.ClientOption) *CalendarClient {
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	return &CalendarClient{calendarID: calendarID, extra: extra}
}

func (c *CalendarClient) service(ctx context.Context, cred *Credential) (*calendar.Service, error) {
	if cred == nil {
		return nil, schedule.Errorf(schedule.KindNotAuthenticated, "no credential")
	}
	opts := []option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(cred.Token()))}
	opts = append(opts, c.extra...)

	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return service, nil
}

// ListEvents returns the expanded events intersecting window, ordered by start.
func (c *CalendarClient) ListEvents(ctx context.Context, cred *Credential, window schedule.Window) ([]schedule.CalendarEvent, error) {
	service, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	call := service.Events.List(c.calendarID).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(listPageSize)

	var events []schedule.CalendarEvent
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			events = append(events, convertEvent(item))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// GetEvent returns a single event by ID.
func (c *CalendarClient) GetEvent(ctx context.Context, cred *Credential, eventID string) (*schedule.CalendarEvent, error) {
	service, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	event, err := service.Events.Get(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get event (calendar=%s, event=%s): %w", c.calendarID, eventID, err)
	}

	converted := convertEvent(event)
	return &converted, nil
}

// CreateEvent inserts an event, optionally with a Meet link. Invitations
// go out when there are attendees.
func (c *CalendarClient) CreateEvent(ctx context.Context, cred *Credential, spec schedule.EventSpec) (*schedule.CalendarEvent, error) {
	service, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	gcalEvent := &calendar.Event{
		Summary:     spec.Summary,
		Description: spec.Description,
		Start:       eventTime(spec.Start, spec.TimeZone),
		End:         eventTime(spec.End, spec.TimeZone),
	}
	for _, email := range spec.Attendees {
		gcalEvent.Attendees = append(gcalEvent.Attendees, &calendar.EventAttendee{Email: email})
	}

	call := service.Events.Insert(c.calendarID, gcalEvent).Context(ctx)
	if spec.AddMeetLink {
		gcalEvent.ConferenceData = &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             spec.RequestID,
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
		call = call.ConferenceDataVersion(1)
	}
	if len(spec.Attendees) > 0 {
		call = call.SendUpdates("all")
	}

	created, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	converted := convertEvent(created)
	return &converted, nil
}

// UpdateEvent applies a partial update. Fields absent from patch are left
// as they are on the server.
func (c *CalendarClient) UpdateEvent(ctx context.Context, cred *Credential, eventID string, patch schedule.EventPatch) (*schedule.CalendarEvent, error) {
	service, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	changes := &calendar.Event{}
	if patch.Summary != nil {
		changes.Summary = *patch.Summary
	}
	if patch.Description != nil {
		changes.Description = *patch.Description
		if changes.Description == "" {
			changes.NullFields = append(changes.NullFields, "Description")
		}
	}
	if patch.Start != nil {
		changes.Start = eventTime(*patch.Start, patch.TimeZone)
	}
	if patch.End != nil {
		changes.End = eventTime(*patch.End, patch.TimeZone)
	}
	if patch.Attendees != nil {
		for _, email := range patch.Attendees {
			changes.Attendees = append(changes.Attendees, &calendar.EventAttendee{Email: email})
		}
		if len(patch.Attendees) == 0 {
			changes.NullFields = append(changes.NullFields, "Attendees")
		}
	}

	updated, err := service.Events.Patch(c.calendarID, eventID, changes).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to update event (calendar=%s, event=%s): %w", c.calendarID, eventID, err)
	}

	converted := convertEvent(updated)
	return &converted, nil
}

// DeleteEvent deletes an event and notifies its attendees.
func (c *CalendarClient) DeleteEvent(ctx context.Context, cred *Credential, eventID string) error {
	service, err := c.service(ctx, cred)
	if err != nil {
		return err
	}

	err = service.Events.Delete(c.calendarID, eventID).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to delete event (calendar=%s, event=%s): %w", c.calendarID, eventID, err)
	}
	return nil
}

func eventTime(t time.Time, tz string) *calendar.EventDateTime {
	return &calendar.EventDateTime{
		DateTime: t.Format(time.RFC3339),
		TimeZone: tz,
	}
}

func convertEvent(e *calendar.Event) schedule.CalendarEvent {
	event := schedule.CalendarEvent{
		ID:          e.Id,
		Summary:     e.Summary,
		Description: e.Description,
		HTMLLink:    e.HtmlLink,
		Status:      e.Status,
		MeetLink:    e.HangoutLink,
	}

	if e.Start != nil {
		if e.Start.DateTime != "" {
			event.Start, _ = time.Parse(time.RFC3339, e.Start.DateTime)
		} else if e.Start.Date != "" {
			event.AllDay = true
			event.Start, _ = time.Parse("2006-01-02", e.Start.Date)
		}
	}
	if e.End != nil {
		if e.End.DateTime != "" {
			event.End, _ = time.Parse(time.RFC3339, e.End.DateTime)
		} else if e.End.Date != "" {
			event.End, _ = time.Parse("2006-01-02", e.End.Date)
		}
	}

	for _, a := range e.Attendees {
		event.Attendees = append(event.Attendees, a.Email)
	}
	if e.Organizer != nil {
		event.Organizer = e.Organizer.Email
	}

	if event.MeetLink == "" && e.ConferenceData != nil {
		for _, ep := range e.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				event.MeetLink = ep.Uri
				break
			}
		}
	}

	if e.Created != "" {
		event.Created, _ = time.Parse(time.RFC3339, e.Created)
	}

	return event
}
