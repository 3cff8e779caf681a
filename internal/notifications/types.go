package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/dtorcivia/afterhours/internal/schedule"
)

// Message is a rendered notice about one scheduled meeting.
type Message struct {
	EventID    string
	Topic      string
	Start      time.Time
	Duration   time.Duration
	MeetLink   string
	HTMLLink   string
	Recipients []string
	Subject    string
	Body       string
}

// NewMeetingMessage renders the notice for a newly created event. Times are
// shown in loc.
func NewMeetingMessage(event schedule.CalendarEvent, recipients []string, loc *time.Location) *Message {
	if loc == nil {
		loc = time.UTC
	}
	msg := &Message{
		EventID:    event.ID,
		Topic:      event.Summary,
		Start:      event.Start,
		Duration:   event.Window().Duration(),
		MeetLink:   event.MeetLink,
		HTMLLink:   event.HTMLLink,
		Recipients: recipients,
		Subject:    "Meeting Scheduled: " + event.Summary,
	}

	link := msg.MeetLink
	if link == "" {
		link = "Not available"
	}

	var body strings.Builder
	body.WriteString("A meeting has been scheduled.\n\n")
	body.WriteString(fmt.Sprintf("Topic: %s\n", msg.Topic))
	body.WriteString(fmt.Sprintf("Start: %s\n", msg.Start.In(loc).Format("2006-01-02 15:04")))
	body.WriteString(fmt.Sprintf("Duration: %d minutes\n", int(msg.Duration.Minutes())))
	body.WriteString(fmt.Sprintf("Meet link: %s\n", link))
	msg.Body = body.String()

	return msg
}
