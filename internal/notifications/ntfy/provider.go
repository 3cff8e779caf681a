// Package ntfy provides ntfy.sh notification delivery.
package ntfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/notifications"
)

// Channel pushes meeting notices to the host's ntfy topic.
type Channel struct {
	config *config.NtfyConfig
	client *http.Client
}

// NewChannel creates a new ntfy channel.
func NewChannel(cfg *config.NtfyConfig) *Channel {
	return &Channel{
		config: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return "ntfy"
}

// Enabled returns whether ntfy is configured and enabled.
func (c *Channel) Enabled() bool {
	return c.config.Enabled && c.config.Topic != ""
}

// ntfyMessage represents the ntfy API message format.
type ntfyMessage struct {
	Topic    string       `json:"topic"`
	Title    string       `json:"title,omitempty"`
	Message  string       `json:"message"`
	Priority int          `json:"priority,omitempty"`
	Tags     []string     `json:"tags,omitempty"`
	Click    string       `json:"click,omitempty"`
	Actions  []ntfyAction `json:"actions,omitempty"`
}

type ntfyAction struct {
	Action string `json:"action"`
	Label  string `json:"label"`
	URL    string `json:"url,omitempty"`
}

// Send pushes one notice for msg. Recipients are listed in the body; ntfy
// has no per-recipient addressing.
func (c *Channel) Send(ctx context.Context, msg *notifications.Message) error {
	body := msg.Body
	if len(msg.Recipients) > 0 {
		body += fmt.Sprintf("Invited: %s\n", strings.Join(msg.Recipients, ", "))
	}

	out := ntfyMessage{
		Topic:    c.config.Topic,
		Title:    fmt.Sprintf("📅 %s", msg.Subject),
		Message:  body,
		Priority: priority(c.config.Priority),
		Tags:     []string{"calendar"},
		Click:    msg.HTMLLink,
	}
	if msg.MeetLink != "" {
		out.Actions = []ntfyAction{{Action: "view", Label: "Join Meet", URL: msg.MeetLink}}
	}

	return c.send(ctx, &out)
}

// priority maps ntfy's named priorities onto its numeric scale.
func priority(name string) int {
	switch strings.ToLower(name) {
	case "min":
		return 1
	case "low":
		return 2
	case "high":
		return 4
	case "urgent", "max":
		return 5
	default:
		return 3
	}
}

func (c *Channel) send(ctx context.Context, msg *ntfyMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	serverURL := c.config.Server
	if serverURL == "" {
		serverURL = "https://ntfy.sh"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ntfy returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
