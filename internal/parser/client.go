// Package parser turns free-text scheduling commands into structured intents
// using an OpenAI-compatible chat completions endpoint.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/metrics"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

const (
	temperature = 0.1
	maxTokens   = 400
)

// Client calls the language model. Its output is never trusted; the
// normalizer validates every field.
type Client struct {
	config     *config.ParserConfig
	httpClient *http.Client
	loc        *time.Location
}

// New creates a parser client. Relative times in the prompt are anchored in loc.
func New(cfg *config.ParserConfig, loc *time.Location) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		loc:        loc,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Parse sends command with the conversation so far and returns the model's
// structured reading of it.
func (c *Client) Parse(ctx context.Context, command string, history []schedule.HistoryEntry, now time.Time) (schedule.ParsedIntent, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return schedule.ParsedIntent{}, schedule.Errorf(schedule.KindInvalidRequest, "command is empty")
	}

	content, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: systemPrompt(now.In(c.loc), history)},
		{Role: "user", Content: command},
	})
	if err != nil {
		metrics.ParserRequests.WithLabelValues("error").Inc()
		return schedule.ParsedIntent{}, schedule.Wrap(schedule.KindTransient, "the language parser is unavailable; try again", err)
	}

	intent, err := decodeIntent(content)
	if err != nil {
		metrics.ParserRequests.WithLabelValues("unparseable").Inc()
		util.Warn("Parser returned unusable output", "error", err, "content", util.TruncateString(content, 200))
		return schedule.ParsedIntent{}, schedule.Wrap(schedule.KindInvalidRequest, "could not understand the command", err)
	}
	metrics.ParserRequests.WithLabelValues("ok").Inc()
	return intent, nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, util.TruncateString(string(respBody), 300))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return chatResp.Choices[0].Message.Content, nil
}

var (
	fenceRe  = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
	objectRe = regexp.MustCompile(`\{[\s\S]*\}`)
)

// extractJSON pulls the JSON object out of a model reply that may wrap it
// in code fences or prose.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if !strings.HasPrefix(text, "{") {
		if m := objectRe.FindString(text); m != "" {
			text = m
		}
	}
	return text
}

// rawIntent tolerates the loose typing models produce, e.g. a duration
// given as "45" or an attendee list given as a single string.
type rawIntent struct {
	Action      string          `json:"action"`
	Topic       string          `json:"topic"`
	StartTime   string          `json:"start_time"`
	Duration    json.RawMessage `json:"duration"`
	Attendees   json.RawMessage `json:"attendees"`
	Description string          `json:"description"`
	EventID     string          `json:"event_id"`
	Target      string          `json:"target"`
}

func decodeIntent(content string) (schedule.ParsedIntent, error) {
	var raw rawIntent
	if err := json.Unmarshal([]byte(extractJSON(content)), &raw); err != nil {
		return schedule.ParsedIntent{}, err
	}

	intent := schedule.ParsedIntent{
		Action:      raw.Action,
		Topic:       raw.Topic,
		StartTime:   raw.StartTime,
		Description: raw.Description,
		EventID:     raw.EventID,
		Target:      raw.Target,
	}
	if d, ok := parseDuration(raw.Duration); ok {
		intent.Duration = &d
	}
	intent.Attendees = parseAttendees(raw.Attendees)
	return intent, nil
}

func parseDuration(raw json.RawMessage) (int, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f), true
	}
	return 0, false
}

func parseAttendees(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return strings.FieldsFunc(one, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	}
	return nil
}

func systemPrompt(now time.Time, history []schedule.HistoryEntry) string {
	historyText := "None"
	if lines := historyLines(history); len(lines) > 0 {
		historyText = strings.Join(lines, "\n")
	}

	var b strings.Builder
	b.WriteString("You are an AI meeting scheduler that converts natural language into a structured meeting object.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("1. action is one of \"create\", \"update\" or \"cancel\".\n")
	b.WriteString("2. Resolve relative time expressions into absolute datetimes in the current timezone, formatted YYYY-MM-DD HH:MM:SS (24-hour).\n")
	b.WriteString("   \"tue\" is Tuesday and \"thu\" is Thursday; never confuse them.\n")
	b.WriteString("3. Partial commands inherit missing fields from the conversation history. If still missing, leave start_time empty.\n")
	b.WriteString("4. Attendees: only real email addresses that appear in the text. Never invent emails. If none, return [].\n")
	b.WriteString("5. duration is in minutes; omit it when not stated.\n")
	b.WriteString("6. topic is a short descriptive meeting title.\n")
	b.WriteString("7. For update or cancel, put the event id in event_id if one is given, otherwise describe the event in target.\n\n")
	b.WriteString("Return STRICT JSON ONLY: no markdown, no explanation, no extra keys.\n\n")
	fmt.Fprintf(&b, "Current datetime (%s): %s\n\n", now.Location(), now.Format("2006-01-02 15:04:05 Monday"))
	fmt.Fprintf(&b, "Conversation history:\n%s\n\n", historyText)
	b.WriteString("Expected output format:\n")
	b.WriteString(`{"action": "create", "topic": "string", "start_time": "YYYY-MM-DD HH:MM:SS or empty", "duration": 30, "attendees": ["email@example.com"], "description": "string", "event_id": "", "target": ""}`)
	return b.String()
}

func historyLines(history []schedule.HistoryEntry) []string {
	history = schedule.TrimHistory(history)
	lines := make([]string, 0, len(history))
	for _, h := range history {
		if h.Text != "" {
			lines = append(lines, h.Text)
			continue
		}
		var parts []string
		if h.Action != "" {
			parts = append(parts, "action="+string(h.Action))
		}
		if h.Topic != "" {
			parts = append(parts, "topic="+h.Topic)
		}
		if h.Start != nil {
			parts = append(parts, "start="+h.Start.Format("2006-01-02 15:04"))
		}
		if len(h.Attendees) > 0 {
			parts = append(parts, "attendees="+strings.Join(h.Attendees, ","))
		}
		if h.EventID != "" {
			parts = append(parts, "event_id="+h.EventID)
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, " "))
		}
	}
	return lines
}
