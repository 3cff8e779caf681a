package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/schedule"
)

var jst = time.FixedZone("JST", 9*3600)

func newTestClient(t *testing.T, reply string, status int, inspect func(chatRequest)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk_test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if inspect != nil {
			inspect(req)
		}

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)

	return New(&config.ParserConfig{
		BaseURL: srv.URL + "/openai/v1",
		APIKey:  "gsk_test",
		Model:   "llama-3.3-70b-versatile",
		Timeout: 5 * time.Second,
	}, jst)
}

func TestParseSendsPromptAndDecodes(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, jst)
	start := time.Date(2026, 10, 18, 21, 0, 0, 0, jst)

	c := newTestClient(t, `{"action":"create","topic":"Release planning","start_time":"2026-10-20 20:00:00","duration":45,"attendees":["alex@example.com"],"description":""}`,
		http.StatusOK, func(req chatRequest) {
			assert.Equal(t, "llama-3.3-70b-versatile", req.Model)
			assert.InDelta(t, 0.1, req.Temperature, 1e-6)
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "user", req.Messages[1].Role)
			assert.Equal(t, "release planning tomorrow 8pm with alex@example.com", req.Messages[1].Content)
			assert.Contains(t, req.Messages[0].Content, "2026-10-19 10:00:00 Monday")
			assert.Contains(t, req.Messages[0].Content, "topic=retro start=2026-10-18 21:00")
		})

	intent, err := c.Parse(context.Background(), "release planning tomorrow 8pm with alex@example.com",
		[]schedule.HistoryEntry{{Action: schedule.ActionCreate, Topic: "retro", Start: &start}}, now)
	require.NoError(t, err)

	assert.Equal(t, "create", intent.Action)
	assert.Equal(t, "Release planning", intent.Topic)
	assert.Equal(t, "2026-10-20 20:00:00", intent.StartTime)
	require.NotNil(t, intent.Duration)
	assert.Equal(t, 45, *intent.Duration)
	assert.Equal(t, []string{"alex@example.com"}, intent.Attendees)
}

func TestParseToleratesFencesAndLooseTypes(t *testing.T) {
	reply := "Sure! Here you go:\n```json\n{\"topic\": \"sync\", \"duration\": \"60\", \"attendees\": \"a@x.com, b@y.com\"}\n```"
	c := newTestClient(t, reply, http.StatusOK, nil)

	intent, err := c.Parse(context.Background(), "sync", nil, time.Now())
	require.NoError(t, err)
	require.NotNil(t, intent.Duration)
	assert.Equal(t, 60, *intent.Duration)
	assert.Equal(t, []string{"a@x.com", "b@y.com"}, intent.Attendees)
}

func TestParseUnusableReplyIsInvalidRequest(t *testing.T) {
	c := newTestClient(t, "I cannot help with that.", http.StatusOK, nil)
	_, err := c.Parse(context.Background(), "do something", nil, time.Now())
	assert.ErrorIs(t, err, schedule.ErrInvalidRequest)
}

func TestParseUpstreamFailureIsTransient(t *testing.T) {
	c := newTestClient(t, "", http.StatusServiceUnavailable, nil)
	_, err := c.Parse(context.Background(), "meet tomorrow", nil, time.Now())
	assert.ErrorIs(t, err, schedule.ErrTransient)
}

func TestParseRejectsEmptyCommand(t *testing.T) {
	c := New(&config.ParserConfig{}, nil)
	_, err := c.Parse(context.Background(), "   ", nil, time.Now())
	assert.ErrorIs(t, err, schedule.ErrInvalidRequest)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, extractJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`the answer is {"a":1} hope that helps`))
}
