package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravityproxy/gateway/pkg/anthropic"
	"github.com/antigravityproxy/gateway/pkg/transcode"
)

func localRequest(stream bool) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     "local-gemma",
		MaxTokens: 10,
		Stream:    stream,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.Blocks{{Type: anthropic.BlockTypeText, Text: "hi"}}},
		},
	}
}

func TestDispatch_Unreachable(t *testing.T) {
	g := New("http://127.0.0.1:1/v1/chat/completions")
	_, err := g.Dispatch(context.Background(), localRequest(false))
	require.Error(t, err)

	var localErr *Error
	require.ErrorAs(t, err, &localErr)
	assert.Contains(t, localErr.Message, "Local Agent Error")
}

func TestDispatch_UpstreamErrorBodySurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "model not loaded")
	}))
	defer server.Close()

	g := New(server.URL)
	_, err := g.Dispatch(context.Background(), localRequest(false))
	require.Error(t, err)

	var localErr *Error
	require.ErrorAs(t, err, &localErr)
	assert.Contains(t, localErr.Message, "Local Agent Error")
	assert.Contains(t, localErr.Message, "model not loaded")
}

func TestDispatch_NonStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var payload transcode.OpenAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "local-gemma", payload.Model)
		assert.False(t, payload.Stream)

		json.NewEncoder(w).Encode(transcode.OpenAIResponse{
			Choices: []transcode.OpenAIChoice{{
				Message: transcode.OpenAIMessage{Role: "assistant", Content: "hello"},
			}},
		})
	}))
	defer server.Close()

	g := New(server.URL, WithAPIKey("secret"))
	result, err := g.Dispatch(context.Background(), localRequest(false))
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.Equal(t, "hello", result.Message.Content[0].Text)
	assert.Equal(t, "end_turn", result.Message.StopReason)
	assert.Zero(t, result.Message.Usage.OutputTokens)
}

func TestDispatch_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	g := New(server.URL)
	result, err := g.Dispatch(context.Background(), localRequest(true))
	require.NoError(t, err)
	require.NotNil(t, result.Events)

	events := drainEvents(t, result.Events)
	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, anthropic.EventMessageStart, events[0].Type)
	assert.Equal(t, anthropic.EventContentBlockStart, events[1].Type)
	assert.Equal(t, "ok", events[2].Delta.Text)
	assert.Equal(t, anthropic.EventMessageStop, events[len(events)-1].Type)
}

func drainEvents(t *testing.T, events <-chan anthropic.StreamEvent) []anthropic.StreamEvent {
	t.Helper()
	var out []anthropic.StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-deadline:
			t.Fatal("timed out collecting events")
		}
	}
}

func TestDispatch_StreamInterruptedEmitsErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, bufrw, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		defer conn.Close()
		bufrw.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nContent-Length: 100000\r\n\r\n")
		bufrw.WriteString("data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		bufrw.Flush()
	}))
	defer server.Close()

	g := New(server.URL)
	result, err := g.Dispatch(context.Background(), localRequest(true))
	require.NoError(t, err)

	events := drainEvents(t, result.Events)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, anthropic.EventError, last.Type)
	assert.Contains(t, last.Error.Message, "Local Agent Error")
	for _, event := range events {
		assert.NotEqual(t, anthropic.EventMessageStop, event.Type)
	}
}
