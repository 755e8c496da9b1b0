package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/antigravityproxy/gateway/pkg/anthropic"
)

// streamSSE frames events as `event:`/`data:` pairs, flushing after each so
// nothing buffers between the upstream and the client. Once headers are out,
// failures can only be reported as a terminal error frame.
func streamSSE(w http.ResponseWriter, r *http.Request, events <-chan anthropic.StreamEvent) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				slog.Debug("client write failed, dropping stream", "error", err)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event anthropic.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		data, _ = json.Marshal(anthropic.ErrorEvent("api_error", "event serialization failed"))
		event.Type = anthropic.EventError
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
