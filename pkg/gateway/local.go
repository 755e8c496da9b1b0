// Package gateway proxies local-prefix models to an OpenAI-compatible
// endpoint, transcoding requests and streams to and from Anthropic shape.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/antigravityproxy/gateway/pkg/anthropic"
	"github.com/antigravityproxy/gateway/pkg/httpclient"
	"github.com/antigravityproxy/gateway/pkg/transcode"
	"github.com/antigravityproxy/gateway/pkg/upstream"
)

// DefaultURL is the endpoint used when LOCAL_LLM_URL is unset.
const DefaultURL = "http://localhost:1234/v1/chat/completions"

// Error is a local-endpoint failure, surfaced as HTTP 502 api_error.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Gateway forwards requests to one OpenAI-compatible endpoint.
type Gateway struct {
	url    string
	apiKey string
	client *httpclient.Client
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithAPIKey(key string) Option {
	return func(g *Gateway) { g.apiKey = key }
}

func WithHTTPClient(client *httpclient.Client) Option {
	return func(g *Gateway) { g.client = client }
}

func New(url string, opts ...Option) *Gateway {
	if url == "" {
		url = DefaultURL
	}
	g := &Gateway{
		url: url,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
			httpclient.WithMaxRetries(1),
		),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dispatch serves one request against the local endpoint.
func (g *Gateway) Dispatch(ctx context.Context, req *anthropic.MessagesRequest) (*upstream.Result, error) {
	payload := transcode.ToOpenAIRequest(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Message: "Local Agent Error: failed to encode request", Err: err}
	}

	// the retry client reports non-2xx as an error but still hands back the
	// response; only a missing response means the endpoint was unreachable
	resp, err := g.post(ctx, body)
	if resp == nil {
		return nil, &Error{Message: "Local Agent Error: connection failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("Local Agent Error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(errBody))),
		}
	}

	if req.Stream {
		return &upstream.Result{Events: g.stream(ctx, resp, req.Model)}, nil
	}
	return g.complete(resp, req.Model)
}

func (g *Gateway) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	return g.client.Do(req)
}

func (g *Gateway) complete(resp *http.Response, model string) (*upstream.Result, error) {
	defer resp.Body.Close()

	var openaiResp transcode.OpenAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return nil, &Error{Message: "Local Agent Error: failed to decode response", Err: err}
	}
	return &upstream.Result{Message: transcode.FromOpenAIResponse(model, &openaiResp)}, nil
}

// stream parses the endpoint's SSE lines, drops [DONE], and frames the
// deltas as Anthropic events ending in message_stop.
func (g *Gateway) stream(ctx context.Context, resp *http.Response, model string) <-chan anthropic.StreamEvent {
	out := make(chan anthropic.StreamEvent, 16)

	go func() {
		defer close(out)
		defer resp.Body.Close()

		stream := transcode.NewOpenAIStream(model)
		if !send(ctx, out, stream.Start()) {
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok || data == "" || data == "[DONE]" {
				continue
			}

			var chunk transcode.OpenAIStreamResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				slog.Debug("skipping malformed local stream chunk", "error", err)
				continue
			}
			for _, event := range stream.Next(&chunk) {
				if !send(ctx, out, event) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("local stream interrupted", "error", err)
			send(ctx, out, anthropic.ErrorEvent("api_error", "Local Agent Error: stream interrupted"))
			return
		}

		for _, event := range stream.Finish() {
			if !send(ctx, out, event) {
				return
			}
		}
	}()

	return out
}

func send(ctx context.Context, out chan<- anthropic.StreamEvent, event anthropic.StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
