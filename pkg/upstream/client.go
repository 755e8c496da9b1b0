// Package upstream executes Cloud-Code attempts and orchestrates retries
// across the account pool, endpoint fallbacks, and empty-response recovery.
package upstream

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

	"github.com/antigravityproxy/gateway/pkg/accounts"
	"github.com/antigravityproxy/gateway/pkg/anthropic"
	"github.com/antigravityproxy/gateway/pkg/httpclient"
	"github.com/antigravityproxy/gateway/pkg/transcode"
)

const (
	// MaxEmptyResponseRetries bounds same-endpoint retries for streams that
	// end without any content block.
	MaxEmptyResponseRetries = 3

	// EmptyResponseText is the synthetic message after retry exhaustion.
	EmptyResponseText = "[No response after retries - please try again]"

	streamPath    = "/v1internal:streamGenerateContent?alt=sse"
	generatePath  = "/v1internal:generateContent"
	serverErrWait = time.Second
)

// DefaultEndpoints is the ordered Cloud-Code fallback list: primary first,
// then geo alternates.
var DefaultEndpoints = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://asia-cloudcode-pa.googleapis.com",
	"https://eu-cloudcode-pa.googleapis.com",
}

// FailureKind classifies one failed attempt for the dispatcher.
type FailureKind int

const (
	FailureNetwork FailureKind = iota
	FailureAuth
	FailureRateLimited
	FailureServer
	FailurePermission
	FailureInvalid
)

// AttemptError reports why an attempt against all endpoints failed.
type AttemptError struct {
	Kind       FailureKind
	StatusCode int
	Reset      time.Duration
	Message    string
	Err        error
}

func (e *AttemptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Result is one successful attempt: a full message, or a live event stream.
type Result struct {
	Message *anthropic.MessageResponse
	Events  <-chan anthropic.StreamEvent
}

// Client runs one attempt (account, token, request) against the ordered
// endpoint list, classifying each response per the failure table.
type Client struct {
	http      *http.Client
	endpoints []string
	tokens    *accounts.TokenStore
	pool      *accounts.Pool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithEndpoints(endpoints []string) ClientOption {
	return func(c *Client) { c.endpoints = endpoints }
}

func NewClient(pool *accounts.Pool, tokens *accounts.TokenStore, opts ...ClientOption) *Client {
	c := &Client{
		http:      &http.Client{Timeout: 300 * time.Second},
		endpoints: DefaultEndpoints,
		tokens:    tokens,
		pool:      pool,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs one attempt for the account. Streaming requests return a channel
// that begins with message_start and always terminates with message_stop.
func (c *Client) Do(ctx context.Context, account *accounts.Account, token string, req *anthropic.MessagesRequest) (*Result, *AttemptError) {
	payload := transcode.ToCloudCode(req, account.Project())
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &AttemptError{Kind: FailureInvalid, Message: "failed to encode upstream payload", Err: err}
	}

	var minReset time.Duration
	sawRateLimit := false
	var lastErr *AttemptError

	for _, endpoint := range c.endpoints {
		result, aerr := c.tryEndpoint(ctx, endpoint, account, token, req, body)
		if aerr == nil {
			return result, nil
		}

		switch aerr.Kind {
		case FailureRateLimited:
			sawRateLimit = true
			if minReset == 0 || aerr.Reset < minReset {
				minReset = aerr.Reset
			}
			lastErr = aerr
		case FailureAuth:
			c.tokens.Invalidate(account.Email)
			lastErr = aerr
		case FailureServer:
			lastErr = aerr
			select {
			case <-ctx.Done():
				return nil, &AttemptError{Kind: FailureNetwork, Message: "request cancelled", Err: ctx.Err()}
			case <-time.After(serverErrWait):
			}
		case FailurePermission, FailureInvalid:
			return nil, aerr
		default:
			lastErr = aerr
		}
	}

	if sawRateLimit {
		c.pool.MarkRateLimited(account.Email, req.Model, minReset)
		lastErr.Reset = minReset
	}
	return nil, lastErr
}

func (c *Client) tryEndpoint(ctx context.Context, endpoint string, account *accounts.Account, token string, req *anthropic.MessagesRequest, body []byte) (*Result, *AttemptError) {
	if req.Stream {
		return c.tryStream(ctx, endpoint, account, token, req.Model, body)
	}
	return c.tryGenerate(ctx, endpoint, token, req.Model, body)
}

func (c *Client) tryGenerate(ctx context.Context, endpoint, token, model string, body []byte) (*Result, *AttemptError) {
	resp, aerr := c.post(ctx, endpoint+generatePath, token, body)
	if aerr != nil {
		return nil, aerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AttemptError{Kind: FailureNetwork, Message: "failed to read upstream response", Err: err}
	}

	var frame transcode.CloudCodeResponse
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &AttemptError{Kind: FailureServer, Message: "failed to decode upstream response", Err: err}
	}
	if frame.Response == nil {
		return nil, &AttemptError{Kind: FailureServer, Message: "upstream response missing body"}
	}
	return &Result{Message: transcode.FromCloudCode(model, frame.Response)}, nil
}

// tryStream opens the SSE stream and withholds events until the first
// content block arrives, so an empty stream can be retried without the
// client ever seeing a duplicate message_start.
func (c *Client) tryStream(ctx context.Context, endpoint string, account *accounts.Account, token, model string, body []byte) (*Result, *AttemptError) {
	for attempt := 1; attempt <= MaxEmptyResponseRetries; attempt++ {
		resp, aerr := c.post(ctx, endpoint+streamPath, token, body)
		if aerr != nil {
			return nil, aerr
		}

		events, empty, aerr := c.openStream(ctx, resp, model)
		if aerr != nil {
			return nil, aerr
		}
		if !empty {
			return &Result{Events: events}, nil
		}

		slog.Warn("empty upstream stream",
			"account", account.DisplayName(), "model", model,
			"attempt", attempt, "max", MaxEmptyResponseRetries)
	}

	return &Result{Events: syntheticEvents(model)}, nil
}

// openStream reads frames until the first content block or end of stream.
// A non-empty stream returns a channel carrying the withheld prefix and then
// live events; an empty one reports empty=true with the response drained.
func (c *Client) openStream(ctx context.Context, resp *http.Response, model string) (<-chan anthropic.StreamEvent, bool, *AttemptError) {
	stream := transcode.NewCloudStream(model)
	pending := []anthropic.StreamEvent{stream.Start()}

	scanner := newSSEScanner(resp.Body)
	for scanner.Scan() {
		frame, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		pending = append(pending, stream.Next(frame)...)
		if stream.SawContent() {
			return c.relay(ctx, resp, scanner, stream, pending), false, nil
		}
	}

	resp.Body.Close()
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return nil, false, &AttemptError{Kind: FailureNetwork, Message: "upstream stream failed", Err: err}
	}
	return nil, true, nil
}

// relay flushes the withheld prefix then forwards the remainder live.
func (c *Client) relay(ctx context.Context, resp *http.Response, scanner *bufio.Scanner, stream *transcode.CloudStream, pending []anthropic.StreamEvent) <-chan anthropic.StreamEvent {
	out := make(chan anthropic.StreamEvent, 16)

	go func() {
		defer close(out)
		defer resp.Body.Close()

		for _, event := range pending {
			if !send(ctx, out, event) {
				return
			}
		}

		for scanner.Scan() {
			frame, ok := parseSSELine(scanner.Text())
			if !ok {
				continue
			}
			for _, event := range stream.Next(frame) {
				if !send(ctx, out, event) {
					return
				}
			}
		}
		// a read failure mid-stream must not be framed as a clean
		// completion; the client gets a terminal error event instead
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("upstream stream interrupted", "error", err)
			send(ctx, out, anthropic.ErrorEvent("api_error", "Upstream connection interrupted"))
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

func (c *Client) post(ctx context.Context, url, token string, body []byte) (*http.Response, *AttemptError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &AttemptError{Kind: FailureInvalid, Message: "failed to build upstream request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &AttemptError{Kind: FailureNetwork, Message: "upstream connection failed", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AttemptError{
			Kind: FailureAuth, StatusCode: resp.StatusCode,
			Message: "upstream rejected credentials",
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &AttemptError{
			Kind: FailureRateLimited, StatusCode: resp.StatusCode,
			Reset:   httpclient.ResetDelay(resp.Header, errBody),
			Message: "upstream quota exhausted",
		}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &AttemptError{
			Kind: FailurePermission, StatusCode: resp.StatusCode,
			Message: "upstream permission denied",
		}
	case resp.StatusCode >= 500:
		return nil, &AttemptError{
			Kind: FailureServer, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("upstream server error (HTTP %d)", resp.StatusCode),
		}
	default:
		return nil, &AttemptError{
			Kind: FailureInvalid, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("upstream rejected request (HTTP %d)", resp.StatusCode),
		}
	}
}

func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return scanner
}

func parseSSELine(line string) (*transcode.CloudCodeResponse, bool) {
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok || data == "" || data == "[DONE]" {
		return nil, false
	}
	var frame transcode.CloudCodeResponse
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		slog.Debug("skipping malformed upstream frame", "error", err)
		return nil, false
	}
	return &frame, true
}

func syntheticEvents(model string) <-chan anthropic.StreamEvent {
	out := make(chan anthropic.StreamEvent, 8)
	go func() {
		defer close(out)
		for _, event := range anthropic.TextMessageEvents(model, EmptyResponseText) {
			out <- event
		}
	}()
	return out
}
