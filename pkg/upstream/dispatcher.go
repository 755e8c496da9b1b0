package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/antigravityproxy/gateway/pkg/accounts"
	"github.com/antigravityproxy/gateway/pkg/anthropic"
)

const (
	// MaxRetries is the attempt budget floor; pools larger than two accounts
	// get accountCount+1 attempts instead.
	MaxRetries = 3

	// MaxWaitBeforeError caps how long a request waits for a cooling pool.
	MaxWaitBeforeError = 120 * time.Second
)

// ErrorKind maps dispatch failures to the wire taxonomy at the server edge.
type ErrorKind int

const (
	KindInvalidRequest ErrorKind = iota
	KindAuthentication
	KindPermission
	KindExhausted
	KindOverloaded
)

// Error is the terminal failure of a dispatch.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatcher drives the retry loop across accounts, honoring cooldowns,
// the optimistic reset, and optional model fallback.
type Dispatcher struct {
	pool            *accounts.Pool
	tokens          *accounts.TokenStore
	client          *Client
	fallback        map[string]string
	fallbackEnabled bool
	sleep           func(ctx context.Context, d time.Duration) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithFallback enables model fallback with the given alias map.
func WithFallback(enabled bool, mapping map[string]string) DispatcherOption {
	return func(d *Dispatcher) {
		d.fallbackEnabled = enabled
		d.fallback = mapping
	}
}

func NewDispatcher(pool *accounts.Pool, tokens *accounts.TokenStore, client *Client, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:   pool,
		tokens: tokens,
		client: client,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch serves one request through the account pool.
func (d *Dispatcher) Dispatch(ctx context.Context, req *anthropic.MessagesRequest) (*Result, error) {
	return d.dispatch(ctx, req, d.fallbackEnabled)
}

func (d *Dispatcher) dispatch(ctx context.Context, req *anthropic.MessagesRequest, allowFallback bool) (*Result, error) {
	budget := MaxRetries
	if n := d.pool.Len() + 1; n > budget {
		budget = n
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	resetTried := false
	authFailed := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < budget; attempt++ {
		account, wait, err := d.pool.PickNext(req.Model)
		if err != nil {
			if lastErr != nil {
				return nil, &Error{Kind: KindAuthentication, Message: "no usable accounts remain", Err: lastErr}
			}
			return nil, &Error{Kind: KindExhausted, Message: "no enabled accounts configured"}
		}

		if account == nil {
			if wait <= MaxWaitBeforeError {
				slog.Info("all accounts cooling down, waiting",
					"model", req.Model, "wait", wait)
				if err := d.sleep(ctx, wait); err != nil {
					return nil, &Error{Kind: KindOverloaded, Message: "request cancelled while waiting", Err: err}
				}
				attempt--
				continue
			}
			if !resetTried {
				resetTried = true
				d.pool.ResetAllRateLimits()
				attempt--
				continue
			}
			if allowFallback {
				if fallbackModel, ok := d.fallback[req.Model]; ok {
					slog.Info("falling back to alternate model",
						"from", req.Model, "to", fallbackModel)
					fbReq := *req
					fbReq.Model = fallbackModel
					return d.dispatch(ctx, &fbReq, false)
				}
			}
			return nil, &Error{
				Kind:    KindExhausted,
				Message: fmt.Sprintf("all accounts rate limited for %s, next reset in %s", req.Model, wait.Round(time.Second)),
			}
		}

		token, err := d.tokens.Token(ctx, account)
		if err != nil {
			d.pool.MarkInvalid(account.Email, fmt.Sprintf("token refresh failed: %v", err))
			lastErr = err
			continue
		}

		result, aerr := d.client.Do(ctx, account, token, req)
		if aerr == nil {
			d.pool.MarkSuccess(account.Email, req.Model)
			return result, nil
		}
		lastErr = aerr

		switch aerr.Kind {
		case FailureAuth:
			// the cached token is already invalidated; one retry with a
			// fresh token distinguishes a stale token from dead credentials
			if authFailed[account.Email] {
				d.pool.MarkInvalid(account.Email, "upstream rejected credentials after token refresh")
			} else {
				authFailed[account.Email] = true
			}
		case FailureRateLimited:
			// already marked by the client, move to the next account
		case FailureServer, FailureNetwork:
			if err := d.sleep(ctx, bo.NextBackOff()); err != nil {
				return nil, &Error{Kind: KindOverloaded, Message: "request cancelled", Err: err}
			}
		case FailurePermission:
			return nil, &Error{Kind: KindPermission, Message: "upstream permission denied", Err: aerr}
		case FailureInvalid:
			return nil, &Error{Kind: KindInvalidRequest, Message: "upstream rejected request", Err: aerr}
		}
	}

	return nil, &Error{Kind: KindOverloaded, Message: "all attempts failed", Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
