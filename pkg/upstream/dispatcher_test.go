package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravityproxy/gateway/pkg/accounts"
	"github.com/antigravityproxy/gateway/pkg/transcode"
)

func testDispatcher(t *testing.T, accts []*accounts.Account, endpoint string, opts ...DispatcherOption) (*Dispatcher, *accounts.Pool) {
	t.Helper()
	pool := accounts.NewPool(accts, nil)
	tokens := accounts.NewTokenStore(func(ctx context.Context, a *accounts.Account) (string, time.Time, error) {
		return "tok-" + a.Email, time.Now().Add(time.Hour), nil
	})
	client := NewClient(pool, tokens, WithEndpoints([]string{endpoint}))
	return NewDispatcher(pool, tokens, client, opts...), pool
}

func TestDispatch_FailoverThenWait(t *testing.T) {
	a := &accounts.Account{Email: "a@example.com", Enabled: true}
	b := &accounts.Account{Email: "b@example.com", Enabled: true}

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			// first attempt (from B) is rate limited with a short reset
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, successBody)
	}))
	defer server.Close()

	d, pool := testDispatcher(t, []*accounts.Account{a, b}, server.URL)
	pool.MarkRateLimited("a@example.com", "claude-3-5-sonnet", 30*time.Minute)

	start := time.Now()
	result, err := d.Dispatch(context.Background(), testRequest(false))
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.GreaterOrEqual(t, time.Since(start), time.Second,
		"dispatcher waits out the short cooldown")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestDispatch_ExhaustedMapsToError(t *testing.T) {
	a := &accounts.Account{Email: "a@example.com", Enabled: true}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// reset far beyond the wait budget
		w.Header().Set("Retry-After", "7200")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	d, _ := testDispatcher(t, []*accounts.Account{a}, server.URL)
	_, err := d.Dispatch(context.Background(), testRequest(false))
	require.Error(t, err)

	var dispErr *Error
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, KindExhausted, dispErr.Kind)
}

func TestDispatch_OptimisticResetProbesOnce(t *testing.T) {
	a := &accounts.Account{Email: "a@example.com", Enabled: true}
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Retry-After", "7200")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	d, _ := testDispatcher(t, []*accounts.Account{a}, server.URL)
	_, err := d.Dispatch(context.Background(), testRequest(false))
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits),
		"one initial attempt plus one optimistic probe")
}

func TestDispatch_FallbackModel(t *testing.T) {
	a := &accounts.Account{Email: "a@example.com", Enabled: true}

	var lastModel atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload transcode.CloudCodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		lastModel.Store(payload.Model)
		if payload.Model == "claude-3-5-sonnet" {
			w.Header().Set("Retry-After", "7200")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, successBody)
	}))
	defer server.Close()

	d, _ := testDispatcher(t, []*accounts.Account{a}, server.URL,
		WithFallback(true, map[string]string{"claude-3-5-sonnet": "gemini-2.5-flash"}))

	result, err := d.Dispatch(context.Background(), testRequest(false))
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.Equal(t, "gemini-2.5-flash", lastModel.Load(),
		"pool exhaustion falls back to the configured model")
}

func TestDispatch_TransientAuthFailureKeepsAccount(t *testing.T) {
	a := &accounts.Account{Email: "a@example.com", Enabled: true}

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, successBody)
	}))
	defer server.Close()

	d, _ := testDispatcher(t, []*accounts.Account{a}, server.URL)
	result, err := d.Dispatch(context.Background(), testRequest(false))
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.False(t, a.IsInvalid, "one 401 must not durably drain the account")
}

func TestDispatch_PersistentAuthFailureInvalidates(t *testing.T) {
	a := &accounts.Account{Email: "a@example.com", Enabled: true}
	pool := accounts.NewPool([]*accounts.Account{a}, nil)

	var refreshes int32
	tokens := accounts.NewTokenStore(func(ctx context.Context, acct *accounts.Account) (string, time.Time, error) {
		atomic.AddInt32(&refreshes, 1)
		return "tok", time.Now().Add(time.Hour), nil
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(pool, tokens, WithEndpoints([]string{server.URL}))
	d := NewDispatcher(pool, tokens, client)

	_, err := d.Dispatch(context.Background(), testRequest(false))
	require.Error(t, err)

	var dispErr *Error
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, KindAuthentication, dispErr.Kind)
	assert.True(t, a.IsInvalid, "a 401 against a fresh token is terminal")
	assert.Equal(t, int32(2), atomic.LoadInt32(&refreshes), "the second attempt used a refreshed token")
}

func TestDispatch_TokenFailureBecomesAuthError(t *testing.T) {
	a := &accounts.Account{Email: "a@example.com", Enabled: true}
	pool := accounts.NewPool([]*accounts.Account{a}, nil)
	tokens := accounts.NewTokenStore(func(ctx context.Context, acct *accounts.Account) (string, time.Time, error) {
		return "", time.Time{}, errors.New("refresh rejected")
	})
	client := NewClient(pool, tokens, WithEndpoints([]string{"http://127.0.0.1:0"}))
	d := NewDispatcher(pool, tokens, client)

	_, err := d.Dispatch(context.Background(), testRequest(false))
	require.Error(t, err)

	var dispErr *Error
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, KindAuthentication, dispErr.Kind)
	assert.True(t, a.IsInvalid)
}

func TestDispatch_PermissionErrorTerminates(t *testing.T) {
	a := &accounts.Account{Email: "a@example.com", Enabled: true}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	d, _ := testDispatcher(t, []*accounts.Account{a}, server.URL)
	_, err := d.Dispatch(context.Background(), testRequest(false))

	var dispErr *Error
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, KindPermission, dispErr.Kind)
}

func TestDispatch_NoAccountsConfigured(t *testing.T) {
	d, _ := testDispatcher(t, nil, "http://127.0.0.1:0")
	_, err := d.Dispatch(context.Background(), testRequest(false))

	var dispErr *Error
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, KindExhausted, dispErr.Kind)
}
