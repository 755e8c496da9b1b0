package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// tokenSlack expires cached tokens early so an in-flight request never
	// carries a token that dies mid-stream.
	tokenSlack = 60 * time.Second

	// refreshAhead is how close to expiry the background refresher acts.
	refreshAhead = 5 * time.Minute

	// refreshInterval is the background refresher tick.
	refreshInterval = 60 * time.Second

	oauthTokenURL = "https://oauth2.googleapis.com/token"
)

// Installed-app OAuth client used by the Cloud-Code CLI tooling. Public by
// design; the refresh token is the actual secret.
const (
	DefaultOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	DefaultOAuthClientSecret = "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"
)

// RefreshFunc exchanges an account's refresh token for a fresh access token.
type RefreshFunc func(ctx context.Context, account *Account) (string, time.Time, error)

// OAuthRefresh performs the standard refresh-token grant.
func OAuthRefresh(clientID, clientSecret string) RefreshFunc {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: oauthTokenURL},
	}
	return func(ctx context.Context, account *Account) (string, time.Time, error) {
		if account.RefreshToken == "" {
			return "", time.Time{}, errors.New("account has no refresh token")
		}
		source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
		token, err := source.Token()
		if err != nil {
			return "", time.Time{}, fmt.Errorf("token refresh failed: %w", err)
		}
		return token.AccessToken, token.Expiry, nil
	}
}

type tokenEntry struct {
	accessToken string
	expiresAt   time.Time
}

// TokenStore caches access tokens per account email. Refreshes are
// single-flight per account and failures are never cached.
type TokenStore struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	group   singleflight.Group
	refresh RefreshFunc
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewTokenStore(refresh RefreshFunc) *TokenStore {
	return &TokenStore{
		entries: make(map[string]tokenEntry),
		refresh: refresh,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Token returns a valid access token for the account, refreshing when the
// cached one is absent or within tokenSlack of expiry.
func (t *TokenStore) Token(ctx context.Context, account *Account) (string, error) {
	t.mu.Lock()
	entry, ok := t.entries[account.Email]
	t.mu.Unlock()

	if ok && t.now().Add(tokenSlack).Before(entry.expiresAt) {
		return entry.accessToken, nil
	}

	value, err, _ := t.group.Do(account.Email, func() (interface{}, error) {
		token, expiresAt, err := t.refresh(ctx, account)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.entries[account.Email] = tokenEntry{accessToken: token, expiresAt: expiresAt}
		t.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Invalidate drops the cached token; the next Token call refreshes.
func (t *TokenStore) Invalidate(email string) {
	t.mu.Lock()
	delete(t.entries, email)
	t.mu.Unlock()
}

// ForceRefreshAll clears and re-fetches every account's token, best-effort.
// Returns how many refreshes succeeded and the first error encountered.
func (t *TokenStore) ForceRefreshAll(ctx context.Context, accounts []*Account) (int, error) {
	var firstErr error
	refreshed := 0
	for _, account := range accounts {
		if account.IsInvalid || !account.Enabled {
			continue
		}
		t.Invalidate(account.Email)
		if _, err := t.Token(ctx, account); err != nil {
			slog.Warn("forced token refresh failed",
				"account", account.DisplayName(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		refreshed++
	}
	return refreshed, firstErr
}

// StartRefresher runs the proactive refresh loop until Stop. Tokens within
// refreshAhead of expiry are renewed so requests rarely pay refresh latency.
func (t *TokenStore) StartRefresher(accountsFn func() []*Account) {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.refreshExpiring(accountsFn())
			}
		}
	}()
}

// Stop halts the background refresher. Safe to call more than once.
func (t *TokenStore) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *TokenStore) refreshExpiring(accounts []*Account) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()

	for _, account := range accounts {
		if account.IsInvalid || !account.Enabled {
			continue
		}

		t.mu.Lock()
		entry, ok := t.entries[account.Email]
		t.mu.Unlock()
		if ok && entry.expiresAt.Sub(t.now()) >= refreshAhead {
			continue
		}

		t.Invalidate(account.Email)
		if _, err := t.Token(ctx, account); err != nil {
			slog.Debug("proactive token refresh failed",
				"account", account.DisplayName(), "error", err)
		}
	}
}
