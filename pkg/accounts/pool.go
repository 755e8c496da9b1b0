package accounts

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultCooldown applies when a rate-limit mark carries no reset time.
const DefaultCooldown = 60 * time.Second

// ErrNoAccounts means the pool has no enabled, valid account at all.
var ErrNoAccounts = errors.New("no enabled accounts available")

// Status is a read-only snapshot of one account for reporting endpoints.
type Status struct {
	DisplayName string               `json:"displayName"`
	Source      string               `json:"source,omitempty"`
	Enabled     bool                 `json:"enabled"`
	IsInvalid   bool                 `json:"isInvalid,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	LastUsed    int64                `json:"lastUsed,omitempty"`
	RateLimits  map[string]RateLimit `json:"rateLimits,omitempty"`
	Quota       *Quota               `json:"quota,omitempty"`
	Tier        string               `json:"tier,omitempty"`
}

// Pool owns the authoritative account and rate-limit state. All mutations
// go through its mutex; selection is O(n) in the pool size.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	store    *Store
	sticky   map[string]string // model -> email of last successful account
	now      func() time.Time
}

func NewPool(accounts []*Account, store *Store) *Pool {
	return &Pool{
		accounts: accounts,
		store:    store,
		sticky:   make(map[string]string),
		now:      time.Now,
	}
}

// Len reports the pool size, used for the dispatcher's attempt budget.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// PickNext selects an account for the model. When every candidate is cooling
// down it returns (nil, minWait, nil) and the caller decides whether to wait.
// ErrNoAccounts means nothing can ever serve the request.
func (p *Pool) PickNext(model string) (*Account, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	nowMs := now.UnixMilli()

	var eligible []*Account
	minWait := time.Duration(-1)
	anyUsable := false

	for _, account := range p.accounts {
		if account.IsInvalid || !account.Enabled {
			continue
		}
		anyUsable = true

		if limit, ok := account.ModelRateLimits[model]; ok && limit.IsRateLimited {
			if nowMs >= limit.ResetEpochMs {
				delete(account.ModelRateLimits, model)
			} else {
				wait := time.Duration(limit.ResetEpochMs-nowMs) * time.Millisecond
				if minWait < 0 || wait < minWait {
					minWait = wait
				}
				continue
			}
		}
		eligible = append(eligible, account)
	}

	if len(eligible) == 0 {
		if !anyUsable {
			return nil, 0, ErrNoAccounts
		}
		if minWait < 0 {
			minWait = DefaultCooldown
		}
		return nil, minWait, nil
	}

	if email, ok := p.sticky[model]; ok {
		for _, account := range eligible {
			if account.Email == email {
				return account, 0, nil
			}
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].LastUsed < eligible[j].LastUsed
	})
	return eligible[0], 0, nil
}

// MarkRateLimited records a cooldown for (account, model). A non-positive
// reset falls back to DefaultCooldown. The sticky binding is dropped so the
// next pick moves on.
func (p *Pool) MarkRateLimited(email, model string, reset time.Duration) {
	if reset <= 0 {
		reset = DefaultCooldown
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	account := p.find(email)
	if account == nil {
		return
	}
	if account.ModelRateLimits == nil {
		account.ModelRateLimits = make(map[string]*RateLimit)
	}
	account.ModelRateLimits[model] = &RateLimit{
		IsRateLimited: true,
		ResetEpochMs:  p.now().Add(reset).UnixMilli(),
	}
	if p.sticky[model] == email {
		delete(p.sticky, model)
	}

	slog.Info("account rate limited",
		"account", account.DisplayName(), "model", model, "reset", reset)
	p.persistLocked()
}

// MarkInvalid removes an account from selection permanently (until the
// store is fixed out of band).
func (p *Pool) MarkInvalid(email, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	account := p.find(email)
	if account == nil {
		return
	}
	account.IsInvalid = true
	account.InvalidReason = reason
	for model, sticky := range p.sticky {
		if sticky == email {
			delete(p.sticky, model)
		}
	}

	slog.Warn("account marked invalid", "account", account.DisplayName(), "reason", reason)
	p.persistLocked()
}

// MarkSuccess updates lastUsed and the sticky binding after a served request.
func (p *Pool) MarkSuccess(email, model string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	account := p.find(email)
	if account == nil {
		return
	}
	account.LastUsed = p.now().UnixMilli()
	p.sticky[model] = email
	p.persistLocked()
}

// ResetAllRateLimits clears every cooldown. Used for the optimistic retry
// when all accounts appear limited: the accumulated state may be stale, so
// one fresh probe is allowed.
func (p *Pool) ResetAllRateLimits() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, account := range p.accounts {
		account.ModelRateLimits = make(map[string]*RateLimit)
	}
	slog.Info("rate limit state reset for all accounts")
	p.persistLocked()
}

// Accounts returns the live account slice for the token refresher. Callers
// must not mutate entries outside the pool's methods.
func (p *Pool) Accounts() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// Snapshot renders read-only statuses for /health and /account-limits.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]Status, 0, len(p.accounts))
	for _, account := range p.accounts {
		status := Status{
			DisplayName: account.DisplayName(),
			Source:      account.Source,
			Enabled:     account.Enabled,
			IsInvalid:   account.IsInvalid,
			Reason:      account.InvalidReason,
			LastUsed:    account.LastUsed,
			Quota:       account.Quota,
		}
		if account.Subscription != nil {
			status.Tier = account.Subscription.Tier
		}
		if len(account.ModelRateLimits) > 0 {
			status.RateLimits = make(map[string]RateLimit, len(account.ModelRateLimits))
			for model, limit := range account.ModelRateLimits {
				status.RateLimits[model] = *limit
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (p *Pool) find(email string) *Account {
	for _, account := range p.accounts {
		if account.Email == email {
			return account
		}
	}
	return nil
}

func (p *Pool) persistLocked() {
	if p.store != nil {
		p.store.SaveAsync(p.accounts)
	}
}
