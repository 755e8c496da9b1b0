// Copyright 2025 The Antigravity Gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package accounts manages the upstream identity pool: persisted account
// records, per-(account,model) rate-limit state, and cached OAuth access
// tokens with proactive refresh.
package accounts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RateLimit is the cooldown record for one (account, model) pair.
type RateLimit struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetEpochMs  int64 `json:"resetEpochMs"`
}

// ModelQuota is the last-known remaining quota for one model.
type ModelQuota struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetEpochMs      int64   `json:"resetEpochMs,omitempty"`
}

// Subscription describes the plan the account is enrolled in.
type Subscription struct {
	Tier      string `json:"tier,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

// Quota aggregates per-model quota snapshots.
type Quota struct {
	Models      map[string]ModelQuota `json:"models,omitempty"`
	LastChecked int64                 `json:"lastChecked,omitempty"`
}

// Account is one upstream identity. Loaded from disk at startup and mutated
// in memory by the pool; persistence is fire-and-forget.
type Account struct {
	Email           string                `json:"email"`
	Source          string                `json:"source,omitempty"`
	RefreshToken    string                `json:"refreshToken,omitempty"`
	ProjectID       string                `json:"projectId,omitempty"`
	Enabled         bool                  `json:"enabled"`
	IsInvalid       bool                  `json:"isInvalid,omitempty"`
	InvalidReason   string                `json:"invalidReason,omitempty"`
	LastUsed        int64                 `json:"lastUsed,omitempty"`
	ModelRateLimits map[string]*RateLimit `json:"modelRateLimits,omitempty"`
	Subscription    *Subscription         `json:"subscription,omitempty"`
	Quota           *Quota                `json:"quota,omitempty"`
}

// DisplayName masks the email local part for public endpoints.
func (a *Account) DisplayName() string {
	at := strings.IndexByte(a.Email, '@')
	if at <= 0 {
		return "***"
	}
	local := a.Email[:at]
	if len(local) <= 2 {
		return local[:1] + "***" + a.Email[at:]
	}
	return local[:2] + "***" + a.Email[at:]
}

// Project resolves the project id to send upstream, preferring the
// subscription's project over the account-level one.
func (a *Account) Project() string {
	if a.Subscription != nil && a.Subscription.ProjectID != "" {
		return a.Subscription.ProjectID
	}
	return a.ProjectID
}

type storeFile struct {
	Accounts []*Account `json:"accounts"`
}

// Store reads and writes the account file. Writes are serialized and
// atomic (temp file + rename).
type Store struct {
	mu   sync.Mutex
	path string
}

// DefaultStorePath is the account file location under the user's home.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".antigravity-claude-proxy", "accounts.json"), nil
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads all accounts. A missing file is an empty pool, not an error.
func (s *Store) Load() ([]*Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read account store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse account store: %w", err)
	}
	for _, account := range file.Accounts {
		if account.ModelRateLimits == nil {
			account.ModelRateLimits = make(map[string]*RateLimit)
		}
	}
	return file.Accounts, nil
}

// Save writes the full account list atomically.
func (s *Store) Save(accounts []*Account) error {
	data, err := json.MarshalIndent(storeFile{Accounts: accounts}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode account store: %w", err)
	}
	return s.write(data)
}

// SaveAsync persists in the background. The accounts are encoded in the
// caller's frame, so callers holding the lock that guards them get a
// consistent snapshot; only the file write runs concurrently. Failures are
// logged, never fatal; the in-memory state stays authoritative.
func (s *Store) SaveAsync(accounts []*Account) {
	data, err := json.MarshalIndent(storeFile{Accounts: accounts}, "", "  ")
	if err != nil {
		slog.Warn("account store persistence failed", "error", err)
		return
	}
	go func() {
		if err := s.write(data); err != nil {
			slog.Warn("account store persistence failed", "error", err)
		}
	}()
}

func (s *Store) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create account store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write account store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace account store: %w", err)
	}
	return nil
}
