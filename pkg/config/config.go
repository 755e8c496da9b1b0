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

// Package config loads gateway settings from defaults, the user config
// file, and environment variables, in that precedence order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultPort = 8080
)

// Config is the resolved gateway configuration.
type Config struct {
	Port     int
	Debug    bool
	LogLevel string

	// Fallback enables model fallback when the pool is exhausted.
	Fallback       bool
	FallbackModels map[string]string

	LocalLLMURL string
	LocalLLMKey string

	mu           sync.RWMutex
	modelMapping map[string]string

	configPath string
	watcher    *fsnotify.Watcher
}

// fileConfig is the on-disk shape of ~/.config/antigravity-proxy/config.json.
type fileConfig struct {
	ModelMapping   map[string]struct{ Mapping string } `koanf:"modelMapping"`
	FallbackModels map[string]string                   `koanf:"fallbackModels"`
}

// DefaultConfigPath is the user config file location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "antigravity-proxy", "config.json"), nil
}

// Load resolves the configuration. A missing config file is not an error;
// a local .env is read first so plain env vars can live there.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	if configPath == "" {
		var err error
		configPath, err = DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"port":     DefaultPort,
		"logLevel": "info",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := k.Load(file.Provider(configPath), json.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{
		Port:        k.Int("port"),
		LogLevel:    k.String("logLevel"),
		LocalLLMURL: k.String("localLlmUrl"),
		configPath:  configPath,
	}

	var fc fileConfig
	if err := k.Unmarshal("", &fc); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.FallbackModels = fc.FallbackModels
	cfg.modelMapping = flattenMapping(fc.ModelMapping)

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Debug, _ = strconv.ParseBool(v)
		if cfg.Debug {
			cfg.LogLevel = "debug"
		}
	}
	if v := os.Getenv("FALLBACK"); v != "" {
		cfg.Fallback, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("LOCAL_LLM_URL"); v != "" {
		cfg.LocalLLMURL = v
	}
	if v := os.Getenv("LOCAL_LLM_KEY"); v != "" {
		cfg.LocalLLMKey = v
	}
}

func flattenMapping(raw map[string]struct{ Mapping string }) map[string]string {
	mapping := make(map[string]string, len(raw))
	for alias, entry := range raw {
		if entry.Mapping != "" {
			mapping[alias] = entry.Mapping
		}
	}
	return mapping
}

// NewStatic builds a Config without touching the filesystem, for embedders
// and tests that supply settings directly.
func NewStatic(port int, mapping map[string]string) *Config {
	return &Config{
		Port:         port,
		LogLevel:     "info",
		modelMapping: mapping,
	}
}

// ModelMapping returns the current alias map. Safe for concurrent use with
// hot reload.
func (c *Config) ModelMapping() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mapping := make(map[string]string, len(c.modelMapping))
	for alias, canonical := range c.modelMapping {
		mapping[alias] = canonical
	}
	return mapping
}

// Watch re-reads modelMapping whenever the config file changes. No-op when
// the file does not exist at startup.
func (c *Config) Watch() error {
	if _, err := os.Stat(c.configPath); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != c.configPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				c.reloadMapping()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the config watcher.
func (c *Config) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Config) reloadMapping() {
	k := koanf.New(".")
	if err := k.Load(file.Provider(c.configPath), json.Parser()); err != nil {
		slog.Warn("config reload failed", "error", err)
		return
	}
	var fc fileConfig
	if err := k.Unmarshal("", &fc); err != nil {
		slog.Warn("config reload failed", "error", err)
		return
	}

	mapping := flattenMapping(fc.ModelMapping)
	c.mu.Lock()
	c.modelMapping = mapping
	c.mu.Unlock()
	slog.Info("model mapping reloaded", "aliases", len(mapping))
}
