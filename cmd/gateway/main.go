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

// Command gateway runs the Anthropic-compatible LLM gateway.
//
// Usage:
//
//	gateway serve
//	gateway serve --port 9090 --log-level debug
//	gateway version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	gatewaypkg "github.com/antigravityproxy/gateway"
	"github.com/antigravityproxy/gateway/pkg/accounts"
	"github.com/antigravityproxy/gateway/pkg/config"
	"github.com/antigravityproxy/gateway/pkg/gateway"
	"github.com/antigravityproxy/gateway/pkg/logger"
	"github.com/antigravityproxy/gateway/pkg/server"
	"github.com/antigravityproxy/gateway/pkg/upstream"
)

const shutdownTimeout = 30 * time.Second

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the gateway."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(gatewaypkg.VersionString())
	return nil
}

// ServeCmd starts the HTTP listener.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides PORT)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	defer cfg.Close()

	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if cfg.Debug && cli.LogLevel == "info" {
		cli.LogLevel = "debug"
	}

	if err := cfg.Watch(); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	}

	storePath, err := accounts.DefaultStorePath()
	if err != nil {
		return err
	}
	store := accounts.NewStore(storePath)
	pool, err := loadPool(store)
	if err != nil {
		return err
	}

	tokens := accounts.NewTokenStore(accounts.OAuthRefresh(
		accounts.DefaultOAuthClientID, accounts.DefaultOAuthClientSecret))
	tokens.StartRefresher(pool.Accounts)
	defer tokens.Stop()

	client := upstream.NewClient(pool, tokens)
	dispatcher := upstream.NewDispatcher(pool, tokens, client,
		upstream.WithFallback(cfg.Fallback, cfg.FallbackModels))

	var localOpts []gateway.Option
	if cfg.LocalLLMKey != "" {
		localOpts = append(localOpts, gateway.WithAPIKey(cfg.LocalLLMKey))
	}
	local := gateway.New(cfg.LocalLLMURL, localOpts...)

	srv := server.New(cfg, dispatcher, local, pool, tokens)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("shutdown did not drain cleanly", "error", err)
		}
	}()

	return srv.Start()
}

func loadPool(store *accounts.Store) (*accounts.Pool, error) {
	accts, err := store.Load()
	if err != nil {
		return nil, err
	}
	if len(accts) == 0 {
		slog.Warn("no accounts configured, cloud models will fail",
			"store", "~/.antigravity-claude-proxy/accounts.json")
	} else {
		slog.Info("account store loaded", "accounts", len(accts))
	}
	return accounts.NewPool(accts, store), nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Anthropic-compatible multi-upstream LLM gateway"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
