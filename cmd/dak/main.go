// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command dak runs the adaptive agent runtime.
//
// Usage:
//
//	dak serve --config agent.yaml
//	dak serve                       (zero-config, needs OPENAI_API_KEY)
//	dak validate --config agent.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/dakproject/dak"
	"github.com/dakproject/dak/pkg/config"
	"github.com/dakproject/dak/pkg/logger"
)

// Exit codes beyond the usual 0/1.
const (
	exitConfig    = 2
	exitTransport = 3
)

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	Source    string `help:"Config source (file, consul, etcd)." default:"file"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(dak.GetVersion().String())
	return nil
}

// ValidateCmd loads and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return &exitError{exitConfig, fmt.Errorf("--config is required for validate")}
	}

	if _, _, err := loadConfig(cli, false, nil); err != nil {
		return &exitError{exitConfig, err}
	}
	fmt.Println("Configuration OK")
	return nil
}

// ServeCmd starts the runtime server.
type ServeCmd struct {
	// Zero-config overrides
	Provider string `help:"LLM provider (openai, gemini)."`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
	BaseURL  string `name:"base-url" help:"Custom API base URL."`
	MCPURL   string `name:"mcp-url" help:"MCP server URL to attach."`
	Skills   string `help:"Skills directory." type:"path"`

	// Server options
	Port  int  `help:"Port to listen on."`
	Watch bool `help:"Watch the config source for changes and reload."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reloadCh := make(chan *config.Config, 1)
	cfg, loader, err := loadConfig(cli, c.Watch, reloadCh)
	if err != nil {
		return &exitError{exitConfig, err}
	}
	if loader != nil {
		defer loader.Stop()
	}
	c.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return &exitError{exitConfig, err}
	}

	initLogger(cli, cfg)

	for {
		srv, cleanup, err := buildRuntime(cfg, dak.Version)
		if err != nil {
			return &exitError{exitConfig, err}
		}

		printStartup(cfg)

		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- srv.Start(runCtx) }()

		select {
		case err := <-done:
			stop()
			cleanup()
			if err != nil {
				return &exitError{exitTransport, err}
			}
			return nil

		case newCfg := <-reloadCh:
			slog.Info("Configuration changed, restarting runtime")
			stop()
			<-done
			cleanup()
			c.applyFlags(newCfg)
			if err := newCfg.Validate(); err != nil {
				slog.Error("Reloaded config rejected, keeping previous runtime stopped", "error", err)
				return &exitError{exitConfig, err}
			}
			cfg = newCfg
		}
	}
}

// applyFlags layers the zero-config CLI overrides onto the document.
func (c *ServeCmd) applyFlags(cfg *config.Config) {
	if c.Provider != "" {
		cfg.Model.Provider = c.Provider
	}
	if c.Model != "" {
		cfg.Model.Name = c.Model
	}
	if c.APIKey != "" {
		cfg.Model.APIKey = c.APIKey
	}
	if c.BaseURL != "" {
		cfg.Model.BaseURL = c.BaseURL
	}
	if c.Skills != "" {
		cfg.Skills.Dir = c.Skills
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.MCPURL != "" {
		cfg.MCPServers = append(cfg.MCPServers, config.MCPServerConfig{
			Name:      "mcp",
			URL:       c.MCPURL,
			Transport: "http",
		})
	}
	cfg.SetDefaults()
}

// loadConfig loads the document from its source, or returns the zero-config
// defaults when no path is given.
func loadConfig(cli *CLI, watch bool, reloadCh chan<- *config.Config) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		return config.Default(), nil, nil
	}

	sourceType, err := config.ParseSourceType(cli.Source)
	if err != nil {
		return nil, nil, err
	}

	loader, err := config.NewLoader(config.LoaderOptions{
		Type:  sourceType,
		Path:  cli.Config,
		Watch: watch,
		OnChange: func(newCfg *config.Config) error {
			if reloadCh == nil {
				return nil
			}
			select {
			case reloadCh <- newCfg:
			default:
			}
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Loaded configuration", "source", sourceType, "path", cli.Config)
	return cfg, loader, nil
}

// initLogger applies CLI flags over the document's logging section.
func initLogger(cli *CLI, cfg *config.Config) {
	levelStr := cfg.Logging.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = slog.LevelInfo
	}

	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}

	output := os.Stderr
	if cli.LogFile != "" {
		if file, _, err := logger.OpenLogFile(cli.LogFile); err == nil {
			output = file
		} else {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		}
	}

	logger.Init(level, output, format)
}

func printStartup(cfg *config.Config) {
	addr := cfg.Server.Address()
	fmt.Printf("\ndak runtime ready\n")
	fmt.Printf("   Agent:       %s\n", cfg.Name)
	fmt.Printf("   REST API:    http://%s/run\n", addr)
	fmt.Printf("   A2A:         http://%s/a2a\n", addr)
	fmt.Printf("   Agent Card:  http://%s/.well-known/agent-card.json\n", addr)
	fmt.Printf("   Health:      http://%s/healthz\n", addr)
	if cfg.MetricsEnabled() {
		fmt.Printf("   Metrics:     http://%s/metrics\n", addr)
	}
	if cfg.Session.Backend == "sqlite" {
		fmt.Printf("   Sessions:    sqlite (%s)\n", cfg.Session.Path)
	} else {
		fmt.Printf("   Sessions:    in-memory (not persisted)\n")
	}
	if cfg.Enforcer.Enabled {
		fmt.Printf("   Enforcer:    enabled\n")
	}
	if cfg.Payments.Enabled {
		fmt.Printf("   Payments:    %s wallet\n", cfg.Payments.Wallet)
	}
	fmt.Println("\nPress Ctrl+C to stop")
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("dak"),
		kong.Description("dak - adaptive agent runtime"),
		kong.UsageOnError(),
	)

	logger.Init(slog.LevelInfo, os.Stderr, "simple")

	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}
