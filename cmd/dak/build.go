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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dakproject/dak/pkg/a2apeer"
	"github.com/dakproject/dak/pkg/agent/adaptive"
	"github.com/dakproject/dak/pkg/config"
	"github.com/dakproject/dak/pkg/enforcer"
	"github.com/dakproject/dak/pkg/model"
	"github.com/dakproject/dak/pkg/model/gemini"
	"github.com/dakproject/dak/pkg/model/openai"
	"github.com/dakproject/dak/pkg/observability"
	"github.com/dakproject/dak/pkg/payment"
	"github.com/dakproject/dak/pkg/runner"
	"github.com/dakproject/dak/pkg/server"
	"github.com/dakproject/dak/pkg/session"
	"github.com/dakproject/dak/pkg/skill"
	"github.com/dakproject/dak/pkg/tool"
	"github.com/dakproject/dak/pkg/tool/builtintool"
	"github.com/dakproject/dak/pkg/tool/mcptoolset"
)

// catalogTimeout bounds the startup fetch of remote tool catalogs.
const catalogTimeout = 10 * time.Second

// buildRuntime assembles the full runtime from configuration. The returned
// cleanup closes resources the server does not own (MCP connections).
func buildRuntime(cfg *config.Config, version string) (*server.Server, func(), error) {
	llm, err := buildModel(cfg.Model)
	if err != nil {
		return nil, nil, err
	}

	var meta model.LLM
	if cfg.MetaModel != nil {
		meta, err = buildModel(cfg.Meta())
		if err != nil {
			return nil, nil, fmt.Errorf("meta model: %w", err)
		}
	}

	sessions, err := buildSessions(cfg)
	if err != nil {
		return nil, nil, err
	}

	enf := enforcer.New(cfg.Enforcer.Enabled)

	var wallet payment.Wallet
	var broker *payment.Broker
	if cfg.Payments.Enabled {
		wallet, err = buildWallet(cfg)
		if err != nil {
			return nil, nil, err
		}
		broker = payment.NewBroker(wallet)
	}

	skills := skill.NewRegistry(cfg.Skills.Dir)
	if err := skills.Load(); err != nil {
		slog.Warn("Failed to load skills", "dir", cfg.Skills.Dir, "error", err)
	}

	remote, closeRemote, err := buildRemote(cfg)
	if err != nil {
		return nil, nil, err
	}

	peerTools, err := buildPeers(cfg)
	if err != nil {
		closeRemote()
		return nil, nil, err
	}

	builtinCfg := builtintool.Config{
		Plans:   enf,
		Skills:  skills,
		Wallet:  wallet,
		Network: walletNetwork(cfg),
	}
	if remote != nil {
		builtinCfg.Catalog = remote.Catalog
	}
	builtins := builtintool.All(builtinCfg)

	reconcileSkills(skills, builtins, peerTools, remote)

	var recorder *observability.Recorder
	if cfg.MetricsEnabled() {
		recorder = observability.NewRecorder("dak")
	}

	agentCfg := adaptive.Config{
		Name:             cfg.Name,
		Description:      cfg.Description,
		Instruction:      cfg.Instruction,
		Model:            llm,
		Meta:             meta,
		Sessions:         sessions,
		Enforcer:         enf,
		Broker:           broker,
		Skills:           skills,
		Builtins:         builtins,
		Peers:            peerTools,
		MaxIterations:    cfg.Context.MaxIterations,
		ContextThreshold: int(cfg.Context.Threshold * 100),
		MaxContextTokens: cfg.Context.MaxTokens,
		Streaming:        true,
	}
	if remote != nil {
		agentCfg.Remote = remote
	}
	if recorder != nil {
		agentCfg.Metrics = recorder
	}

	ag, err := adaptive.New(agentCfg)
	if err != nil {
		closeRemote()
		return nil, nil, err
	}

	rn, err := runner.New(runner.Config{
		AppName:    cfg.Name,
		Agent:      ag,
		Sessions:   sessions,
		RejectBusy: cfg.Server.RejectBusy,
	})
	if err != nil {
		closeRemote()
		return nil, nil, err
	}

	srv, err := server.New(server.Config{
		Config:   cfg,
		Runner:   rn,
		Recorder: recorder,
		Skills:   skills,
		Version:  version,
	})
	if err != nil {
		closeRemote()
		return nil, nil, err
	}

	return srv, closeRemote, nil
}

func buildModel(mc config.ModelConfig) (model.LLM, error) {
	switch mc.Provider {
	case "openai":
		return openai.New(openai.Config{
			APIKey:  mc.APIKey,
			Model:   mc.Name,
			BaseURL: mc.BaseURL,
			Timeout: mc.Timeout,
		})
	case "gemini":
		return gemini.New(gemini.Config{
			APIKey: mc.APIKey,
			Model:  mc.Name,
		})
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", mc.Provider)
	}
}

func buildSessions(cfg *config.Config) (session.Service, error) {
	switch cfg.Session.Backend {
	case "sqlite":
		return session.SQLiteService(cfg.Session.Path)
	default:
		return session.InMemoryService(), nil
	}
}

func buildWallet(cfg *config.Config) (payment.Wallet, error) {
	switch cfg.Payments.Wallet {
	case "solana":
		return payment.NewSolanaWallet(cfg.Payments.RPCURL, cfg.Payments.Address)
	default:
		return payment.NewMockWallet(), nil
	}
}

func walletNetwork(cfg *config.Config) string {
	if cfg.Payments.Wallet == "solana" {
		return cfg.Payments.RPCURL
	}
	return "mock"
}

// buildRemote creates the MCP toolsets. Several servers are merged behind
// one aggregate so the agent sees a single remote catalog.
func buildRemote(cfg *config.Config) (adaptive.RemoteToolset, func(), error) {
	if len(cfg.MCPServers) == 0 {
		return nil, func() {}, nil
	}

	sets := make([]*mcptoolset.Toolset, 0, len(cfg.MCPServers))
	for _, srv := range cfg.MCPServers {
		set, err := mcptoolset.New(mcptoolset.Config{
			Name:                srv.Name,
			URL:                 srv.URL,
			Transport:           srv.Transport,
			Command:             srv.Command,
			Args:                srv.Args,
			Env:                 srv.Env,
			Filter:              srv.Filter,
			RequireConfirmation: srv.RequireConfirmation,
			CallTimeout:         srv.CallTimeout,
		})
		if err != nil {
			for _, s := range sets {
				_ = s.Close()
			}
			return nil, nil, fmt.Errorf("mcp server %s: %w", srv.Name, err)
		}
		sets = append(sets, set)
	}

	if len(sets) == 1 {
		set := sets[0]
		return set, func() { _ = set.Close() }, nil
	}
	multi := mcptoolset.NewMulti(sets...)
	return multi, func() { _ = multi.Close() }, nil
}

func buildPeers(cfg *config.Config) ([]tool.CallableTool, error) {
	var peers []a2apeer.Peer
	if cfg.A2A.PeersFile != "" {
		loaded, err := a2apeer.LoadPeers(cfg.A2A.PeersFile)
		if err != nil {
			return nil, fmt.Errorf("peers file: %w", err)
		}
		peers = loaded
	}
	for _, p := range cfg.A2A.Peers {
		peers = append(peers, a2apeer.Peer{
			Name:         p.Name,
			URL:          p.URL,
			Capabilities: p.Capabilities,
		})
	}

	return a2apeer.Tools(peers, a2apeer.Options{Consumer: cfg.A2A.Consumer}), nil
}

// reconcileSkills validates skill tool references against everything the
// runtime can actually serve. Skipped when the remote catalog is
// unreachable, so a flaky MCP server does not disable skills at boot.
func reconcileSkills(skills *skill.Registry, builtins, peers []tool.CallableTool, remote adaptive.RemoteToolset) {
	var available []string
	for _, t := range builtins {
		available = append(available, t.Name())
	}
	for _, t := range peers {
		available = append(available, t.Name())
	}

	if remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
		defer cancel()

		catalog, err := remote.Catalog(ctx)
		if err != nil {
			slog.Warn("Remote catalog unavailable, skipping skill reconciliation", "error", err)
			return
		}
		for _, desc := range catalog {
			available = append(available, desc.Name)
		}
	}

	skills.Reconcile(available)
}
