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

// Package config loads and validates the runtime configuration.
//
// Configuration comes from a YAML document (local file, Consul or etcd),
// with ${VAR} references expanded from the environment and a handful of
// DAK_* environment flags layered on top for deploy-time toggles. Unknown
// fields are rejected before unmarshal so typos fail fast.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	// Name of the agent (default: "dak_agent").
	Name string `yaml:"name"`

	// Description of the agent, shown on the agent card.
	Description string `yaml:"description"`

	// Instruction is prepended to every mode's system prompt.
	Instruction string `yaml:"instruction"`

	// Model is the conversational LLM.
	Model ModelConfig `yaml:"model"`

	// MetaModel is the LLM used for mode synthesis. Defaults to Model.
	MetaModel *ModelConfig `yaml:"meta_model"`

	// Context tunes the adaptive loop.
	Context ContextConfig `yaml:"context"`

	// Enforcer toggles response enforcement.
	Enforcer EnforcerConfig `yaml:"enforcer"`

	// Payments configures the payment broker and wallet.
	Payments PaymentsConfig `yaml:"payments"`

	// A2A configures peer agent consumption.
	A2A A2AConfig `yaml:"a2a"`

	// MCPServers are the remote tool servers.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`

	// Skills configures the skill registry.
	Skills SkillsConfig `yaml:"skills"`

	// Session configures history persistence.
	Session SessionConfig `yaml:"session"`

	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig identifies one LLM endpoint.
type ModelConfig struct {
	// Provider is "openai" or "gemini".
	Provider string `yaml:"provider"`

	// Name is the model identifier, e.g. "gpt-4o".
	Name string `yaml:"name"`

	// APIKey for the provider. Usually set via ${OPENAI_API_KEY}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (proxies, local servers).
	BaseURL string `yaml:"base_url"`

	// Timeout per model call.
	Timeout time.Duration `yaml:"timeout"`
}

// ContextConfig tunes the adaptive loop.
type ContextConfig struct {
	// MaxTokens overrides the model's assumed context window size.
	MaxTokens int `yaml:"max_tokens"`

	// Threshold is the context usage ratio that triggers a mode switch
	// (default: 0.5).
	Threshold float64 `yaml:"threshold"`

	// MaxIterations caps the inner loop per turn (default: 32).
	MaxIterations int `yaml:"max_iterations"`
}

// EnforcerConfig toggles response enforcement.
type EnforcerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PaymentsConfig configures the payment broker.
type PaymentsConfig struct {
	// Enabled turns on the broker and the wallet tools.
	Enabled bool `yaml:"enabled"`

	// Wallet is "mock" or "solana" (default: "mock").
	Wallet string `yaml:"wallet"`

	// RPCURL is the Solana RPC endpoint. Required for the solana wallet.
	RPCURL string `yaml:"rpc_url"`

	// Address is the wallet's own address. Required for the solana wallet.
	Address string `yaml:"address"`
}

// A2AConfig configures peer agent consumption.
type A2AConfig struct {
	// Consumer exposes configured peers as tools. Off by default so a
	// provider deployment cannot call back into its own callers.
	Consumer bool `yaml:"consumer"`

	// PeersFile points to a YAML file with an a2a_peers list.
	PeersFile string `yaml:"peers_file"`

	// Peers declared inline, merged with PeersFile entries.
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig is one inline A2A peer declaration.
type PeerConfig struct {
	Name         string   `yaml:"name"`
	URL          string   `yaml:"url"`
	Capabilities []string `yaml:"capabilities"`
}

// MCPServerConfig is one remote tool server.
type MCPServerConfig struct {
	// Name identifies the server in logs and tool catalogs.
	Name string `yaml:"name"`

	// URL of the streamable HTTP endpoint.
	URL string `yaml:"url"`

	// Transport is "http" (default) or "stdio".
	Transport string `yaml:"transport"`

	// Command spawns a stdio server.
	Command string `yaml:"command"`

	// Args for Command.
	Args []string `yaml:"args"`

	// Env for the spawned process.
	Env map[string]string `yaml:"env"`

	// Filter restricts the initially exposed tools by name.
	Filter []string `yaml:"filter"`

	// RequireConfirmation gates every tool of this server behind host
	// confirmation.
	RequireConfirmation bool `yaml:"require_confirmation"`

	// CallTimeout per tool call (default: 60s).
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// SkillsConfig configures the skill registry.
type SkillsConfig struct {
	// Dir is the directory scanned for skill bundles (default: "./skills").
	Dir string `yaml:"dir"`
}

// SessionConfig configures history persistence.
type SessionConfig struct {
	// Backend is "memory" (default) or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the sqlite database file. Required for the sqlite backend.
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RejectBusy makes concurrent turns on one session fail with
	// SessionBusy instead of queueing.
	RejectBusy bool `yaml:"reject_busy"`

	// AllowOrigins for CORS (default: "*").
	AllowOrigins []string `yaml:"allow_origins"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level"`

	// Format is "simple" or "verbose" (default: "simple").
	Format string `yaml:"format"`
}

// MetricsEnabled resolves the metrics toggle with its default.
func (c *Config) MetricsEnabled() bool {
	if c.Metrics.Enabled == nil {
		return true
	}
	return *c.Metrics.Enabled
}

// Meta returns the mode-synthesis model config, falling back to the main
// model.
func (c *Config) Meta() ModelConfig {
	if c.MetaModel != nil {
		return *c.MetaModel
	}
	return c.Model
}

// Address returns the host:port the HTTP server binds to.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Default returns the zero-config setup: an OpenAI gpt-4o agent with
// in-memory sessions, ready as soon as OPENAI_API_KEY is set.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.applyEnvFlags()
	return cfg
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "dak_agent"
	}
	if c.Description == "" {
		c.Description = "Adaptive agent runtime"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "openai"
	}
	if c.Model.Name == "" {
		c.Model.Name = "gpt-4o"
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = providerAPIKey(c.Model.Provider)
	}
	if c.MetaModel != nil && c.MetaModel.APIKey == "" {
		c.MetaModel.APIKey = providerAPIKey(c.MetaModel.Provider)
	}
	if c.Context.Threshold == 0 {
		c.Context.Threshold = 0.5
	}
	if c.Context.MaxIterations == 0 {
		c.Context.MaxIterations = 32
	}
	if c.Payments.Wallet == "" {
		c.Payments.Wallet = "mock"
	}
	if c.Skills.Dir == "" {
		c.Skills.Dir = "./skills"
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowOrigins) == 0 {
		c.Server.AllowOrigins = []string{"*"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	for i := range c.MCPServers {
		if c.MCPServers[i].Transport == "" && c.MCPServers[i].Command == "" {
			c.MCPServers[i].Transport = "http"
		}
	}
}

// Environment flags layered over the document. Each flips one deploy-time
// toggle without editing the config.
const (
	EnvEnableEnforcer    = "DAK_ENABLE_ENFORCER"
	EnvEnableA2AConsumer = "DAK_ENABLE_A2A_CONSUMER"
	EnvEnablePayments    = "DAK_ENABLE_PAYMENTS"
	EnvWalletMock        = "DAK_WALLET_MOCK"
	EnvMetaModel         = "DAK_META_MODEL"
	EnvContextThreshold  = "DAK_CONTEXT_THRESHOLD"
)

func (c *Config) applyEnvFlags() {
	if v, ok := envBool(EnvEnableEnforcer); ok {
		c.Enforcer.Enabled = v
	}
	if v, ok := envBool(EnvEnableA2AConsumer); ok {
		c.A2A.Consumer = v
	}
	if v, ok := envBool(EnvEnablePayments); ok {
		c.Payments.Enabled = v
	}
	if v, ok := envBool(EnvWalletMock); ok && v {
		c.Payments.Wallet = "mock"
	}
	if v := os.Getenv(EnvMetaModel); v != "" {
		meta := c.Meta()
		meta.Name = v
		c.MetaModel = &meta
	}
	if v := os.Getenv(EnvContextThreshold); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil && threshold > 0 && threshold <= 1 {
			c.Context.Threshold = threshold
		}
	}
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func providerAPIKey(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("model.provider must be openai or gemini, got %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}

	if c.Context.Threshold <= 0 || c.Context.Threshold > 1 {
		return fmt.Errorf("context.threshold must be in (0, 1], got %g", c.Context.Threshold)
	}
	if c.Context.MaxIterations < 1 {
		return fmt.Errorf("context.max_iterations must be positive, got %d", c.Context.MaxIterations)
	}

	switch c.Session.Backend {
	case "memory":
	case "sqlite":
		if c.Session.Path == "" {
			return fmt.Errorf("session.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("session.backend must be memory or sqlite, got %q", c.Session.Backend)
	}

	if c.Payments.Enabled {
		switch c.Payments.Wallet {
		case "mock":
		case "solana":
			if c.Payments.RPCURL == "" || c.Payments.Address == "" {
				return fmt.Errorf("payments: the solana wallet needs rpc_url and address")
			}
		default:
			return fmt.Errorf("payments.wallet must be mock or solana, got %q", c.Payments.Wallet)
		}
	}

	for _, srv := range c.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("mcp_servers: every server needs a name")
		}
		if srv.URL == "" && srv.Command == "" {
			return fmt.Errorf("mcp_servers.%s: url or command is required", srv.Name)
		}
	}

	for _, p := range c.A2A.Peers {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("a2a.peers: every peer needs name and url")
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	return nil
}

// Process runs the defaulting, env-flag and validation pipeline in order.
func (c *Config) Process() error {
	c.SetDefaults()
	c.applyEnvFlags()
	return c.Validate()
}
