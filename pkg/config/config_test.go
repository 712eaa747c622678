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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `name: research_agent
description: A research assistant

model:
  provider: openai
  name: gpt-4o
  api_key: ${TEST_OPENAI_KEY}

context:
  max_tokens: 100
  threshold: 0.6

enforcer:
  enabled: true

mcp_servers:
  - name: files
    url: http://localhost:9100/mcp
    require_confirmation: true
  - name: local
    command: ./mcp-server
    args: ["--verbose"]

session:
  backend: sqlite
  path: ./dak.db

server:
  port: 9000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dak.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123")

	cfg, err := Load(LoaderOptions{Path: writeConfig(t, sampleYAML)})
	require.NoError(t, err)

	assert.Equal(t, "research_agent", cfg.Name)
	assert.Equal(t, "sk-test-123", cfg.Model.APIKey)
	assert.Equal(t, 100, cfg.Context.MaxTokens)
	assert.Equal(t, 0.6, cfg.Context.Threshold)
	assert.True(t, cfg.Enforcer.Enabled)

	require.Len(t, cfg.MCPServers, 2)
	assert.True(t, cfg.MCPServers[0].RequireConfirmation)
	assert.Equal(t, "http", cfg.MCPServers[0].Transport)
	assert.Equal(t, "./mcp-server", cfg.MCPServers[1].Command)

	assert.Equal(t, "sqlite", cfg.Session.Backend)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address())

	// defaults fill the rest
	assert.Equal(t, 32, cfg.Context.MaxIterations)
	assert.True(t, cfg.MetricsEnabled())
	assert.Equal(t, "mock", cfg.Payments.Wallet)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := Load(LoaderOptions{Path: writeConfig(t, "name: x\nmodle:\n  provider: openai\n")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modle")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(LoaderOptions{Path: filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, err)
}

func TestDefault_ZeroConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-zero")

	cfg := Default()
	assert.Equal(t, "dak_agent", cfg.Name)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "gpt-4o", cfg.Model.Name)
	assert.Equal(t, "sk-zero", cfg.Model.APIKey)
	assert.Equal(t, 0.5, cfg.Context.Threshold)
	assert.Equal(t, "memory", cfg.Session.Backend)
	require.NoError(t, cfg.Validate())
}

func TestEnvFlags(t *testing.T) {
	t.Setenv(EnvEnableEnforcer, "true")
	t.Setenv(EnvEnablePayments, "1")
	t.Setenv(EnvEnableA2AConsumer, "on")
	t.Setenv(EnvMetaModel, "gpt-4o-mini")
	t.Setenv(EnvContextThreshold, "0.7")

	cfg := Default()
	assert.True(t, cfg.Enforcer.Enabled)
	assert.True(t, cfg.Payments.Enabled)
	assert.True(t, cfg.A2A.Consumer)
	require.NotNil(t, cfg.MetaModel)
	assert.Equal(t, "gpt-4o-mini", cfg.MetaModel.Name)
	assert.Equal(t, 0.7, cfg.Context.Threshold)
}

func TestEnvFlag_Disable(t *testing.T) {
	t.Setenv(EnvEnableEnforcer, "false")

	cfg := &Config{Enforcer: EnforcerConfig{Enabled: true}}
	require.NoError(t, cfg.Process())
	assert.False(t, cfg.Enforcer.Enabled)
}

func TestMeta_FallsBackToModel(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Model, cfg.Meta())

	cfg.MetaModel = &ModelConfig{Provider: "openai", Name: "gpt-4o-mini"}
	assert.Equal(t, "gpt-4o-mini", cfg.Meta().Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad provider", func(c *Config) { c.Model.Provider = "cohere" }, "model.provider"},
		{"bad threshold", func(c *Config) { c.Context.Threshold = 1.5 }, "context.threshold"},
		{"bad backend", func(c *Config) { c.Session.Backend = "redis" }, "session.backend"},
		{"sqlite without path", func(c *Config) { c.Session.Backend = "sqlite" }, "session.path"},
		{"solana incomplete", func(c *Config) {
			c.Payments.Enabled = true
			c.Payments.Wallet = "solana"
		}, "rpc_url"},
		{"mcp without endpoint", func(c *Config) {
			c.MCPServers = []MCPServerConfig{{Name: "broken"}}
		}, "url or command"},
		{"peer without url", func(c *Config) {
			c.A2A.Peers = []PeerConfig{{Name: "p"}}
		}, "name and url"},
		{"bad port", func(c *Config) { c.Server.Port = 99999 }, "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("TEST_PORT", "9000")
	t.Setenv("TEST_FLAG", "true")

	data := map[string]interface{}{
		"port":    "${TEST_PORT}",
		"flag":    "${TEST_FLAG}",
		"missing": "${TEST_ABSENT:-fallback}",
		"plain":   "unchanged",
		"nested":  []interface{}{"${TEST_PORT}"},
	}

	out := ExpandEnvVarsInData(data).(map[string]interface{})
	assert.Equal(t, 9000, out["port"])
	assert.Equal(t, true, out["flag"])
	assert.Equal(t, "fallback", out["missing"])
	assert.Equal(t, "unchanged", out["plain"])
	assert.Equal(t, 9000, out["nested"].([]interface{})[0])
}

func TestParseSourceType(t *testing.T) {
	st, err := ParseSourceType("consul")
	require.NoError(t, err)
	assert.Equal(t, SourceConsul, st)

	_, err = ParseSourceType("zookeeper")
	require.Error(t, err)
}
