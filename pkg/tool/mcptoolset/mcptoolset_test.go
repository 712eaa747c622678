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

package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/tool"
)

// fakeMCPServer is a minimal streamable-HTTP MCP endpoint.
type fakeMCPServer struct {
	t           *testing.T
	tools       []map[string]any
	callResult  map[string]any
	sse         bool
	seenSession []string
	calls       []jsonRPCRequest
}

func (s *fakeMCPServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		s.calls = append(s.calls, req)
		s.seenSession = append(s.seenSession, r.Header.Get("mcp-session-id"))

		var result any
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-42")
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{"tools": s.tools}
		case "tools/call":
			result = s.callResult
		default:
			s.t.Fatalf("unexpected method %s", req.Method)
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
		payload, err := json.Marshal(resp)
		require.NoError(s.t, err)

		if s.sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}
}

func newFakeServer(t *testing.T) *fakeMCPServer {
	return &fakeMCPServer{
		t: t,
		tools: []map[string]any{
			{
				"name":        "read_file",
				"description": "Read a file from disk",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
				},
			},
			{"name": "write_file", "description": "Write a file"},
			{"name": "run_command", "description": "Run a shell command"},
		},
		callResult: map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "file contents here"}},
		},
	}
}

// toolCtx is the minimal tool.Context used to drive Call in tests.
type toolCtx struct {
	context.Context
}

func (c *toolCtx) FunctionCallID() string             { return "fc-1" }
func (c *toolCtx) Actions() *agent.EventActions       { return &agent.EventActions{} }
func (c *toolCtx) State() agent.State                 { return nil }
func (c *toolCtx) InvocationID() string               { return "inv-1" }
func (c *toolCtx) AgentName() string                  { return "dak_agent" }
func (c *toolCtx) UserContent() *agent.Content        { return nil }
func (c *toolCtx) ReadonlyState() agent.ReadonlyState { return nil }
func (c *toolCtx) UserID() string                     { return "u1" }
func (c *toolCtx) AppName() string                    { return "dak" }
func (c *toolCtx) SessionID() string                  { return "s1" }

func newToolCtx() tool.Context {
	return &toolCtx{Context: context.Background()}
}

func newToolset(t *testing.T, url string, cfg Config) *Toolset {
	cfg.Name = "files"
	cfg.URL = url
	ts, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(Config{Name: "broken"})
	require.Error(t, err)
}

func TestTools_ListsRemoteCatalog(t *testing.T) {
	server := newFakeServer(t)
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{})
	tools, err := ts.Tools(nil)
	require.NoError(t, err)
	require.Len(t, tools, 3)

	assert.Equal(t, "read_file", tools[0].Name())
	assert.Equal(t, "Read a file from disk", tools[0].Description())

	ct, ok := tools[0].(tool.CallableTool)
	require.True(t, ok)
	assert.Equal(t, "object", ct.Schema()["type"])
}

func TestTools_InitialFilter(t *testing.T) {
	server := newFakeServer(t)
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{Filter: []string{"read_file"}})
	tools, err := ts.Tools(nil)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].Name())
}

func TestSetFilter_RenarrowsWithoutReconnect(t *testing.T) {
	server := newFakeServer(t)
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{})
	_, err := ts.Tools(nil)
	require.NoError(t, err)
	listCalls := len(server.calls)

	ts.SetFilter([]string{"write_file", "run_command"})
	tools, err := ts.Tools(nil)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Len(t, server.calls, listCalls, "re-filtering must not hit the server")

	ts.SetFilter(nil)
	tools, err = ts.Tools(nil)
	require.NoError(t, err)
	assert.Len(t, tools, 3)
}

func TestCatalog_IgnoresFilter(t *testing.T) {
	server := newFakeServer(t)
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{Filter: []string{"read_file"}})
	descriptors, err := ts.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, descriptors, 3)
	for _, d := range descriptors {
		assert.Equal(t, tool.SourceMCP, d.Source)
	}
}

func TestSessionIDCapturedAndReplayed(t *testing.T) {
	server := newFakeServer(t)
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{})
	_, err := ts.Tools(nil)
	require.NoError(t, err)

	// initialize has no session yet; tools/list carries the assigned one.
	require.Len(t, server.seenSession, 2)
	assert.Empty(t, server.seenSession[0])
	assert.Equal(t, "sess-42", server.seenSession[1])
}

func TestCall_SingleTextResult(t *testing.T) {
	server := newFakeServer(t)
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{})
	tools, err := ts.Tools(nil)
	require.NoError(t, err)

	out, err := tools[0].(tool.CallableTool).Call(newToolCtx(), map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, "file contents here", out["result"])

	last := server.calls[len(server.calls)-1]
	assert.Equal(t, "tools/call", last.Method)
}

func TestCall_MultipleTexts(t *testing.T) {
	server := newFakeServer(t)
	server.callResult = map[string]any{"content": []any{
		map[string]any{"type": "text", "text": "part one"},
		map[string]any{"type": "text", "text": "part two"},
	}}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{})
	tools, err := ts.Tools(nil)
	require.NoError(t, err)

	out, err := tools[0].(tool.CallableTool).Call(newToolCtx(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"part one", "part two"}, out["results"])
}

func TestCall_ServerErrorBecomesErrorKey(t *testing.T) {
	server := newFakeServer(t)
	server.callResult = map[string]any{
		"isError": true,
		"content": []any{map[string]any{"type": "text", "text": "no such file"}},
	}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{})
	tools, err := ts.Tools(nil)
	require.NoError(t, err)

	out, err := tools[0].(tool.CallableTool).Call(newToolCtx(), nil)
	require.NoError(t, err)
	assert.Equal(t, "no such file", out["error"])
}

func TestSSEResponses(t *testing.T) {
	server := newFakeServer(t)
	server.sse = true
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{})
	tools, err := ts.Tools(nil)
	require.NoError(t, err)
	require.Len(t, tools, 3)

	out, err := tools[0].(tool.CallableTool).Call(newToolCtx(), nil)
	require.NoError(t, err)
	assert.Equal(t, "file contents here", out["result"])
}

func TestRequireConfirmationPropagates(t *testing.T) {
	server := newFakeServer(t)
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{RequireConfirmation: true})
	tools, err := ts.Tools(nil)
	require.NoError(t, err)
	for _, tl := range tools {
		assert.True(t, tl.RequiresConfirmation())
	}

	plain := newToolset(t, srv.URL, Config{})
	tools, err = plain.Tools(nil)
	require.NoError(t, err)
	assert.False(t, tools[0].RequiresConfirmation())
}

func TestRefresh_Refetches(t *testing.T) {
	server := newFakeServer(t)
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	ts := newToolset(t, srv.URL, Config{})
	_, err := ts.Tools(nil)
	require.NoError(t, err)
	before := len(server.calls)

	ts.Refresh()
	_, err = ts.Tools(nil)
	require.NoError(t, err)
	assert.Greater(t, len(server.calls), before)
}
