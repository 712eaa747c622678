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

// Package mcptoolset exposes an MCP server's tools as a tool.Toolset.
//
// MCP (Model Context Protocol) servers speak JSON-RPC 2.0; this toolset
// supports the streamable HTTP transport (with SSE responses and the
// mcp-session-id header) and stdio subprocesses via mcp-go.
//
// The connection is lazy: the server is contacted when tools are first
// listed. The exposure filter is mutable at runtime — a mode switch narrows
// or widens the visible tool set through SetFilter without reconnecting,
// and Catalog always reports the unfiltered server inventory for discovery.
package mcptoolset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/httpclient"
	"github.com/dakproject/dak/pkg/tool"
)

const (
	// DefaultCallTimeout bounds a single tools/call dispatch.
	DefaultCallTimeout = 60 * time.Second

	// DefaultSSEResponseTimeout bounds reading one SSE response.
	DefaultSSEResponseTimeout = 5 * time.Minute

	protocolVersion = "2024-11-05"
)

// Config configures an MCP toolset.
type Config struct {
	// Name identifies this toolset.
	Name string

	// URL is the MCP server URL (for HTTP transports).
	URL string

	// Transport specifies the MCP transport (streamable-http, sse, stdio).
	Transport string

	// Command for stdio transport.
	Command string

	// Args for stdio transport.
	Args []string

	// Env for stdio transport.
	Env map[string]string

	// Filter limits which tools are exposed initially. Empty means all.
	Filter []string

	// RequireConfirmation marks every exposed tool as needing host
	// confirmation before execution.
	RequireConfirmation bool

	// CallTimeout bounds a single tool call (default: 60s).
	CallTimeout time.Duration

	// MaxRetries for HTTP requests (default: 3).
	MaxRetries int

	// SSETimeout for SSE response reading (default: 5m).
	SSETimeout time.Duration
}

// Toolset is an MCP-backed toolset with a lazy connection and a mutable
// exposure filter.
type Toolset struct {
	cfg Config

	mu         sync.Mutex
	client     *client.Client     // stdio transport
	httpClient *httpclient.Client // HTTP transports
	catalog    []*remoteTool      // unfiltered server inventory
	connected  bool

	sessionMu sync.RWMutex
	sessionID string // streamable-http session

	filterMu  sync.RWMutex
	filterSet map[string]bool // nil means expose everything
}

// New creates an MCP toolset.
func New(cfg Config) (*Toolset, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("either url or command is required")
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SSETimeout == 0 {
		cfg.SSETimeout = DefaultSSEResponseTimeout
	}

	t := &Toolset{cfg: cfg}
	t.filterSet = toSet(cfg.Filter)
	return t, nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// Name returns the toolset name.
func (t *Toolset) Name() string {
	return t.cfg.Name
}

// SetFilter replaces the exposure filter. Nil or empty exposes everything.
// The connection and the cached catalog are untouched.
func (t *Toolset) SetFilter(names []string) {
	t.filterMu.Lock()
	t.filterSet = toSet(names)
	t.filterMu.Unlock()
	slog.Info("MCP tool filter updated", "toolset", t.cfg.Name, "tools", names)
}

// Filter returns the current filter, or nil when everything is exposed.
func (t *Toolset) Filter() []string {
	t.filterMu.RLock()
	defer t.filterMu.RUnlock()
	if t.filterSet == nil {
		return nil
	}
	names := make([]string, 0, len(t.filterSet))
	for name := range t.filterSet {
		names = append(names, name)
	}
	return names
}

// Tools returns the exposed tools, connecting lazily if needed.
func (t *Toolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	catalog, err := t.ensureCatalog(ctx)
	if err != nil {
		return nil, err
	}

	t.filterMu.RLock()
	defer t.filterMu.RUnlock()

	var tools []tool.Tool
	for _, rt := range catalog {
		if t.filterSet != nil && !t.filterSet[rt.name] {
			continue
		}
		tools = append(tools, rt)
	}
	return tools, nil
}

// Catalog returns the unfiltered server inventory as descriptors. Used by
// discovery and by the mode manager when it inspects what a switch could
// make available.
func (t *Toolset) Catalog(ctx context.Context) ([]tool.Descriptor, error) {
	catalog, err := t.ensureCatalog(ctx)
	if err != nil {
		return nil, err
	}

	descriptors := make([]tool.Descriptor, 0, len(catalog))
	for _, rt := range catalog {
		descriptors = append(descriptors, tool.Describe(rt))
	}
	return descriptors, nil
}

// Refresh drops the cached inventory so the next listing re-fetches it.
func (t *Toolset) Refresh() {
	t.mu.Lock()
	t.catalog = nil
	t.connected = false
	t.mu.Unlock()
}

func (t *Toolset) ensureCatalog(ctx context.Context) ([]*remoteTool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return t.catalog, nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	if t.cfg.Command != "" || t.cfg.Transport == "stdio" {
		err = t.connectStdio(ctx)
	} else {
		err = t.connectHTTP(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}
	return t.catalog, nil
}

// connectStdio connects through an mcp-go subprocess client.
func (t *Toolset) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, convertEnv(t.cfg.Env), t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "dak", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var catalog []*remoteTool
	for _, mcpTool := range listResp.Tools {
		catalog = append(catalog, &remoteTool{
			toolset:  t,
			name:     mcpTool.Name,
			desc:     mcpTool.Description,
			schema:   convertSchema(mcpTool.InputSchema),
			useStdio: true,
		})
	}

	t.client = mcpClient
	t.catalog = catalog
	t.connected = true

	slog.Info("Connected to MCP server (stdio)",
		"name", t.cfg.Name, "command", t.cfg.Command, "tools", len(catalog))
	return nil
}

// connectHTTP connects through the retrying HTTP client.
func (t *Toolset) connectHTTP(ctx context.Context) error {
	t.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(t.cfg.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := t.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "dak", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := t.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var catalog []*remoteTool
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		var schema map[string]any
		if inputSchema, ok := toolMap["inputSchema"].(map[string]any); ok {
			schema = inputSchema
		}
		catalog = append(catalog, &remoteTool{
			toolset: t,
			name:    name,
			desc:    desc,
			schema:  schema,
		})
	}

	t.catalog = catalog
	t.connected = true

	slog.Info("Connected to MCP server (HTTP)",
		"name", t.cfg.Name, "url", t.cfg.URL, "tools", len(catalog))
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request over HTTP, following the streamable HTTP
// conventions: Accept both JSON and SSE, carry the mcp-session-id header.
func (t *Toolset) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.sessionMu.Lock()
		t.sessionID = newSessionID
		t.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s (response: %s)",
			httpResp.StatusCode, httpResp.Status, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC response from an SSE
// stream. Events are data: lines terminated by a blank line.
func (t *Toolset) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer httpResp.Body.Close()

		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		flush := func() *jsonRPCResponse {
			if currentData.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(currentData.String()), &resp); err != nil {
				currentData.Reset()
				return nil
			}
			return &resp
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			lineStr := strings.TrimSpace(string(line))

			if lineStr == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{response: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if resp := flush(); resp != nil {
			resultChan <- result{response: resp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(t.cfg.SSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", t.cfg.SSETimeout)
	}
}

// convertSchema round-trips an mcp-go input schema into a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// Close closes the MCP connection.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.catalog = nil
	t.connected = false
	t.httpClient = nil
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// remoteTool is one MCP tool exposed as a tool.CallableTool.
type remoteTool struct {
	toolset  *Toolset
	name     string
	desc     string
	schema   map[string]any
	useStdio bool
}

func (w *remoteTool) Name() string        { return w.name }
func (w *remoteTool) Description() string { return w.desc }

func (w *remoteTool) RequiresConfirmation() bool {
	return w.toolset.cfg.RequireConfirmation
}

func (w *remoteTool) Source() tool.Source {
	return tool.SourceMCP
}

func (w *remoteTool) Schema() map[string]any {
	return w.schema
}

func (w *remoteTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	var parent context.Context = ctx
	if parent == nil {
		parent = context.Background()
	}
	callCtx, cancel := context.WithTimeout(parent, w.toolset.cfg.CallTimeout)
	defer cancel()

	if w.useStdio {
		return w.callStdio(callCtx, args)
	}
	return w.callHTTP(callCtx, args)
}

func (w *remoteTool) callStdio(ctx context.Context, args map[string]any) (map[string]any, error) {
	w.toolset.mu.Lock()
	mcpClient := w.toolset.client
	w.toolset.mu.Unlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	result := make(map[string]any)
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	if resp.IsError {
		result["error"] = "unknown error"
		if len(texts) > 0 {
			result["error"] = texts[0]
		}
		return result, nil
	}
	collectTexts(result, texts)
	return result, nil
}

func (w *remoteTool) callHTTP(ctx context.Context, args map[string]any) (map[string]any, error) {
	resp, err := w.toolset.rpc(ctx, "tools/call", map[string]any{
		"name":      w.name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}

	result := make(map[string]any)
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		result["result"] = resp.Result
		return result, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}

	if isError, _ := resultMap["isError"].(bool); isError {
		result["error"] = "unknown error"
		if len(texts) > 0 {
			result["error"] = texts[0]
		}
		return result, nil
	}

	collectTexts(result, texts)
	return result, nil
}

func collectTexts(result map[string]any, texts []string) {
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
}

var (
	_ tool.Toolset        = (*Toolset)(nil)
	_ tool.CallableTool   = (*remoteTool)(nil)
	_ tool.SourceProvider = (*remoteTool)(nil)
)
