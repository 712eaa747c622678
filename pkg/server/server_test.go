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

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/config"
	"github.com/dakproject/dak/pkg/runner"
	"github.com/dakproject/dak/pkg/session"
)

// stubAgent answers every turn with one final text event. When block is set
// it holds the turn open until the channel closes.
type stubAgent struct {
	reply     string
	block     chan struct{}
	started   chan struct{}
	startOnce sync.Once

	mu        sync.Mutex
	forgotten []string
}

func (a *stubAgent) Name() string        { return "stub" }
func (a *stubAgent) Description() string { return "test agent" }

func (a *stubAgent) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgotten = append(a.forgotten, sessionID)
}

func (a *stubAgent) Run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		if a.started != nil {
			a.startOnce.Do(func() { close(a.started) })
		}
		if a.block != nil {
			<-a.block
		}
		event := agent.NewEvent(ctx.InvocationID())
		event.Author = a.Name()
		event.Message = a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: a.reply})
		event.TurnComplete = true
		yield(event, nil)
	}
}

type harness struct {
	server *Server
	agent  *stubAgent
	svc    session.Service
}

func newHarness(t *testing.T, mutate func(*runner.Config)) *harness {
	t.Helper()

	ag := &stubAgent{reply: "hello from stub"}
	svc := session.InMemoryService()

	rcfg := runner.Config{
		AppName:  "dak",
		Agent:    ag,
		Sessions: svc,
	}
	if mutate != nil {
		mutate(&rcfg)
	}

	rn, err := runner.New(rcfg)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Name = "dak_agent"

	srv, err := New(Config{Config: cfg, Runner: rn, Version: "test"})
	require.NoError(t, err)

	return &harness{server: srv, agent: ag, svc: svc}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func runBody(userID, sessionID, text string) map[string]any {
	return map[string]any{
		"app_name":   "dak",
		"user_id":    userID,
		"session_id": sessionID,
		"new_message": map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"text": text}},
		},
	}
}

func TestNew_RequiresRunner(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAgentCard(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/.well-known/agent-card.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var card map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Equal(t, "dak_agent", card["name"])
	assert.Contains(t, card["url"], "/a2a")
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	base := "/apps/dak/users/u1/sessions"

	// create with explicit ID
	rec := h.do(t, http.MethodPost, base+"/", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "s1", created["id"])
	assert.Equal(t, "dak", created["app_name"])

	// get
	rec = h.do(t, http.MethodGet, base+"/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// list
	rec = h.do(t, http.MethodGet, base+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Sessions, 1)

	// delete forgets agent-side state too
	rec = h.do(t, http.MethodDelete, base+"/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, h.agent.forgotten, "s1")

	rec = h.do(t, http.MethodGet, base+"/s1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSession_UnknownApp(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/apps/other/users/u1/sessions/", map[string]any{})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown app")
}

func TestRun_ReturnsEvents(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/run", runBody("u1", "s1", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	var events []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "stub", events[0]["author"])
	assert.Equal(t, true, events[0]["turn_complete"])

	content := events[0]["content"].(map[string]any)
	parts := content["parts"].([]any)
	require.Len(t, parts, 1)
	assert.Equal(t, "hello from stub", parts[0].(map[string]any)["text"])
}

func TestRun_ValidatesRequest(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/run", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/run", runBody("u1", "", "hi"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := runBody("u1", "s1", "hi")
	body["app_name"] = "other"
	rec = h.do(t, http.MethodPost, "/run", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRun_BusySessionConflicts(t *testing.T) {
	h := newHarness(t, func(cfg *runner.Config) {
		cfg.RejectBusy = true
	})
	h.agent.block = make(chan struct{})
	h.agent.started = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.do(t, http.MethodPost, "/run", runBody("u1", "s1", "first"))
	}()
	<-h.agent.started

	rec := h.do(t, http.MethodPost, "/run", runBody("u1", "s1", "second"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "SessionBusy")

	close(h.agent.block)
	<-done
}

func TestRunSSE_StreamsEvents(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/run_sse", runBody("u1", "s1", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "data: "))
	assert.Contains(t, lines[0], "hello from stub")
}

func TestRun_PersistsEvents(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/run", runBody("u1", "s1", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/apps/dak/users/u1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sess struct {
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	// user message + agent reply
	require.Len(t, sess.Events, 2)
	assert.Equal(t, agent.AuthorUser, sess.Events[0]["author"])
	assert.Equal(t, "stub", sess.Events[1]["author"])
}

func TestToRestContent_FunctionParts(t *testing.T) {
	msg := a2a.NewMessage(a2a.MessageRoleAgent,
		a2a.TextPart{Text: "checking the file"},
		a2a.DataPart{Data: map[string]any{
			"type":      "tool_use",
			"id":        "call-1",
			"name":      "read_file",
			"arguments": map[string]any{"path": "notes.txt"},
		}})

	content := toRestContent(msg)
	require.NotNil(t, content)
	assert.Equal(t, "model", content.Role)
	require.Len(t, content.Parts, 2)
	assert.Equal(t, "checking the file", content.Parts[0].Text)

	fc := content.Parts[1].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "call-1", fc.ID)
	assert.Equal(t, "read_file", fc.Name)
	assert.Equal(t, map[string]any{"path": "notes.txt"}, fc.Args)

	result := a2a.NewMessage(a2a.MessageRoleUser,
		a2a.DataPart{Data: map[string]any{
			"type":         "tool_result",
			"tool_call_id": "call-1",
			"tool_name":    "read_file",
			"content":      "file body",
			"is_error":     false,
		}})

	content = toRestContent(result)
	assert.Equal(t, "user", content.Role)
	require.Len(t, content.Parts, 1)

	fr := content.Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "call-1", fr.ID)
	assert.Equal(t, "read_file", fr.Name)
	assert.Equal(t, "file body", fr.Response["result"])
	assert.Equal(t, false, fr.Response["is_error"])
}

func TestToAgentContent_ConfirmationResponse(t *testing.T) {
	content := toAgentContent(&restContent{
		Role: "user",
		Parts: []restPart{{
			FunctionResponse: &functionResponse{
				ID:       "call-9",
				Name:     "write_file",
				Response: map[string]any{"confirmed": true},
			},
		}},
	})

	assert.Equal(t, a2a.MessageRoleUser, content.Role)
	require.Len(t, content.Parts, 1)

	data := content.Parts[0].(a2a.DataPart).Data
	assert.Equal(t, "confirmation_response", data["type"])
	assert.Equal(t, "call-9", data["tool_call_id"])
	assert.Equal(t, true, data["confirmed"])
}

func TestCORS_Preflight(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWriteError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrSessionNotFound, http.StatusNotFound},
		{agent.NewError(agent.ErrKindSessionBusy, "busy"), http.StatusConflict},
		{agent.NewError(agent.ErrKindConfig, "bad"), http.StatusBadRequest},
		{agent.NewError(agent.ErrKindLlmUnavailable, "down"), http.StatusBadGateway},
		{agent.NewError(agent.ErrKindTimeout, "slow"), http.StatusGatewayTimeout},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		assert.Equal(t, tt.want, rec.Code, "error: %v", tt.err)
	}
}
