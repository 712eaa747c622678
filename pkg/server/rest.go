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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/go-chi/chi/v5"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/session"
)

// restPart is one content part on the REST wire: exactly one of the fields
// is set.
type restPart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// restContent is the REST wire form of a message: role user or model, parts
// as text, functionCall or functionResponse objects.
type restContent struct {
	Role  string     `json:"role"`
	Parts []restPart `json:"parts"`
}

// toRestContent translates the internal message encoding (text parts plus
// tool_use / tool_result data parts) into the REST part shapes.
func toRestContent(msg *a2a.Message) *restContent {
	if msg == nil {
		return nil
	}

	role := "model"
	if msg.Role == a2a.MessageRoleUser {
		role = "user"
	}

	content := &restContent{Role: role, Parts: []restPart{}}
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			content.Parts = append(content.Parts, restPart{Text: p.Text})

		case a2a.DataPart:
			if p.Data == nil {
				continue
			}
			switch p.Data["type"] {
			case "tool_use":
				id, _ := p.Data["id"].(string)
				name, _ := p.Data["name"].(string)
				args, _ := p.Data["arguments"].(map[string]any)
				content.Parts = append(content.Parts, restPart{
					FunctionCall: &functionCall{ID: id, Name: name, Args: args},
				})
			case "tool_result":
				id, _ := p.Data["tool_call_id"].(string)
				name, _ := p.Data["tool_name"].(string)
				result, _ := p.Data["content"].(string)
				isError, _ := p.Data["is_error"].(bool)
				content.Parts = append(content.Parts, restPart{
					FunctionResponse: &functionResponse{
						ID:   id,
						Name: name,
						Response: map[string]any{
							"result":   result,
							"is_error": isError,
						},
					},
				})
			}
		}
	}
	return content
}

// eventPayload is the wire form of an agent event.
type eventPayload struct {
	ID                 string                  `json:"id"`
	Timestamp          time.Time               `json:"timestamp"`
	InvocationID       string                  `json:"invocation_id,omitempty"`
	Author             string                  `json:"author"`
	Content            *restContent            `json:"content,omitempty"`
	Partial            bool                    `json:"partial,omitempty"`
	TurnComplete       bool                    `json:"turn_complete,omitempty"`
	ErrorCode          string                  `json:"error_code,omitempty"`
	ErrorMessage       string                  `json:"error_message,omitempty"`
	ToolCalls          []agent.ToolCallState   `json:"tool_calls,omitempty"`
	ToolResults        []agent.ToolResultState `json:"tool_results,omitempty"`
	LongRunningToolIDs []string                `json:"long_running_tool_ids,omitempty"`
	RequireInput       bool                    `json:"require_input,omitempty"`
	InputPrompt        string                  `json:"input_prompt,omitempty"`
	CustomMetadata     map[string]any          `json:"custom_metadata,omitempty"`
}

func toEventPayload(e *agent.Event) eventPayload {
	return eventPayload{
		ID:                 e.ID,
		Timestamp:          e.Timestamp,
		InvocationID:       e.InvocationID,
		Author:             e.Author,
		Content:            toRestContent(e.Message),
		Partial:            e.Partial,
		TurnComplete:       e.TurnComplete,
		ErrorCode:          e.ErrorCode,
		ErrorMessage:       e.ErrorMessage,
		ToolCalls:          e.ToolCalls,
		ToolResults:        e.ToolResults,
		LongRunningToolIDs: e.LongRunningToolIDs,
		RequireInput:       e.Actions.RequireInput,
		InputPrompt:        e.Actions.InputPrompt,
		CustomMetadata:     e.CustomMetadata,
	}
}

// sessionPayload is the wire form of a session.
type sessionPayload struct {
	ID             string         `json:"id"`
	AppName        string         `json:"app_name"`
	UserID         string         `json:"user_id"`
	State          map[string]any `json:"state"`
	Events         []eventPayload `json:"events"`
	LastUpdateTime time.Time      `json:"last_update_time"`
}

func toSessionPayload(sess session.Session, withEvents bool) sessionPayload {
	p := sessionPayload{
		ID:             sess.ID(),
		AppName:        sess.AppName(),
		UserID:         sess.UserID(),
		State:          make(map[string]any),
		Events:         []eventPayload{},
		LastUpdateTime: sess.LastUpdateTime(),
	}
	for k, v := range sess.State().All() {
		p.State[k] = v
	}
	if withEvents {
		for e := range sess.Events().All() {
			p.Events = append(p.Events, toEventPayload(e))
		}
	}
	return p
}

// errorPayload is the wire form of a request failure.
type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := string(agent.ErrKindToolExecution)

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "SessionNotFound"
	case agent.IsKind(err, agent.ErrKindSessionBusy):
		status, code = http.StatusConflict, string(agent.ErrKindSessionBusy)
	case agent.IsKind(err, agent.ErrKindConfig):
		status, code = http.StatusBadRequest, string(agent.ErrKindConfig)
	case agent.IsKind(err, agent.ErrKindLlmUnavailable):
		status, code = http.StatusBadGateway, string(agent.ErrKindLlmUnavailable)
	case agent.IsKind(err, agent.ErrKindTimeout):
		status, code = http.StatusGatewayTimeout, string(agent.ErrKindTimeout)
	}

	var p errorPayload
	p.Error.Code = code
	p.Error.Message = err.Error()
	writeJSON(w, status, p)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	var p errorPayload
	p.Error.Code = "InvalidRequest"
	p.Error.Message = fmt.Sprintf(format, args...)
	writeJSON(w, http.StatusBadRequest, p)
}

// checkApp rejects requests addressed to an unknown app.
func (s *Server) checkApp(w http.ResponseWriter, app string) bool {
	if app != s.runner.AppName() {
		var p errorPayload
		p.Error.Code = "AppNotFound"
		p.Error.Message = fmt.Sprintf("unknown app: %s", app)
		writeJSON(w, http.StatusNotFound, p)
		return false
	}
	return true
}

type createSessionRequest struct {
	SessionID string         `json:"session_id"`
	State     map[string]any `json:"state"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	user := chi.URLParam(r, "user")
	if !s.checkApp(w, app) {
		return
	}

	var req createSessionRequest
	if r.Body != nil {
		// An empty body creates a session with a generated ID.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.State == nil {
		req.State = make(map[string]any)
	}

	resp, err := s.runner.Sessions().Create(r.Context(), &session.CreateRequest{
		AppName:   app,
		UserID:    user,
		SessionID: req.SessionID,
		State:     req.State,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionPayload(resp.Session, true))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	user := chi.URLParam(r, "user")
	if !s.checkApp(w, app) {
		return
	}

	resp, err := s.runner.Sessions().List(r.Context(), &session.ListRequest{
		AppName: app,
		UserID:  user,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	sessions := make([]sessionPayload, 0, len(resp.Sessions))
	for _, sess := range resp.Sessions {
		sessions = append(sessions, toSessionPayload(sess, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	user := chi.URLParam(r, "user")
	id := chi.URLParam(r, "id")
	if !s.checkApp(w, app) {
		return
	}

	resp, err := s.runner.Sessions().Get(r.Context(), &session.GetRequest{
		AppName:   app,
		UserID:    user,
		SessionID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionPayload(resp.Session, true))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	user := chi.URLParam(r, "user")
	id := chi.URLParam(r, "id")
	if !s.checkApp(w, app) {
		return
	}

	err := s.runner.Sessions().Delete(r.Context(), &session.DeleteRequest{
		AppName:   app,
		UserID:    user,
		SessionID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.runner.Forget(id)
	if f, ok := s.runner.Agent().(Forgetter); ok {
		f.Forget(id)
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

type runRequest struct {
	AppName    string       `json:"app_name"`
	UserID     string       `json:"user_id"`
	SessionID  string       `json:"session_id"`
	NewMessage *restContent `json:"new_message"`
}

func (s *Server) decodeRunRequest(w http.ResponseWriter, r *http.Request) (*runRequest, bool) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return nil, false
	}
	if req.AppName != "" && req.AppName != s.runner.AppName() {
		badRequest(w, "unknown app: %s", req.AppName)
		return nil, false
	}
	if req.UserID == "" || req.SessionID == "" {
		badRequest(w, "user_id and session_id are required")
		return nil, false
	}
	if req.NewMessage == nil || len(req.NewMessage.Parts) == 0 {
		badRequest(w, "new_message with at least one part is required")
		return nil, false
	}
	return &req, true
}

// toAgentContent translates an inbound REST message into the internal
// encoding. A functionResponse carrying a confirmed flag answers a pending
// confirmation request.
func toAgentContent(msg *restContent) *agent.Content {
	role := a2a.MessageRoleUser
	if msg.Role == "model" {
		role = a2a.MessageRoleAgent
	}

	var parts []a2a.Part
	for _, part := range msg.Parts {
		switch {
		case part.FunctionResponse != nil:
			fr := part.FunctionResponse
			confirmed, _ := fr.Response["confirmed"].(bool)
			parts = append(parts, a2a.DataPart{Data: map[string]any{
				"type":         "confirmation_response",
				"tool_call_id": fr.ID,
				"confirmed":    confirmed,
			}})
		case part.FunctionCall != nil:
			fc := part.FunctionCall
			parts = append(parts, a2a.DataPart{Data: map[string]any{
				"type":      "tool_use",
				"id":        fc.ID,
				"name":      fc.Name,
				"arguments": fc.Args,
			}})
		default:
			parts = append(parts, a2a.TextPart{Text: part.Text})
		}
	}
	return &agent.Content{Parts: parts, Role: role}
}

// toContent adapts an A2A message for the runner; the A2A surface keeps its
// native part encoding.
func toContent(msg *a2a.Message) *agent.Content {
	role := msg.Role
	if role == "" {
		role = a2a.MessageRoleUser
	}
	return &agent.Content{Parts: msg.Parts, Role: role}
}

// handleRun executes one turn and returns the non-partial events as JSON.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}

	var events []eventPayload
	for event, err := range s.runner.Run(r.Context(), req.UserID, req.SessionID, toAgentContent(req.NewMessage)) {
		if err != nil {
			s.countTurn("error")
			writeError(w, err)
			return
		}
		if event.Partial {
			continue
		}
		events = append(events, toEventPayload(event))
	}

	s.countTurn("success")
	writeJSON(w, http.StatusOK, events)
}

// handleRunSSE executes one turn, streaming every event (partials included)
// as server-sent events.
func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for event, err := range s.runner.Run(r.Context(), req.UserID, req.SessionID, toAgentContent(req.NewMessage)) {
		if err != nil {
			s.countTurn("error")
			s.writeSSEError(w, flusher, canFlush, err)
			return
		}
		data, err := json.Marshal(toEventPayload(event))
		if err != nil {
			s.logger.Warn("Failed to marshal event", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if canFlush {
			flusher.Flush()
		}
	}

	s.countTurn("success")
}

func (s *Server) writeSSEError(w http.ResponseWriter, flusher http.Flusher, canFlush bool, err error) {
	var p errorPayload
	p.Error.Code = string(agent.KindOf(err))
	p.Error.Message = err.Error()

	data, _ := json.Marshal(p)
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	if canFlush {
		flusher.Flush()
	}
}

func (s *Server) countTurn(outcome string) {
	if s.recorder != nil {
		s.recorder.CountTurn(outcome)
	}
}
