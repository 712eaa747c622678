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

// Package adaptive implements the adaptive reasoning loop.
//
// Each turn runs up to MaxIterations inner steps. One step is: build the
// request from the session history and the current Mode, call the model,
// validate the response through the enforcer, then dispatch any tool calls
// and append their results. The loop ends on a terminal tool, a final text
// response, an enforcer block, or the iteration cap.
//
// The Mode (instruction + active tool set) is per session and changes only
// through the mode manager: a threshold crossing or an explicit switch_mode
// call triggers a meta-model synthesis, and the switch clears the session
// history in place, acting as the context memory barrier.
package adaptive

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/enforcer"
	"github.com/dakproject/dak/pkg/model"
	"github.com/dakproject/dak/pkg/modemanager"
	"github.com/dakproject/dak/pkg/payment"
	"github.com/dakproject/dak/pkg/session"
	"github.com/dakproject/dak/pkg/skill"
	"github.com/dakproject/dak/pkg/tool"
)

// DefaultMaxIterations caps the inner reasoning loop per turn.
const DefaultMaxIterations = 32

// clientCallIDPrefix marks function call IDs generated on our side when the
// model omits them.
const clientCallIDPrefix = "dak-"

// defaultInstruction is the first-turn system prompt. The first Mode carries
// built-in tools only; everything else is reached through discovery and a
// mode switch.
const defaultInstruction = `You are an autonomous agent that works exclusively through tools.

For complex tasks, call ` + "`planner`" + ` first to declare your goal, steps and tool set.
Call ` + "`ask_question`" + ` when you need information only the user has.
Call ` + "`attempt_answer`" + ` with your final answer when the task is done.

If the user requests an action that requires tools you do not currently have, you MUST follow this 2-step process:
 1. Call ` + "`list_available_tools()`" + ` to see ALL available tools and skills.
 2. Review the list and call ` + "`switch_mode(reason='...', new_focus='...')`" + ` to switch to the correct mode.
 Do NOT guess tool names. Do NOT try to call tools that are not in your list.`

// enforcerPreamble is appended to the instruction when enforcement is on.
const enforcerPreamble = `

ENFORCER MODE IS ACTIVE: plain text responses are rejected. Every response MUST be a tool call. Use ` + "`system_retry`" + ` guidance when you receive it.`

// RemoteToolset is the MCP-backed tool source. Satisfied by
// mcptoolset.Toolset.
type RemoteToolset interface {
	Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error)
	Catalog(ctx context.Context) ([]tool.Descriptor, error)
	SetFilter(names []string)
}

// Metrics receives loop observations. All methods must be safe for
// concurrent use; a nil Metrics disables recording.
type Metrics interface {
	ObserveLLMCall(modelName string, duration time.Duration, failed bool)
	ObserveToolDispatch(name string, source tool.Source, outcome string, duration time.Duration)
	CountModeSwitch()
	CountEnforcerBlock()
}

// Config wires the adaptive agent.
type Config struct {
	// Name of the agent (default: "dak_agent").
	Name string

	// Description of the agent.
	Description string

	// Model is the conversational LLM. Required.
	Model model.LLM

	// Meta is the LLM used for mode synthesis (default: Model).
	Meta model.LLM

	// Sessions persists and clears session history. Required for the
	// mode-switch memory barrier.
	Sessions session.Service

	// Enforcer validates responses. Nil disables enforcement.
	Enforcer *enforcer.Enforcer

	// Broker authorizes paid tool calls. Nil disables payment gating.
	Broker *payment.Broker

	// Skills serves skill bundles and their local tools.
	Skills *skill.Registry

	// Builtins are the control tools, always present in every Mode.
	Builtins []tool.CallableTool

	// Remote is the MCP toolset. Optional.
	Remote RemoteToolset

	// Peers are A2A peer tools. Optional.
	Peers []tool.CallableTool

	// Instruction overrides the default first-turn system prompt.
	Instruction string

	// MaxIterations caps the inner loop (default: 32).
	MaxIterations int

	// ContextThreshold and MaxContextTokens configure per-session mode
	// managers; zero values use the mode manager defaults.
	ContextThreshold int // percent, 0 means default
	MaxContextTokens int

	// Streaming enables partial model events.
	Streaming bool

	// LLMRetries is the retry count after a failed model call (default: 2).
	LLMRetries int

	// RetryBaseDelay is the first retry backoff (default: 1s). Doubles per
	// attempt.
	RetryBaseDelay time.Duration

	// Metrics is optional.
	Metrics Metrics
}

// Agent is the adaptive reasoning agent. One Agent serves many sessions;
// per-session switching state lives in sessionState.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu      sync.Mutex
	manager *modemanager.Manager
	mode    modemanager.Mode
}

// New creates an adaptive agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Name == "" {
		cfg.Name = "dak_agent"
	}
	if cfg.Meta == nil {
		cfg.Meta = cfg.Model
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.LLMRetries == 0 {
		cfg.LLMRetries = 2
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.Instruction == "" {
		cfg.Instruction = defaultInstruction
	}

	return &Agent{
		cfg:      cfg,
		logger:   slog.Default().With("component", "adaptive", "agent", cfg.Name),
		sessions: make(map[string]*sessionState),
	}, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Description returns the agent description.
func (a *Agent) Description() string { return a.cfg.Description }

// Forget drops per-session state after session deletion.
func (a *Agent) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if a.cfg.Enforcer != nil {
		a.cfg.Enforcer.Forget(sessionID)
	}
}

// session returns (creating if needed) the per-session state. A fresh
// session starts in the minimal Mode: built-in tools only, default
// instruction.
func (a *Agent) session(sessionID string) *sessionState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sessions[sessionID]
	if !ok {
		manager := modemanager.NewManager(modemanager.Config{
			ModelName:        a.cfg.Model.Name(),
			MaxContextTokens: a.cfg.MaxContextTokens,
			Threshold:        float64(a.cfg.ContextThreshold) / 100,
			Meta:             a.cfg.Meta,
		})
		manager.BeginSession()
		st = &sessionState{
			manager: manager,
			mode: modemanager.Mode{
				Instruction: a.cfg.Instruction,
				Tools:       describeAll(a.cfg.Builtins),
			},
		}
		a.sessions[sessionID] = st
	}
	return st
}

// Mode returns a snapshot of the session's current mode. Test and
// inspection hook.
func (a *Agent) Mode(sessionID string) modemanager.Mode {
	st := a.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mode
}

// Run executes one turn of the reasoning loop.
func (a *Agent) Run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		st := a.session(ctx.SessionID())
		st.mu.Lock()
		defer st.mu.Unlock()

		if !a.resolveConfirmations(ctx, st, yield) {
			return
		}

		for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
			if ctx.Err() != nil {
				return
			}

			req := a.buildRequest(ctx, st)

			if st.manager.ShouldSwitch(st.manager.CountTokens(req.Messages)) {
				a.switchMode(ctx, st, yield)
				req = a.buildRequest(ctx, st)
			}

			resp, err := a.callModel(ctx, req, yield)
			if err != nil {
				a.logger.Error("Model unavailable", "error", err)
				ev := agent.NewEvent(ctx.InvocationID())
				ev.Author = agent.AuthorSystem
				ev.ErrorCode = string(agent.ErrKindLlmUnavailable)
				ev.ErrorMessage = err.Error()
				ev.TurnComplete = true
				yield(ev, nil)
				return
			}

			if a.cfg.Enforcer != nil {
				if blocked := a.cfg.Enforcer.Validate(ctx.SessionID(), resp); blocked != nil {
					if a.cfg.Metrics != nil {
						a.cfg.Metrics.CountEnforcerBlock()
					}
					yield(a.buildBlockEvent(ctx, blocked), nil)
					return
				}
			}

			modelEvent := a.buildModelEvent(ctx, resp)
			if !yield(modelEvent, nil) {
				return
			}

			if !resp.HasToolCalls() {
				return
			}

			resultEvent, suspend := a.dispatchToolCalls(ctx, st, resp.ToolCalls)
			if resultEvent != nil && !yield(resultEvent, nil) {
				return
			}
			if suspend {
				return
			}

			a.drainSignals(ctx, st)

			if resultEvent != nil && resultEvent.IsFinalResponse() {
				return
			}
		}

		ev := agent.NewEvent(ctx.InvocationID())
		ev.Author = agent.AuthorSystem
		ev.Message = a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{
			Text: fmt.Sprintf("Turn limit reached after %d iterations without a final answer.", a.cfg.MaxIterations),
		})
		ev.ErrorCode = string(agent.ErrKindTimeout)
		ev.TurnComplete = true
		yield(ev, nil)
	}
}

// buildRequest assembles the model request from the session history and the
// current Mode. The session is the source of truth on every iteration.
func (a *Agent) buildRequest(ctx agent.InvocationContext, st *sessionState) *model.Request {
	instruction := st.mode.Instruction
	if a.cfg.Enforcer != nil && a.cfg.Enforcer.Enabled() {
		instruction += enforcerPreamble
	}

	req := &model.Request{SystemInstruction: instruction}

	if sess := ctx.Session(); sess != nil && sess.Events() != nil {
		for ev := range sess.Events().All() {
			if ev == nil || ev.Partial || ev.Message == nil {
				continue
			}
			req.Messages = append(req.Messages, ev.Message)
		}
	}

	for _, d := range st.mode.Tools {
		req.Tools = append(req.Tools, tool.Definition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return req
}

// callModel invokes the LLM with retries and exponential backoff. Partial
// responses are forwarded as streaming events; the final aggregated response
// is returned.
func (a *Agent) callModel(
	ctx agent.InvocationContext,
	req *model.Request,
	yield func(*agent.Event, error) bool,
) (*model.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= a.cfg.LLMRetries; attempt++ {
		if attempt > 0 {
			delay := a.cfg.RetryBaseDelay << (attempt - 1)
			a.logger.Warn("Retrying model call", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		var final *model.Response
		var callErr error

		for resp, err := range a.cfg.Model.GenerateContent(ctx, req, a.cfg.Streaming) {
			if err != nil {
				callErr = err
				break
			}
			if resp == nil {
				continue
			}
			if resp.Partial {
				ev := agent.NewEvent(ctx.InvocationID())
				ev.Author = a.cfg.Name
				ev.Partial = true
				if resp.Content != nil {
					ev.Message = a2a.NewMessage(a2a.MessageRoleAgent, resp.Content.Parts...)
				}
				if !yield(ev, nil) {
					return nil, fmt.Errorf("streaming interrupted")
				}
			} else {
				final = resp
			}
		}

		if a.cfg.Metrics != nil {
			a.cfg.Metrics.ObserveLLMCall(a.cfg.Model.Name(), time.Since(start), callErr != nil)
		}

		if callErr != nil {
			lastErr = callErr
			continue
		}
		if final == nil {
			lastErr = fmt.Errorf("model yielded no final response")
			continue
		}

		populateCallIDs(final)
		return final, nil
	}

	return nil, agent.WrapError(agent.ErrKindLlmUnavailable,
		fmt.Sprintf("model call failed after %d retries", a.cfg.LLMRetries), lastErr)
}

// buildModelEvent converts a model response into a session event, mirroring
// tool calls as tool_use data parts so the history round-trips.
func (a *Agent) buildModelEvent(ctx agent.InvocationContext, resp *model.Response) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = a.cfg.Name

	if resp.Content != nil {
		event.Message = a2a.NewMessage(a2a.MessageRoleAgent, resp.Content.Parts...)
	}

	if len(resp.ToolCalls) > 0 {
		var parts []a2a.Part
		if resp.Content != nil {
			for _, part := range resp.Content.Parts {
				if tp, ok := part.(a2a.TextPart); ok && tp.Text != "" {
					parts = append(parts, part)
				}
			}
		}
		for _, tc := range resp.ToolCalls {
			event.ToolCalls = append(event.ToolCalls, agent.ToolCallState{
				ID:     tc.ID,
				Name:   tc.Name,
				Args:   tc.Args,
				Status: "working",
			})
			parts = append(parts, a2a.DataPart{Data: map[string]any{
				"type":      "tool_use",
				"id":        tc.ID,
				"name":      tc.Name,
				"arguments": tc.Args,
			}})
		}
		event.Message = a2a.NewMessage(a2a.MessageRoleAgent, parts...)
	}

	return event
}

// buildBlockEvent converts an enforcer replacement response into the turn's
// final event. The block payload carries the marker text for hosts.
func (a *Agent) buildBlockEvent(ctx agent.InvocationContext, blocked *model.Response) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = agent.AuthorSystem
	if blocked.Content != nil {
		event.Message = a2a.NewMessage(a2a.MessageRoleAgent, blocked.Content.Parts...)
	}
	event.ErrorCode = blocked.ErrorCode
	event.ErrorMessage = blocked.ErrorMessage
	event.TurnComplete = true
	event.Actions.SkipSummarization = true
	return event
}

/// switchMode performs the mode switch: synthesize a new Mode through the
// meta model, narrow the remote filter, clear the session history in place
// and emit the switch note. On meta failure the current Mode stays.
func (a *Agent) switchMode(ctx agent.InvocationContext, st *sessionState, yield func(*agent.Event, error) bool) {
	summary := modemanager.HistorySummary(sessionEvents(ctx))
	catalog := a.catalog(ctx)

	sel, err := st.manager.GenerateSelection(ctx, summary, catalog, a.skillSummaries())
	if err != nil {
		a.logger.Warn("Mode synthesis failed, keeping current mode", "error", err)
		return
	}

	st.mode = modemanager.ComposeMode(sel, catalog, a.cfg.Skills)
	if a.cfg.Remote != nil {
		a.cfg.Remote.SetFilter(remoteNames(st.mode))
	}

	if a.cfg.Sessions != nil {
		if got, err := a.cfg.Sessions.Get(ctx, &session.GetRequest{
			AppName:   ctx.AppName(),
			UserID:    ctx.UserID(),
			SessionID: ctx.SessionID(),
		}); err == nil {
			if err := a.cfg.Sessions.ClearEvents(ctx, got.Session); err != nil {
				a.logger.Error("Failed to clear session history on switch", "error", err)
			}
		}
	}

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.CountModeSwitch()
	}
	a.logger.Info("Mode switched",
		"tools", st.mode.ToolNames(), "skills", st.mode.ActiveSkills)

	ev := agent.NewEvent(ctx.InvocationID())
	ev.Author = agent.AuthorSystem
	ev.Message = a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{
		Text: "Previous conversation summary: " + summary,
	})
	ev.CustomMetadata = map[string]any{"mode_switched": true}
	yield(ev, nil)
}

// catalog assembles the full tool descriptor catalog: builtins, skill-local
// tools, the unfiltered remote inventory and peers.
func (a *Agent) catalog(ctx agent.InvocationContext) []tool.Descriptor {
	catalog := describeAll(a.cfg.Builtins)

	if a.cfg.Skills != nil {
		for _, name := range a.cfg.Skills.Names() {
			catalog = append(catalog, describeAll(a.cfg.Skills.LocalTools(name))...)
		}
	}

	if a.cfg.Remote != nil {
		remote, err := a.cfg.Remote.Catalog(ctx)
		if err != nil {
			a.logger.Warn("Remote catalog unavailable", "error", err)
		} else {
			catalog = append(catalog, remote...)
		}
	}

	catalog = append(catalog, describeAll(a.cfg.Peers)...)
	return catalog
}

func (a *Agent) skillSummaries() []skill.Summary {
	if a.cfg.Skills == nil {
		return nil
	}
	return a.cfg.Skills.List()
}

func describeAll(tools []tool.CallableTool) []tool.Descriptor {
	descriptors := make([]tool.Descriptor, 0, len(tools))
	for _, t := range tools {
		descriptors = append(descriptors, tool.Describe(t))
	}
	return descriptors
}

// remoteNames extracts the MCP-sourced tool names of a mode, for the remote
// filter.
func remoteNames(mode modemanager.Mode) []string {
	var names []string
	for _, d := range mode.Tools {
		if d.Source == tool.SourceMCP {
			names = append(names, d.Name)
		}
	}
	return names
}

func sessionEvents(ctx agent.InvocationContext) agent.Events {
	if sess := ctx.Session(); sess != nil {
		return sess.Events()
	}
	return nil
}

func populateCallIDs(resp *model.Response) {
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			resp.ToolCalls[i].ID = clientCallIDPrefix + uuid.NewString()
		}
	}
}

var _ agent.Agent = (*Agent)(nil)
