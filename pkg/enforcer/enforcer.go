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

// Package enforcer validates model responses before they reach the session.
//
// Two disciplines are enforced:
//
//   - No bare text: every model response must carry at least one tool call.
//     Text-only responses are replaced with a synthetic response that forces
//     the model through the system_retry tool.
//   - Ulysses Pact: once the model records a plan via the planner tool, only
//     tools in the plan's allow-set (plus a small default set) may be called
//     until the model re-plans.
//
// Blocked responses carry the BlockedMarker so hosts can detect them and
// auto-retry.
package enforcer

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/dakproject/dak/pkg/model"
	"github.com/dakproject/dak/pkg/tool"
)

// BlockedMarker tags every synthetic blocked response.
const BlockedMarker = "[ENFORCER_BLOCKED]"

// DefaultAllowed are tool names every PlanPact permits regardless of the
// recorded plan. Without them the model could plan itself into a corner.
func DefaultAllowed() []string {
	return []string{"planner", "ask_question", "attempt_answer", "switch_mode", "system_retry"}
}

// PlanPact is the per-session self-imposed tool restriction.
type PlanPact struct {
	Active  bool
	Allowed map[string]bool
}

// AllowedNames returns the sorted allow-set for display.
func (p *PlanPact) AllowedNames() []string {
	names := make([]string, 0, len(p.Allowed))
	for name := range p.Allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enforcer validates model responses per session.
type Enforcer struct {
	mu      sync.Mutex
	enabled bool
	pacts   map[string]*PlanPact
	logger  *slog.Logger
}

// New creates an Enforcer. When enabled is false, Validate always passes.
func New(enabled bool) *Enforcer {
	return &Enforcer{
		enabled: enabled,
		pacts:   make(map[string]*PlanPact),
		logger:  slog.Default().With("component", "enforcer"),
	}
}

// Enabled reports whether enforcement is active.
func (e *Enforcer) Enabled() bool {
	return e.enabled
}

// SetPlan replaces the session's PlanPact allow-set with allowedTools unioned
// with the default allow-set. Called by the planner tool; this is the only
// way to (re-)set the pact.
func (e *Enforcer) SetPlan(sessionID string, allowedTools []string) {
	allowed := make(map[string]bool, len(allowedTools)+5)
	for _, name := range allowedTools {
		allowed[name] = true
	}
	for _, name := range DefaultAllowed() {
		allowed[name] = true
	}

	e.mu.Lock()
	e.pacts[sessionID] = &PlanPact{Active: true, Allowed: allowed}
	e.mu.Unlock()

	e.logger.Info("Plan pact set", "session", sessionID, "allowed", len(allowed))
}

// ClearPlan deactivates the session's PlanPact.
func (e *Enforcer) ClearPlan(sessionID string) {
	e.mu.Lock()
	delete(e.pacts, sessionID)
	e.mu.Unlock()
}

// Pact returns a copy of the session's PlanPact.
func (e *Enforcer) Pact(sessionID string) PlanPact {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pacts[sessionID]
	if !ok {
		return PlanPact{}
	}
	allowed := make(map[string]bool, len(p.Allowed))
	for k, v := range p.Allowed {
		allowed[k] = v
	}
	return PlanPact{Active: p.Active, Allowed: allowed}
}

// Forget drops all per-session state for a deleted session.
func (e *Enforcer) Forget(sessionID string) {
	e.ClearPlan(sessionID)
}

// Validate inspects a model response. A nil return means the response is
// allowed. A non-nil return is the synthetic replacement response that must
// be fed back to the model instead.
func (e *Enforcer) Validate(sessionID string, resp *model.Response) *model.Response {
	if !e.enabled || resp == nil {
		return nil
	}

	if !resp.HasToolCalls() {
		e.logger.Info("Blocked direct text response", "session", sessionID)
		return blockResponse(bareTextMessage())
	}

	pact := e.Pact(sessionID)
	if !pact.Active {
		return nil
	}

	for _, tc := range resp.ToolCalls {
		if !pact.Allowed[tc.Name] {
			e.logger.Info("Blocked pact violation", "session", sessionID, "tool", tc.Name)
			return blockResponse(violationMessage(tc.Name, pact.AllowedNames()))
		}
	}

	return nil
}

func bareTextMessage() string {
	return BlockedMarker + ` Direct responses are not allowed in Enforcer Mode.
You must use a tool for every step.

Available Tools:
- planner: Use this FIRST to plan complex tasks.
- ask_question: Use this to ask the user for clarification.
- attempt_answer: Use this to provide the FINAL answer.
- Other tools for specific actions.

You CANNOT just write text. You MUST call a tool.`
}

func violationMessage(toolName string, allowed []string) string {
	return fmt.Sprintf(`%s Ulysses Pact Violation: tool %q is not in your planned tool set.

Allowed tools: %s

Call one of the allowed tools, or call planner again to revise your plan.`,
		BlockedMarker, toolName, strings.Join(allowed, ", "))
}

// blockResponse builds the synthetic replacement: a system_retry call so the
// loop dispatches the retry guidance back to the model, plus a text part
// carrying the marker for hosts.
func blockResponse(message string) *model.Response {
	return &model.Response{
		Content: &model.Content{
			Parts: []a2a.Part{
				a2a.TextPart{Text: message},
				a2a.DataPart{Data: map[string]any{
					"type":      "tool_use",
					"id":        "enforcer_retry",
					"name":      "system_retry",
					"arguments": map[string]any{"error_message": message},
				}},
			},
			Role: a2a.MessageRoleAgent,
		},
		ToolCalls: []tool.ToolCall{{
			ID:   "enforcer_retry",
			Name: "system_retry",
			Args: map[string]any{"error_message": message},
		}},
		ErrorCode:    "EnforcerBlocked",
		ErrorMessage: message,
		FinishReason: model.FinishReasonToolCalls,
	}
}
