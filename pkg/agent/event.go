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

package agent

import (
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// Event author constants.
const (
	// AuthorUser marks events carrying human input.
	AuthorUser = "user"

	// AuthorSystem marks runtime-generated events (errors, mode notes).
	AuthorSystem = "system"
)

// Event is one interaction in a session: a user message, a model message
// (text and/or tool calls), a batch of tool results, or a runtime notice.
// Events are yielded by Agent.Run() and persisted as the session's turns.
type Event struct {
	// ID is the unique identifier for this event.
	ID string

	// Timestamp when the event was created.
	Timestamp time.Time

	// InvocationID links this event to its invocation.
	InvocationID string

	// Author is the producing agent's name, AuthorUser, or AuthorSystem.
	Author string

	// Message contains the A2A message content (text, data parts).
	Message *a2a.Message

	// Actions captures side effects (state changes, invocation end).
	Actions EventActions

	// LongRunningToolIDs identifies tool calls awaiting external completion,
	// such as confirmation requests the host must answer on a later run.
	LongRunningToolIDs []string

	// Partial indicates a streaming chunk, not a complete event.
	Partial bool

	// TurnComplete indicates this is the final event of a turn.
	TurnComplete bool

	// ErrorCode is a stable machine-readable error tag.
	ErrorCode string

	// ErrorMessage is a human-readable error description.
	ErrorMessage string

	// ToolCalls captures tool invocations requested in this event.
	ToolCalls []ToolCallState

	// ToolResults captures tool execution results in this event.
	ToolResults []ToolResultState

	// CustomMetadata for application-specific data.
	CustomMetadata map[string]any
}

// ToolCallState represents a tool invocation request.
type ToolCallState struct {
	// ID uniquely identifies this tool call (matches the LLM's call ID).
	ID string `json:"id"`

	// Name is the tool being called.
	Name string `json:"name"`

	// Args are the arguments passed to the tool.
	Args map[string]any `json:"args"`

	// Status indicates lifecycle: "pending" | "working" | "unknown".
	Status string `json:"status"`
}

// ToolResultState represents a tool execution result.
type ToolResultState struct {
	// ToolCallID links this result to its ToolCallState.
	ToolCallID string `json:"tool_call_id"`

	// Name is the tool that produced this result.
	Name string `json:"name"`

	// Content is the tool's output.
	Content string `json:"content"`

	// Status indicates outcome: "success" | "failed".
	Status string `json:"status"`

	// IsError indicates that Content is an error message.
	IsError bool `json:"is_error,omitempty"`
}

// NewEvent creates an event with a generated ID and current timestamp.
func NewEvent(invocationID string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Actions:      EventActions{StateDelta: make(map[string]any)},
	}
}

// EventActions represents side effects attached to an event.
type EventActions struct {
	// StateDelta contains key-value changes to session state.
	StateDelta map[string]any

	// SkipSummarization marks a tool result as final: the model is not
	// called again to rephrase it. Terminal tools set this.
	SkipSummarization bool

	// EndInvocation requests that the session loop stop after this event.
	EndInvocation bool

	// RequireInput signals that host input is required before the turn can
	// proceed (tool confirmation).
	RequireInput bool

	// InputPrompt explains what input is needed when RequireInput is set.
	InputPrompt string
}

// IsFinalResponse reports whether this event terminates the turn.
// An event is not final while tool calls await execution or tool results
// await model summarization, or while streaming is in flight.
func (e *Event) IsFinalResponse() bool {
	if e.Actions.SkipSummarization || e.Actions.EndInvocation || len(e.LongRunningToolIDs) > 0 {
		return true
	}
	if e.Partial {
		return false
	}
	if e.HasToolCalls() || e.HasToolResults() {
		return false
	}
	return true
}

// HasToolCalls returns true if this event requests tool execution.
func (e *Event) HasToolCalls() bool {
	if len(e.ToolCalls) > 0 {
		return true
	}
	return hasPartOfType(e.Message, "tool_use")
}

// HasToolResults returns true if this event carries tool execution results.
func (e *Event) HasToolResults() bool {
	if len(e.ToolResults) > 0 {
		return true
	}
	return hasPartOfType(e.Message, "tool_result")
}

func hasPartOfType(msg *a2a.Message, partType string) bool {
	if msg == nil {
		return false
	}
	for _, part := range msg.Parts {
		if dp, ok := part.(a2a.DataPart); ok {
			if typeVal, hasType := dp.Data["type"].(string); hasType && typeVal == partType {
				return true
			}
		}
	}
	return false
}

// TextContent extracts the concatenated text parts of the event's message.
func (e *Event) TextContent() string {
	if e.Message == nil {
		return ""
	}
	var text string
	for _, part := range e.Message.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			text += tp.Text
		}
	}
	return text
}

// Content is a convenience type for building message content.
type Content struct {
	Parts []a2a.Part
	Role  a2a.MessageRole
}

// NewTextContent creates content with a single text part.
func NewTextContent(text string, role a2a.MessageRole) *Content {
	return &Content{
		Parts: []a2a.Part{a2a.TextPart{Text: text}},
		Role:  role,
	}
}

// ToMessage converts Content to an a2a.Message.
func (c *Content) ToMessage() *a2a.Message {
	if c == nil {
		return nil
	}
	return a2a.NewMessage(c.Role, c.Parts...)
}

// AddPart appends a part to the content.
func (c *Content) AddPart(part a2a.Part) {
	c.Parts = append(c.Parts, part)
}

// AddText appends a text part to the content.
func (c *Content) AddText(text string) {
	c.Parts = append(c.Parts, a2a.TextPart{Text: text})
}
