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

// Package tool defines the interfaces for tools an agent can invoke.
//
// Tools come from four sources: built-in control tools, remote MCP tools,
// skill-local implementations, and A2A peers. Name conflicts inside an
// active tool set are resolved by source priority builtin > skill-local >
// mcp; every active name resolves to exactly one descriptor.
//
// # Interface Hierarchy
//
//	Tool (base)
//	  └── CallableTool — synchronous execution with a JSON-schema signature
//
// Toolsets group tools behind a dynamic resolver so remote catalogs can be
// fetched lazily and re-filtered without reconnecting.
package tool

import (
	"github.com/dakproject/dak/pkg/agent"
)

// Source identifies where a tool's implementation lives.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceMCP     Source = "mcp"
	SourceSkill   Source = "skill-local"
	SourcePeer    Source = "a2a-peer"
)

// PaidSpec declares the payment a tool demands before execution.
type PaidSpec struct {
	Price     float64
	Currency  string
	Recipient string
	Reason    string
}

// Tool defines the base interface for a callable tool.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a human-readable description of what the tool
	// does; shown to the model to decide when to use it.
	Description() string

	// RequiresConfirmation indicates whether this tool needs an explicit
	// host confirmation before execution. When true the session loop emits
	// a confirmation request instead of running the tool, and resumes only
	// after the host answers.
	RequiresConfirmation() bool
}

// CallableTool extends Tool with synchronous execution.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments.
	Call(ctx Context, args map[string]any) (map[string]any, error)

	// Schema returns the JSON schema for the tool's parameters.
	// Nil if the tool takes no parameters.
	Schema() map[string]any
}

// SourceProvider is implemented by tools that know their origin.
// Tools without it are treated as builtin.
type SourceProvider interface {
	Source() Source
}

// PaidProvider is implemented by tools that demand payment.
type PaidProvider interface {
	Paid() *PaidSpec
}

// Context provides the execution context for a tool.
type Context interface {
	agent.CallbackContext

	// FunctionCallID returns the unique ID of this tool invocation.
	FunctionCallID() string

	// Actions returns the event actions the tool may set (end invocation,
	// skip summarization, state deltas).
	Actions() *agent.EventActions
}

// Toolset groups related tools and resolves them dynamically.
type Toolset interface {
	// Name returns the name of this toolset.
	Name() string

	// Tools returns the available tools for the current context.
	Tools(ctx agent.ReadonlyContext) ([]Tool, error)
}

// Predicate decides whether a tool is exposed to the model.
type Predicate func(ctx agent.ReadonlyContext, tool Tool) bool

// StringPredicate creates a Predicate that allows only named tools.
func StringPredicate(allowedTools []string) Predicate {
	allowed := make(map[string]bool, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = true
	}
	return func(ctx agent.ReadonlyContext, tool Tool) bool {
		return allowed[tool.Name()]
	}
}

// AllowAll returns a Predicate that allows all tools.
func AllowAll() Predicate {
	return func(ctx agent.ReadonlyContext, tool Tool) bool {
		return true
	}
}

// DenyAll returns a Predicate that denies all tools.
func DenyAll() Predicate {
	return func(ctx agent.ReadonlyContext, tool Tool) bool {
		return false
	}
}

// Combine combines predicates with AND logic.
func Combine(predicates ...Predicate) Predicate {
	return func(ctx agent.ReadonlyContext, tool Tool) bool {
		for _, p := range predicates {
			if !p(ctx, tool) {
				return false
			}
		}
		return true
	}
}

// Definition is the tool signature sent to the model for function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	def := Definition{
		Name:        t.Name(),
		Description: t.Description(),
	}
	if ct, ok := t.(CallableTool); ok {
		def.Parameters = ct.Schema()
	}
	return def
}

// Descriptor is the full governance view of a tool: signature plus source,
// confirmation and payment policy.
type Descriptor struct {
	Name                string
	Description         string
	Parameters          map[string]any
	Source              Source
	RequireConfirmation bool
	Paid                *PaidSpec
}

// Describe builds a Descriptor from a tool and its optional capabilities.
func Describe(t Tool) Descriptor {
	d := Descriptor{
		Name:                t.Name(),
		Description:         t.Description(),
		Source:              SourceBuiltin,
		RequireConfirmation: t.RequiresConfirmation(),
	}
	if ct, ok := t.(CallableTool); ok {
		d.Parameters = ct.Schema()
	}
	if sp, ok := t.(SourceProvider); ok {
		d.Source = sp.Source()
	}
	if pp, ok := t.(PaidProvider); ok {
		d.Paid = pp.Paid()
	}
	return d
}

// SourcePriority orders descriptor sources for name-conflict resolution;
// higher wins.
func SourcePriority(s Source) int {
	switch s {
	case SourceBuiltin:
		return 3
	case SourceSkill:
		return 2
	case SourceMCP:
		return 1
	default:
		return 0
	}
}

// ToolCall represents a model's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult represents the result of a tool invocation.
type ToolResult struct {
	ToolCallID string
	Content    string
	Error      string
	Metadata   map[string]any
}
