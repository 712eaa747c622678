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
	"context"
	"iter"

	"github.com/google/uuid"
)

// InvocationContext is the full-access context of one agent invocation.
// An invocation starts with a user message and ends with a final response;
// it may contain many steps (LLM calls + tool executions).
type InvocationContext interface {
	CallbackContext

	// Agent returns the agent being executed.
	Agent() Agent

	// Session returns the session for this invocation.
	Session() Session

	// EndInvocation signals that the invocation should stop.
	EndInvocation()

	// Ended returns whether the invocation has been ended.
	Ended() bool
}

// ReadonlyContext provides read-only access to invocation data.
// Safe to pass to tools and external code.
type ReadonlyContext interface {
	context.Context

	// InvocationID returns the unique ID for this invocation.
	InvocationID() string

	// AgentName returns the current agent's name.
	AgentName() string

	// UserContent returns the user message that started this invocation.
	UserContent() *Content

	// ReadonlyState returns read-only access to session state.
	ReadonlyState() ReadonlyState

	// UserID returns the user identifier.
	UserID() string

	// AppName returns the application name.
	AppName() string

	// SessionID returns the session identifier.
	SessionID() string
}

// CallbackContext adds state modification for callbacks and tools.
type CallbackContext interface {
	ReadonlyContext

	// State returns mutable session state.
	State() State
}

// Session represents a conversation session.
// Defined here to avoid circular imports with the session package.
type Session interface {
	ID() string
	AppName() string
	UserID() string
	State() State
	Events() Events
}

// State is a mutable key-value store for session state.
type State interface {
	Get(key string) (any, error)
	Set(key string, value any) error
	Delete(key string) error
	All() iter.Seq2[string, any]
}

// TempClearable is implemented by state stores that support clearing temp
// keys ("temp:" prefix) after each invocation.
type TempClearable interface {
	ClearTempKeys()
}

// ReadonlyState provides read-only access to session state.
type ReadonlyState interface {
	Get(key string) (any, error)
	All() iter.Seq2[string, any]
}

// Events provides access to session event history.
type Events interface {
	All() iter.Seq[*Event]
	Len() int
	At(i int) *Event
}

// Agent is the fundamental abstraction: anything that can run an invocation
// and stream events back.
type Agent interface {
	Name() string
	Description() string
	Run(InvocationContext) iter.Seq2[*Event, error]
}

// invocationContext is the concrete InvocationContext.
type invocationContext struct {
	context.Context

	agent        Agent
	session      Session
	invocationID string
	userContent  *Content
	ended        bool
}

// InvocationContextParams contains parameters for NewInvocationContext.
type InvocationContextParams struct {
	Agent       Agent
	Session     Session
	UserContent *Content
}

// NewInvocationContext creates an InvocationContext with a fresh invocation ID.
func NewInvocationContext(ctx context.Context, params InvocationContextParams) InvocationContext {
	return &invocationContext{
		Context:      ctx,
		agent:        params.Agent,
		session:      params.Session,
		invocationID: uuid.NewString(),
		userContent:  params.UserContent,
	}
}

func (c *invocationContext) Agent() Agent          { return c.agent }
func (c *invocationContext) Session() Session      { return c.session }
func (c *invocationContext) InvocationID() string  { return c.invocationID }
func (c *invocationContext) UserContent() *Content { return c.userContent }
func (c *invocationContext) EndInvocation()        { c.ended = true }
func (c *invocationContext) Ended() bool           { return c.ended }

func (c *invocationContext) AgentName() string {
	if c.agent != nil {
		return c.agent.Name()
	}
	return ""
}

func (c *invocationContext) ReadonlyState() ReadonlyState {
	if c.session != nil {
		return c.session.State()
	}
	return nil
}

func (c *invocationContext) UserID() string {
	if c.session != nil {
		return c.session.UserID()
	}
	return ""
}

func (c *invocationContext) AppName() string {
	if c.session != nil {
		return c.session.AppName()
	}
	return ""
}

func (c *invocationContext) SessionID() string {
	if c.session != nil {
		return c.session.ID()
	}
	return ""
}

func (c *invocationContext) State() State {
	if c.session != nil {
		return c.session.State()
	}
	return nil
}

var (
	_ InvocationContext = (*invocationContext)(nil)
	_ ReadonlyContext   = (*invocationContext)(nil)
	_ CallbackContext   = (*invocationContext)(nil)
)
