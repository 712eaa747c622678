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
	"context"
	"fmt"
	"log/slog"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"

	"github.com/dakproject/dak/pkg/runner"
)

// ExecutorConfig assembles an Executor.
type ExecutorConfig struct {
	// Runner executes turns. It is shared with the REST surface so the
	// per-session turn lease covers both.
	Runner *runner.Runner
}

// Executor implements a2asrv.AgentExecutor, exposing the runtime to A2A
// clients. The a2a-go task's context ID doubles as the session ID, so a
// peer holding one task context converses in one session.
//
// Event translation:
//   - New task: TaskStateSubmitted, then TaskStateWorking
//   - Each agent event with content: TaskArtifactUpdateEvent
//   - Turn error: TaskStateFailed
//   - Pending confirmation: TaskStateInputRequired
//   - Otherwise: TaskStateCompleted
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor creates an A2A executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{cfg: cfg}
}

// Execute implements a2asrv.AgentExecutor.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	msg := reqCtx.Message
	if msg == nil {
		return fmt.Errorf("message not provided")
	}

	meta := toInvocationMeta(reqCtx)

	if reqCtx.StoredTask == nil {
		event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateSubmitted, nil)
		if err := queue.Write(ctx, event); err != nil {
			return fmt.Errorf("failed to write submitted event: %w", err)
		}
	}

	working := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, nil)
	if err := queue.Write(ctx, working); err != nil {
		return err
	}

	// Confirmation answers arrive as data parts in the message and flow
	// through to the agent unchanged. No translation is needed here.
	content := toContent(msg)

	processor := newEventProcessor(reqCtx)
	for event, err := range e.cfg.Runner.Run(ctx, meta.userID, meta.sessionID, content) {
		if err != nil {
			failed := toFailedStatusEvent(reqCtx, fmt.Errorf("agent run failed: %w", err))
			if writeErr := queue.Write(ctx, failed); writeErr != nil {
				return fmt.Errorf("failed to write error event: %w (original: %w)", writeErr, err)
			}
			return nil
		}

		if a2aEvent := processor.process(event); a2aEvent != nil {
			if err := queue.Write(ctx, a2aEvent); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}
	}

	for _, ev := range processor.makeTerminalEvents() {
		if err := queue.Write(ctx, ev); err != nil {
			return fmt.Errorf("failed to write terminal event: %w", err)
		}
	}
	return nil
}

// Cancel implements a2asrv.AgentExecutor.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	event.Final = true
	return queue.Write(ctx, event)
}

// invocationMeta identifies the session a request belongs to.
type invocationMeta struct {
	userID    string
	sessionID string
}

func toInvocationMeta(reqCtx *a2asrv.RequestContext) invocationMeta {
	meta := invocationMeta{
		// The a2a-go context ID is either client-provided or generated,
		// and carried on the task for continuations. Using it as the
		// session ID keeps one conversation per task context.
		sessionID: string(reqCtx.ContextID),
	}

	if reqCtx.Message != nil && reqCtx.Message.Metadata != nil {
		if uid, ok := reqCtx.Message.Metadata["user_id"].(string); ok {
			meta.userID = uid
		}
	}
	if meta.userID == "" {
		meta.userID = "default"
	}

	slog.Debug("A2A request mapped to session",
		"sessionID", meta.sessionID, "userID", meta.userID)
	return meta
}

var _ a2asrv.AgentExecutor = (*Executor)(nil)
