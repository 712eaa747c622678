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
	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/dakproject/dak/pkg/agent"
)

// eventProcessor translates agent events into A2A task events. It keeps one
// artifact stream open per turn and defers terminal state until the turn
// finishes.
type eventProcessor struct {
	reqCtx *a2asrv.RequestContext

	// responseID is created once the first artifact is sent.
	responseID a2a.ArtifactID

	// terminalEvents holds deferred terminal events by state.
	terminalEvents map[a2a.TaskState]*a2a.TaskStatusUpdateEvent
}

func newEventProcessor(reqCtx *a2asrv.RequestContext) *eventProcessor {
	return &eventProcessor{
		reqCtx:         reqCtx,
		terminalEvents: make(map[a2a.TaskState]*a2a.TaskStatusUpdateEvent),
	}
}

func (p *eventProcessor) process(event *agent.Event) *a2a.TaskArtifactUpdateEvent {
	if event == nil {
		return nil
	}

	// A suspended confirmation ends the task in input-required: the peer
	// must answer with a confirmation_response data part on a follow-up
	// message in the same task context.
	if len(event.LongRunningToolIDs) > 0 || event.Actions.RequireInput {
		var statusMsg *a2a.Message
		if event.Actions.InputPrompt != "" {
			statusMsg = a2a.NewMessageForTask(
				a2a.MessageRoleAgent,
				p.reqCtx,
				a2a.TextPart{Text: event.Actions.InputPrompt},
			)
		}

		ev := a2a.NewStatusUpdateEvent(p.reqCtx, a2a.TaskStateInputRequired, statusMsg)
		ev.Final = true
		ev.Metadata = map[string]any{"input_required": true}
		if len(event.LongRunningToolIDs) > 0 {
			ids := make([]any, len(event.LongRunningToolIDs))
			for i, id := range event.LongRunningToolIDs {
				ids[i] = id
			}
			ev.Metadata["long_running_tool_ids"] = ids
		}
		p.terminalEvents[a2a.TaskStateInputRequired] = ev
	}

	// A turn-ending error becomes a failed terminal state. The enforcer's
	// block message still flows out as an artifact below.
	if event.ErrorCode != "" && event.TurnComplete {
		msg := a2a.NewMessageForTask(a2a.MessageRoleAgent, p.reqCtx,
			a2a.TextPart{Text: event.ErrorMessage})
		ev := a2a.NewStatusUpdateEvent(p.reqCtx, a2a.TaskStateFailed, msg)
		ev.Final = true
		ev.Metadata = map[string]any{"error_code": event.ErrorCode}
		p.terminalEvents[a2a.TaskStateFailed] = ev
	}

	hasParts := event.Message != nil && len(event.Message.Parts) > 0
	hasToolActivity := len(event.ToolCalls) > 0 || len(event.ToolResults) > 0
	if !hasParts && !hasToolActivity {
		return nil
	}

	var parts []a2a.Part
	if event.Message != nil {
		parts = event.Message.Parts
	}

	var result *a2a.TaskArtifactUpdateEvent
	if p.responseID == "" {
		result = a2a.NewArtifactEvent(p.reqCtx, parts...)
		p.responseID = result.Artifact.ID
	} else {
		result = a2a.NewArtifactUpdateEvent(p.reqCtx, p.responseID, parts...)
	}
	result.Metadata = makeEventMeta(event)

	return result
}

// makeTerminalEvents closes the artifact stream and emits the turn's final
// status: failed and input-required take precedence over completed.
func (p *eventProcessor) makeTerminalEvents() []a2a.Event {
	result := make([]a2a.Event, 0, 2)

	if p.responseID != "" {
		ev := a2a.NewArtifactUpdateEvent(p.reqCtx, p.responseID)
		ev.LastChunk = true
		result = append(result, ev)
	}

	for _, state := range []a2a.TaskState{a2a.TaskStateFailed, a2a.TaskStateInputRequired} {
		if ev, ok := p.terminalEvents[state]; ok {
			result = append(result, ev)
			return result
		}
	}

	ev := a2a.NewStatusUpdateEvent(p.reqCtx, a2a.TaskStateCompleted, nil)
	ev.Final = true
	result = append(result, ev)
	return result
}

// makeEventMeta carries the event's lifecycle detail so rich clients can
// render tool activity.
func makeEventMeta(event *agent.Event) map[string]any {
	meta := map[string]any{
		"event_id": event.ID,
		"author":   event.Author,
		"partial":  event.Partial,
	}

	if len(event.ToolCalls) > 0 {
		calls := make([]map[string]any, len(event.ToolCalls))
		for i, tc := range event.ToolCalls {
			calls[i] = map[string]any{
				"id":     tc.ID,
				"name":   tc.Name,
				"args":   tc.Args,
				"status": tc.Status,
			}
		}
		meta["tool_calls"] = calls
	}

	if len(event.ToolResults) > 0 {
		results := make([]map[string]any, len(event.ToolResults))
		for i, tr := range event.ToolResults {
			results[i] = map[string]any{
				"tool_call_id": tr.ToolCallID,
				"name":         tr.Name,
				"content":      tr.Content,
				"status":       tr.Status,
				"is_error":     tr.IsError,
			}
		}
		meta["tool_results"] = results
	}

	return meta
}

func toFailedStatusEvent(reqCtx *a2asrv.RequestContext, cause error) *a2a.TaskStatusUpdateEvent {
	msg := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: cause.Error()})
	ev := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, msg)
	ev.Final = true
	return ev
}
