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

package adaptive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"golang.org/x/sync/errgroup"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/payment"
	"github.com/dakproject/dak/pkg/tool"
	"github.com/dakproject/dak/pkg/tool/builtintool"
)

// confirmationTool is the synthetic call a host must answer before a gated
// tool runs. Its arguments carry the original call so the next run can
// execute it verbatim.
const confirmationTool = "adk_request_confirmation"

// resolvedTool pairs a callable with its descriptor.
type resolvedTool struct {
	tool tool.CallableTool
	desc tool.Descriptor
}

// resolver builds the name-to-tool table for the current Mode. On a name
// conflict the higher source priority wins: builtin over skill-local over
// MCP over peer.
func (a *Agent) resolver(ctx agent.InvocationContext, st *sessionState) map[string]resolvedTool {
	table := make(map[string]resolvedTool)
	add := func(ct tool.CallableTool) {
		d := tool.Describe(ct)
		if existing, ok := table[d.Name]; ok &&
			tool.SourcePriority(existing.desc.Source) >= tool.SourcePriority(d.Source) {
			return
		}
		table[d.Name] = resolvedTool{tool: ct, desc: d}
	}

	for _, ct := range a.cfg.Builtins {
		add(ct)
	}
	if a.cfg.Skills != nil {
		for _, name := range st.mode.ActiveSkills {
			for _, ct := range a.cfg.Skills.LocalTools(name) {
				add(ct)
			}
		}
	}
	if a.cfg.Remote != nil {
		remote, err := a.cfg.Remote.Tools(ctx)
		if err != nil {
			a.logger.Warn("Remote tools unavailable", "error", err)
		} else {
			for _, t := range remote {
				if ct, ok := t.(tool.CallableTool); ok {
					add(ct)
				}
			}
		}
	}
	for _, ct := range a.cfg.Peers {
		add(ct)
	}
	return table
}

// dispatchResult is one tool call's outcome within a batch.
type dispatchResult struct {
	tc      tool.ToolCall
	content string
	isError bool
	actions *agent.EventActions
	pending bool
}

// dispatchToolCalls executes a batch of sibling tool calls in parallel and
// merges their results into one event, preserving the declared order.
// Calls that require confirmation are not executed; they become pending
// confirmation requests and the turn suspends after the batch.
func (a *Agent) dispatchToolCalls(
	ctx agent.InvocationContext,
	st *sessionState,
	calls []tool.ToolCall,
) (*agent.Event, bool) {
	table := a.resolver(ctx, st)
	results := make([]dispatchResult, len(calls))

	var g errgroup.Group
	for i, tc := range calls {
		if rt, ok := table[tc.Name]; ok && rt.desc.RequireConfirmation && st.mode.HasTool(tc.Name) {
			results[i] = dispatchResult{tc: tc, pending: true}
			continue
		}
		g.Go(func() error {
			results[i] = a.executeCall(ctx, st, table, tc)
			return nil
		})
	}
	g.Wait()

	return a.buildResultEvent(ctx, results)
}

// buildResultEvent folds a batch of results into a single user-role event:
// tool_result parts for executed calls, a confirmation request for each
// pending one.
func (a *Agent) buildResultEvent(ctx agent.InvocationContext, results []dispatchResult) (*agent.Event, bool) {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = a.cfg.Name

	var parts []a2a.Part
	suspend := false

	for _, r := range results {
		if r.pending {
			args := map[string]any{
				"originalFunctionCall": map[string]any{
					"name": r.tc.Name,
					"args": r.tc.Args,
				},
			}
			parts = append(parts, a2a.DataPart{Data: map[string]any{
				"type":      "tool_use",
				"id":        r.tc.ID,
				"name":      confirmationTool,
				"arguments": args,
			}})
			event.ToolCalls = append(event.ToolCalls, agent.ToolCallState{
				ID:     r.tc.ID,
				Name:   confirmationTool,
				Args:   args,
				Status: "pending",
			})
			event.LongRunningToolIDs = append(event.LongRunningToolIDs, r.tc.ID)
			event.Actions.RequireInput = true
			event.Actions.InputPrompt = fmt.Sprintf("Tool '%s' requires confirmation before it can run.", r.tc.Name)
			suspend = true
			continue
		}

		status := "success"
		if r.isError {
			status = "failed"
		}
		parts = append(parts, a2a.DataPart{Data: map[string]any{
			"type":         "tool_result",
			"tool_call_id": r.tc.ID,
			"tool_name":    r.tc.Name,
			"content":      r.content,
			"is_error":     r.isError,
		}})
		event.ToolResults = append(event.ToolResults, agent.ToolResultState{
			ToolCallID: r.tc.ID,
			Name:       r.tc.Name,
			Content:    r.content,
			Status:     status,
			IsError:    r.isError,
		})
		mergeActions(&event.Actions, r.actions)
	}

	event.Message = a2a.NewMessage(a2a.MessageRoleUser, parts...)
	return event, suspend
}

// executeCall runs one tool call through resolution, payment authorization
// and execution. Failures become error results, never a crashed turn.
func (a *Agent) executeCall(
	ctx agent.InvocationContext,
	st *sessionState,
	table map[string]resolvedTool,
	tc tool.ToolCall,
) dispatchResult {
	start := time.Now()
	actions := &agent.EventActions{StateDelta: make(map[string]any)}
	res := dispatchResult{tc: tc, actions: actions}

	rt, ok := table[tc.Name]
	if !ok || !st.mode.HasTool(tc.Name) {
		res.content = notFoundGuidance(tc.Name)
		res.isError = true
		a.observeDispatch(tc.Name, tool.Source("unknown"), "not_found", start)
		return res
	}

	args := tc.Args
	if a.cfg.Broker != nil {
		cleaned, err := a.cfg.Broker.Authorize(ctx, rt.desc, args)
		if err != nil {
			var required *payment.Required
			var unverified *payment.VerificationFailed
			switch {
			case errors.As(err, &required):
				res.content = payment.FormatRequired(required)
			case errors.As(err, &unverified):
				// An unverified hash keeps the tool unpaid; re-raise the
				// demand rather than a bare error string.
				res.content = payment.FormatRequired(unverified.Required())
			default:
				res.content = "Error: " + err.Error()
			}
			res.isError = true
			a.observeDispatch(tc.Name, rt.desc.Source, "payment_refused", start)
			return res
		}
		args = cleaned
	}

	tctx := &toolContext{InvocationContext: ctx, callID: tc.ID, actions: actions}
	out, err := rt.tool.Call(tctx, args)
	if err != nil {
		a.logger.Error("Tool execution failed", "tool", tc.Name, "error", err)
		res.content = "Error: " + err.Error()
		res.isError = true
		a.observeDispatch(tc.Name, rt.desc.Source, "failed", start)
		return res
	}

	res.content, res.isError = formatResult(out)
	outcome := "success"
	if res.isError {
		outcome = "failed"
	}
	a.observeDispatch(tc.Name, rt.desc.Source, outcome, start)
	return res
}

// resolveConfirmations answers confirmation requests carried in the user
// message before the loop starts. An approved call executes through the
// normal path; a declined one becomes an error result telling the model the
// user said no. Returns false when the turn should end here.
func (a *Agent) resolveConfirmations(
	ctx agent.InvocationContext,
	st *sessionState,
	yield func(*agent.Event, error) bool,
) bool {
	uc := ctx.UserContent()
	if uc == nil {
		return true
	}

	type answer struct {
		id        string
		confirmed bool
	}
	var answers []answer
	for _, part := range uc.Parts {
		dp, ok := part.(a2a.DataPart)
		if !ok || dp.Data == nil {
			continue
		}
		if t, _ := dp.Data["type"].(string); t != "confirmation_response" {
			continue
		}
		id, _ := dp.Data["tool_call_id"].(string)
		confirmed, _ := dp.Data["confirmed"].(bool)
		if id != "" {
			answers = append(answers, answer{id: id, confirmed: confirmed})
		}
	}
	if len(answers) == 0 {
		return true
	}

	table := a.resolver(ctx, st)
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = a.cfg.Name
	var parts []a2a.Part

	for _, ans := range answers {
		original, ok := a.pendingCall(ctx, ans.id)
		if !ok {
			a.logger.Warn("Confirmation answer for unknown tool call", "tool_call_id", ans.id)
			continue
		}

		var r dispatchResult
		if ans.confirmed {
			r = a.executeCall(ctx, st, table, original)
		} else {
			r = dispatchResult{
				tc:      original,
				content: fmt.Sprintf("Tool '%s' was not executed: the user declined the confirmation request.", original.Name),
				isError: true,
			}
		}

		status := "success"
		if r.isError {
			status = "failed"
		}
		parts = append(parts, a2a.DataPart{Data: map[string]any{
			"type":         "tool_result",
			"tool_call_id": r.tc.ID,
			"tool_name":    r.tc.Name,
			"content":      r.content,
			"is_error":     r.isError,
		}})
		event.ToolResults = append(event.ToolResults, agent.ToolResultState{
			ToolCallID: r.tc.ID,
			Name:       r.tc.Name,
			Content:    r.content,
			Status:     status,
			IsError:    r.isError,
		})
		mergeActions(&event.Actions, r.actions)
	}

	if len(parts) == 0 {
		return true
	}
	event.Message = a2a.NewMessage(a2a.MessageRoleUser, parts...)
	if !yield(event, nil) {
		return false
	}

	a.drainSignals(ctx, st)
	return !event.IsFinalResponse()
}

// pendingCall finds the original call behind a confirmation request by
// scanning the session history backwards for the matching tool_use part.
func (a *Agent) pendingCall(ctx agent.InvocationContext, id string) (tool.ToolCall, bool) {
	sess := ctx.Session()
	if sess == nil || sess.Events() == nil {
		return tool.ToolCall{}, false
	}

	events := sess.Events()
	for i := events.Len() - 1; i >= 0; i-- {
		ev := events.At(i)
		if ev == nil || ev.Message == nil {
			continue
		}
		for _, part := range ev.Message.Parts {
			dp, ok := part.(a2a.DataPart)
			if !ok || dp.Data == nil {
				continue
			}
			if t, _ := dp.Data["type"].(string); t != "tool_use" {
				continue
			}
			if n, _ := dp.Data["name"].(string); n != confirmationTool {
				continue
			}
			if pid, _ := dp.Data["id"].(string); pid != id {
				continue
			}

			args, _ := dp.Data["arguments"].(map[string]any)
			ofc, _ := args["originalFunctionCall"].(map[string]any)
			name, _ := ofc["name"].(string)
			callArgs, _ := ofc["args"].(map[string]any)
			if name == "" {
				return tool.ToolCall{}, false
			}
			return tool.ToolCall{ID: id, Name: name, Args: callArgs}, true
		}
	}
	return tool.ToolCall{}, false
}

// drainSignals applies the temp-state signals control tools leave behind:
// a pending mode switch request or a skill activation.
func (a *Agent) drainSignals(ctx agent.InvocationContext, st *sessionState) {
	sess := ctx.Session()
	if sess == nil || sess.State() == nil {
		return
	}
	state := sess.State()

	if v, err := state.Get(builtintool.KeySwitchRequested); err == nil {
		if requested, _ := v.(bool); requested {
			st.manager.RequestSwitch(
				stateString(state, builtintool.KeySwitchReason),
				stateString(state, builtintool.KeySwitchFocus),
			)
		}
		state.Delete(builtintool.KeySwitchRequested)
		state.Delete(builtintool.KeySwitchReason)
		state.Delete(builtintool.KeySwitchFocus)
	}

	if v, err := state.Get(builtintool.KeyEnableSkill); err == nil {
		if name, _ := v.(string); name != "" {
			a.enableSkill(ctx, st, name)
		}
		state.Delete(builtintool.KeyEnableSkill)
	}
}

// enableSkill adds a skill's tools and instructions to the current Mode
// without a full mode switch.
func (a *Agent) enableSkill(ctx agent.InvocationContext, st *sessionState, name string) {
	if a.cfg.Skills == nil {
		return
	}
	s, ok := a.cfg.Skills.Get(name)
	if !ok {
		a.logger.Warn("Unknown skill requested", "skill", name)
		return
	}
	for _, active := range st.mode.ActiveSkills {
		if active == name {
			return
		}
	}

	byName := make(map[string]tool.Descriptor)
	for _, d := range a.catalog(ctx) {
		if existing, ok := byName[d.Name]; ok &&
			tool.SourcePriority(existing.Source) >= tool.SourcePriority(d.Source) {
			continue
		}
		byName[d.Name] = d
	}

	for _, toolName := range s.Tools {
		if st.mode.HasTool(toolName) {
			continue
		}
		if d, ok := byName[toolName]; ok {
			st.mode.Tools = append(st.mode.Tools, d)
		} else {
			a.logger.Warn("Skill references unknown tool", "skill", name, "tool", toolName)
		}
	}
	for _, ct := range a.cfg.Skills.LocalTools(name) {
		if d := tool.Describe(ct); !st.mode.HasTool(d.Name) {
			st.mode.Tools = append(st.mode.Tools, d)
		}
	}

	if s.Instructions != "" {
		st.mode.Instruction += "\n\n## Skill: " + s.Name + "\n" + s.Instructions
	}
	st.mode.ActiveSkills = append(st.mode.ActiveSkills, name)

	if a.cfg.Remote != nil {
		a.cfg.Remote.SetFilter(remoteNames(st.mode))
	}
	a.logger.Info("Skill enabled", "skill", name, "tools", s.Tools)
}

func (a *Agent) observeDispatch(name string, source tool.Source, outcome string, start time.Time) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ObserveToolDispatch(name, source, outcome, time.Since(start))
	}
}

// notFoundGuidance steers the model back to discovery instead of failing
// the turn on an unknown or out-of-mode tool name.
func notFoundGuidance(name string) string {
	return fmt.Sprintf("Error: Tool '%s' is not available in the current mode.\n\n"+
		"To fix this:\n"+
		"1. Call `list_available_tools()` to see every available tool and skill.\n"+
		"2. Call `switch_mode(reason='...', new_focus='...')` to gain access.\n"+
		"Do NOT retry '%s' until you have switched modes.", name, name)
}

// formatResult renders a tool's output map as the result text the model
// sees.
func formatResult(out map[string]any) (content string, isError bool) {
	if len(out) == 0 {
		return "(no output)", false
	}
	if v, ok := out["error"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := out["result"].(string); ok {
		if v == "" {
			return "(no output)", false
		}
		return v, false
	}
	if v, ok := out["results"].([]string); ok {
		return strings.Join(v, "\n"), false
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out), false
	}
	return string(data), false
}

func mergeActions(dst, src *agent.EventActions) {
	if src == nil {
		return
	}
	if dst.StateDelta == nil {
		dst.StateDelta = make(map[string]any)
	}
	for k, v := range src.StateDelta {
		dst.StateDelta[k] = v
	}
	dst.SkipSummarization = dst.SkipSummarization || src.SkipSummarization
	dst.EndInvocation = dst.EndInvocation || src.EndInvocation
	if src.RequireInput {
		dst.RequireInput = true
		if dst.InputPrompt == "" {
			dst.InputPrompt = src.InputPrompt
		}
	}
}

func stateString(state agent.State, key string) string {
	v, err := state.Get(key)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// toolContext is the tool.Context handed to each tool call: the invocation
// context plus the per-call ID and action sink.
type toolContext struct {
	agent.InvocationContext

	callID  string
	actions *agent.EventActions
}

func (c *toolContext) FunctionCallID() string       { return c.callID }
func (c *toolContext) Actions() *agent.EventActions { return c.actions }

var _ tool.Context = (*toolContext)(nil)
