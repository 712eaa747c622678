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

package builtintool

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/payment"
	"github.com/dakproject/dak/pkg/skill"
	"github.com/dakproject/dak/pkg/tool"
)

// testState is a map-backed agent.State.
type testState map[string]any

func (s testState) Get(key string) (any, error) {
	v, ok := s[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return v, nil
}
func (s testState) Set(key string, value any) error { s[key] = value; return nil }
func (s testState) Delete(key string) error         { delete(s, key); return nil }
func (s testState) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for k, v := range s {
			if !yield(k, v) {
				return
			}
		}
	}
}

// testContext implements tool.Context with live state and actions.
type testContext struct {
	context.Context
	state   testState
	actions *agent.EventActions
}

func newTestContext() *testContext {
	return &testContext{
		Context: context.Background(),
		state:   make(testState),
		actions: &agent.EventActions{StateDelta: make(map[string]any)},
	}
}

func (c *testContext) FunctionCallID() string             { return "call-1" }
func (c *testContext) Actions() *agent.EventActions       { return c.actions }
func (c *testContext) State() agent.State                 { return c.state }
func (c *testContext) InvocationID() string               { return "inv-1" }
func (c *testContext) AgentName() string                  { return "dak_agent" }
func (c *testContext) UserContent() *agent.Content        { return nil }
func (c *testContext) ReadonlyState() agent.ReadonlyState { return c.state }
func (c *testContext) UserID() string                     { return "u1" }
func (c *testContext) AppName() string                    { return "dak" }
func (c *testContext) SessionID() string                  { return "s1" }

func call(t *testing.T, ct tool.CallableTool, ctx *testContext, args map[string]any) map[string]any {
	t.Helper()
	out, err := ct.Call(ctx, args)
	require.NoError(t, err)
	return out
}

func TestSystemRetry(t *testing.T) {
	out := call(t, SystemRetry(), newTestContext(), map[string]any{"error_message": "tool exploded"})

	text := out["result"].(string)
	assert.Contains(t, text, "SYSTEM ERROR - RETRY REQUIRED:\ntool exploded")
	assert.Contains(t, text, "DO NOT respond with text. CALL A TOOL.")
}

func TestAttemptAnswer(t *testing.T) {
	ctx := newTestContext()
	out := call(t, AttemptAnswer(), ctx, map[string]any{
		"answer":       "42",
		"confidence":   "high",
		"sources_used": []any{"read_file", "web_search"},
	})

	assert.Equal(t, "Answer (Confidence: high):\n42\n\nSources: read_file, web_search", out["result"])
	assert.True(t, ctx.actions.EndInvocation)
	assert.True(t, ctx.actions.SkipSummarization)
}

func TestAttemptAnswer_NoSources(t *testing.T) {
	out := call(t, AttemptAnswer(), newTestContext(), map[string]any{
		"answer": "yes", "confidence": "low",
	})
	assert.Equal(t, "Answer (Confidence: low):\nyes", out["result"])
}

func TestAskQuestion(t *testing.T) {
	ctx := newTestContext()
	out := call(t, AskQuestion(), ctx, map[string]any{
		"questions": []any{"Which file?", "Which branch?"},
		"context":   "Need to know where to apply the change.",
	})

	text := out["result"].(string)
	assert.Equal(t, "Context: Need to know where to apply the change.\n\nQuestions for user:\n- Which file?\n- Which branch?\n\n(Waiting for user response...)", text)
	assert.True(t, ctx.actions.EndInvocation)
	assert.True(t, ctx.actions.RequireInput)
	assert.Equal(t, text, ctx.actions.InputPrompt)
}

type planRecorder struct {
	session string
	allowed []string
}

func (p *planRecorder) SetPlan(sessionID string, allowedTools []string) {
	p.session = sessionID
	p.allowed = allowedTools
}

func TestPlanner(t *testing.T) {
	plans := &planRecorder{}
	out := call(t, Planner(plans), newTestContext(), map[string]any{
		"goal":          "Refactor the parser",
		"steps":         []any{"Read the code", "Write the change"},
		"allowed_tools": []any{"read_file", "write_file"},
	})

	assert.Equal(t, "s1", plans.session)
	assert.Equal(t, []string{"read_file", "write_file"}, plans.allowed)

	text := out["result"].(string)
	assert.Contains(t, text, "**Goal**: Refactor the parser")
	assert.Contains(t, text, "1. Read the code")
	assert.Contains(t, text, "2. Write the change")
	assert.Contains(t, text, "**Allowed Tools**: read_file, write_file")
}

func TestSwitchMode(t *testing.T) {
	ctx := newTestContext()
	out := call(t, SwitchMode(), ctx, map[string]any{
		"reason": "Need file tools", "new_focus": "File Operations",
	})

	assert.Equal(t, "Mode switch requested: Need file tools. New focus: File Operations", out["result"])
	assert.Equal(t, true, ctx.state[KeySwitchRequested])
	assert.Equal(t, "Need file tools", ctx.state[KeySwitchReason])
	assert.Equal(t, "File Operations", ctx.state[KeySwitchFocus])
}

type skillSource struct {
	skills map[string]*skill.Skill
}

func (s *skillSource) List() []skill.Summary {
	var out []skill.Summary
	for _, sk := range s.skills {
		out = append(out, skill.Summary{Name: sk.Name, Description: sk.Description})
	}
	return out
}

func (s *skillSource) Get(name string) (*skill.Skill, bool) {
	sk, ok := s.skills[name]
	return sk, ok
}

func testSkills() *skillSource {
	return &skillSource{skills: map[string]*skill.Skill{
		"deep-research": {
			Name:         "deep-research",
			Description:  "Research with citations.",
			Tools:        []string{"web_search"},
			Instructions: "Always cite sources.",
		},
	}}
}

func TestListSkills(t *testing.T) {
	out := call(t, ListSkills(testSkills()), newTestContext(), nil)
	text := out["result"].(string)
	assert.Contains(t, text, "- deep-research: Research with citations.")
	assert.Contains(t, text, "enable_skill")
}

func TestListSkills_Empty(t *testing.T) {
	out := call(t, ListSkills(&skillSource{}), newTestContext(), nil)
	assert.Equal(t, "No skills available.", out["result"])
}

func TestEnableSkill(t *testing.T) {
	ctx := newTestContext()
	out := call(t, EnableSkill(testSkills()), ctx, map[string]any{"name": "deep-research"})

	assert.Contains(t, out["result"], "Always cite sources.")
	assert.Equal(t, "deep-research", ctx.state[KeyEnableSkill])
}

func TestEnableSkill_Unknown(t *testing.T) {
	_, err := EnableSkill(testSkills()).Call(newTestContext(), map[string]any{"name": "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list_skills")
}

func TestCheckBalance(t *testing.T) {
	out := call(t, CheckBalance(payment.NewMockWallet(), "devnet"), newTestContext(), nil)

	text := out["result"].(string)
	assert.Contains(t, text, payment.MockAddress)
	assert.Contains(t, text, "1000.000000 SOL")
	assert.Contains(t, text, "devnet")
	assert.Equal(t, 1000.0, out["balance"])
}

func TestSendPayment(t *testing.T) {
	wallet := payment.NewMockWallet()
	out := call(t, SendPayment(wallet), newTestContext(), map[string]any{
		"recipient": "RecipientAddr999", "amount": 10.0,
	})

	assert.Equal(t, "sent", out["status"])
	assert.Equal(t, "MockTx_10000000000_Recipien", out["payment_hash"])
	assert.Contains(t, out["result"], "Remaining Balance**: 990.000000 SOL")
}

func TestSendPayment_InsufficientBalance(t *testing.T) {
	out := call(t, SendPayment(payment.NewMockWallet()), newTestContext(), map[string]any{
		"recipient": "r", "amount": 5000.0,
	})

	assert.Equal(t, "failed", out["status"])
	assert.Contains(t, out["result"], "Insufficient balance")
}

// cancelingWallet simulates a transfer interrupted mid-flight.
type cancelingWallet struct {
	payment.Wallet
}

func (w *cancelingWallet) Send(ctx context.Context, recipient string, amount float64, memo string) (string, error) {
	return "", context.Canceled
}

func TestSendPayment_InterruptedIsUnknown(t *testing.T) {
	wallet := &cancelingWallet{Wallet: payment.NewMockWallet()}
	out := call(t, SendPayment(wallet), newTestContext(), map[string]any{
		"recipient": "r", "amount": 1.0,
	})

	assert.Equal(t, "unknown", out["status"])
	assert.Contains(t, out["result"], "Do NOT send again")
}

func TestListAvailableTools(t *testing.T) {
	catalog := func(ctx context.Context) ([]tool.Descriptor, error) {
		return []tool.Descriptor{
			{Name: "read_file", Description: "Read a file"},
			{Name: "run_command"},
		}, nil
	}
	out := call(t, ListAvailableTools(catalog), newTestContext(), nil)

	text := out["result"].(string)
	assert.Contains(t, text, "AVAILABLE TOOLS:")
	assert.Contains(t, text, "- read_file: Read a file")
	assert.Contains(t, text, "- run_command: No description")
}

func TestListAvailableTools_ErrorIsText(t *testing.T) {
	catalog := func(ctx context.Context) ([]tool.Descriptor, error) {
		return nil, errors.New("connection refused")
	}
	out := call(t, ListAvailableTools(catalog), newTestContext(), nil)
	assert.Contains(t, out["result"], "Error listing tools: connection refused")
}

func TestAll(t *testing.T) {
	tools := All(Config{
		Plans:   &planRecorder{},
		Skills:  testSkills(),
		Wallet:  payment.NewMockWallet(),
		Catalog: func(ctx context.Context) ([]tool.Descriptor, error) { return nil, nil },
	})

	names := make(map[string]bool)
	for _, ct := range tools {
		names[ct.Name()] = true
		assert.Equal(t, tool.SourceBuiltin, tool.Describe(ct).Source)
	}
	for _, want := range []string{
		"system_retry", "attempt_answer", "ask_question", "planner", "switch_mode",
		"list_skills", "enable_skill", "check_balance", "send_payment", "list_available_tools",
	} {
		assert.True(t, names[want], "missing builtin %s", want)
	}
	assert.Len(t, tools, 10)
}

func TestAll_MinimalConfig(t *testing.T) {
	tools := All(Config{})
	assert.Len(t, tools, 5)
}
