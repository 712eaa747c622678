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
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/enforcer"
	"github.com/dakproject/dak/pkg/model/modeltest"
	"github.com/dakproject/dak/pkg/payment"
	"github.com/dakproject/dak/pkg/session"
	"github.com/dakproject/dak/pkg/tool"
	"github.com/dakproject/dak/pkg/tool/builtintool"
	"github.com/dakproject/dak/pkg/tool/functiontool"
)

type echoArgs struct {
	Msg string `json:"msg"`
}

func echoTool(t *testing.T) tool.CallableTool {
	t.Helper()
	ct, err := functiontool.New(
		functiontool.Config{Name: "echo", Description: "Echo a message back"},
		func(ctx tool.Context, args echoArgs) (map[string]any, error) {
			return map[string]any{"result": "echo: " + args.Msg}, nil
		})
	require.NoError(t, err)
	return ct
}

type finishArgs struct {
	Answer string `json:"answer"`
}

// finishTool behaves like a terminal control tool: its result ends the turn.
func finishTool(t *testing.T) tool.CallableTool {
	t.Helper()
	ct, err := functiontool.New(
		functiontool.Config{Name: "finish", Description: "Finish the turn with an answer"},
		func(ctx tool.Context, args finishArgs) (map[string]any, error) {
			actions := ctx.Actions()
			actions.SkipSummarization = true
			actions.EndInvocation = true
			return map[string]any{"result": args.Answer}, nil
		})
	require.NoError(t, err)
	return ct
}

type deployArgs struct {
	Target string `json:"target"`
}

func deployTool(t *testing.T, calls *int) tool.CallableTool {
	t.Helper()
	ct, err := functiontool.New(
		functiontool.Config{
			Name:                "deploy",
			Description:         "Deploy to a target",
			RequireConfirmation: true,
		},
		func(ctx tool.Context, args deployArgs) (map[string]any, error) {
			*calls++
			return map[string]any{"result": "deployed to " + args.Target}, nil
		})
	require.NoError(t, err)
	return ct
}

func premiumTool(t *testing.T, calls *int) tool.CallableTool {
	t.Helper()
	ct, err := functiontool.New(
		functiontool.Config{
			Name:        "premium_analysis",
			Description: "Run a premium analysis",
			Paid: &tool.PaidSpec{
				Price:     10,
				Currency:  "SOL",
				Recipient: "RecipientAddr",
				Reason:    "Premium analysis",
			},
		},
		func(ctx tool.Context, args echoArgs) (map[string]any, error) {
			*calls++
			return map[string]any{"result": "analysis complete"}, nil
		})
	require.NoError(t, err)
	return ct
}

type switchArgs struct {
	Reason   string `json:"reason"`
	NewFocus string `json:"new_focus"`
}

// switchTool leaves the same temp-state signal the real control tool does.
func switchTool(t *testing.T) tool.CallableTool {
	t.Helper()
	ct, err := functiontool.New(
		functiontool.Config{Name: "switch_mode", Description: "Request a mode switch"},
		func(ctx tool.Context, args switchArgs) (map[string]any, error) {
			state := ctx.State()
			require.NoError(t, state.Set(builtintool.KeySwitchRequested, true))
			require.NoError(t, state.Set(builtintool.KeySwitchReason, args.Reason))
			require.NoError(t, state.Set(builtintool.KeySwitchFocus, args.NewFocus))
			return map[string]any{"result": "Mode switch requested."}, nil
		})
	require.NoError(t, err)
	return ct
}

type harness struct {
	t     *testing.T
	agent *Agent
	svc   session.Service
	sess  session.Session
	fake  *modeltest.Fake
}

func newHarness(t *testing.T, fake *modeltest.Fake, builtins []tool.CallableTool, mutate func(*Config)) *harness {
	t.Helper()

	svc := session.InMemoryService()
	resp, err := svc.Create(context.Background(), &session.CreateRequest{
		AppName: "dak", UserID: "u1", SessionID: "s1",
	})
	require.NoError(t, err)

	cfg := Config{
		Model:          fake,
		Sessions:       svc,
		Builtins:       builtins,
		RetryBaseDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)

	return &harness{t: t, agent: a, svc: svc, sess: resp.Session, fake: fake}
}

// turn runs one invocation and persists non-partial events, the way the
// session runner does between iterations.
func (h *harness) turn(content *agent.Content) []*agent.Event {
	h.t.Helper()

	ictx := agent.NewInvocationContext(context.Background(), agent.InvocationContextParams{
		Agent:       h.agent,
		Session:     h.sess,
		UserContent: content,
	})
	if content != nil {
		ev := agent.NewEvent(ictx.InvocationID())
		ev.Author = agent.AuthorUser
		ev.Message = content.ToMessage()
		require.NoError(h.t, h.svc.AppendEvent(context.Background(), h.sess, ev))
	}

	var events []*agent.Event
	for ev, err := range h.agent.Run(ictx) {
		require.NoError(h.t, err)
		events = append(events, ev)
		if !ev.Partial {
			require.NoError(h.t, h.svc.AppendEvent(context.Background(), h.sess, ev))
		}
	}
	return events
}

func (h *harness) textTurn(text string) []*agent.Event {
	return h.turn(agent.NewTextContent(text, a2a.MessageRoleUser))
}

func resultContent(t *testing.T, ev *agent.Event) string {
	t.Helper()
	require.NotEmpty(t, ev.ToolResults)
	return ev.ToolResults[0].Content
}

func TestNew_RequiresModel(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRun_FinalTextResponse(t *testing.T) {
	fake := modeltest.New(modeltest.Text("hello there"))
	h := newHarness(t, fake, nil, nil)

	events := h.textTurn("hi")
	require.Len(t, events, 1)
	assert.Equal(t, "hello there", events[0].TextContent())
	assert.True(t, events[0].IsFinalResponse())
	assert.Equal(t, 1, fake.CallCount())
}

func TestRun_ToolCallRoundTrip(t *testing.T) {
	fake := modeltest.New(
		modeltest.Call("c1", "echo", map[string]any{"msg": "ping"}),
		modeltest.Text("all done"),
	)
	h := newHarness(t, fake, []tool.CallableTool{echoTool(t)}, nil)

	events := h.textTurn("echo ping")
	require.Len(t, events, 3)

	assert.Equal(t, "echo", events[0].ToolCalls[0].Name)
	assert.Equal(t, "working", events[0].ToolCalls[0].Status)

	assert.Equal(t, "echo: ping", resultContent(t, events[1]))
	assert.Equal(t, "success", events[1].ToolResults[0].Status)

	assert.Equal(t, "all done", events[2].TextContent())
	assert.Equal(t, 2, fake.CallCount())
}

func TestRun_ToolResultsFeedBackIntoHistory(t *testing.T) {
	fake := modeltest.New(
		modeltest.Call("c1", "echo", map[string]any{"msg": "ping"}),
		modeltest.Text("done"),
	)
	h := newHarness(t, fake, []tool.CallableTool{echoTool(t)}, nil)
	h.textTurn("go")

	last := fake.LastRequest()
	require.NotNil(t, last)
	// user message + model tool_use + tool_result
	require.Len(t, last.Messages, 3)
}

func TestRun_TerminalToolEndsTurn(t *testing.T) {
	fake := modeltest.New(
		modeltest.Call("c1", "finish", map[string]any{"answer": "42"}),
		modeltest.Text("never reached"),
	)
	h := newHarness(t, fake, []tool.CallableTool{finishTool(t)}, nil)

	events := h.textTurn("answer me")
	require.Len(t, events, 2)
	assert.Equal(t, "42", resultContent(t, events[1]))
	assert.True(t, events[1].IsFinalResponse())
	assert.Equal(t, 1, fake.CallCount(), "no model call after a terminal tool")
}

func TestRun_ParallelSiblingsKeepDeclaredOrder(t *testing.T) {
	fake := modeltest.New(
		modeltest.Calls(
			tool.ToolCall{ID: "c1", Name: "echo", Args: map[string]any{"msg": "first"}},
			tool.ToolCall{ID: "c2", Name: "echo", Args: map[string]any{"msg": "second"}},
		),
		modeltest.Text("done"),
	)
	h := newHarness(t, fake, []tool.CallableTool{echoTool(t)}, nil)

	events := h.textTurn("both")
	results := events[1].ToolResults
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "echo: first", results[0].Content)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "echo: second", results[1].Content)
}

func TestRun_UnknownToolGetsGuidance(t *testing.T) {
	fake := modeltest.New(
		modeltest.Call("c1", "write_file", map[string]any{"path": "/tmp/x"}),
		modeltest.Text("understood"),
	)
	h := newHarness(t, fake, []tool.CallableTool{echoTool(t)}, nil)

	events := h.textTurn("write a file")
	content := resultContent(t, events[1])
	assert.True(t, events[1].ToolResults[0].IsError)
	assert.Contains(t, content, "list_available_tools")
	assert.Contains(t, content, "switch_mode")
	assert.Equal(t, "understood", events[2].TextContent(), "turn survives the miss")
}

func TestRun_EnforcerBlocksPlainText(t *testing.T) {
	fake := modeltest.New(modeltest.Text("let me just chat instead"))
	h := newHarness(t, fake, []tool.CallableTool{finishTool(t)}, func(cfg *Config) {
		cfg.Enforcer = enforcer.New(true)
	})

	events := h.textTurn("do something")
	require.Len(t, events, 1)
	assert.Equal(t, "EnforcerBlocked", events[0].ErrorCode)
	assert.True(t, events[0].TurnComplete)
	assert.Contains(t, events[0].TextContent(), "[ENFORCER_BLOCKED]")
	assert.Equal(t, 1, fake.CallCount())
}

func TestRun_EnforcerPreambleInInstruction(t *testing.T) {
	fake := modeltest.New(modeltest.Call("c1", "finish", map[string]any{"answer": "ok"}))
	h := newHarness(t, fake, []tool.CallableTool{finishTool(t)}, func(cfg *Config) {
		cfg.Enforcer = enforcer.New(true)
	})

	h.textTurn("go")
	assert.Contains(t, fake.LastRequest().SystemInstruction, "ENFORCER MODE IS ACTIVE")
}

func TestRun_BlockedTurnRecoversOnRetry(t *testing.T) {
	fake := modeltest.New(
		modeltest.Text("ok"),
		modeltest.Call("c1", "finish", map[string]any{"answer": "done properly"}),
	)
	h := newHarness(t, fake, []tool.CallableTool{finishTool(t)}, func(cfg *Config) {
		cfg.Enforcer = enforcer.New(true)
	})

	blocked := h.textTurn("do the thing")
	require.Len(t, blocked, 1)
	assert.Equal(t, "EnforcerBlocked", blocked[0].ErrorCode)

	retried := h.textTurn("Respond again, using a tool call this time.")
	require.Len(t, retried, 2)
	assert.Equal(t, "done properly", resultContent(t, retried[1]))
	assert.True(t, retried[1].IsFinalResponse())
}

func TestRun_PactViolationBlocksTool(t *testing.T) {
	enf := enforcer.New(true)
	fake := modeltest.New(
		modeltest.Call("c1", "planner", map[string]any{
			"goal":          "echo twice",
			"steps":         []any{"echo once", "echo again"},
			"allowed_tools": []any{"echo"},
		}),
		modeltest.Call("c2", "echo", map[string]any{"msg": "within plan"}),
		modeltest.Call("c3", "deploy", map[string]any{"target": "prod"}),
	)
	h := newHarness(t, fake, []tool.CallableTool{builtintool.Planner(enf), echoTool(t)}, func(cfg *Config) {
		cfg.Enforcer = enf
	})

	events := h.textTurn("echo twice then deploy")
	require.Len(t, events, 5)

	assert.Contains(t, resultContent(t, events[1]), "Allowed Tools")
	assert.Equal(t, "echo: within plan", resultContent(t, events[3]), "tool in the pact still runs")

	blocked := events[4]
	assert.Equal(t, "EnforcerBlocked", blocked.ErrorCode)
	assert.True(t, blocked.TurnComplete)
	assert.Contains(t, blocked.TextContent(), "[ENFORCER_BLOCKED]")
	assert.Equal(t, 3, fake.CallCount(), "no model call after the block")
}

func TestRun_LlmRetrySucceeds(t *testing.T) {
	fake := modeltest.New(
		modeltest.Fail(fmt.Errorf("upstream 503")),
		modeltest.Text("recovered"),
	)
	h := newHarness(t, fake, nil, nil)

	events := h.textTurn("hi")
	require.Len(t, events, 1)
	assert.Equal(t, "recovered", events[0].TextContent())
	assert.Equal(t, 2, fake.CallCount())
}

func TestRun_LlmUnavailableAfterRetries(t *testing.T) {
	fake := modeltest.New(modeltest.Fail(fmt.Errorf("upstream down")))
	h := newHarness(t, fake, nil, nil)

	events := h.textTurn("hi")
	require.Len(t, events, 1)
	assert.Equal(t, string(agent.ErrKindLlmUnavailable), events[0].ErrorCode)
	assert.True(t, events[0].TurnComplete)
	assert.Equal(t, 3, fake.CallCount(), "initial call plus two retries")
}

func TestRun_IterationCap(t *testing.T) {
	fake := modeltest.New(modeltest.Call("c1", "echo", map[string]any{"msg": "again"}))
	h := newHarness(t, fake, []tool.CallableTool{echoTool(t)}, func(cfg *Config) {
		cfg.MaxIterations = 3
	})

	events := h.textTurn("loop forever")
	last := events[len(events)-1]
	assert.Equal(t, string(agent.ErrKindTimeout), last.ErrorCode)
	assert.Contains(t, last.TextContent(), "Turn limit reached")
	assert.Equal(t, 3, fake.CallCount())
}

func TestRun_ConfirmationSuspends(t *testing.T) {
	var deploys int
	fake := modeltest.New(modeltest.Call("c1", "deploy", map[string]any{"target": "prod"}))
	h := newHarness(t, fake, []tool.CallableTool{deployTool(t, &deploys)}, nil)

	events := h.textTurn("deploy to prod")
	require.Len(t, events, 2)

	request := events[1]
	assert.Equal(t, []string{"c1"}, request.LongRunningToolIDs)
	assert.True(t, request.Actions.RequireInput)
	require.Len(t, request.ToolCalls, 1)
	assert.Equal(t, confirmationTool, request.ToolCalls[0].Name)
	assert.Equal(t, "pending", request.ToolCalls[0].Status)

	original := request.ToolCalls[0].Args["originalFunctionCall"].(map[string]any)
	assert.Equal(t, "deploy", original["name"])
	assert.Equal(t, 0, deploys, "tool must not run before approval")
}

func confirmationAnswer(id string, confirmed bool) *agent.Content {
	return &agent.Content{
		Role: a2a.MessageRoleUser,
		Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{
			"type":         "confirmation_response",
			"tool_call_id": id,
			"confirmed":    confirmed,
		}}},
	}
}

func TestRun_ConfirmationApprovedExecutes(t *testing.T) {
	var deploys int
	fake := modeltest.New(modeltest.Call("c1", "deploy", map[string]any{"target": "prod"}))
	h := newHarness(t, fake, []tool.CallableTool{deployTool(t, &deploys)}, nil)

	h.textTurn("deploy to prod")
	fake.Append(modeltest.Text("deployment finished"))

	events := h.turn(confirmationAnswer("c1", true))
	require.NotEmpty(t, events)

	assert.Equal(t, 1, deploys)
	assert.Equal(t, "deployed to prod", resultContent(t, events[0]))
	assert.Equal(t, "deployment finished", events[len(events)-1].TextContent())
}

func TestRun_ConfirmationDeclined(t *testing.T) {
	var deploys int
	fake := modeltest.New(modeltest.Call("c1", "deploy", map[string]any{"target": "prod"}))
	h := newHarness(t, fake, []tool.CallableTool{deployTool(t, &deploys)}, nil)

	h.textTurn("deploy to prod")
	fake.Append(modeltest.Text("okay, not deploying"))

	events := h.turn(confirmationAnswer("c1", false))
	require.NotEmpty(t, events)

	assert.Equal(t, 0, deploys)
	assert.True(t, events[0].ToolResults[0].IsError)
	assert.Contains(t, resultContent(t, events[0]), "declined")
}

func TestRun_PaymentRequired(t *testing.T) {
	var runs int
	fake := modeltest.New(
		modeltest.Call("c1", "premium_analysis", map[string]any{"msg": "data"}),
		modeltest.Text("payment is needed first"),
	)
	h := newHarness(t, fake, []tool.CallableTool{premiumTool(t, &runs)}, func(cfg *Config) {
		cfg.Broker = payment.NewBroker(payment.NewMockWallet())
	})

	events := h.textTurn("analyze this")
	content := resultContent(t, events[1])
	assert.True(t, events[1].ToolResults[0].IsError)
	assert.Contains(t, content, "Payment Required")
	assert.Contains(t, content, "premium_analysis")
	assert.Equal(t, 0, runs)
}

func TestRun_PaymentBadHashReRaisesDemand(t *testing.T) {
	var runs int
	fake := modeltest.New(
		modeltest.Call("c1", "premium_analysis", map[string]any{
			"msg": "data", "payment_hash": "BogusHash123",
		}),
		modeltest.Text("payment did not go through"),
	)
	h := newHarness(t, fake, []tool.CallableTool{premiumTool(t, &runs)}, func(cfg *Config) {
		cfg.Broker = payment.NewBroker(payment.NewMockWallet())
	})

	events := h.textTurn("analyze this")
	content := resultContent(t, events[1])
	assert.True(t, events[1].ToolResults[0].IsError)
	assert.Contains(t, content, "Payment Required")
	assert.Contains(t, content, "verification failed")
	assert.Equal(t, 0, runs)
}

func TestRun_PaymentSettledExecutes(t *testing.T) {
	var runs int
	wallet := payment.NewMockWallet()
	hash, err := wallet.Send(context.Background(), "RecipientAddr", 10, "premium_analysis")
	require.NoError(t, err)

	fake := modeltest.New(
		modeltest.Call("c1", "premium_analysis", map[string]any{"msg": "data", "payment_hash": hash}),
		modeltest.Text("done"),
	)
	h := newHarness(t, fake, []tool.CallableTool{premiumTool(t, &runs)}, func(cfg *Config) {
		cfg.Broker = payment.NewBroker(wallet)
	})

	events := h.textTurn("analyze this")
	assert.Equal(t, "analysis complete", resultContent(t, events[1]))
	assert.Equal(t, 1, runs)
}

func TestRun_SwitchModeRequest(t *testing.T) {
	fake := modeltest.New(
		modeltest.Call("c1", "switch_mode", map[string]any{
			"reason": "need file tools", "new_focus": "file operations",
		}),
		modeltest.Text("ready for file work"),
	)
	meta := modeltest.New(modeltest.Text(
		`{"instruction": "Focus on file operations.", "selected_tools": ["echo"], "selected_skills": []}`,
	))
	h := newHarness(t, fake, []tool.CallableTool{switchTool(t), echoTool(t)}, func(cfg *Config) {
		cfg.Meta = meta
	})

	events := h.textTurn("work with files")
	require.Len(t, events, 4)

	switched := events[2]
	assert.Equal(t, agent.AuthorSystem, switched.Author)
	assert.Equal(t, true, switched.CustomMetadata["mode_switched"])
	assert.Contains(t, switched.TextContent(), "Previous conversation summary")

	assert.Equal(t, "ready for file work", events[3].TextContent())
	assert.Equal(t, 1, meta.CallCount())

	mode := h.agent.Mode("s1")
	assert.Contains(t, mode.Instruction, "Focus on file operations.")
	assert.True(t, mode.HasTool("echo"))

	// history was cleared in place: only the summary and the final answer remain
	assert.Equal(t, 2, h.sess.Events().Len())
}

func TestRun_MetaFailureKeepsMode(t *testing.T) {
	fake := modeltest.New(
		modeltest.Call("c1", "switch_mode", map[string]any{
			"reason": "r", "new_focus": "f",
		}),
		modeltest.Text("carrying on"),
	)
	meta := modeltest.New(modeltest.Fail(fmt.Errorf("meta down")))
	h := newHarness(t, fake, []tool.CallableTool{switchTool(t), echoTool(t)}, func(cfg *Config) {
		cfg.Meta = meta
	})

	before := h.agent.Mode("s1").Instruction
	events := h.textTurn("switch please")

	assert.Equal(t, "carrying on", events[len(events)-1].TextContent())
	assert.Equal(t, before, h.agent.Mode("s1").Instruction)
	// no clearing happened: user, tool_use, tool_result, final text
	assert.Equal(t, 4, h.sess.Events().Len())
}

func TestRun_ThresholdTriggersSwitch(t *testing.T) {
	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 40)
	fake := modeltest.New(modeltest.Text("noted"))
	meta := modeltest.New(modeltest.Text(
		`{"instruction": "Condensed focus.", "selected_tools": [], "selected_skills": []}`,
	))
	h := newHarness(t, fake, []tool.CallableTool{echoTool(t)}, func(cfg *Config) {
		cfg.Meta = meta
		cfg.MaxContextTokens = 100
	})

	// First turn never switches.
	h.textTurn(long)
	assert.Equal(t, 0, meta.CallCount())

	// Second turn crosses the 50% threshold of the tiny window.
	events := h.textTurn("continue")
	assert.Equal(t, 1, meta.CallCount())

	var switched bool
	for _, ev := range events {
		if ev.CustomMetadata["mode_switched"] == true {
			switched = true
		}
	}
	assert.True(t, switched)
	assert.Contains(t, h.agent.Mode("s1").Instruction, "Condensed focus.")
}

func TestRun_FirstModeIsBuiltinsOnly(t *testing.T) {
	fake := modeltest.New(modeltest.Text("hi"))
	h := newHarness(t, fake, []tool.CallableTool{echoTool(t), finishTool(t)}, nil)

	h.textTurn("hello")

	mode := h.agent.Mode("s1")
	assert.ElementsMatch(t, []string{"echo", "finish"}, mode.ToolNames())

	last := fake.LastRequest()
	require.Len(t, last.Tools, 2)
}

func TestForget_DropsSessionState(t *testing.T) {
	fake := modeltest.New(modeltest.Text("hi"))
	h := newHarness(t, fake, nil, nil)
	h.textTurn("hello")

	h.agent.Forget("s1")

	h.agent.mu.Lock()
	_, ok := h.agent.sessions["s1"]
	h.agent.mu.Unlock()
	assert.False(t, ok)
}

func TestFormatResult(t *testing.T) {
	content, isErr := formatResult(nil)
	assert.Equal(t, "(no output)", content)
	assert.False(t, isErr)

	content, isErr = formatResult(map[string]any{"result": "value"})
	assert.Equal(t, "value", content)
	assert.False(t, isErr)

	content, isErr = formatResult(map[string]any{"results": []string{"a", "b"}})
	assert.Equal(t, "a\nb", content)
	assert.False(t, isErr)

	content, isErr = formatResult(map[string]any{"error": "boom"})
	assert.Equal(t, "boom", content)
	assert.True(t, isErr)

	content, isErr = formatResult(map[string]any{"count": 3})
	assert.Contains(t, content, `"count":3`)
	assert.False(t, isErr)
}
