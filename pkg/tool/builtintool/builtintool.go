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

// Package builtintool provides the agent's built-in control tools.
//
// These tools drive the reasoning loop rather than touch the outside world:
// planning (planner), loop termination (attempt_answer, ask_question), error
// recovery (system_retry), mode control (switch_mode), skill management
// (list_skills, enable_skill), discovery (list_available_tools) and wallet
// access (check_balance, send_payment). Terminal tools end the invocation by
// setting EventActions flags the loop checks.
package builtintool

import (
	"context"
	"fmt"
	"strings"

	"github.com/dakproject/dak/pkg/payment"
	"github.com/dakproject/dak/pkg/skill"
	"github.com/dakproject/dak/pkg/tool"
	"github.com/dakproject/dak/pkg/tool/functiontool"
)

// State keys the builtins use to signal the session loop. All carry the
// temp: prefix so they are dropped when the invocation completes.
const (
	KeySwitchRequested = "temp:switch_requested"
	KeySwitchReason    = "temp:switch_reason"
	KeySwitchFocus     = "temp:switch_focus"
	KeyEnableSkill     = "temp:enable_skill"
)

// PlanRecorder records a session's plan contract. Implemented by the
// enforcer; the planner tool is the only writer.
type PlanRecorder interface {
	SetPlan(sessionID string, allowedTools []string)
}

// SkillSource serves loaded skills to list_skills and enable_skill.
type SkillSource interface {
	List() []skill.Summary
	Get(name string) (*skill.Skill, bool)
}

// CatalogLister fetches the full remote tool catalog for discovery.
type CatalogLister func(ctx context.Context) ([]tool.Descriptor, error)

// Config wires the builtins to their runtime collaborators. Nil fields
// disable the tools that need them.
type Config struct {
	Plans   PlanRecorder
	Skills  SkillSource
	Wallet  payment.Wallet
	Catalog CatalogLister

	// Network labels the wallet in balance reports, e.g. "devnet".
	Network string
}

// All returns the built-in tool set for the given wiring.
func All(cfg Config) []tool.CallableTool {
	tools := []tool.CallableTool{
		SystemRetry(),
		AttemptAnswer(),
		AskQuestion(),
		Planner(cfg.Plans),
		SwitchMode(),
	}
	if cfg.Skills != nil {
		tools = append(tools, ListSkills(cfg.Skills), EnableSkill(cfg.Skills))
	}
	if cfg.Wallet != nil {
		tools = append(tools, CheckBalance(cfg.Wallet, cfg.Network), SendPayment(cfg.Wallet))
	}
	if cfg.Catalog != nil {
		tools = append(tools, ListAvailableTools(cfg.Catalog))
	}
	return tools
}

type systemRetryArgs struct {
	ErrorMessage string `json:"error_message" jsonschema:"required,description=The error that triggered the retry"`
}

// SystemRetry creates the internal retry tool. The enforcer routes blocked
// responses through it so the model gets explicit recovery guidance.
func SystemRetry() tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name:        "system_retry",
		Description: "INTERNAL TOOL. Do not use this tool directly. Used by the system to force a retry when an error occurs.",
	}, func(ctx tool.Context, args systemRetryArgs) (map[string]any, error) {
		return map[string]any{"result": fmt.Sprintf(`SYSTEM ERROR - RETRY REQUIRED:
%s

NEXT ACTION REQUIRED: You MUST call one of these tools NOW:
- `+"`planner`"+` if you need to plan
- `+"`ask_question`"+` if you need user input
- `+"`attempt_answer`"+` if you have the final answer
- Other tools for specific actions

DO NOT respond with text. CALL A TOOL.`, args.ErrorMessage)}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}

type attemptAnswerArgs struct {
	Answer      string   `json:"answer" jsonschema:"required,description=The final answer to provide"`
	Confidence  string   `json:"confidence" jsonschema:"required,description=Confidence level (high/medium/low)"`
	SourcesUsed []string `json:"sources_used,omitempty" jsonschema:"description=Sources or tools used to derive the answer"`
}

// AttemptAnswer creates the terminal answer tool. Calling it ends the
// invocation.
func AttemptAnswer() tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name:        "attempt_answer",
		Description: "Provide a final answer to the user. This ends the current turn.",
	}, func(ctx tool.Context, args attemptAnswerArgs) (map[string]any, error) {
		actions := ctx.Actions()
		actions.SkipSummarization = true
		actions.EndInvocation = true

		text := fmt.Sprintf("Answer (Confidence: %s):\n%s", args.Confidence, args.Answer)
		if len(args.SourcesUsed) > 0 {
			text += "\n\nSources: " + strings.Join(args.SourcesUsed, ", ")
		}
		return map[string]any{"result": text}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}

type askQuestionArgs struct {
	Questions []string `json:"questions" jsonschema:"required,description=Questions to ask the user"`
	Context   string   `json:"context" jsonschema:"required,description=Why these questions are needed"`
}

// AskQuestion creates the terminal clarification tool. Calling it ends the
// invocation and hands control back to the user.
func AskQuestion() tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name:        "ask_question",
		Description: "Ask clarifying questions to the user. This ends the current turn and waits for a reply.",
	}, func(ctx tool.Context, args askQuestionArgs) (map[string]any, error) {
		actions := ctx.Actions()
		actions.SkipSummarization = true
		actions.EndInvocation = true
		actions.RequireInput = true

		var lines []string
		for _, q := range args.Questions {
			lines = append(lines, "- "+q)
		}
		text := fmt.Sprintf("Context: %s\n\nQuestions for user:\n%s\n\n(Waiting for user response...)",
			args.Context, strings.Join(lines, "\n"))
		actions.InputPrompt = text
		return map[string]any{"result": text}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}

type plannerArgs struct {
	Goal         string   `json:"goal" jsonschema:"required,description=What the plan achieves"`
	Steps        []string `json:"steps" jsonschema:"required,description=Ordered steps to execute"`
	AllowedTools []string `json:"allowed_tools,omitempty" jsonschema:"description=Tools the plan commits to using. Once set, only these (plus the control tools) may be called until you re-plan"`
}

// Planner creates the planning tool. Recording a plan also records its
// Ulysses Pact: the session is held to the declared tool list until the next
// planner call. plans may be nil when no enforcement is wired.
func Planner(plans PlanRecorder) tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name:        "planner",
		Description: "Plan a complex task before executing it. Declares the goal, the ordered steps and the tools the plan commits to using.",
	}, func(ctx tool.Context, args plannerArgs) (map[string]any, error) {
		if plans != nil {
			plans.SetPlan(ctx.SessionID(), args.AllowedTools)
		}

		var steps []string
		for i, step := range args.Steps {
			steps = append(steps, fmt.Sprintf("%d. %s", i+1, step))
		}

		text := fmt.Sprintf("## Execution Plan\n\n**Goal**: %s\n\n**Steps**:\n%s",
			args.Goal, strings.Join(steps, "\n"))
		if len(args.AllowedTools) > 0 {
			text += fmt.Sprintf(
				"\n\n**Allowed Tools**: %s\n\nYou are now committed to this tool set. Call `planner` again to revise the plan.",
				strings.Join(args.AllowedTools, ", "))
		}
		return map[string]any{"result": text}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}

type switchModeArgs struct {
	Reason   string `json:"reason,omitempty" jsonschema:"description=Why you want to switch modes (e.g. Need to use File System tools)"`
	NewFocus string `json:"new_focus,omitempty" jsonschema:"description=What the new mode should focus on (e.g. File Operations)"`
}

// SwitchMode creates the mode switch request tool. The request is recorded
// in temp session state; the loop performs the switch after this turn's
// tool results are in.
func SwitchMode() tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name: "switch_mode",
		Description: "Request a mode switch. " +
			"If you don't know what tools are available, call `list_available_tools` first, " +
			"then call `switch_mode(reason=\"...\", new_focus=\"...\")` to switch to a mode that includes the desired tools.",
	}, func(ctx tool.Context, args switchModeArgs) (map[string]any, error) {
		state := ctx.State()
		if state != nil {
			state.Set(KeySwitchRequested, true)
			state.Set(KeySwitchReason, args.Reason)
			state.Set(KeySwitchFocus, args.NewFocus)
		}
		return map[string]any{
			"result": fmt.Sprintf("Mode switch requested: %s. New focus: %s", args.Reason, args.NewFocus),
		}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}
