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

// Package modemanager decides when the agent changes mode and synthesizes
// the next one.
//
// A Mode is the tuple of instruction text, active tool set and active skills
// that shapes one stretch of conversation. Switches are triggered by context
// pressure (token usage over a threshold) or by the model itself via the
// switch_mode tool; the first turn of a session never switches. A new mode
// is produced by a meta-LLM call that returns JSON
// {instruction, selected_tools, selected_skills}.
package modemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/model"
	"github.com/dakproject/dak/pkg/skill"
	"github.com/dakproject/dak/pkg/tool"
)

// DefaultThreshold is the context usage ratio that triggers a switch.
const DefaultThreshold = 0.5

// FallbackInstruction is used when a mode has no synthesized instruction.
const FallbackInstruction = "Continue with current task."

// defaultSummary stands in when the history has no usable text.
const defaultSummary = "Conversation in progress."

// neverRemoved are tool names every mode keeps regardless of the meta-LLM's
// selection. Without them the agent cannot discover tools or switch again.
var neverRemoved = []string{"switch_mode", "planner", "list_skills", "enable_skill", "list_available_tools"}

// modelMaxTokens holds approximate context window sizes.
var modelMaxTokens = map[string]int{
	"gemini-2.5-flash":     1_000_000,
	"gemini-2.5-pro":       1_000_000,
	"gemini-3-pro-preview": 1_000_000,
	"gemini-2.0-flash-exp": 1_000_000,
}

const defaultMaxTokens = 128_000

// MaxContextTokens returns the context window size for a model name.
func MaxContextTokens(model string) int {
	if n, ok := modelMaxTokens[model]; ok {
		return n
	}
	if strings.HasPrefix(model, "gemini") {
		return 1_000_000
	}
	return defaultMaxTokens
}

// Mode is the active configuration of the agent.
type Mode struct {
	Instruction  string
	Tools        []tool.Descriptor
	ActiveSkills []string
}

// ToolNames returns the sorted-by-declaration names of the mode's tool set.
func (m *Mode) ToolNames() []string {
	names := make([]string, 0, len(m.Tools))
	for _, d := range m.Tools {
		names = append(names, d.Name)
	}
	return names
}

// HasTool reports whether the mode's tool set contains name.
func (m *Mode) HasTool(name string) bool {
	for _, d := range m.Tools {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Selection is the meta-LLM's JSON answer.
type Selection struct {
	Instruction    string   `json:"instruction"`
	SelectedTools  []string `json:"selected_tools"`
	SelectedSkills []string `json:"selected_skills"`
}

// Config configures a Manager.
type Config struct {
	// ModelName sizes the context window and the token encoding.
	ModelName string

	// MaxContextTokens overrides the model's context window size.
	MaxContextTokens int

	// Threshold overrides DefaultThreshold.
	Threshold float64

	// Meta is the LLM used to synthesize new modes.
	Meta model.LLM
}

// Manager tracks one session's switching state. Guarded by its own mutex;
// the owning agent holds one Manager per session.
type Manager struct {
	modelName string
	maxTokens int
	threshold float64
	meta      model.LLM
	counter   *TokenCounter
	logger    *slog.Logger

	mu              sync.Mutex
	firstTurn       bool
	switchRequested bool
	requestedFocus  string
}

// NewManager creates a session mode manager.
func NewManager(cfg Config) *Manager {
	maxTokens := cfg.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = MaxContextTokens(cfg.ModelName)
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Manager{
		modelName: cfg.ModelName,
		maxTokens: maxTokens,
		threshold: threshold,
		meta:      cfg.Meta,
		counter:   NewTokenCounter(cfg.ModelName),
		logger:    slog.Default().With("component", "modemanager"),
	}
}

// MaxTokens returns the effective context window size.
func (m *Manager) MaxTokens() int {
	return m.maxTokens
}

// CountTokens estimates the context usage of the given messages.
func (m *Manager) CountTokens(messages []*a2a.Message) int {
	return m.counter.CountMessages(messages)
}

// BeginSession marks the next ShouldSwitch call as the session's first turn.
func (m *Manager) BeginSession() {
	m.mu.Lock()
	m.firstTurn = true
	m.switchRequested = false
	m.requestedFocus = ""
	m.mu.Unlock()
}

// RequestSwitch records an explicit switch_mode call from the model.
func (m *Manager) RequestSwitch(reason, newFocus string) {
	m.mu.Lock()
	m.switchRequested = true
	m.requestedFocus = newFocus
	m.mu.Unlock()
	m.logger.Info("Switch requested by model", "reason", reason, "focus", newFocus)
}

// RequestedFocus returns the focus recorded by the last RequestSwitch.
func (m *Manager) RequestedFocus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestedFocus
}

// ShouldSwitch decides whether a mode switch happens now. The first call of
// a session never switches; later calls switch when the token count crosses
// the threshold or the model asked for it. A pending request is consumed.
func (m *Manager) ShouldSwitch(contextTokens int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.firstTurn {
		m.logger.Info("First turn: using default minimal toolset")
		m.firstTurn = false
		return false
	}

	if contextTokens > 0 {
		ratio := float64(contextTokens) / float64(m.maxTokens)
		if ratio >= m.threshold {
			m.logger.Info("Mode switch triggered by token usage",
				"ratio", fmt.Sprintf("%.1f%%", ratio*100), "threshold", m.threshold)
			return true
		}
	}

	if m.switchRequested {
		m.logger.Info("Mode switch triggered by switch_mode call")
		m.switchRequested = false
		return true
	}

	return false
}

// HistorySummary condenses recent session turns for the meta prompt: the
// text parts of the last five events, each truncated to 100 characters.
func HistorySummary(events agent.Events) string {
	if events == nil {
		return defaultSummary
	}

	start := events.Len() - 5
	if start < 0 {
		start = 0
	}

	var messages []string
	for i := start; i < events.Len(); i++ {
		ev := events.At(i)
		if ev == nil || ev.Message == nil {
			continue
		}
		for _, part := range ev.Message.Parts {
			tp, ok := part.(a2a.TextPart)
			if !ok || tp.Text == "" {
				continue
			}
			text := tp.Text
			if len(text) > 100 {
				text = text[:100]
			}
			messages = append(messages, text)
		}
	}
	if len(messages) == 0 {
		return defaultSummary
	}
	return strings.Join(messages, " | ")
}

// selectionSchema constrains the meta-LLM output.
var selectionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"instruction":     map[string]any{"type": "string"},
		"selected_tools":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"selected_skills": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"instruction", "selected_tools", "selected_skills"},
}

// GenerateSelection asks the meta-LLM for the next mode configuration. On
// any failure (transport, empty output, bad JSON) it returns an error and
// the caller keeps the previous mode.
func (m *Manager) GenerateSelection(
	ctx context.Context,
	historySummary string,
	tools []tool.Descriptor,
	skills []skill.Summary,
) (*Selection, error) {
	if m.meta == nil {
		return nil, fmt.Errorf("no meta model configured")
	}

	prompt := buildMetaPrompt(historySummary, m.RequestedFocus(), tools, skills)
	m.logger.Debug("Meta prompt built", "tools", len(tools), "skills", len(skills))

	req := &model.Request{
		Messages: []*a2a.Message{
			a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: prompt}),
		},
		Config: &model.GenerateConfig{
			ResponseMIMEType:   "application/json",
			ResponseSchema:     selectionSchema,
			ResponseSchemaName: "mode_selection",
		},
	}

	var text strings.Builder
	for resp, err := range m.meta.GenerateContent(ctx, req, false) {
		if err != nil {
			return nil, fmt.Errorf("meta model call failed: %w", err)
		}
		if !resp.Partial {
			text.WriteString(resp.TextContent())
		}
	}

	raw := strings.TrimSpace(text.String())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if raw == "" {
		return nil, fmt.Errorf("meta model returned empty response")
	}

	var sel Selection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return nil, fmt.Errorf("meta model returned invalid JSON: %w", err)
	}
	if sel.Instruction == "" {
		sel.Instruction = FallbackInstruction
	}

	m.logger.Info("Meta model selected configuration",
		"tools", sel.SelectedTools, "skills", sel.SelectedSkills)
	return &sel, nil
}

// escapeHatch is appended to every synthesized instruction so a future model
// can always rediscover tools.
const escapeHatch = `If the user requests an action that requires tools you do not currently have, you MUST follow this 2-step process:
 1. Call ` + "`list_available_tools()`" + ` to see ALL available tools and skills.
 2. Review the list and call ` + "`switch_mode(reason='...', new_focus='...')`" + ` to switch to the correct mode.
 Do NOT guess tool names. Do NOT try to call tools that are not in your list.`

func buildMetaPrompt(historySummary, requestedFocus string, tools []tool.Descriptor, skills []skill.Summary) string {
	var toolLines []string
	for _, d := range tools {
		desc := d.Description
		if desc == "" {
			desc = "No description"
		}
		toolLines = append(toolLines, fmt.Sprintf("- %s: %s", d.Name, desc))
	}

	var skillLines []string
	for _, s := range skills {
		desc := s.Description
		if desc == "" {
			desc = "No description"
		}
		skillLines = append(skillLines, fmt.Sprintf("- %s: %s", s.Name, desc))
	}
	skillsBlock := "No skills available."
	if len(skillLines) > 0 {
		skillsBlock = strings.Join(skillLines, "\n")
	}

	focusHint := ""
	if requestedFocus != "" {
		focusHint = fmt.Sprintf("\n# LLM Requested Focus\n%s\n", requestedFocus)
	}

	return fmt.Sprintf(`You are a "Meta-Agent" responsible for optimizing another AI agent's performance.
The current agent is transitioning to a new phase of its task.
You need to create a NEW, focused configuration for this agent to continue the task efficiently.

# Current Context / Goal
%s
%s
# Available Tools
%s

# Available Skills
Skills are modular capabilities that provide specialized instructions and best practices.
%s

# Your Task
1. Analyze the current situation. What is the immediate next step?
2. Write a CONCISE System Instruction for the agent to focus ONLY on this next step.
   - The instruction should be specific, not generic.
   - It MUST summarize the relevant past context so the agent knows what happened, as the previous history will be cleared.
   - Do NOT mention "context is full" or "switching modes". Just describe the role and the current objective.
   - **CRITICAL**: Append this standard instruction at the end:
     %q
3. Select ONLY the strictly necessary tools from the list above.
   - Fewer tools = better focus.
   - ALWAYS include `+"`switch_mode`"+` so the agent can switch again later.
4. Select relevant Skills from the list above.
   - Skills provide specialized instructions (e.g., "git-automation" gives rules for git usage).
   - Select a skill if the task involves that domain.

# Output Format
You must output a JSON object with this structure:
{
  "instruction": "The new system prompt...",
  "selected_tools": ["tool_name_1", "tool_name_2"],
  "selected_skills": ["skill_name_1"]
}`,
		historySummary, focusHint, strings.Join(toolLines, "\n"), skillsBlock, escapeHatch)
}

// ComposeMode assembles the next Mode from a meta selection.
//
// The active tool set is builtin tools, plus the selected subset of the
// remaining catalog, plus every tool of every selected skill. Name ties are
// broken by source priority, so a skill-local tool shadows an MCP tool of
// the same name. The never-removed control tools stay regardless of the
// selection, and each selected skill's instructions are appended to the
// instruction text.
func ComposeMode(sel *Selection, catalog []tool.Descriptor, skills *skill.Registry) Mode {
	byName := make(map[string]tool.Descriptor, len(catalog))
	keep := func(d tool.Descriptor) {
		existing, ok := byName[d.Name]
		if !ok || tool.SourcePriority(d.Source) > tool.SourcePriority(existing.Source) {
			byName[d.Name] = d
		}
	}

	selected := make(map[string]bool, len(sel.SelectedTools))
	for _, name := range sel.SelectedTools {
		selected[name] = true
	}
	pinned := make(map[string]bool, len(neverRemoved))
	for _, name := range neverRemoved {
		pinned[name] = true
	}

	skillTools := make(map[string]bool)
	instruction := sel.Instruction
	var active []string
	for _, name := range sel.SelectedSkills {
		// No registry means no skill can be honored, selected or not.
		if skills == nil {
			break
		}
		s, ok := skills.Get(name)
		if !ok {
			continue
		}
		active = append(active, name)
		for _, t := range s.Tools {
			skillTools[t] = true
		}
		instruction += "\n\n## Skill: " + s.Name + "\n" + s.Instructions
	}

	var order []string
	for _, d := range catalog {
		include := d.Source == tool.SourceBuiltin ||
			pinned[d.Name] ||
			selected[d.Name] ||
			skillTools[d.Name]
		if !include {
			continue
		}
		if _, seen := byName[d.Name]; !seen {
			order = append(order, d.Name)
		}
		keep(d)
	}

	mode := Mode{Instruction: instruction, ActiveSkills: active}
	for _, name := range order {
		mode.Tools = append(mode.Tools, byName[name])
	}
	return mode
}
