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

package enforcer

import (
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dakproject/dak/pkg/model"
	"github.com/dakproject/dak/pkg/tool"
)

func textResponse(text string) *model.Response {
	return &model.Response{
		Content: &model.Content{
			Parts: []a2a.Part{a2a.TextPart{Text: text}},
			Role:  a2a.MessageRoleAgent,
		},
	}
}

func toolResponse(name string, args map[string]any) *model.Response {
	return &model.Response{
		Content: &model.Content{
			Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{
				"type": "tool_use", "id": "c1", "name": name, "arguments": args,
			}}},
			Role: a2a.MessageRoleAgent,
		},
		ToolCalls: []tool.ToolCall{{ID: "c1", Name: name, Args: args}},
	}
}

func TestValidate_DirectTextBlocked(t *testing.T) {
	e := New(true)

	result := e.Validate("s1", textResponse("Hello world"))

	require.NotNil(t, result)
	assert.Contains(t, result.TextContent(), BlockedMarker)
	assert.Contains(t, result.TextContent(), "Direct responses are not allowed")

	// The synthetic response routes back through system_retry.
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "system_retry", result.ToolCalls[0].Name)
	assert.Contains(t, result.ToolCalls[0].Args["error_message"], BlockedMarker)
}

func TestValidate_ToolCallPasses(t *testing.T) {
	e := New(true)

	result := e.Validate("s1", toolResponse("read_file", map[string]any{"path": "test.txt"}))

	assert.Nil(t, result)
}

func TestValidate_Disabled(t *testing.T) {
	e := New(false)

	assert.Nil(t, e.Validate("s1", textResponse("plain text is fine")))
}

func TestSetPlan_UnionsDefaults(t *testing.T) {
	e := New(true)
	e.SetPlan("s1", []string{"read_file", "run_command"})

	pact := e.Pact("s1")
	require.True(t, pact.Active)
	assert.True(t, pact.Allowed["read_file"])
	assert.True(t, pact.Allowed["run_command"])
	for _, name := range DefaultAllowed() {
		assert.True(t, pact.Allowed[name], "default tool %s should be allowed", name)
	}
}

func TestValidate_AllowedToolPasses(t *testing.T) {
	e := New(true)
	e.SetPlan("s1", []string{"read_file"})

	result := e.Validate("s1", toolResponse("read_file", map[string]any{"path": "test.txt"}))

	assert.Nil(t, result)
}

func TestValidate_DisallowedToolBlocked(t *testing.T) {
	e := New(true)
	e.SetPlan("s1", []string{"read_file"})

	result := e.Validate("s1", toolResponse("write_file", map[string]any{"path": "t", "content": "x"}))

	require.NotNil(t, result)
	text := result.TextContent()
	assert.Contains(t, text, BlockedMarker)
	assert.Contains(t, text, "Violation")
	assert.Contains(t, text, "write_file")
	assert.Contains(t, text, "read_file") // allowed set is listed
}

func TestValidate_DefaultAllowedAlwaysPass(t *testing.T) {
	e := New(true)
	e.SetPlan("s1", []string{"read_file"})

	for _, name := range DefaultAllowed() {
		result := e.Validate("s1", toolResponse(name, nil))
		assert.Nil(t, result, "tool %s should pass", name)
	}
}

func TestValidate_NoPlanAllowsAnyTool(t *testing.T) {
	e := New(true)

	result := e.Validate("s1", toolResponse("random_tool", nil))

	assert.Nil(t, result)
}

func TestValidate_PactIsPerSession(t *testing.T) {
	e := New(true)
	e.SetPlan("s1", []string{"read_file"})

	// s2 has no pact, any tool goes.
	assert.Nil(t, e.Validate("s2", toolResponse("write_file", nil)))
	// s1 is restricted.
	assert.NotNil(t, e.Validate("s1", toolResponse("write_file", nil)))
}

func TestClearPlan(t *testing.T) {
	e := New(true)
	e.SetPlan("s1", []string{"read_file"})
	e.ClearPlan("s1")

	assert.False(t, e.Pact("s1").Active)
	assert.Nil(t, e.Validate("s1", toolResponse("write_file", nil)))
}

func TestSetPlan_ReplacesPrevious(t *testing.T) {
	e := New(true)
	e.SetPlan("s1", []string{"read_file"})
	e.SetPlan("s1", []string{"write_file"})

	pact := e.Pact("s1")
	assert.False(t, pact.Allowed["read_file"])
	assert.True(t, pact.Allowed["write_file"])
}
