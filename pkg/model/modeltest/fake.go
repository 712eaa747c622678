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

// Package modeltest provides a scripted model.LLM for tests.
package modeltest

import (
	"context"
	"iter"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/dakproject/dak/pkg/model"
	"github.com/dakproject/dak/pkg/tool"
)

// Step is one scripted model turn: either a canned response or an error.
type Step struct {
	Response *model.Response
	Err      error
}

// Fake is a scripted LLM. Each GenerateContent call consumes the next Step;
// when the script runs out it repeats the last step. Requests are recorded
// for assertions.
type Fake struct {
	mu       sync.Mutex
	name     string
	steps    []Step
	pos      int
	Requests []*model.Request
}

// New creates a scripted fake with the given steps.
func New(steps ...Step) *Fake {
	return &Fake{name: "fake-model", steps: steps}
}

// Text builds a step yielding a plain text response.
func Text(text string) Step {
	return Step{Response: &model.Response{
		Content: &model.Content{
			Parts: []a2a.Part{a2a.TextPart{Text: text}},
			Role:  a2a.MessageRoleAgent,
		},
		TurnComplete: true,
		FinishReason: model.FinishReasonStop,
	}}
}

// Calls builds a step yielding one or more tool calls.
func Calls(calls ...tool.ToolCall) Step {
	parts := make([]a2a.Part, 0, len(calls))
	for _, tc := range calls {
		parts = append(parts, a2a.DataPart{Data: map[string]any{
			"type":      "tool_use",
			"id":        tc.ID,
			"name":      tc.Name,
			"arguments": tc.Args,
		}})
	}
	return Step{Response: &model.Response{
		Content: &model.Content{
			Parts: parts,
			Role:  a2a.MessageRoleAgent,
		},
		ToolCalls:    calls,
		FinishReason: model.FinishReasonToolCalls,
	}}
}

// Call is shorthand for a single tool call step.
func Call(id, name string, args map[string]any) Step {
	return Calls(tool.ToolCall{ID: id, Name: name, Args: args})
}

// Fail builds a step yielding an error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Append adds steps to the end of the script.
func (f *Fake) Append(steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

// CallCount returns how many GenerateContent calls were made.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// LastRequest returns the most recent request, or nil.
func (f *Fake) LastRequest() *model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Requests) == 0 {
		return nil
	}
	return f.Requests[len(f.Requests)-1]
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Provider() model.Provider { return model.ProviderUnknown }

func (f *Fake) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	f.mu.Lock()
	f.Requests = append(f.Requests, req)
	var step Step
	if len(f.steps) == 0 {
		step = Text("")
	} else if f.pos < len(f.steps) {
		step = f.steps[f.pos]
		f.pos++
	} else {
		step = f.steps[len(f.steps)-1]
	}
	f.mu.Unlock()

	return func(yield func(*model.Response, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if step.Err != nil {
			yield(nil, step.Err)
			return
		}
		yield(step.Response, nil)
	}
}

func (f *Fake) Close() error { return nil }

var _ model.LLM = (*Fake)(nil)
