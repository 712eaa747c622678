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

package model

import (
	"iter"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/dakproject/dak/pkg/tool"
)

// StreamingAggregator aggregates partial streaming responses.
//
// It accumulates content from partial responses and generates:
//   - Partial responses for real-time UI updates (Partial=true)
//   - Aggregated response for session persistence (Partial=false)
//
// Usage:
//
//	aggregator := NewStreamingAggregator()
//	for chunk := range provider.Stream(ctx, req) {
//	    for resp, err := range aggregator.ProcessChunk(chunk) {
//	        yield(resp, err)
//	    }
//	}
//	if final := aggregator.Close(); final != nil {
//	    yield(final, nil)
//	}
type StreamingAggregator struct {
	text         string
	response     *Response
	role         a2a.MessageRole
	toolCalls    []tool.ToolCall
	usage        *Usage
	finishReason FinishReason
}

// NewStreamingAggregator creates a new streaming aggregator.
func NewStreamingAggregator() *StreamingAggregator {
	return &StreamingAggregator{
		role: a2a.MessageRoleAgent,
	}
}

// ProcessTextDelta processes a text delta chunk.
// Returns a partial response for the UI.
func (s *StreamingAggregator) ProcessTextDelta(text string) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		if text == "" {
			return
		}

		s.text += text

		resp := &Response{
			Content: &Content{
				Parts: []a2a.Part{a2a.TextPart{Text: text}},
				Role:  s.role,
			},
			Partial: true,
		}
		s.response = resp

		yield(resp, nil)
	}
}

// ProcessToolCall processes a complete tool call.
// Returns a partial response with the tool call.
func (s *StreamingAggregator) ProcessToolCall(tc tool.ToolCall) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		s.toolCalls = append(s.toolCalls, tc)

		resp := &Response{
			Content: &Content{
				Parts: []a2a.Part{
					a2a.DataPart{
						Data: map[string]any{
							"type":      "tool_use",
							"id":        tc.ID,
							"name":      tc.Name,
							"arguments": tc.Args,
						},
					},
				},
				Role: s.role,
			},
			Partial:   true,
			ToolCalls: []tool.ToolCall{tc},
		}
		s.response = resp

		yield(resp, nil)
	}
}

// SetUsage sets the usage statistics (typically from the done event).
func (s *StreamingAggregator) SetUsage(usage *Usage) {
	s.usage = usage
}

// SetFinishReason sets the finish reason.
func (s *StreamingAggregator) SetFinishReason(reason FinishReason) {
	s.finishReason = reason
}

// Close generates the final aggregated response.
// This should be called after all streaming chunks are processed.
// The returned response has Partial=false and is suitable for persistence.
func (s *StreamingAggregator) Close() *Response {
	if s.text == "" && len(s.toolCalls) == 0 {
		return nil
	}

	var parts []a2a.Part
	if s.text != "" {
		parts = append(parts, a2a.TextPart{Text: s.text})
	}

	resp := &Response{
		Content: &Content{
			Parts: parts,
			Role:  s.role,
		},
		Partial:      false,
		TurnComplete: true,
		ToolCalls:    s.toolCalls,
		Usage:        s.usage,
		FinishReason: s.finishReason,
	}

	s.clear()

	return resp
}

func (s *StreamingAggregator) clear() {
	s.text = ""
	s.response = nil
	s.toolCalls = nil
	s.usage = nil
	s.finishReason = ""
}
