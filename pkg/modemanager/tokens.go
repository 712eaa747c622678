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

package modemanager

import (
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates context usage per model. Counting falls back to a
// chars/4 heuristic when no encoding is available for the model.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model. Unknown models get
// the cl100k_base encoding; if even that fails the counter still works via
// the heuristic.
func NewTokenCounter(model string) *TokenCounter {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &TokenCounter{model: model}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc.encoding == nil {
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages sums the token counts of all text parts.
func (tc *TokenCounter) CountMessages(messages []*a2a.Message) int {
	total := 0
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, part := range msg.Parts {
			if tp, ok := part.(a2a.TextPart); ok {
				total += tc.Count(tp.Text)
			}
		}
	}
	return total
}
