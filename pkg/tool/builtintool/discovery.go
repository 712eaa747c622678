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
	"fmt"
	"strings"

	"github.com/dakproject/dak/pkg/tool"
	"github.com/dakproject/dak/pkg/tool/functiontool"
)

// ListAvailableTools creates the discovery tool. It reports the full remote
// catalog regardless of the current mode's filter, so the model can find out
// what a switch would make available. Transport failures are reported as
// text; discovery must never crash a turn.
func ListAvailableTools(catalog CatalogLister) tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name:        "list_available_tools",
		Description: "List ALL available tools from the configured tool servers. Use this to discover what tools exist before requesting a mode switch.",
	}, func(ctx tool.Context, args struct{}) (map[string]any, error) {
		descriptors, err := catalog(ctx)
		if err != nil {
			return map[string]any{
				"result": fmt.Sprintf("Error listing tools: %v", err),
			}, nil
		}
		if len(descriptors) == 0 {
			return map[string]any{"result": "No tools found on the tool servers."}, nil
		}

		var lines []string
		for _, d := range descriptors {
			desc := d.Description
			if desc == "" {
				desc = "No description"
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", d.Name, desc))
		}
		return map[string]any{
			"result": "AVAILABLE TOOLS:\n" + strings.Join(lines, "\n"),
		}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}
