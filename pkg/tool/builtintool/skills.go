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

// ListSkills creates the skill discovery tool.
func ListSkills(skills SkillSource) tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name:        "list_skills",
		Description: "List the available skills. Skills are modular capabilities with specialized instructions and tool sets.",
	}, func(ctx tool.Context, args struct{}) (map[string]any, error) {
		summaries := skills.List()
		if len(summaries) == 0 {
			return map[string]any{"result": "No skills available."}, nil
		}

		var lines []string
		for _, s := range summaries {
			lines = append(lines, fmt.Sprintf("- %s: %s", s.Name, s.Description))
		}
		return map[string]any{
			"result": "AVAILABLE SKILLS:\n" + strings.Join(lines, "\n") +
				"\n\nCall `enable_skill(name)` to activate one.",
			"skills": summaries,
		}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}

type enableSkillArgs struct {
	Name string `json:"name" jsonschema:"required,description=Name of the skill to activate"`
}

// EnableSkill creates the skill activation tool. Activation is recorded in
// temp session state; the loop merges the skill's tools and instructions
// into the current mode after this turn's tool results are in.
func EnableSkill(skills SkillSource) tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name:        "enable_skill",
		Description: "Activate a skill in the current mode: its instructions and tools become available.",
	}, func(ctx tool.Context, args enableSkillArgs) (map[string]any, error) {
		s, ok := skills.Get(args.Name)
		if !ok {
			return nil, fmt.Errorf("skill %q not found; call list_skills to see what is available", args.Name)
		}

		if state := ctx.State(); state != nil {
			state.Set(KeyEnableSkill, s.Name)
		}

		return map[string]any{
			"result": fmt.Sprintf("Skill %q enabled. Tools: %s\n\n%s",
				s.Name, strings.Join(s.Tools, ", "), s.Instructions),
			"tools": s.Tools,
		}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}
