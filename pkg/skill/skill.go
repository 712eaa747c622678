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

// Package skill loads declarative skill bundles.
//
// A skill bundle is a directory containing a SKILL.md file: a YAML
// front-matter header (name, description, tools) followed by a markdown body
// that becomes the skill's instructions. Skills declare the tool names they
// depend on; Reconcile trims those lists against the live tool catalog so a
// skill never advertises a tool the runtime cannot dispatch.
//
// Skill-local tool implementations are registered programmatically via
// RegisterLocal and resolved per skill through LocalTools.
package skill

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dakproject/dak/pkg/tool"
)

// DescriptorFile is the bundle descriptor expected in every skill directory.
const DescriptorFile = "SKILL.md"

// Skill is one loaded bundle.
type Skill struct {
	// Name uniquely identifies the skill. Defaults to the directory name
	// when the front matter omits it.
	Name string

	// Description is shown to the model when listing skills.
	Description string

	// Tools are the tool names this skill depends on. After Reconcile the
	// list holds only names present in the catalog.
	Tools []string

	// Instructions is the markdown body, appended to the mode instruction
	// when the skill is activated.
	Instructions string
}

// Clone returns a deep copy.
func (s *Skill) Clone() *Skill {
	out := *s
	out.Tools = append([]string(nil), s.Tools...)
	return &out
}

// frontMatter is the YAML header of a SKILL.md file.
type frontMatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
}

// Registry loads and serves skill bundles. Reads are copy-on-read; the
// registry itself is shared process-wide.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
	local  map[string]map[string]tool.CallableTool
}

// NewRegistry creates a registry rooted at dir. Call Load before use.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:    dir,
		logger: slog.Default().With("component", "skills"),
		skills: make(map[string]*Skill),
		local:  make(map[string]map[string]tool.CallableTool),
	}
}

// Load scans the skills directory and replaces the loaded set. A bundle that
// fails to parse is skipped with a log entry; the rest still load. Loading is
// idempotent: re-loading an unchanged directory yields the same set.
func (r *Registry) Load() error {
	skills := make(map[string]*Skill)

	if r.dir == "" {
		r.swap(skills)
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("Skills directory not found", "dir", r.dir)
			r.swap(skills)
			return nil
		}
		return fmt.Errorf("failed to read skills directory %s: %w", r.dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name(), DescriptorFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		skill, err := Parse(entry.Name(), data)
		if err != nil {
			r.logger.Error("Skipping invalid skill bundle", "dir", entry.Name(), "error", err)
			continue
		}
		if _, dup := skills[skill.Name]; dup {
			r.logger.Error("Skipping duplicate skill name", "name", skill.Name, "dir", entry.Name())
			continue
		}
		skills[skill.Name] = skill
		r.logger.Info("Loaded skill", "name", skill.Name, "tools", len(skill.Tools))
	}

	r.swap(skills)
	return nil
}

func (r *Registry) swap(skills map[string]*Skill) {
	r.mu.Lock()
	r.skills = skills
	r.mu.Unlock()
}

// Parse decodes a SKILL.md document. defaultName is used when the front
// matter carries no name.
func Parse(defaultName string, data []byte) (*Skill, error) {
	header, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, err
	}

	var fm frontMatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, fmt.Errorf("invalid front matter: %w", err)
	}

	name := fm.Name
	if name == "" {
		name = defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("skill has no name")
	}
	if fm.Description == "" {
		return nil, fmt.Errorf("skill %q missing description", name)
	}
	instructions := strings.TrimSpace(string(body))
	if instructions == "" {
		return nil, fmt.Errorf("skill %q has no instructions body", name)
	}

	return &Skill{
		Name:         name,
		Description:  fm.Description,
		Tools:        append([]string(nil), fm.Tools...),
		Instructions: instructions,
	}, nil
}

var frontMatterDelim = []byte("---")

func splitFrontMatter(data []byte) (header, body []byte, err error) {
	trimmed := bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	trimmed = bytes.TrimLeft(trimmed, "\n\r ")
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		return nil, nil, fmt.Errorf("missing YAML front matter")
	}
	rest := trimmed[len(frontMatterDelim):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated YAML front matter")
	}
	header = rest[:end]
	body = rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return header, body, nil
}

// Reconcile trims every skill's tool list against the available tool names.
// Skill-local registrations count as available for their own skill. A skill
// whose tools are all missing is disabled and dropped; a partially covered
// skill keeps the valid subset and gains an unavailability note in its
// instructions.
func (r *Registry) Reconcile(available []string) {
	catalog := make(map[string]bool, len(available))
	for _, name := range available {
		catalog[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, skill := range r.skills {
		var valid, missing []string
		for _, toolName := range skill.Tools {
			if catalog[toolName] || r.hasLocal(name, toolName) {
				valid = append(valid, toolName)
			} else {
				missing = append(missing, toolName)
			}
		}

		if len(missing) > 0 {
			r.logger.Warn("Skill references unavailable tools", "skill", name, "missing", missing)
			skill.Instructions += fmt.Sprintf(
				"\n\n(Note: The following tools are currently unavailable: %s)",
				strings.Join(missing, ", "))
		}
		if len(valid) == 0 {
			r.logger.Warn("Disabling skill with no available tools", "skill", name)
			delete(r.skills, name)
			continue
		}
		skill.Tools = valid
	}
}

func (r *Registry) hasLocal(skillName, toolName string) bool {
	tools, ok := r.local[skillName]
	if !ok {
		return false
	}
	_, ok = tools[toolName]
	return ok
}

// RegisterLocal binds local tool implementations to a skill. Registrations
// survive re-loads; only implementations whose names appear in the skill's
// tool list are ever served.
func (r *Registry) RegisterLocal(skillName string, tools ...tool.CallableTool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.local[skillName]
	if !ok {
		byName = make(map[string]tool.CallableTool)
		r.local[skillName] = byName
	}
	for _, t := range tools {
		byName[t.Name()] = t
	}
}

// LocalTools returns the skill's registered local implementations, limited to
// names the skill declares.
func (r *Registry) LocalTools(skillName string) []tool.CallableTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skill, ok := r.skills[skillName]
	if !ok {
		return nil
	}
	byName := r.local[skillName]
	if len(byName) == 0 {
		return nil
	}

	var out []tool.CallableTool
	for _, toolName := range skill.Tools {
		if t, ok := byName[toolName]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Get returns a copy of the named skill.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	if !ok {
		return nil, false
	}
	return skill.Clone(), true
}

// List returns name and description for every loaded skill, sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.skills))
	for _, skill := range r.skills {
		out = append(out, Summary{Name: skill.Name, Description: skill.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summary is the metadata-only view of a skill.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Names returns the sorted loaded skill names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
