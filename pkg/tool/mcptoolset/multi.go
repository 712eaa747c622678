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

package mcptoolset

import (
	"context"
	"errors"
	"fmt"

	"github.com/dakproject/dak/pkg/agent"
	"github.com/dakproject/dak/pkg/tool"
)

// Multi aggregates several MCP toolsets behind the single-toolset surface
// the agent consumes. Catalogs and tool lists are merged in declaration
// order; a filter applies to every member.
type Multi struct {
	sets []*Toolset
}

// NewMulti wraps the given toolsets.
func NewMulti(sets ...*Toolset) *Multi {
	return &Multi{sets: sets}
}

// Tools merges the exposed tools of every member.
func (m *Multi) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	var out []tool.Tool
	var errs []error
	for _, set := range m.sets {
		tools, err := set.Tools(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", set.Name(), err))
			continue
		}
		out = append(out, tools...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Catalog merges the full catalogs of every member.
func (m *Multi) Catalog(ctx context.Context) ([]tool.Descriptor, error) {
	var out []tool.Descriptor
	var errs []error
	for _, set := range m.sets {
		descs, err := set.Catalog(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", set.Name(), err))
			continue
		}
		out = append(out, descs...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// SetFilter applies the filter to every member. Each server exposes the
// intersection of the filter with its own catalog.
func (m *Multi) SetFilter(names []string) {
	for _, set := range m.sets {
		set.SetFilter(names)
	}
}

// Close closes every member, returning the joined errors.
func (m *Multi) Close() error {
	var errs []error
	for _, set := range m.sets {
		if err := set.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
