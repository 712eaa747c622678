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

// Package agent defines the core agent interfaces and event model.
//
// # Agent Interface
//
// The Agent interface is the fundamental abstraction:
//
//	type Agent interface {
//	    Name() string
//	    Description() string
//	    Run(InvocationContext) iter.Seq2[*Event, error]
//	}
//
// # Context Hierarchy
//
// The package provides a three-tier context hierarchy:
//
//   - InvocationContext: full access during agent execution
//   - ReadonlyContext: read-only access for tools and callbacks
//   - CallbackContext: state modification for callbacks
//
// # Events
//
// Agents yield Events; the runner persists non-partial events as the
// session's turns and the HTTP surface translates them to the external
// content/parts representation.
//
// The adaptive session loop lives in the adaptive subpackage:
//
//	a, err := adaptive.New(adaptive.Config{
//	    Name:  "dak",
//	    Model: myModel,
//	    ...
//	})
package agent
