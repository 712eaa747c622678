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

package a2apeer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dakproject/dak/pkg/tool"
)

const peersYAML = `a2a_peers:
  - name: research_peer
    url: http://localhost:9000/
    capabilities:
      - web research
      - summarization
  - name: audit_peer
    url: http://localhost:9001
`

func writePeers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPeers(t *testing.T) {
	peers, err := LoadPeers(writePeers(t, peersYAML))
	require.NoError(t, err)
	require.Len(t, peers, 2)

	assert.Equal(t, "research_peer", peers[0].Name)
	assert.Equal(t, []string{"web research", "summarization"}, peers[0].Capabilities)
	assert.Empty(t, peers[1].Capabilities)
}

func TestLoadPeers_MissingFileMeansNoPeers(t *testing.T) {
	peers, err := LoadPeers(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestLoadPeers_IncompleteEntry(t *testing.T) {
	_, err := LoadPeers(writePeers(t, "a2a_peers:\n  - name: nameless\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name and url")
}

func TestCardURL(t *testing.T) {
	p := Peer{Name: "research_peer", URL: "http://localhost:9000/"}
	assert.Equal(t,
		"http://localhost:9000/a2a/research_peer/.well-known/agent-card.json",
		p.CardURL())
}

func TestDescription(t *testing.T) {
	p := Peer{Name: "research_peer", URL: "http://localhost:9000", Capabilities: []string{"web research", "summarization"}}
	assert.Equal(t,
		"Remote agent 'research_peer' at http://localhost:9000. Capabilities: web research, summarization",
		p.Description())

	bare := Peer{Name: "audit_peer", URL: "http://localhost:9001"}
	assert.Contains(t, bare.Description(), "Capabilities: general purpose")
}

func TestTools_ConsumerModeGates(t *testing.T) {
	peers := []Peer{{Name: "research_peer", URL: "http://localhost:9000"}}

	assert.Nil(t, Tools(peers, Options{}))

	tools := Tools(peers, Options{Consumer: true})
	require.Len(t, tools, 1)
	assert.Equal(t, "research_peer", tools[0].Name())
	assert.Equal(t, DefaultTimeout, tools[0].(*peerTool).timeout)
}

func TestPeerToolDescriptor(t *testing.T) {
	tools := Tools([]Peer{{Name: "research_peer", URL: "http://localhost:9000", Capabilities: []string{"web research"}}},
		Options{Consumer: true})
	require.Len(t, tools, 1)

	d := tool.Describe(tools[0])
	assert.Equal(t, tool.SourcePeer, d.Source)
	assert.False(t, d.RequireConfirmation)
	assert.Contains(t, d.Description, "Remote agent 'research_peer'")

	props := d.Parameters["properties"].(map[string]any)
	_, ok := props["request"]
	assert.True(t, ok)
}

func TestPeerTool_EmptyRequest(t *testing.T) {
	tools := Tools([]Peer{{Name: "p", URL: "http://localhost:9000"}}, Options{Consumer: true})
	_, err := tools[0].Call(nil, map[string]any{})
	require.Error(t, err)
}

func TestEventText(t *testing.T) {
	msg := a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: "final answer"})
	assert.Equal(t, "final answer", eventText(msg))

	status := &a2a.TaskStatusUpdateEvent{
		Status: a2a.TaskStatus{State: a2a.TaskStateCompleted, Message: msg},
	}
	assert.Equal(t, "final answer", eventText(status))

	artifact := &a2a.TaskArtifactUpdateEvent{
		Artifact: &a2a.Artifact{Parts: []a2a.Part{a2a.TextPart{Text: "report body"}}},
	}
	assert.Equal(t, "report body", eventText(artifact))

	empty := &a2a.TaskStatusUpdateEvent{Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}
	assert.Empty(t, eventText(empty))
}
