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

// Package a2apeer reaches peer agents over the A2A protocol.
//
// Peers are declared in a YAML file and exposed to the model as tools: each
// peer becomes one tool whose single operation is "forward a text request and
// return the peer's final answer". The peer's agent card is resolved lazily
// from the well-known path under its base URL and cached for the process
// lifetime.
//
// Consumer mode is an explicit flag. A provider deployment must leave it off
// so two agents cannot ping-pong requests at each other.
package a2apeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"
	"gopkg.in/yaml.v3"

	"github.com/dakproject/dak/pkg/tool"
)

// DefaultTimeout bounds a single peer round trip.
const DefaultTimeout = 120 * time.Second

// Peer is one configured A2A peer.
type Peer struct {
	Name         string   `yaml:"name"`
	URL          string   `yaml:"url"`
	Capabilities []string `yaml:"capabilities"`
}

// Description renders the peer description shown to the model.
func (p Peer) Description() string {
	caps := "general purpose"
	if len(p.Capabilities) > 0 {
		caps = strings.Join(p.Capabilities, ", ")
	}
	return fmt.Sprintf("Remote agent '%s' at %s. Capabilities: %s", p.Name, p.URL, caps)
}

// CardURL returns the well-known agent card location for this peer.
func (p Peer) CardURL() string {
	return strings.TrimRight(p.URL, "/") + "/a2a/" + p.Name + "/.well-known/agent-card.json"
}

type peersFile struct {
	Peers []Peer `yaml:"a2a_peers"`
}

// LoadPeers reads the peer list from a YAML config file. A missing file
// means no peers; a malformed file or an incomplete peer entry is an error.
func LoadPeers(path string) ([]Peer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("Peer config not found, no peers configured", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read peer config: %w", err)
	}

	var file peersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse peer config %s: %w", path, err)
	}
	for _, p := range file.Peers {
		if p.Name == "" || p.URL == "" {
			return nil, fmt.Errorf("peer config %s: every peer needs name and url", path)
		}
		slog.Info("Loaded A2A peer", "name", p.Name, "url", p.URL, "capabilities", p.Capabilities)
	}
	return file.Peers, nil
}

// Options configures peer tool construction.
type Options struct {
	// Consumer enables peer tools. Off by default so providers never call
	// back into their own callers.
	Consumer bool

	// Timeout per round trip (default: 120s).
	Timeout time.Duration
}

// Tools wraps each peer as a tool. Returns nil when consumer mode is off.
func Tools(peers []Peer, opts Options) []tool.CallableTool {
	if !opts.Consumer {
		if len(peers) > 0 {
			slog.Info("A2A consumer mode disabled, peers not exposed", "peers", len(peers))
		}
		return nil
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	tools := make([]tool.CallableTool, 0, len(peers))
	for _, p := range peers {
		tools = append(tools, &peerTool{peer: p, timeout: opts.Timeout})
	}
	return tools
}

// peerTool forwards one request to a peer and collects its final answer.
type peerTool struct {
	peer    Peer
	timeout time.Duration

	mu   sync.Mutex
	card *a2a.AgentCard
}

func (t *peerTool) Name() string               { return t.peer.Name }
func (t *peerTool) Description() string        { return t.peer.Description() }
func (t *peerTool) RequiresConfirmation() bool { return false }
func (t *peerTool) Source() tool.Source        { return tool.SourcePeer }

func (t *peerTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"request": map[string]any{
				"type":        "string",
				"description": "The request to forward to the remote agent",
			},
		},
		"required": []any{"request"},
	}
}

func (t *peerTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	request, _ := args["request"].(string)
	if request == "" {
		return nil, fmt.Errorf("request is required")
	}

	var parent context.Context = ctx
	if parent == nil {
		parent = context.Background()
	}
	callCtx, cancel := context.WithTimeout(parent, t.timeout)
	defer cancel()

	card, err := t.resolveCard(callCtx)
	if err != nil {
		return nil, fmt.Errorf("agent card resolution failed for %s: %w", t.peer.Name, err)
	}

	client, err := a2aclient.NewFromCard(callCtx, card)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", t.peer.Name, err)
	}
	defer func() { _ = client.Destroy() }()

	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: request})
	req := &a2a.MessageSendParams{Message: msg}

	var answer string
	for event, err := range client.SendStreamingMessage(callCtx, req) {
		if err != nil {
			return nil, fmt.Errorf("peer %s failed: %w", t.peer.Name, err)
		}
		if text := eventText(event); text != "" {
			answer = text
		}
	}

	if answer == "" {
		return map[string]any{"result": "(peer returned no answer)"}, nil
	}
	return map[string]any{"result": answer}, nil
}

func (t *peerTool) resolveCard(ctx context.Context) (*a2a.AgentCard, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card != nil {
		return t.card, nil
	}

	card, err := agentcard.DefaultResolver.Resolve(ctx, t.peer.CardURL())
	if err != nil {
		return nil, err
	}
	t.card = card
	slog.Info("Resolved A2A peer card", "peer", t.peer.Name, "url", t.peer.CardURL())
	return card, nil
}

// eventText extracts the text carried by one streamed A2A event. Working
// status updates stream partial output; the last non-empty text wins.
func eventText(event a2a.Event) string {
	switch e := event.(type) {
	case *a2a.Message:
		return textFromParts(e.Parts)
	case *a2a.TaskStatusUpdateEvent:
		if e.Status.Message != nil {
			return textFromParts(e.Status.Message.Parts)
		}
	case *a2a.TaskArtifactUpdateEvent:
		return textFromParts(e.Artifact.Parts)
	}
	return ""
}

func textFromParts(parts []a2a.Part) string {
	var texts []string
	for _, part := range parts {
		if tp, ok := part.(a2a.TextPart); ok && tp.Text != "" {
			texts = append(texts, tp.Text)
		}
	}
	return strings.Join(texts, "\n")
}

var (
	_ tool.CallableTool   = (*peerTool)(nil)
	_ tool.SourceProvider = (*peerTool)(nil)
)
