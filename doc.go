// Package dak is an adaptive agent runtime.
//
// dak runs a single long-lived agent whose working context (the Mode) is
// recomposed at runtime by a meta-model: when context usage crosses a
// threshold or the agent asks for different capabilities, the history is
// summarized, the tool surface is reselected, and the conversation
// continues under the new Mode. Tooling comes from built-in control tools,
// skill bundles, remote MCP servers, and A2A peer agents; an optional
// response enforcer and payment broker govern what the agent may do.
//
// # Quick Start
//
// Install:
//
//	go install github.com/dakproject/dak/cmd/dak@latest
//
// Run with zero configuration (needs OPENAI_API_KEY):
//
//	dak serve
//
// Or with a configuration file:
//
//	yaml
//	name: research_agent
//	model:
//	  provider: openai
//	  name: gpt-4o
//	  api_key: ${OPENAI_API_KEY}
//	mcp_servers:
//	  - name: files
//	    url: http://localhost:9100/mcp
//
//	dak serve --config agent.yaml
//
// # Using as a Go Library
//
//	import (
//	    "github.com/dakproject/dak/pkg/agent/adaptive"
//	    "github.com/dakproject/dak/pkg/runner"
//	    "github.com/dakproject/dak/pkg/session"
//	)
//
// # Architecture
//
//	Client → HTTP/A2A Server → Runner → Adaptive Agent → Mode → Tools
//
// The HTTP surface speaks both a REST API and the A2A protocol, so other
// A2A-compliant agents can consume a dak runtime as a peer.
//
// # Alpha Status
//
// dak is in alpha development. APIs may change.
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package dak
