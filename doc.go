// Package gateway provides a protocol-translating, multi-upstream LLM proxy.
//
// The gateway exposes an Anthropic Messages compatible HTTP surface and
// dispatches each request to one of several heterogeneous upstreams: the
// Cloud-Code backend through a pool of OAuth-authenticated accounts with
// per-model quota tracking, or a local OpenAI-compatible endpoint selected
// by model-name prefix. Responses, including SSE streams, are transcoded
// back into Anthropic event shape in real time.
//
// # Quick Start
//
// Install the gateway:
//
//	go install github.com/antigravityproxy/gateway/cmd/gateway@latest
//
// Start the server:
//
//	gateway serve
//
// Point any Anthropic client at it:
//
//	ANTHROPIC_BASE_URL=http://localhost:8080 ANTHROPIC_API_KEY=dummy claude
//
// # Packages
//
//	import (
//	    "github.com/antigravityproxy/gateway/pkg/anthropic"   // wire types + validation
//	    "github.com/antigravityproxy/gateway/pkg/transcode"   // shape conversion
//	    "github.com/antigravityproxy/gateway/pkg/accounts"    // pool + token store
//	    "github.com/antigravityproxy/gateway/pkg/upstream"    // dispatch + retries
//	    "github.com/antigravityproxy/gateway/pkg/server"      // HTTP surface
//	)
//
// Accounts are read from ~/.antigravity-claude-proxy and model aliases from
// ~/.config/antigravity-proxy/config.json.
package gateway
