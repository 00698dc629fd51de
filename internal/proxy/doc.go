// Package proxy implements the Streamable HTTP MCP endpoint that external
// clients connect to. It terminates JSON-RPC over HTTP POST, validates
// request origins, manages sessions, and routes tools/list and tools/call
// traffic to connected backend servers through an addressing scheme.
//
// Two addressing schemes are supported: path mode exposes each backend at
// /mcp/{serverID}, aggregate mode exposes all backends at /mcp with tool
// names namespaced as "serverName.toolName".
package proxy
