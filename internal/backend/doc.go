// ABOUTME: MCP client sessions over spawned backend processes and their registry.
// ABOUTME: Connect performs the full handshake before a backend becomes routable.

// Package backend manages one MCP protocol session per configured backend
// server. A Client is created only by a successful connect (spawn,
// initialize, initialized notification, tools/list — in that order); the
// Registry is the single source of truth for which backends are currently
// connected. Connect flows register only after the handshake completes and
// disconnect flows remove before shutting down, so a registry entry always
// points at a live transport.
package backend
