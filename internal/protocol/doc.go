// ABOUTME: Shared MCP protocol types used by both sides of the gateway.
// ABOUTME: JSON-RPC 2.0 envelopes, MCP payload shapes, and version negotiation.

// Package protocol defines the wire-level types the gateway speaks on both
// fronts: the JSON-RPC 2.0 envelope exchanged with spawned backend servers
// over stdio, and the MCP payloads (tools, initialize, tool calls) that flow
// through the HTTP proxy. It has no transport logic of its own.
package protocol
