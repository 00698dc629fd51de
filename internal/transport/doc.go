// ABOUTME: Stdio transport for spawned MCP backend server processes.
// ABOUTME: Frames newline-delimited JSON-RPC and correlates responses by id.

// Package transport owns one spawned backend process and turns its standard
// streams into a request/response channel. Requests may be issued
// concurrently; correlation is strictly by id, never by submission order.
// The background read loop is the sole resolver of the pending-request
// table, so each id is resolved at most once.
package transport
