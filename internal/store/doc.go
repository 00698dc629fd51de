// ABOUTME: Persistence of configured backend server definitions.
// ABOUTME: Store interface plus the SQLite implementation used by the gateway.

// Package store persists the set of configured backend MCP servers: what to
// spawn (command, args, environment overlay), whether a backend is enabled,
// and when it last connected. The proxy resolves inbound backend
// identifiers against this set; the live connections themselves are held by
// the backend registry, never here.
package store
