// Package gateway wires the pieces together: it loads configuration, opens
// the server store, starts the HTTP listener (plain TCP or a tsnet node),
// mounts the MCP proxy endpoint and the management API, and connects enabled
// backend servers at startup.
package gateway
