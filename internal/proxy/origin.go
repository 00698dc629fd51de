// ABOUTME: Origin header validation for the MCP HTTP endpoint.
// ABOUTME: Only loopback and Tauri webview origins are accepted.

package proxy

import "strings"

// loopbackOrigins are the origin prefixes accepted with or without a port.
var loopbackOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"http://[::1]",
}

// originAllowed reports whether the given Origin header value may reach the
// endpoint. An absent header is allowed: non-browser clients don't send one.
func originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "tauri://") {
		return true
	}
	if strings.HasPrefix(origin, "https://tauri.") {
		return true
	}
	for _, base := range loopbackOrigins {
		if origin == base || strings.HasPrefix(origin, base+":") {
			return true
		}
	}
	return false
}
