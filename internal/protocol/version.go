// ABOUTME: MCP protocol version negotiation for the Streamable HTTP surface.
// ABOUTME: Known client versions are echoed back; anything else gets the newest.

package protocol

// SupportedVersions lists the MCP protocol versions the gateway advertises,
// newest first.
var SupportedVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// LatestVersion is the version advertised when the client's requested
// version is unknown or absent.
func LatestVersion() string {
	return SupportedVersions[0]
}

// NegotiateVersion echoes the client's protocol version when the gateway
// supports it, and falls back to the newest supported version otherwise.
func NegotiateVersion(clientVersion string) string {
	for _, v := range SupportedVersions {
		if v == clientVersion {
			return v
		}
	}
	return SupportedVersions[0]
}
