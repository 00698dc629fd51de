// Package oauth implements the authorization-code flow used to authenticate
// against remote MCP servers that require it. It provides a short-lived
// localhost callback listener, a PKCE-protected flow built on
// golang.org/x/oauth2, and an in-memory per-server token store.
package oauth
