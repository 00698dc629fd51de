// ABOUTME: HTTP-level tests for the MCP proxy endpoint.
// ABOUTME: Uses stub backend connections and an in-memory SQLite store.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/backend"
	"github.com/2389/mcp-gateway/internal/protocol"
	"github.com/2389/mcp-gateway/internal/store"
)

// stubConn is a backend connection with canned tools and call behavior.
type stubConn struct {
	tools        []protocol.Tool
	callErr      error
	lastCallName string
	lastCallArgs json.RawMessage
}

func (c *stubConn) Tools() []protocol.Tool { return c.tools }

func (c *stubConn) CallTool(_ context.Context, name string, args json.RawMessage) (*protocol.CallToolResult, error) {
	c.lastCallName = name
	c.lastCallArgs = args
	if c.callErr != nil {
		return nil, c.callErr
	}
	// Echo the arguments back as text content.
	return &protocol.CallToolResult{
		Content: []protocol.Content{{Type: "text", Text: string(args)}},
	}, nil
}

func (c *stubConn) Pid() (int, bool) { return 0, false }
func (c *stubConn) Shutdown()        {}

type testFixture struct {
	server   *Server
	store    store.Store
	registry *backend.Registry
}

func newFixture(t *testing.T, mode string) *testFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := backend.NewRegistry(logger)

	srv, err := NewServer(Config{
		Store:    st,
		Registry: reg,
		Logger:   logger,
		Mode:     mode,
	})
	require.NoError(t, err)

	return &testFixture{server: srv, store: st, registry: reg}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

// addServer configures a server record and optionally registers a connection.
func (f *testFixture) addServer(t *testing.T, id, name string, conn backend.Conn) {
	t.Helper()
	err := f.store.CreateServer(context.Background(), &store.Server{
		ID:      id,
		Name:    name,
		Command: "stub",
		Enabled: true,
	})
	require.NoError(t, err)
	if conn != nil {
		require.NoError(t, f.registry.Insert(id, conn))
	}
}

func (f *testFixture) post(path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.handleMCP(rec, req)
	return rec
}

func rpcBody(id int, method string, params string) string {
	if params == "" {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q}`, id, method)
	}
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, params)
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *protocol.Response {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

func TestGetReturnsMethodNotAllowed(t *testing.T) {
	f := newFixture(t, ModePath)
	req := httptest.NewRequest(http.MethodGet, "/mcp/srv", nil)
	rec := httptest.NewRecorder()
	f.server.handleMCP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOriginValidation(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", &stubConn{})

	allowed := []string{
		"",
		"http://localhost",
		"http://localhost:3000",
		"http://127.0.0.1",
		"http://127.0.0.1:8080",
		"http://[::1]",
		"http://[::1]:4000",
		"tauri://localhost",
		"https://tauri.localhost",
	}
	for _, origin := range allowed {
		headers := map[string]string{}
		if origin != "" {
			headers["Origin"] = origin
		}
		rec := f.post("/mcp/srv", rpcBody(1, "tools/list", ""), headers)
		assert.Equal(t, http.StatusOK, rec.Code, "origin %q should be allowed", origin)
	}

	rec := f.post("/mcp/srv", rpcBody(1, "tools/list", ""), map[string]string{
		"Origin": "https://evil.example.com",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMethodCheckedBeforeOrigin(t *testing.T) {
	f := newFixture(t, ModePath)

	// A disallowed origin on a GET still yields 405: the method is
	// rejected before the origin is consulted.
	req := httptest.NewRequest(http.MethodGet, "/mcp/srv", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	f.server.handleMCP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/mcp/srv", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	f.server.handleMCP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMalformedBodyReturnsParseError(t *testing.T) {
	f := newFixture(t, ModePath)
	rec := f.post("/mcp/srv", "{not json", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeParseError, resp.Error.Code)
}

func TestNotificationReturns202(t *testing.T) {
	f := newFixture(t, ModePath)

	// Id-less messages are accepted without a body even when the envelope
	// is missing or carries the wrong jsonrpc version.
	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"totally/unknown"}`,
		`{"jsonrpc":"2.0","id":null,"method":"tools/list"}`,
		`{"method":"notifications/initialized"}`,
		`{"jsonrpc":"1.0","method":"notifications/cancelled"}`,
	} {
		rec := f.post("/mcp/whatever", body, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code, "body %s", body)
		assert.Empty(t, rec.Body.String(), "body %s", body)
	}
}

func TestUnknownBackendReturnsInvalidParams(t *testing.T) {
	f := newFixture(t, ModePath)
	rec := f.post("/mcp/nonexistent", rpcBody(1, "tools/list", ""), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestInitializeCreatesSession(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", nil) // configured but not connected

	rec := f.post("/mcp/srv", rpcBody(1, "initialize",
		`{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"0.1"}}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sessionID := rec.Header().Get("Mcp-Session-Id")
	assert.NotEmpty(t, sessionID)

	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, "mcp-gateway", result.ServerInfo.Name)
}

func TestInitializeNegotiatesUnknownVersion(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", nil)

	rec := f.post("/mcp/srv", rpcBody(1, "initialize", `{"protocolVersion":"2019-01-01"}`), nil)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, protocol.LatestVersion(), result.ProtocolVersion)
}

func TestToolsListDisconnectedReturnsEmpty(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", nil)

	rec := f.post("/mcp/srv", rpcBody(1, "tools/list", ""), nil)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.NotNil(t, result.Tools)
	assert.Empty(t, result.Tools)
}

func TestToolsListConnected(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", &stubConn{tools: []protocol.Tool{
		{Name: "echo", Description: "echoes input"},
		{Name: "read_file"},
	}})

	rec := f.post("/mcp/srv", rpcBody(1, "tools/list", ""), nil)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "echo", result.Tools[0].Name)
}

func TestToolsCallRoundTrip(t *testing.T) {
	f := newFixture(t, ModePath)
	conn := &stubConn{tools: []protocol.Tool{{Name: "echo"}}}
	f.addServer(t, "srv", "stub", conn)

	rec := f.post("/mcp/srv", rpcBody(2, "tools/call",
		`{"name":"echo","arguments":{"msg":"hello"}}`), nil)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.JSONEq(t, `{"msg":"hello"}`, result.Content[0].Text)
	assert.Equal(t, "echo", conn.lastCallName)
}

func TestToolsCallMissingName(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", &stubConn{})

	rec := f.post("/mcp/srv", rpcBody(3, "tools/call", `{"arguments":{}}`), nil)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestToolsCallUnconnectedBackend(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", nil)

	rec := f.post("/mcp/srv", rpcBody(4, "tools/call", `{"name":"echo"}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestToolsCallFailureReturnsInternalError(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", &stubConn{callErr: errors.New("backend exploded")})

	rec := f.post("/mcp/srv", rpcBody(5, "tools/call", `{"name":"echo"}`), nil)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", &stubConn{})

	rec := f.post("/mcp/srv", rpcBody(6, "resources/list", ""), nil)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestSSEResponseFormat(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", &stubConn{tools: []protocol.Tool{{Name: "echo"}}})

	rec := f.post("/mcp/srv", rpcBody(7, "tools/list", ""), map[string]string{
		"Accept": "text/event-stream",
	})
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: message\ndata: "), "body: %q", body)
	require.True(t, strings.HasSuffix(body, "\n\n"))

	payload := strings.TrimSuffix(strings.TrimPrefix(body, "event: message\ndata: "), "\n\n")
	var resp protocol.Response
	require.NoError(t, json.Unmarshal([]byte(payload), &resp))
	assert.Nil(t, resp.Error)
}

func TestSessionHeaderEchoedOnKnownSession(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", &stubConn{})

	init := f.post("/mcp/srv", rpcBody(1, "initialize", `{"protocolVersion":"2025-06-18"}`), nil)
	sessionID := init.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	rec := f.post("/mcp/srv", rpcBody(2, "tools/list", ""), map[string]string{
		"Mcp-Session-Id": sessionID,
	})
	assert.Equal(t, sessionID, rec.Header().Get("Mcp-Session-Id"))

	rec = f.post("/mcp/srv", rpcBody(3, "tools/list", ""), map[string]string{
		"Mcp-Session-Id": "bogus",
	})
	assert.Empty(t, rec.Header().Get("Mcp-Session-Id"))
}

func TestDeleteTerminatesSession(t *testing.T) {
	f := newFixture(t, ModePath)
	f.addServer(t, "srv", "stub", nil)

	init := f.post("/mcp/srv", rpcBody(1, "initialize", `{}`), nil)
	sessionID := init.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	req := httptest.NewRequest(http.MethodDelete, "/mcp/srv", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	rec := httptest.NewRecorder()
	f.server.handleMCP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	f.server.handleMCP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAggregateToolsListNamespaced(t *testing.T) {
	f := newFixture(t, ModeAggregate)
	f.addServer(t, "id-a", "alpha", &stubConn{tools: []protocol.Tool{{Name: "echo"}}})
	f.addServer(t, "id-b", "beta", &stubConn{tools: []protocol.Tool{{Name: "read"}}})
	f.addServer(t, "id-c", "gamma", nil) // disconnected, contributes nothing

	rec := f.post("/mcp", rpcBody(1, "tools/list", ""), nil)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)

	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	assert.ElementsMatch(t, []string{"alpha.echo", "beta.read"}, names)
}

func TestAggregateToolsCallDispatch(t *testing.T) {
	f := newFixture(t, ModeAggregate)
	conn := &stubConn{tools: []protocol.Tool{{Name: "echo"}}}
	f.addServer(t, "id-a", "alpha", conn)

	rec := f.post("/mcp", rpcBody(2, "tools/call",
		`{"name":"alpha.echo","arguments":{"n":1}}`), nil)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	assert.Equal(t, "echo", conn.lastCallName)

	// Unknown server name
	rec = f.post("/mcp", rpcBody(3, "tools/call", `{"name":"missing.echo"}`), nil)
	resp = decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)

	// Un-namespaced tool name
	rec = f.post("/mcp", rpcBody(4, "tools/call", `{"name":"echo"}`), nil)
	resp = decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}
