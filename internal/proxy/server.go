// ABOUTME: Streamable HTTP MCP server routing JSON-RPC to backend servers.
// ABOUTME: Handles origin checks, sessions, and the Accept-driven JSON/SSE split.

package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/mcp-gateway/internal/backend"
	"github.com/2389/mcp-gateway/internal/protocol"
	"github.com/2389/mcp-gateway/internal/store"
)

const (
	serverName    = "mcp-gateway"
	serverVersion = "1.0.0"

	sessionHeader = "Mcp-Session-Id"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// response is the outbound JSON-RPC envelope. Result is any so handlers can
// hand over structs without a marshal round-trip.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
}

// Config holds configuration for the proxy server.
type Config struct {
	Store    store.Store
	Registry *backend.Registry
	Logger   *slog.Logger
	Mode     string // ModePath (default) or ModeAggregate
}

// Server implements the MCP Streamable HTTP endpoint.
type Server struct {
	store    store.Store
	registry *backend.Registry
	logger   *slog.Logger
	scheme   AddressScheme
	sessions *sessionStore
}

// NewServer creates a new proxy server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy")

	var scheme AddressScheme
	switch cfg.Mode {
	case "", ModePath:
		scheme = newPathScheme(cfg.Store, cfg.Registry)
	case ModeAggregate:
		scheme = newAggregateScheme(cfg.Store, cfg.Registry)
	default:
		return nil, fmt.Errorf("unknown proxy mode %q", cfg.Mode)
	}

	return &Server{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		scheme:   scheme,
		sessions: newSessionStore(),
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
}

// handleMCP is the single MCP endpoint. Only POST carries JSON-RPC traffic;
// server-initiated GET streams are not supported.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	// Method is resolved before the origin gate: an unsupported method is
	// 405 even when the origin would be rejected.
	switch r.Method {
	case http.MethodPost:
		if !s.checkOrigin(w, r) {
			return
		}
		s.handlePost(w, r)
	case http.MethodGet:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		if !s.checkOrigin(w, r) {
			return
		}
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// checkOrigin writes 403 and returns false when the Origin header fails the
// allow-list.
func (s *Server) checkOrigin(w http.ResponseWriter, r *http.Request) bool {
	if originAllowed(r.Header.Get("Origin")) {
		return true
	}
	s.logger.Warn("rejected request from disallowed origin", "origin", r.Header.Get("Origin"))
	http.Error(w, "Forbidden", http.StatusForbidden)
	return false
}

// handleDelete terminates a session.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if !s.sessions.delete(sessionID) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.logger.Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes a single JSON-RPC message sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.writeError(w, r, nil, protocol.CodeParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.writeError(w, r, nil, protocol.CodeInvalidRequest, "request body too large")
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, nil, protocol.CodeParseError, "invalid JSON")
		return
	}

	// Messages without an id are notifications: accept them and return 202
	// with no body, whatever the method or envelope version looks like.
	// Nothing id-less ever gets a response body.
	if req.IsNotification() {
		s.logger.Debug("accepted notification", "method", req.Method)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.JSONRPC != protocol.Version {
		s.writeError(w, r, req.ID, protocol.CodeInvalidRequest, "invalid JSON-RPC version")
		return
	}

	if err := s.scheme.Validate(r.Context(), r); err != nil {
		if errors.Is(err, errUnknownTarget) {
			s.writeError(w, r, req.ID, protocol.CodeInvalidParams, err.Error())
			return
		}
		s.logger.Error("address validation failed", "error", err)
		s.writeError(w, r, req.ID, protocol.CodeInternalError, "internal error")
		return
	}

	s.logger.Debug("request", "method", req.Method, "path", r.URL.Path)

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "tools/list":
		s.handleToolsList(w, r, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.writeError(w, r, req.ID, protocol.CodeMethodNotFound, "method not found")
	}
}

// handleInitialize synthesizes the handshake result locally and creates a
// session. The addressed backend does not need to be connected yet.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	var params protocol.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(w, r, req.ID, protocol.CodeInvalidParams, "invalid params")
			return
		}
	}

	version := protocol.NegotiateVersion(params.ProtocolVersion)
	sess := s.sessions.create(version)
	w.Header().Set(sessionHeader, sess.id)

	s.logger.Info("session created",
		"session_id", sess.id,
		"protocol_version", version,
		"client", params.ClientInfo.Name,
	)

	s.writeResult(w, r, req.ID, protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    json.RawMessage(`{"tools":{}}`),
		ServerInfo:      protocol.ServerInfo{Name: serverName, Version: serverVersion},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	tools, err := s.scheme.ListTools(r.Context(), r)
	if err != nil {
		s.logger.Error("tools/list failed", "error", err)
		s.writeError(w, r, req.ID, protocol.CodeInternalError, "internal error")
		return
	}
	s.logger.Debug("tools/list", "count", len(tools))
	s.writeResult(w, r, req.ID, protocol.ListToolsResult{Tools: tools})
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	var params protocol.CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(w, r, req.ID, protocol.CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.writeError(w, r, req.ID, protocol.CodeInvalidParams, "tool name is required")
		return
	}

	conn, toolName, err := s.scheme.ResolveTool(r.Context(), r, params.Name)
	if err != nil {
		if errors.Is(err, errUnknownTarget) || errors.Is(err, errNotConnected) {
			s.writeError(w, r, req.ID, protocol.CodeInvalidParams, err.Error())
			return
		}
		s.logger.Error("tool resolution failed", "tool_name", params.Name, "error", err)
		s.writeError(w, r, req.ID, protocol.CodeInternalError, "internal error")
		return
	}

	result, err := conn.CallTool(r.Context(), toolName, params.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", "tool_name", params.Name, "error", err)
		s.writeError(w, r, req.ID, protocol.CodeInternalError, fmt.Sprintf("tool call failed: %v", err))
		return
	}

	s.logger.Debug("tools/call complete", "tool_name", params.Name, "is_error", result.IsError)
	s.writeResult(w, r, req.ID, result)
}

// wantsEventStream reports whether the client asked for an SSE response.
func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, id json.RawMessage, result any) {
	s.writeResponse(w, r, response{JSONRPC: protocol.Version, ID: id, Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, id json.RawMessage, code int, message string) {
	s.writeResponse(w, r, response{
		JSONRPC: protocol.Version,
		ID:      id,
		Error:   &protocol.Error{Code: code, Message: message},
	})
}

// writeResponse serializes the JSON-RPC response as plain JSON or as a single
// SSE message event depending on the Accept header. The session id header is
// echoed when the request carried a known session.
func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp response) {
	if sessionID := r.Header.Get(sessionHeader); sessionID != "" {
		if _, ok := s.sessions.get(sessionID); ok {
			w.Header().Set(sessionHeader, sessionID)
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if wantsEventStream(r) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}
