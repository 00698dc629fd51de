// ABOUTME: Addressing schemes mapping HTTP requests to backend servers.
// ABOUTME: Path mode serves /mcp/{serverID}; aggregate mode namespaces tools at /mcp.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/mcp-gateway/internal/backend"
	"github.com/2389/mcp-gateway/internal/protocol"
	"github.com/2389/mcp-gateway/internal/store"
)

// Addressing mode names accepted in configuration.
const (
	ModePath      = "path"
	ModeAggregate = "aggregate"
)

var (
	// errUnknownTarget means the request addressed a server that isn't configured.
	errUnknownTarget = errors.New("no server found for this address")

	// errNotConnected means the addressed server is configured but has no
	// live backend connection.
	errNotConnected = errors.New("server is not connected")
)

// AddressScheme maps an incoming request to the backend server it targets.
type AddressScheme interface {
	// Validate checks that the request path addresses a known target.
	Validate(ctx context.Context, r *http.Request) error

	// ListTools returns the tool descriptors visible at the request's
	// address. Disconnected backends advertise no tools.
	ListTools(ctx context.Context, r *http.Request) ([]protocol.Tool, error)

	// ResolveTool maps a tool name at the request's address to a connected
	// backend connection and the tool name to forward to it.
	ResolveTool(ctx context.Context, r *http.Request, name string) (backend.Conn, string, error)
}

// pathScheme exposes each backend at its own /mcp/{serverID} path.
type pathScheme struct {
	store    store.Store
	registry *backend.Registry
}

func newPathScheme(st store.Store, reg *backend.Registry) *pathScheme {
	return &pathScheme{store: st, registry: reg}
}

// serverID extracts the backend identifier from the request path.
func (p *pathScheme) serverID(r *http.Request) string {
	id := strings.TrimPrefix(r.URL.Path, "/mcp/")
	if id == r.URL.Path {
		return ""
	}
	return strings.TrimRight(id, "/")
}

func (p *pathScheme) Validate(ctx context.Context, r *http.Request) error {
	id := p.serverID(r)
	if id == "" || strings.Contains(id, "/") {
		return errUnknownTarget
	}
	if _, err := p.store.GetServer(ctx, id); err != nil {
		if errors.Is(err, store.ErrServerNotFound) {
			return fmt.Errorf("%w: %s", errUnknownTarget, id)
		}
		return err
	}
	return nil
}

func (p *pathScheme) ListTools(_ context.Context, r *http.Request) ([]protocol.Tool, error) {
	conn, ok := p.registry.Get(p.serverID(r))
	if !ok {
		return []protocol.Tool{}, nil
	}
	return conn.Tools(), nil
}

func (p *pathScheme) ResolveTool(_ context.Context, r *http.Request, name string) (backend.Conn, string, error) {
	id := p.serverID(r)
	conn, ok := p.registry.Get(id)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", errNotConnected, id)
	}
	return conn, name, nil
}

// aggregateScheme exposes every connected backend at /mcp, namespacing tool
// names as "serverName.toolName".
type aggregateScheme struct {
	store    store.Store
	registry *backend.Registry
}

func newAggregateScheme(st store.Store, reg *backend.Registry) *aggregateScheme {
	return &aggregateScheme{store: st, registry: reg}
}

func (a *aggregateScheme) Validate(_ context.Context, r *http.Request) error {
	if path := strings.TrimRight(r.URL.Path, "/"); path != "/mcp" {
		return errUnknownTarget
	}
	return nil
}

func (a *aggregateScheme) ListTools(ctx context.Context, _ *http.Request) ([]protocol.Tool, error) {
	tools := []protocol.Tool{}
	for _, id := range a.registry.IDs() {
		conn, ok := a.registry.Get(id)
		if !ok {
			continue
		}
		srv, err := a.store.GetServer(ctx, id)
		if err != nil {
			continue
		}
		for _, t := range conn.Tools() {
			t.Name = srv.Name + "." + t.Name
			tools = append(tools, t)
		}
	}
	return tools, nil
}

func (a *aggregateScheme) ResolveTool(ctx context.Context, _ *http.Request, name string) (backend.Conn, string, error) {
	serverName, toolName, ok := strings.Cut(name, ".")
	if !ok || serverName == "" || toolName == "" {
		return nil, "", fmt.Errorf("%w: tool name must be serverName.toolName", errUnknownTarget)
	}
	srv, err := a.store.GetServerByName(ctx, serverName)
	if err != nil {
		if errors.Is(err, store.ErrServerNotFound) {
			return nil, "", fmt.Errorf("%w: %s", errUnknownTarget, serverName)
		}
		return nil, "", err
	}
	conn, ok := a.registry.Get(srv.ID)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", errNotConnected, serverName)
	}
	return conn, toolName, nil
}
