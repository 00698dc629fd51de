// ABOUTME: Backend server lifecycle: connect, disconnect, refresh, startup.
// ABOUTME: Connections are established without holding registry locks.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mcp-gateway/internal/backend"
	"github.com/2389/mcp-gateway/internal/protocol"
)

// startupConnectLimit bounds how many backends are spawned concurrently at boot.
const startupConnectLimit = 4

// toolRefresher is implemented by connections that can re-fetch their tool list.
type toolRefresher interface {
	RefreshTools(ctx context.Context) error
}

// ConnectServer spawns the configured server's process and completes the MCP
// handshake. The connection is registered only after the handshake succeeds.
// The process spawn and handshake happen outside any registry lock.
func (g *Gateway) ConnectServer(ctx context.Context, id string) error {
	srv, err := g.store.GetServer(ctx, id)
	if err != nil {
		return err
	}

	if _, ok := g.registry.Get(id); ok {
		return fmt.Errorf("%w: %s", backend.ErrAlreadyConnected, srv.Name)
	}

	conn, err := g.connect(ctx, srv)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", srv.Name, err)
	}

	if err := g.registry.Insert(id, conn); err != nil {
		// Lost a race with a concurrent connect for the same id.
		conn.Shutdown()
		return fmt.Errorf("%w: %s", backend.ErrAlreadyConnected, srv.Name)
	}

	if err := g.store.MarkConnected(ctx, id, time.Now().UTC()); err != nil {
		g.logger.Warn("failed to record connect time", "server", srv.Name, "error", err)
	}
	return nil
}

// DisconnectServer removes the backend from the registry, then shuts the
// process down. In-flight calls resolve with a transport-closed error.
func (g *Gateway) DisconnectServer(id string) error {
	conn, ok := g.registry.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrNotConnected, id)
	}
	conn.Shutdown()
	return nil
}

// RefreshServerTools re-fetches the tool list from a connected backend.
func (g *Gateway) RefreshServerTools(ctx context.Context, id string) ([]protocol.Tool, error) {
	conn, ok := g.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotConnected, id)
	}
	if refresher, ok := conn.(toolRefresher); ok {
		if err := refresher.RefreshTools(ctx); err != nil {
			return nil, fmt.Errorf("refreshing tools: %w", err)
		}
	}
	return conn.Tools(), nil
}

// connectEnabledServers connects every enabled server concurrently. Failures
// are logged, not fatal: a backend that won't start shouldn't stop the
// gateway from serving the rest.
func (g *Gateway) connectEnabledServers(ctx context.Context) {
	servers, err := g.store.ListServers(ctx)
	if err != nil {
		g.logger.Error("failed to list servers at startup", "error", err)
		return
	}

	var eg errgroup.Group
	eg.SetLimit(startupConnectLimit)

	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		eg.Go(func() error {
			if err := g.ConnectServer(ctx, srv.ID); err != nil && !errors.Is(err, backend.ErrAlreadyConnected) {
				g.logger.Warn("startup connect failed", "server", srv.Name, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()
}
