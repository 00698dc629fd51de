// ABOUTME: Store interface and the backend server record type.
// ABOUTME: Defines sentinel errors shared by all implementations.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrServerNotFound indicates no server exists with the given id.
var ErrServerNotFound = errors.New("server not found")

// ErrServerExists indicates a server with the same id or name already exists.
var ErrServerExists = errors.New("server already exists")

// TransportStdio is the only backend transport the gateway currently spawns.
const TransportStdio = "stdio"

// Server is one configured backend MCP server.
type Server struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Transport     string            `json:"transport"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Enabled       bool              `json:"enabled"`
	CreatedAt     time.Time         `json:"created_at"`
	LastConnected *time.Time        `json:"last_connected,omitempty"`
}

// Store persists configured backend servers.
type Store interface {
	CreateServer(ctx context.Context, srv *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	GetServerByName(ctx context.Context, name string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	UpdateServer(ctx context.Context, srv *Server) error
	DeleteServer(ctx context.Context, id string) error
	MarkConnected(ctx context.Context, id string, at time.Time) error
	Close() error
}
