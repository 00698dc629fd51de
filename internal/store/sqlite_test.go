// ABOUTME: Tests for the SQLite-backed server store
// ABOUTME: Uses in-memory databases so no filesystem state is needed

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetServer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := &Server{
		ID:      "srv-1",
		Name:    "filesystem",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
		Env:     map[string]string{"NODE_ENV": "production"},
		Enabled: true,
	}
	require.NoError(t, s.CreateServer(ctx, srv))

	got, err := s.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "filesystem", got.Name)
	assert.Equal(t, TransportStdio, got.Transport)
	assert.Equal(t, srv.Args, got.Args)
	assert.Equal(t, srv.Env, got.Env)
	assert.True(t, got.Enabled)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.LastConnected)
}

func TestGetServerByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateServer(ctx, &Server{ID: "a", Name: "alpha", Command: "alpha-bin"}))

	got, err := s.GetServerByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	_, err = s.GetServerByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestCreateServerDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateServer(ctx, &Server{ID: "dup", Name: "one", Command: "bin"}))
	err := s.CreateServer(ctx, &Server{ID: "dup", Name: "two", Command: "bin"})
	assert.ErrorIs(t, err, ErrServerExists)

	err = s.CreateServer(ctx, &Server{ID: "other", Name: "one", Command: "bin"})
	assert.ErrorIs(t, err, ErrServerExists)
}

func TestListServersOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateServer(ctx, &Server{ID: "1", Name: "zeta", Command: "z"}))
	require.NoError(t, s.CreateServer(ctx, &Server{ID: "2", Name: "alpha", Command: "a"}))

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "alpha", servers[0].Name)
	assert.Equal(t, "zeta", servers[1].Name)
}

func TestUpdateServer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateServer(ctx, &Server{ID: "u", Name: "before", Command: "old", Enabled: true}))

	err := s.UpdateServer(ctx, &Server{
		ID:        "u",
		Name:      "after",
		Transport: TransportStdio,
		Command:   "new",
		Args:      []string{"--flag"},
		Enabled:   false,
	})
	require.NoError(t, err)

	got, err := s.GetServer(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.Equal(t, "new", got.Command)
	assert.Equal(t, []string{"--flag"}, got.Args)
	assert.False(t, got.Enabled)

	err = s.UpdateServer(ctx, &Server{ID: "missing", Name: "x", Command: "x"})
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestDeleteServer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateServer(ctx, &Server{ID: "d", Name: "doomed", Command: "bin"}))
	require.NoError(t, s.DeleteServer(ctx, "d"))

	_, err := s.GetServer(ctx, "d")
	assert.ErrorIs(t, err, ErrServerNotFound)

	assert.ErrorIs(t, s.DeleteServer(ctx, "d"), ErrServerNotFound)
}

func TestMarkConnected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateServer(ctx, &Server{ID: "c", Name: "conn", Command: "bin"}))

	at := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	require.NoError(t, s.MarkConnected(ctx, "c", at))

	got, err := s.GetServer(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, got.LastConnected)
	assert.True(t, got.LastConnected.Equal(at))

	assert.ErrorIs(t, s.MarkConnected(ctx, "missing", at), ErrServerNotFound)
}
