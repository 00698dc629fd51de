// ABOUTME: Tests for the connection registry.
// ABOUTME: Covers exclusive insert, remove-then-shutdown, and concurrent lookups.

package backend

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/protocol"
)

// stubConn is a minimal Conn for registry tests.
type stubConn struct {
	mu       sync.Mutex
	shutdown bool
}

func (s *stubConn) Tools() []protocol.Tool { return nil }

func (s *stubConn) CallTool(context.Context, string, json.RawMessage) (*protocol.CallToolResult, error) {
	return &protocol.CallToolResult{}, nil
}

func (s *stubConn) Pid() (int, bool) { return 0, false }

func (s *stubConn) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

func (s *stubConn) wasShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func TestRegistryInsertAndGet(t *testing.T) {
	r := NewRegistry(nil)
	conn := &stubConn{}

	require.NoError(t, r.Insert("files", conn))

	got, ok := r.Get("files")
	require.True(t, ok)
	assert.Same(t, Conn(conn), got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRejectsDuplicateInsert(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Insert("files", &stubConn{}))
	err := r.Insert("files", &stubConn{})
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(nil)
	conn := &stubConn{}
	require.NoError(t, r.Insert("files", conn))

	removed, ok := r.Remove("files")
	require.True(t, ok)
	assert.Same(t, Conn(conn), removed)

	_, ok = r.Get("files")
	assert.False(t, ok)

	// Removal does not shut down: that is the caller's job, after removal.
	assert.False(t, conn.wasShutdown())

	_, ok = r.Remove("files")
	assert.False(t, ok)
}

func TestRegistryInsertAfterRemove(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Insert("files", &stubConn{}))

	_, ok := r.Remove("files")
	require.True(t, ok)
	assert.NoError(t, r.Insert("files", &stubConn{}))
}

func TestRegistryCloseShutsDownAll(t *testing.T) {
	r := NewRegistry(nil)
	a, b := &stubConn{}, &stubConn{}
	require.NoError(t, r.Insert("a", a))
	require.NoError(t, r.Insert("b", b))

	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.True(t, a.wasShutdown())
	assert.True(t, b.wasShutdown())
}

func TestRegistryConcurrentLookups(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Insert("files", &stubConn{}))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Get("files")
				r.IDs()
			}
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for j := 0; j < 50; j++ {
				_ = r.Insert(id, &stubConn{})
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
}
