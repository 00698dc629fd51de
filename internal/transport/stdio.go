// ABOUTME: Process-backed duplex JSON-RPC channel over stdin/stdout.
// ABOUTME: Handles spawning, the read loop, pending-request resolution, and teardown.

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mcp-gateway/internal/protocol"
)

// ErrSpawnFailed indicates the backend executable could not be launched.
var ErrSpawnFailed = errors.New("failed to spawn backend process")

// ErrClosed indicates the transport was shut down or the process exited.
var ErrClosed = errors.New("transport closed")

// ErrTimeout indicates no matching response arrived within the request bound.
var ErrTimeout = errors.New("request timed out")

// DefaultRequestTimeout bounds the wait for a matching response. A hung
// backend must not suspend callers indefinitely.
const DefaultRequestTimeout = 30 * time.Second

// maxLineSize is the largest JSON-RPC line accepted from a backend (4MB).
const maxLineSize = 4 << 20

// NotificationHandler receives notifications emitted by the backend process.
type NotificationHandler func(method string, params json.RawMessage)

// Options configures a Transport.
type Options struct {
	Logger         *slog.Logger
	RequestTimeout time.Duration
	OnNotification NotificationHandler
}

// Transport frames and exchanges JSON-RPC messages with one spawned child
// process over its standard streams.
type Transport struct {
	stdin  io.WriteCloser
	proc   *os.Process
	logger *slog.Logger

	timeout  time.Duration
	onNotify NotificationHandler

	nextID  atomic.Int64
	writeMu sync.Mutex // serializes stdin writes

	mu      sync.Mutex
	pending map[int64]chan *protocol.Response
	closed  bool

	closeOnce sync.Once
}

// Spawn starts the given executable with an environment overlay applied on
// top of the parent environment, and begins the background read loop over
// its stdout. Stderr is drained to the logger.
func Spawn(command string, args []string, env map[string]string, opts Options) (*Transport, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = overlayEnv(os.Environ(), env)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	t := newTransport(stdin, stdout, cmd.Process, opts)
	go t.drainStderr(stderr)
	go func() {
		// Reap the child so a crashed backend doesn't linger as a zombie.
		_ = cmd.Wait()
	}()
	return t, nil
}

// newTransport wires a transport over arbitrary streams. proc may be nil
// when there is no real process behind the streams (tests).
func newTransport(stdin io.WriteCloser, stdout io.Reader, proc *os.Process, opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	t := &Transport{
		stdin:    stdin,
		proc:     proc,
		logger:   logger,
		timeout:  timeout,
		onNotify: opts.OnNotification,
		pending:  make(map[int64]chan *protocol.Response),
	}
	go t.readLoop(stdout)
	return t
}

// overlayEnv replaces keys in base rather than appending duplicates.
func overlayEnv(base []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

// Pid returns the OS process id of the spawned backend, if one exists.
func (t *Transport) Pid() (int, bool) {
	if t.proc == nil {
		return 0, false
	}
	return t.proc.Pid, true
}

// SendRequest writes a framed request and suspends the caller until the
// matching response arrives, the transport closes, or the bound elapses.
func (t *Transport) SendRequest(ctx context.Context, method string, params json.RawMessage) (*protocol.Response, error) {
	id := t.nextID.Add(1)
	ch := make(chan *protocol.Response, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[id] = ch
	t.mu.Unlock()

	req := protocol.NewRequest(id, method, params)
	if err := t.writeMessage(req); err != nil {
		t.unregister(id)
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-timer.C:
		t.unregister(id)
		return nil, fmt.Errorf("%w: no response to %s within %s", ErrTimeout, method, t.timeout)
	case <-ctx.Done():
		t.unregister(id)
		return nil, ctx.Err()
	}
}

// SendNotification writes a framed notification. No response is awaited.
func (t *Transport) SendNotification(method string, params json.RawMessage) error {
	return t.writeMessage(protocol.NewNotification(method, params))
}

func (t *Transport) writeMessage(msg *protocol.Request) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (t *Transport) unregister(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// readLoop parses one JSON value per line from the process output,
// dispatching responses to the pending table and notifications to the
// handler. It is the sole writer into pending slots. When the stream ends
// the transport shuts down and every outstanding request fails with
// ErrClosed.
func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *protocol.Error `json:"error"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("discarding unparseable line from backend", "error", err)
			continue
		}

		switch {
		case msg.Method != "" && len(msg.ID) == 0:
			t.handleNotification(msg.Method, line)
		case msg.Method != "":
			// Server-to-client requests (sampling, roots) are not supported.
			t.logger.Debug("ignoring server-initiated request", "method", msg.Method)
		default:
			t.dispatchResponse(msg.ID, msg.Result, msg.Error)
		}
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug("backend stdout closed", "error", err)
	}
	t.Shutdown()
}

func (t *Transport) handleNotification(method string, line []byte) {
	var note protocol.Request
	if err := json.Unmarshal(line, &note); err != nil {
		return
	}
	t.logger.Debug("backend notification", "method", method)
	if t.onNotify != nil {
		t.onNotify(method, note.Params)
	}
}

func (t *Transport) dispatchResponse(idRaw, result json.RawMessage, rpcErr *protocol.Error) {
	var id int64
	if err := json.Unmarshal(idRaw, &id); err != nil {
		t.logger.Warn("discarding response with non-numeric id", "id", string(idRaw))
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		// Either the caller already gave up, or the backend answered the
		// same id twice. Resolution is at most once per id.
		t.logger.Warn("received response for unknown request", "id", id)
		return
	}

	ch <- &protocol.Response{
		JSONRPC: protocol.Version,
		ID:      idRaw,
		Result:  result,
		Error:   rpcErr,
	}
}

func (t *Transport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		t.logger.Debug("backend stderr", "line", scanner.Text())
	}
}

// Shutdown terminates the child process and resolves every outstanding
// request with ErrClosed. Safe to call more than once.
func (t *Transport) Shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		for id, ch := range t.pending {
			close(ch)
			delete(t.pending, id)
		}
		t.mu.Unlock()

		_ = t.stdin.Close()
		if t.proc != nil {
			_ = t.proc.Kill()
		}
	})
}
