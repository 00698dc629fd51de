// ABOUTME: Temporary localhost HTTP listener that captures the OAuth redirect.
// ABOUTME: Resolves exactly once with a code/state pair, a denial, or a timeout.

package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Sentinel errors for callback outcomes.
var (
	// ErrCallbackTimeout means no redirect arrived before the listener's lifetime ended.
	ErrCallbackTimeout = errors.New("oauth callback timed out")

	// ErrCallbackDenied means the authorization server redirected with an error.
	ErrCallbackDenied = errors.New("authorization denied")

	// ErrCallbackInvalid means the redirect was missing the code or state parameter.
	ErrCallbackInvalid = errors.New("missing code or state in oauth callback")
)

// DefaultLifetime is how long the listener waits for the redirect.
const DefaultLifetime = 2 * time.Minute

// CallbackResult is the code/state pair captured from a successful redirect.
type CallbackResult struct {
	Code  string
	State string
}

// ListenOptions configures a callback listener.
type ListenOptions struct {
	Logger   *slog.Logger
	Lifetime time.Duration // defaults to DefaultLifetime
}

// Listener is a single-use localhost HTTP server waiting for the OAuth
// redirect at /oauth/callback. It resolves at most once.
type Listener struct {
	port   int
	srv    *http.Server
	logger *slog.Logger
	timer  *time.Timer

	once   sync.Once
	done   chan struct{}
	result CallbackResult
	err    error
}

// Listen binds an ephemeral port on 127.0.0.1 and starts serving. The
// listener shuts itself down after the first redirect or when its lifetime
// expires.
func Listen(opts ListenOptions) (*Listener, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "oauth")

	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding callback listener: %w", err)
	}

	l := &Listener{
		port:   ln.Addr().(*net.TCPAddr).Port,
		logger: logger,
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/callback", l.handleCallback)
	l.srv = &http.Server{Handler: mux}

	l.timer = time.AfterFunc(lifetime, func() {
		l.resolve(CallbackResult{}, ErrCallbackTimeout)
	})

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Debug("callback listener stopped", "error", err)
		}
	}()

	logger.Info("oauth callback listener started",
		"url", fmt.Sprintf("http://127.0.0.1:%d/oauth/callback", l.port))

	return l, nil
}

// Port returns the bound local port.
func (l *Listener) Port() int {
	return l.port
}

// RedirectURL returns the full callback URL to register with the
// authorization server.
func (l *Listener) RedirectURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/oauth/callback", l.port)
}

// Wait blocks until the listener resolves or ctx is done.
func (l *Listener) Wait(ctx context.Context) (CallbackResult, error) {
	select {
	case <-l.done:
		return l.result, l.err
	case <-ctx.Done():
		return CallbackResult{}, ctx.Err()
	}
}

// Close resolves the listener with a timeout outcome if it hasn't resolved
// yet and releases the port.
func (l *Listener) Close() {
	l.resolve(CallbackResult{}, ErrCallbackTimeout)
}

// resolve records the outcome exactly once and tears the server down.
func (l *Listener) resolve(result CallbackResult, err error) {
	l.once.Do(func() {
		l.result = result
		l.err = err
		close(l.done)
		l.timer.Stop()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l.srv.Shutdown(ctx)
		}()
	})
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch {
	case q.Get("error") != "":
		l.resolve(CallbackResult{}, fmt.Errorf("%w: %s: %s",
			ErrCallbackDenied, q.Get("error"), q.Get("error_description")))
	case q.Get("code") != "" && q.Get("state") != "":
		l.resolve(CallbackResult{Code: q.Get("code"), State: q.Get("state")}, nil)
	default:
		l.resolve(CallbackResult{}, ErrCallbackInvalid)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, callbackPage)
}

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>MCP Gateway</title></head>
<body style="font-family: system-ui, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #1a1a2e; color: #e0e0e0;">
<div style="text-align: center;">
<h1 style="font-size: 1.5rem; margin-bottom: 0.5rem;">Authorization Complete</h1>
<p>You can close this tab and return to the gateway.</p>
</div>
</body>
</html>`
