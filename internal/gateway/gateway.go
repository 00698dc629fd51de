// ABOUTME: Gateway orchestration: listeners, HTTP server lifecycle, shutdown.
// ABOUTME: Supports plain TCP on localhost or a Tailscale tsnet node.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/mcp-gateway/internal/backend"
	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/oauth"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/store"
)

// connectFunc spawns and hands back a live backend connection. Tests inject
// a stub implementation.
type connectFunc func(ctx context.Context, srv *store.Server) (backend.Conn, error)

// PortNotifier is called once the HTTP listener is bound, with the local
// port. External tooling uses it to rewrite client configs that embed the
// gateway's address.
type PortNotifier func(port int)

// runtimeState tracks whether the gateway is serving and on which port.
type runtimeState struct {
	mu      sync.RWMutex
	running bool
	port    int
}

func (s *runtimeState) set(running bool, port int) {
	s.mu.Lock()
	s.running = running
	s.port = port
	s.mu.Unlock()
}

func (s *runtimeState) get() (bool, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running, s.port
}

// Gateway is the running service.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *backend.Registry
	proxyServer *proxy.Server
	tokens      *oauth.TokenStore
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	state   runtimeState
	connect connectFunc
	onPort  PortNotifier
}

// Options configures optional Gateway behavior.
type Options struct {
	// OnPort is invoked once the listener is bound.
	OnPort PortNotifier
}

// New builds a gateway from configuration. The store is opened and routes
// are mounted; nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry := backend.NewRegistry(logger)

	proxyServer, err := proxy.NewServer(proxy.Config{
		Store:    st,
		Registry: registry,
		Logger:   logger,
		Mode:     cfg.Proxy.Mode,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	g := &Gateway{
		config:      cfg,
		store:       st,
		registry:    registry,
		proxyServer: proxyServer,
		tokens:      oauth.NewTokenStore(),
		logger:      logger.With("component", "gateway"),
		onPort:      opts.OnPort,
	}
	g.connect = g.spawnBackend

	mux := http.NewServeMux()
	proxyServer.RegisterRoutes(mux)
	g.registerAPIRoutes(mux)
	g.registerOAuthRoutes(mux)
	mux.HandleFunc("GET /health", g.handleHealth)
	g.httpServer = &http.Server{Handler: mux}

	return g, nil
}

// spawnBackend is the default connectFunc: it spawns the server's process
// and completes the MCP handshake.
func (g *Gateway) spawnBackend(ctx context.Context, srv *store.Server) (backend.Conn, error) {
	return backend.Connect(ctx, backend.ConnectOptions{
		Command:        srv.Command,
		Args:           srv.Args,
		Env:            srv.Env,
		Logger:         g.logger.With("server", srv.Name),
		RequestTimeout: g.config.Proxy.RequestTimeout,
	})
}

// Run starts the gateway and blocks until ctx is canceled or the server
// fails. Enabled servers are connected after the listener is up.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	g.state.set(true, port)
	if g.onPort != nil {
		g.onPort(port)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	g.connectEnabledServers(ctx)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mcp-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on its :80.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, disconnects every backend, and closes the
// store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.state.set(false, 0)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
