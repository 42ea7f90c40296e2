// Package server exposes the HTTP surface of packd: compilation creation,
// preview rendering, asset serving, and the per-compilation live-reload
// channel.
//
// The server owns one registry and one in-memory asset store; both live
// exactly as long as the server instance. Nothing is persisted across
// restarts by design.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/packd-dev/packd/internal/assets"
	"github.com/packd-dev/packd/internal/compilation"
	"github.com/packd-dev/packd/internal/config"
	pkderrors "github.com/packd-dev/packd/internal/errors"
	"github.com/packd-dev/packd/internal/logging"
	"github.com/packd-dev/packd/internal/preview"
	"github.com/packd-dev/packd/internal/registry"
)

// Server is a compilation preview server instance.
type Server struct {
	config   *config.Config
	logger   logging.Logger
	store    *assets.Store
	registry *registry.Registry
	reload   *reloadHub

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	started    bool
	closed     bool
}

// New creates a server with its own registry and asset store.
func New(cfg *config.Config, logger logging.Logger) *Server {
	store := assets.NewStore()

	return &Server{
		config:   cfg,
		logger:   logger.WithComponent("server"),
		store:    store,
		registry: registry.New(store, cfg.Build, logger),
		reload:   newReloadHub(logger),
	}
}

// Registry returns the server's compilation registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Listen binds the HTTP listener and starts serving in the background,
// returning once the listener is bound. The default bind is an ephemeral
// port on a loopback address.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	host := s.config.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.config.Server.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: s.routes()}
	s.started = true

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(context.Background(), err, "http server stopped")
		}
	}()

	s.logger.Info(ctx, "listening", "addr", listener.Addr().String())
	return nil
}

// ServerURL returns the base URL of the bound listener. Calling it before
// Listen is a PreconditionError.
func (s *Server) ServerURL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return "", pkderrors.NewPreconditionError("ServerURL")
	}
	return "http://" + s.listener.Addr().String(), nil
}

// Close disposes every compilation, clears the registry, and shuts the
// listener down. Calling Close on a never-started server is a
// PreconditionError; a second Close is a no-op.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return pkderrors.NewPreconditionError("Close")
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	httpServer := s.httpServer
	s.mu.Unlock()

	s.registry.Clear()
	s.reload.closeAll()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	s.logger.Info(ctx, "server closed")
	return nil
}

// Compile is the in-process equivalent of POST /compilation: it creates a
// compilation, runs its first build, and registers it. The returned
// record's preview URL is valid once Listen has resolved.
func (s *Server) Compile(entries []string, opts preview.Options) (*registry.Record, error) {
	// The reload wiring goes in before the first build, so rebuilds the
	// watcher triggers in the meantime are not lost.
	return s.registry.Request(entries, opts, func(id string, m *compilation.Manifest) {
		s.reload.broadcast(id, m.Sequence)
	})
}

// Use mounts a custom handler under one compilation's preview prefix. The
// handler is consulted for asset paths the build did not emit, with the
// preview prefix stripped from the request path.
func (s *Server) Use(id string, handler http.Handler) error {
	record, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("unknown compilation: %s", id)
	}

	record.Mount(handler)
	return nil
}

// routes assembles the HTTP mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/compilation", s.handleCreate)
	mux.HandleFunc("/compilation/", s.handleCompilation)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}
