// Package app provides application lifecycle management for the offsync
// proxy: one cache session served over HTTP with graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	httpapi "github.com/offsync/offsync/internal/api/http"
	"github.com/offsync/offsync/internal/config"
	"github.com/offsync/offsync/internal/server"
)

// App manages the proxy lifecycle.
type App struct {
	cfg     *config.Config
	session *Session

	shutdown *server.ShutdownManager
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New opens the cache session described by cfg.
func New(ctx context.Context, cfg *config.Config, opts ...SessionOption) (*App, error) {
	session, err := OpenSession(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	shutdownConfig := server.DefaultShutdownConfig()
	if cfg.HTTP.ShutdownTimeout > 0 {
		shutdownConfig.ShutdownTimeout = cfg.HTTP.ShutdownTimeout
		shutdownConfig.DrainTimeout = cfg.HTTP.ShutdownTimeout / 2
	}
	shutdownConfig.Logger = session.Logger()

	return &App{
		cfg:      cfg,
		session:  session,
		shutdown: server.NewShutdownManager(shutdownConfig),
	}, nil
}

// Session returns the cache session the app serves.
func (a *App) Session() *Session { return a.session }

// Handler builds the proxy's HTTP handler: admin and metrics endpoints, with
// every other path proxied through the interceptor.
func (a *App) Handler() http.Handler {
	logger := a.session.Logger()

	var upstream httpapi.Binder
	if c := a.session.Upstream(); c != nil {
		upstream = c
	}

	mux := http.NewServeMux()
	httpapi.NewAdminHandler(a.session).Register(mux)
	if a.cfg.Metrics.Enabled {
		mux.Handle("GET "+a.cfg.Metrics.Path, a.session.Metrics().Handler())
	}
	mux.Handle("/", httpapi.NewProxyHandler(a.session.Interceptor(), upstream, logger))

	return httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.DefaultMiddleware(logger),
	)(mux)
}

// Start binds the listen address and starts serving.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	// Closers run LIFO: the server stops before the session closes.
	a.shutdown.RegisterCloser(a.session)
	a.shutdown.RegisterCloser(server.HTTPServerCloser(a.server, a.cfg.HTTP.ShutdownTimeout))

	logger := a.session.Logger()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info("proxy listening", "addr", ln.Addr().String(), "upstream", a.cfg.Upstream.BaseURL)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("proxy server error", "error", err)
		}
	}()

	a.running = true
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends,
// then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.wg.Wait()
	return err
}

// Stop gracefully stops serving and closes the session.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()

	if !running {
		return a.session.Close()
	}
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	return err
}
