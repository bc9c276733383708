package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/offsync/offsync/internal/config"
	"github.com/offsync/offsync/internal/connectivity"
	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/gate"
	"github.com/offsync/offsync/internal/interceptor"
	"github.com/offsync/offsync/internal/observability"
	"github.com/offsync/offsync/internal/policy"
	"github.com/offsync/offsync/internal/remote"
	"github.com/offsync/offsync/internal/snapshot"
	"github.com/offsync/offsync/internal/storage"
	"github.com/offsync/offsync/internal/store"
	"github.com/offsync/offsync/pkg/types"
)

// filterStatsWindow is how long unused filter statistics are kept.
const filterStatsWindow = 24 * time.Hour

// ErrStaticConnectivity is returned when connectivity is toggled while it is
// being probed.
var ErrStaticConnectivity = errors.New("connectivity is probed; set connectivity.mode to online or offline to toggle it")

// Session is one cache subsystem: a store, its gate, the policy and the
// interceptor in front of it, plus the upstream client and snapshot exporter.
type Session struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	metrics   *observability.Metrics

	store       *store.SQLiteStore
	oracle      connectivity.Oracle
	toggle      *connectivity.Static
	gate        *gate.Gate
	interceptor *interceptor.Interceptor
	remote      *remote.Client
	snapshots   *snapshot.Exporter

	closeOnce sync.Once
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger replaces the logger built from the log configuration.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithMetrics replaces the metrics registry.
func WithMetrics(m *observability.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// OpenSession resolves and validates cfg and builds a session from it.
func OpenSession(ctx context.Context, cfg *config.Config, opts ...SessionOption) (*Session, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	s := &Session{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger, s.logCloser = observability.NewLogger(cfg.Log)
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}

	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) init(ctx context.Context) error {
	storeOpts := []store.Option{store.WithLogger(s.logger), store.WithMetrics(s.metrics)}
	if s.cfg.Store.AutoIndexThreshold > 0 {
		storeOpts = append(storeOpts, store.WithAutoIndex(observability.NewFilterStats(filterStatsWindow), s.cfg.Store.AutoIndexThreshold))
	}
	st, err := store.Open(s.cfg.Store.Path, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st
	s.logger.Info("store opened", "path", s.cfg.Store.Path)

	s.oracle = s.newOracle()

	if s.cfg.Upstream.BaseURL != "" {
		s.remote, err = remote.New(s.cfg.Upstream.BaseURL,
			remote.WithTimeout(s.cfg.Upstream.Timeout),
			remote.WithForwardHeaders(s.cfg.Upstream.ForwardHeaders),
			remote.WithMaxResponseBytes(s.cfg.Upstream.MaxResponseBytes),
			remote.WithLogger(s.logger),
			remote.WithMetrics(s.metrics))
		if err != nil {
			return fmt.Errorf("failed to configure upstream: %w", err)
		}
	} else {
		s.logger.Warn("no upstream configured, serving from cache only")
	}

	p, err := policy.New(s.cfg.Policy.Name, policy.Deps{
		Store:     s.store,
		Oracle:    s.oracle,
		Cacheable: s.cfg.Cacheable,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})
	if err != nil {
		return err
	}
	s.gate = gate.New(s.metrics)
	s.interceptor = interceptor.New(s.gate, p,
		interceptor.WithLogger(s.logger),
		interceptor.WithMetrics(s.metrics))

	objects, err := storage.Open(ctx, s.cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to open snapshot storage: %w", err)
	}
	s.snapshots = snapshot.NewExporter(s.store, objects,
		snapshot.WithKeep(s.cfg.Snapshot.Keep),
		snapshot.WithTempDir(s.cfg.DataDir),
		snapshot.WithLogger(s.logger))

	s.logger.Info("cache session ready",
		"policy", s.cfg.Policy.Name,
		"connectivity", s.cfg.Connectivity.Mode,
		"upstream", s.cfg.Upstream.BaseURL)
	return nil
}

func (s *Session) newOracle() connectivity.Oracle {
	switch s.cfg.Connectivity.Mode {
	case config.ConnectivityOnline, config.ConnectivityOffline:
		s.toggle = connectivity.NewStatic(s.cfg.Connectivity.Mode == config.ConnectivityOnline)
		s.metrics.SetOnline(s.cfg.Connectivity.Mode == config.ConnectivityOnline)
		return s.toggle
	default:
		probe := connectivity.NewProbe(s.cfg.Connectivity.ProbeURL, s.cfg.Connectivity.ProbeTimeout,
			connectivity.WithLogger(s.logger))
		return connectivity.Observed(probe, s.metrics.SetOnline)
	}
}

// Config returns the resolved configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Metrics returns the metrics registry.
func (s *Session) Metrics() *observability.Metrics { return s.metrics }

// Interceptor returns the entry point for table operations.
func (s *Session) Interceptor() *interceptor.Interceptor { return s.interceptor }

// Upstream returns the upstream client, or nil when none is configured.
func (s *Session) Upstream() *remote.Client { return s.remote }

// Online reports the connectivity oracle's current answer.
func (s *Session) Online(ctx context.Context) bool { return s.oracle.Online(ctx) }

// SetOnline toggles connectivity in online or offline mode.
func (s *Session) SetOnline(online bool) error {
	if s.toggle == nil {
		return ErrStaticConnectivity
	}
	s.toggle.Set(online)
	s.metrics.SetOnline(online)
	s.logger.Info("connectivity toggled", "online", online)
	return nil
}

// Tables lists the cached tables the policy is configured to cache.
func (s *Session) Tables(ctx context.Context) ([]string, error) {
	var tables []string
	err := s.gate.Do(ctx, func(ctx context.Context) error {
		all, err := s.store.Tables(ctx)
		tables = lo.Filter(all, func(t string, _ int) bool { return s.cfg.Cacheable(t) })
		return err
	})
	return tables, err
}

// SchemaHistory returns the recorded schema versions of table, oldest first.
func (s *Session) SchemaHistory(ctx context.Context, table string) ([]store.SchemaVersion, error) {
	var versions []store.SchemaVersion
	err := s.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		versions, err = s.store.SchemaVersions(ctx, table)
		return err
	})
	return versions, err
}

// Pending lists the records of table awaiting replay.
func (s *Session) Pending(ctx context.Context, table string) ([]*types.Record, error) {
	return s.interceptor.Pending(ctx, table)
}

// Push replays pending records of tables, or of every cached table when
// tables is empty. header supplies forwarded headers such as Authorization.
func (s *Session) Push(ctx context.Context, tables []string, header http.Header) ([]policy.PushReport, error) {
	if s.remote == nil {
		return nil, offerr.NewRemoteUnreachable("no upstream configured", nil)
	}
	if len(tables) == 0 {
		var err error
		if tables, err = s.Tables(ctx); err != nil {
			return nil, err
		}
	}
	bound := s.remote.Bind(http.MethodPost, &url.URL{Path: "/tables"}, header)
	return s.interceptor.PushAll(ctx, tables, bound)
}

// Snapshot exports the store. The gate is held for the copy so the image
// reflects a quiescent store.
func (s *Session) Snapshot(ctx context.Context) (snapshot.Info, error) {
	var info snapshot.Info
	err := s.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = s.snapshots.Export(ctx)
		return err
	})
	return info, err
}

// Snapshots lists stored snapshots, oldest first.
func (s *Session) Snapshots(ctx context.Context) ([]snapshot.Info, error) {
	return s.snapshots.List(ctx)
}

// Close releases the store and the log file.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.store != nil {
			err = s.store.Close()
		}
		if s.logCloser != nil {
			s.logCloser.Close()
		}
	})
	return err
}

// RestoreSnapshot replaces the store file described by cfg with the named
// snapshot, or the newest one when name is empty. No session may have the
// store open.
func RestoreSnapshot(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger) (snapshot.Info, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return snapshot.Info{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return snapshot.Info{}, fmt.Errorf("failed to create directories: %w", err)
	}
	objects, err := storage.Open(ctx, cfg.Snapshot)
	if err != nil {
		return snapshot.Info{}, fmt.Errorf("failed to open snapshot storage: %w", err)
	}
	exp := snapshot.NewExporter(nil, objects, snapshot.WithTempDir(cfg.DataDir), snapshot.WithLogger(logger))
	return exp.Restore(ctx, name, cfg.Store.Path)
}
