package hlld

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/hlld/internal/clock"
	"pkt.systems/hlld/internal/connguard"
	"pkt.systems/hlld/internal/core"
	"pkt.systems/hlld/internal/correlation"
	"pkt.systems/hlld/internal/loggingutil"
	"pkt.systems/hlld/internal/protocol"
	"pkt.systems/hlld/internal/storage"
	"pkt.systems/pslog"
)

// Server wraps the TCP listener, set manager, storage backend, and supporting
// components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	manager      *core.Manager
	dispatcher   *protocol.Dispatcher
	guard        *connguard.Guard
	clock        clock.Clock
	telemetry    *telemetryBundle
	listener     net.Listener
	lastServeErr error

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	shutdown  bool
	conns     map[net.Conn]struct{}
	connWG    sync.WaitGroup
	serveDone chan struct{}
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The server
// takes ownership and closes it on shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs an hlld server according to cfg.
// Example:
//
//	cfg := hlld.Config{Store: "disk:///var/lib/hlld", Listen: ":4553"}
//	srv, err := hlld.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	telemetry, err := setupTelemetry(context.Background(), telemetryConfigFrom(cfg), loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
	}
	backend := o.Backend
	if backend == nil {
		backend, err = OpenBackend(cfg)
		if err != nil {
			shutdownTelemetry()
			return nil, err
		}
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	backend = wrapBackend(cfg, backend, logger, serverClock)

	manager, err := core.New(core.Config{
		Store:            backend,
		Logger:           logger,
		Clock:            serverClock,
		Defaults:         cfg.SetDefaults(),
		ClosedPolicy:     core.ClosedPolicy(cfg.ClosedPolicy),
		FlushInterval:    cfg.FlushInterval,
		FlushRate:        cfg.FlushRate,
		FlushConcurrency: cfg.FlushConcurrency,
		VacuumInterval:   cfg.VacuumInterval,
		VacuumGrace:      cfg.VacuumGrace,
		VacuumQueue:      cfg.VacuumQueue,
	})
	if err != nil {
		_ = backend.Close()
		shutdownTelemetry()
		return nil, err
	}
	guard := connguard.New(connguard.Config{
		Enabled:          cfg.ConnguardEnabled,
		FailureThreshold: cfg.ConnguardFailureThreshold,
		FailureWindow:    cfg.ConnguardFailureWindow,
		BlockDuration:    cfg.ConnguardBlockDuration,
	}, logger)

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     loggingutil.WithSubsystem(logger, "server.lifecycle.core"),
		backend:    backend,
		manager:    manager,
		dispatcher: protocol.NewDispatcher(manager, logger),
		guard:      guard,
		clock:      serverClock,
		telemetry:  telemetry,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		conns:      make(map[net.Conn]struct{}),
		serveDone:  make(chan struct{}),
		readyCh:    make(chan struct{}),
	}, nil
}

// Config returns the validated configuration the server runs with.
func (s *Server) Config() Config {
	return s.cfg
}

// Manager exposes the set manager backing the server.
func (s *Server) Manager() *core.Manager {
	return s.manager
}

// Start recovers stored sets, binds the listener and serves connections until
// Shutdown is called.
func (s *Server) Start() error {
	defer close(s.serveDone)
	loaded, err := s.manager.Load(s.baseCtx)
	if err != nil {
		return fmt.Errorf("load sets: %w", err)
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.manager.Start(s.baseCtx)
	s.signalReady()
	s.logger.Info("listening",
		"network", "tcp",
		"address", ln.Addr().String(),
		"store", s.cfg.Store,
		"sets_loaded", loaded,
		"closed_policy", string(s.manager.Policy()),
	)
	err = s.serve(s.guard.WrapListener(ln))
	s.recordServeErr(err)
	return err
}

func (s *Server) serve(ln net.Listener) error {
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, time.Second)
				s.logger.Warn("accept.retry", "error", err, "delay", tempDelay)
				if clock.Sleep(s.baseCtx, s.clock, tempDelay) != nil {
					return nil
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0
		if !s.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()
	id := correlation.Generate()
	remote := conn.RemoteAddr()
	logger := s.logger.With("conn", id, "remote", remote.String())
	ctx := correlation.Set(s.baseCtx, id)
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Debug("conn.open")
	err := s.dispatcher.ServeConn(ctx, conn, protocol.ConnConfig{
		MaxLine:     s.cfg.MaxLine,
		IdleTimeout: s.cfg.IdleTimeout,
	})
	switch {
	case err == nil:
		logger.Debug("conn.close")
	case errors.Is(err, protocol.ErrMalformedCommand):
		blocked := s.guard.ReportFailure(remote, "malformed_command")
		logger.Warn("conn.close.malformed", "error", err, "blocked", blocked)
	default:
		logger.Debug("conn.close.error", "error", err)
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.connWG.Done()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown stops accepting connections, drains in-flight commands, flushes
// every proxied set and releases the backend.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	// Unblock readers; in-flight commands finish before their goroutines exit.
	s.baseCancel()

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-drained
	}

	var errs []error
	flushCtx := ctx
	if flushCtx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := s.manager.Close(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("close manager: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(flushCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if len(errs) > 0 {
		s.logger.Warn("shutdown.incomplete", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	s.logger.Info("shutdown.complete")
	return nil
}

// Close shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.serveDone:
		if err := s.LastServeError(); err != nil {
			return err
		}
		return errors.New("server stopped before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once the server is ready.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the Prometheus listener address when metrics are enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error that ended the accept loop, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts an hlld server in a background goroutine, waits for it
// to bind, and returns a stop function that shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
