package hlld

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"pkt.systems/hlld/internal/storage"
	"pkt.systems/pslog"
)

// TestServer is a running Server bound to a loopback port.
type TestServer struct {
	Server *Server
	Config Config

	stop func(context.Context) error
}

// Stop shuts the server down. Later calls return the first result.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the bound protocol address.
func (ts *TestServer) Addr() net.Addr {
	return ts.Server.ListenerAddr()
}

// Backend exposes the decorated storage backend used by the server.
func (ts *TestServer) Backend() storage.Backend {
	return ts.Server.backend
}

// Dial opens a protocol connection to the server.
func (ts *TestServer) Dial(ctx context.Context) (*LineClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ts.Addr().String())
	if err != nil {
		return nil, err
	}
	return &LineClient{conn: conn, r: bufio.NewReader(conn)}, nil
}

// LineClient is a minimal synchronous protocol client.
type LineClient struct {
	conn net.Conn
	r    *bufio.Reader
}

// Do sends one command line and returns the complete response. List and info
// responses include their START and END lines.
func (c *LineClient) Do(line string) (string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		next, err := c.r.ReadString('\n')
		b.WriteString(next)
		if err != nil {
			return b.String(), err
		}
		// A block starts with START; anything else is a one-line reply.
		if !strings.HasPrefix(b.String(), "START\n") || next == "END\n" {
			return b.String(), nil
		}
	}
}

// Close closes the connection.
func (c *LineClient) Close() error {
	return c.conn.Close()
}

// tbWriter forwards log lines to a test, dropping output once the test ends.
type tbWriter struct {
	mu   sync.Mutex
	tb   testing.TB
	done bool
}

func (w *tbWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		for line := range bytes.SplitSeq(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
			w.tb.Log(string(line))
		}
	}
	return len(p), nil
}

func (w *tbWriter) finish() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger that writes through tb.
// NoLevel logs everything.
func NewTestingLogger(tb testing.TB, level pslog.Level) pslog.Logger {
	w := &tbWriter{tb: tb}
	tb.Cleanup(w.finish)
	if level == pslog.NoLevel {
		level = pslog.TraceLevel
	}
	return pslog.NewWithOptions(context.Background(), w, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	}).With("app", "hlld-test")
}

type testServerOptions struct {
	cfg      Config
	mutators []func(*Config)
	server   []Option
	tb       testing.TB
	level    pslog.Level
}

// TestServerOption customises NewTestServer and StartTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration. Unset fields are
// defaulted by validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) { o.cfg = cfg }
}

// WithTestConfigFunc mutates the configuration before the server starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) { o.mutators = append(o.mutators, fn) }
}

// WithTestStore sets the storage URL.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) { cfg.Store = store })
}

// WithTestBackend injects a pre-built backend.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) { o.server = append(o.server, WithBackend(backend)) }
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.server = append(o.server, WithLogger(logger)) }
}

// WithTestLoggerFromTB routes server logs at level and above to tb.
func WithTestLoggerFromTB(tb testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.tb = tb
		o.level = level
	}
}

// NewTestServer starts a server on 127.0.0.1:0 backed by mem:// unless the
// options say otherwise. The server stops when ctx ends or Stop is called.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	var o testServerOptions
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg.Store == "" {
		cfg.Store = "mem://"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	for _, mutate := range o.mutators {
		mutate(&cfg)
	}
	serverOpts := o.server
	if o.tb != nil {
		serverOpts = append([]Option{WithLogger(NewTestingLogger(o.tb, o.level))}, serverOpts...)
	}
	srv, stop, err := StartServer(ctx, cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	return &TestServer{Server: srv, Config: srv.Config(), stop: stop}, nil
}

// StartTestServer calls NewTestServer, failing tb on error, and stops the
// server during cleanup.
func StartTestServer(tb testing.TB, opts ...TestServerOption) *TestServer {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ts, err := NewTestServer(ctx, opts...)
	if err != nil {
		cancel()
		tb.Fatalf("start test server: %v", err)
	}
	tb.Cleanup(func() {
		defer cancel()
		if err := ts.Stop(context.Background()); err != nil {
			tb.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
