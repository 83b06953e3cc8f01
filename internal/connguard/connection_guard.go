// Package connguard blocks remote hosts that repeatedly misbehave on the
// protocol port.
package connguard

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"pkt.systems/hlld/internal/clock"
	"pkt.systems/hlld/internal/loggingutil"
	"pkt.systems/pslog"
)

// Config controls connection-level protection applied before a connection
// reaches the command dispatcher.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of violations within FailureWindow that
	// blocks a host. Zero disables blocking.
	FailureThreshold int
	FailureWindow    time.Duration
	BlockDuration    time.Duration
}

const (
	defaultFailureWindow = 10 * time.Second
	defaultBlockDuration = 5 * time.Minute
)

// host tracks one remote address.
type host struct {
	failures     []time.Time
	blockedUntil time.Time
}

func (h *host) blocked(now time.Time) bool {
	return now.Before(h.blockedUntil)
}

// Guard counts protocol violations per remote host and refuses connections
// from hosts that cross the threshold.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	hosts map[string]*host
}

// Option customises a Guard.
type Option func(*Guard)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// New constructs a guard.
func New(cfg Config, logger pslog.Logger, opts ...Option) *Guard {
	cfg.FailureThreshold = max(cfg.FailureThreshold, 0)
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaultFailureWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = defaultBlockDuration
	}
	g := &Guard{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "server.connguard"),
		clock:  clock.Real{},
		hosts:  make(map[string]*host),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) active() bool {
	return g != nil && g.cfg.Enabled
}

// WrapListener returns a listener that drops connections from blocked hosts.
// A disabled guard returns ln unchanged.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.active() || ln == nil {
		return ln
	}
	return &listener{Listener: ln, guard: g}
}

// ReportFailure records a violation by remote and reports whether the host
// is blocked afterwards.
func (g *Guard) ReportFailure(remote net.Addr, reason string) bool {
	if !g.active() || g.cfg.FailureThreshold == 0 {
		return false
	}
	addr, ok := hostOf(remote)
	if !ok {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.hosts[addr]
	if h == nil {
		h = &host{}
		g.hosts[addr] = h
	}
	if h.blocked(now) {
		return true
	}
	cutoff := now.Add(-g.cfg.FailureWindow)
	keep := 0
	for keep < len(h.failures) && h.failures[keep].Before(cutoff) {
		keep++
	}
	h.failures = append(h.failures[keep:], now)
	if len(h.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious",
			"remote", addr,
			"reason", reason,
			"count", len(h.failures),
			"threshold", g.cfg.FailureThreshold,
		)
		return false
	}
	h.failures = nil
	h.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.logger.Warn("connguard.blocked",
		"remote", addr,
		"reason", reason,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
	)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// released as a side effect.
func (g *Guard) Blocked(remote net.Addr) bool {
	if !g.active() {
		return false
	}
	addr, ok := hostOf(remote)
	if !ok {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.hosts[addr]
	switch {
	case h == nil || h.blockedUntil.IsZero():
		return false
	case h.blocked(now):
		return true
	}
	h.blockedUntil = time.Time{}
	if len(h.failures) == 0 {
		delete(g.hosts, addr)
	}
	g.logger.Info("connguard.released", "remote", addr)
	return false
}

// hostOf strips the port so every connection from one host shares state.
func hostOf(remote net.Addr) (string, bool) {
	if remote == nil {
		return "", false
	}
	if tcp, ok := remote.(*net.TCPAddr); ok {
		if ip, ok := netip.AddrFromSlice(tcp.IP); ok {
			return ip.Unmap().String(), true
		}
	}
	raw := remote.String()
	if h, _, err := net.SplitHostPort(raw); err == nil {
		raw = h
	}
	return raw, raw != ""
}

type listener struct {
	net.Listener
	guard *Guard
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !l.guard.Blocked(conn.RemoteAddr()) {
			return conn, nil
		}
		l.guard.logger.Debug("connguard.rejected", "remote", conn.RemoteAddr().String())
		_ = conn.Close()
	}
}
