package core

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pkt.systems/pslog"
)

// flusher periodically persists dirty proxied sets. Each tick walks the
// registry once; the optional limiter spreads writes across the interval.
type flusher struct {
	m        *Manager
	interval time.Duration
	limiter  *rate.Limiter
	logger   pslog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newFlusher(m *Manager, interval time.Duration, perSecond float64, logger pslog.Logger) *flusher {
	f := &flusher{
		m:        m,
		interval: interval,
		logger:   logger,
	}
	if perSecond > 0 {
		burst := max(int(perSecond), 1)
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return f
}

func (f *flusher) start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(runCtx, f.done)
}

func (f *flusher) stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (f *flusher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	f.logger.Debug("core.flusher.start", "interval", f.interval)
	for {
		select {
		case <-ctx.Done():
			f.logger.Debug("core.flusher.stop")
			return
		case <-f.m.clock.After(f.interval):
			f.flushDirty(ctx)
		}
	}
}

// flushDirty persists every dirty proxied set and returns how many were
// written.
func (f *flusher) flushDirty(ctx context.Context) int {
	flushed := 0
	for _, d := range f.m.registry.Snapshot("") {
		if d.cfg.Mode != Proxied || !d.dirty.Load() || d.State() != StateActive {
			continue
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return flushed
			}
		}
		if err := f.m.flushActive(ctx, d, "periodic"); err != nil {
			f.logger.Warn("core.flusher.failed", "set", d.name, "error", err)
			continue
		}
		flushed++
	}
	if flushed > 0 {
		f.logger.Trace("core.flusher.tick", "flushed", flushed)
	}
	return flushed
}
