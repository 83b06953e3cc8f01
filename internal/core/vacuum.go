package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/hlld/internal/clock"
)

// vacuum reclaims dropped sets off the request path. Drops arrive through a
// bounded queue; a periodic sweep picks up anything the queue missed or that
// was still inside its grace period.
type vacuum struct {
	m        *Manager
	queue    chan *Descriptor
	interval time.Duration
	grace    time.Duration
	logger   pslog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newVacuum(m *Manager, queue int, interval, grace time.Duration, logger pslog.Logger) *vacuum {
	if queue <= 0 {
		queue = DefaultVacuumQueue
	}
	if interval <= 0 {
		interval = DefaultVacuumInterval
	}
	if grace < 0 {
		grace = 0
	}
	return &vacuum{
		m:        m,
		queue:    make(chan *Descriptor, queue),
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

func (v *vacuum) start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.cancel = cancel
	v.done = make(chan struct{})
	go v.run(runCtx, v.done)
}

func (v *vacuum) stop() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.cancel, v.done = nil, nil
	v.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// enqueue hands d to the worker without blocking. A full queue leaves d to
// the next sweep.
func (v *vacuum) enqueue(ctx context.Context, d *Descriptor) {
	select {
	case v.queue <- d:
	default:
		v.m.metrics.recordQueueFull(ctx)
		v.logger.Debug("core.vacuum.queue_full", "set", d.name)
	}
}

func (v *vacuum) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	v.logger.Debug("core.vacuum.start", "interval", v.interval, "grace", v.grace)
	timer := v.m.clock.After(v.interval)
	for {
		select {
		case <-ctx.Done():
			v.logger.Debug("core.vacuum.stop")
			return
		case d := <-v.queue:
			v.reclaim(ctx, d, false)
		case <-timer:
			v.sweep(ctx, false)
			timer = v.m.clock.After(v.interval)
		}
	}
}

// sweep reclaims every dropped set that is due and reports how many were
// reclaimed. force ignores the grace period.
func (v *vacuum) sweep(ctx context.Context, force bool) int {
	reclaimed := 0
	for _, d := range v.m.registry.Snapshot("") {
		if d.State() != StateDeleting {
			continue
		}
		if v.reclaim(ctx, d, force) {
			reclaimed++
		}
	}
	return reclaimed
}

// reclaim waits for d's in-flight operations to finish, removes its stored
// snapshot and unregisters it. It returns false when d is not due yet, is
// already being reclaimed, or storage deletion failed.
func (v *vacuum) reclaim(ctx context.Context, d *Descriptor, force bool) bool {
	if !d.reclaiming.CompareAndSwap(false, true) {
		return false
	}
	defer d.reclaiming.Store(false)

	d.mu.Lock()
	if d.State() != StateDeleting {
		d.mu.Unlock()
		return false
	}
	if !force && v.grace > 0 && clock.Since(v.m.clock, d.droppedAt) < v.grace {
		d.mu.Unlock()
		return false
	}
	for d.refs > 0 {
		d.cond.Wait()
	}
	d.mu.Unlock()

	if d.cfg.Mode == Proxied {
		if err := v.m.store.remove(ctx, d.name); err != nil {
			v.logger.Warn("core.vacuum.delete_failed", "set", d.name, "instance", d.instance, "error", err)
			return false
		}
	}

	d.mu.Lock()
	d.sketch = nil
	d.setStateLocked(StateDeleted)
	d.mu.Unlock()
	v.m.registry.Remove(d.name, d)
	v.m.metrics.recordReclaim(ctx)
	v.logger.Debug("core.vacuum.reclaimed", "set", d.name, "instance", d.instance)
	return true
}
