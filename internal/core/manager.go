// Package core implements the set lifecycle: the registry of named sets, the
// per-set state machine, background flushing and reclamation of dropped sets.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"pkt.systems/hlld/internal/clock"
	"pkt.systems/hlld/internal/hll"
	"pkt.systems/hlld/internal/loggingutil"
	"pkt.systems/hlld/internal/storage"
	"pkt.systems/pslog"
)

// BatchSize is the number of keys applied per reference acquisition during a
// bulk insert.
const BatchSize = 32

// ClosedPolicy decides what happens when a mutation targets a closed set.
type ClosedPolicy string

const (
	// ClosedReopen faults the stored sketch back into memory.
	ClosedReopen ClosedPolicy = "reopen"
	// ClosedReject fails the mutation with ErrSetDoesNotExist.
	ClosedReject ClosedPolicy = "reject"
)

// ParseClosedPolicy validates a policy name. Empty selects ClosedReopen.
func ParseClosedPolicy(raw string) (ClosedPolicy, error) {
	switch ClosedPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ClosedReopen:
		return ClosedReopen, nil
	case ClosedReject:
		return ClosedReject, nil
	default:
		return "", fmt.Errorf("core: unknown closed policy %q", raw)
	}
}

// Config wires the manager's collaborators.
type Config struct {
	// Store persists proxied sets. Required.
	Store storage.Backend
	// Registry defaults to NewRegistry().
	Registry Registry
	Logger   pslog.Logger
	Clock    clock.Clock
	// Defaults applies to create without options.
	Defaults     SetConfig
	ClosedPolicy ClosedPolicy

	// FlushInterval enables the periodic flusher when positive.
	FlushInterval time.Duration
	// FlushRate caps background flushes per second; zero is unlimited.
	FlushRate float64
	// FlushConcurrency bounds parallel flushes for flush-all and shutdown.
	FlushConcurrency int

	// VacuumInterval is the period of the reclamation sweep.
	VacuumInterval time.Duration
	// VacuumGrace delays reclamation after a drop.
	VacuumGrace time.Duration
	// VacuumQueue is the capacity of the drop hand-off queue.
	VacuumQueue int
}

// Default tuning values.
const (
	DefaultFlushConcurrency = 8
	DefaultVacuumInterval   = time.Second
	DefaultVacuumQueue      = 1024
)

// Manager owns every set and serialises their lifecycle transitions.
type Manager struct {
	store    *setStore
	registry Registry
	logger   pslog.Logger
	clock    clock.Clock
	defaults SetConfig
	policy   ClosedPolicy
	flushCap int
	metrics  *coreMetrics
	gauge    metric.Registration

	vacuum  *vacuum
	flusher *flusher

	startOnce sync.Once
	stopOnce  sync.Once
	closed    atomic.Bool
}

// New validates cfg and builds a manager. Call Load to recover stored sets and
// Start to launch the background workers.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("core: storage backend required")
	}
	defaults := cfg.Defaults
	if defaults.Precision == 0 {
		defaults = DefaultSetConfig()
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	policy, err := ParseClosedPolicy(string(cfg.ClosedPolicy))
	if err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	flushCap := cfg.FlushConcurrency
	if flushCap <= 0 {
		flushCap = DefaultFlushConcurrency
	}
	logger := loggingutil.Subsystem(cfg.Logger, "core", "manager")
	m := &Manager{
		store:    &setStore{backend: cfg.Store},
		registry: reg,
		logger:   logger,
		clock:    clk,
		defaults: defaults,
		policy:   policy,
		flushCap: flushCap,
	}
	m.metrics = newCoreMetrics(logger)
	m.gauge = m.metrics.registerRegistry(logger, reg)
	m.vacuum = newVacuum(m, cfg.VacuumQueue, cfg.VacuumInterval, cfg.VacuumGrace, loggingutil.Subsystem(cfg.Logger, "core", "vacuum"))
	if cfg.FlushInterval > 0 {
		m.flusher = newFlusher(m, cfg.FlushInterval, cfg.FlushRate, loggingutil.Subsystem(cfg.Logger, "core", "flusher"))
	}
	return m, nil
}

// Defaults returns the configuration applied to create without options.
func (m *Manager) Defaults() SetConfig { return m.defaults }

// Policy returns the closed-set policy in effect.
func (m *Manager) Policy() ClosedPolicy { return m.policy }

// Load registers every stored set as closed. It must run before Start and
// before any client traffic.
func (m *Manager) Load(ctx context.Context) (int, error) {
	headers, skipped, err := m.store.scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("core: scan stored sets: %w", err)
	}
	for _, key := range skipped {
		m.logger.Warn("core.load.skip", "key", key)
	}
	loaded := 0
	for _, hdr := range headers {
		instance := hdr.Instance
		if instance == "" {
			instance = newInstanceID()
		}
		created := time.Unix(hdr.Created, 0).UTC()
		if hdr.Created == 0 {
			created = m.clock.Now()
		}
		d := newDescriptor(hdr.Name, instance, hdr.config(), created, StateClosed)
		d.lastSize = hdr.Size
		d.sets.Store(hdr.Sets)
		if err := m.registry.Insert(d); err != nil {
			m.logger.Warn("core.load.duplicate", "set", hdr.Name, "error", err)
			continue
		}
		loaded++
	}
	m.logger.Info("core.load.complete", "sets", loaded, "skipped", len(skipped))
	return loaded, nil
}

// Start launches the vacuum and, when configured, the periodic flusher.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.vacuum.start(ctx)
		if m.flusher != nil {
			m.flusher.start(ctx)
		}
	})
}

// Close stops the background workers, flushes every dirty proxied set and
// rejects further mutations.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		if m.flusher != nil {
			m.flusher.stop()
		}
		m.vacuum.stop()
		if n := m.vacuum.sweep(ctx, true); n > 0 {
			m.logger.Info("core.vacuum.shutdown_reclaimed", "sets", n)
		}
		err = m.flushAll(ctx, "shutdown")
		if m.gauge != nil {
			if uerr := m.gauge.Unregister(); uerr != nil {
				m.logger.Debug("telemetry.metric.unregister_failed", "name", "hlld.sets", "error", uerr)
			}
		}
		m.logger.Info("core.manager.closed", "sets", m.registry.Len())
	})
	return err
}

// Create registers a new set and, for proxied sets, stores its initial empty
// snapshot.
func (m *Manager) Create(ctx context.Context, name string, cfg SetConfig) (err error) {
	defer func() { m.metrics.recordOp(ctx, "create", err) }()
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if !ValidName(name) {
		return ErrInvalidName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sk, err := hll.NewSliding(cfg.Precision, cfg.Window)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadOptions, err)
	}
	now := m.clock.Now()
	d := newDescriptor(name, newInstanceID(), cfg, now, StateCreating)
	d.transitioning = true
	d.refs = 1
	if err := m.registry.Insert(d); err != nil {
		return err
	}
	var saveErr error
	if cfg.Mode == Proxied {
		saveErr = m.store.save(ctx, d.header(0, now), nil)
	}
	d.mu.Lock()
	d.refs--
	d.transitioning = false
	if saveErr != nil {
		if d.State() == StateCreating {
			d.setStateLocked(StateDeleted)
			d.mu.Unlock()
			m.registry.Remove(name, d)
		} else {
			d.cond.Broadcast()
			d.mu.Unlock()
		}
		m.logger.Warn("core.create.persist_failed", "set", name, "error", saveErr)
		return fmt.Errorf("core: create %s: %w", name, saveErr)
	}
	if d.State() == StateCreating {
		d.sketch = sk
		d.setStateLocked(StateActive)
	} else {
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	m.logger.Debug("core.create", "set", name, "instance", d.instance, "precision", cfg.Precision, "mode", cfg.Mode.String())
	return nil
}

// Drop marks the set for deletion and hands it to the vacuum. It returns
// without waiting for in-flight operations or storage I/O.
func (m *Manager) Drop(ctx context.Context, name string) (err error) {
	defer func() { m.metrics.recordOp(ctx, "drop", err) }()
	d, ok := m.registry.Lookup(name)
	if !ok {
		return ErrSetDoesNotExist
	}
	d.mu.Lock()
	if d.State().gone() {
		d.mu.Unlock()
		return ErrSetDoesNotExist
	}
	d.droppedAt = m.clock.Now()
	d.setStateLocked(StateDeleting)
	d.mu.Unlock()
	m.vacuum.enqueue(ctx, d)
	m.logger.Debug("core.drop", "set", name, "instance", d.instance)
	return nil
}

// CloseSet drains in-flight operations, flushes a dirty proxied set and releases
// its sketch. Closing a closed set is a no-op.
func (m *Manager) CloseSet(ctx context.Context, name string) (err error) {
	defer func() { m.metrics.recordOp(ctx, "close", err) }()
	d, ok := m.registry.Lookup(name)
	if !ok {
		return ErrSetDoesNotExist
	}
	d.mu.Lock()
	switch d.waitSettledLocked() {
	case StateClosed:
		d.mu.Unlock()
		return nil
	case StateActive:
	default:
		d.mu.Unlock()
		return ErrSetDoesNotExist
	}
	d.transitioning = true
	d.setStateLocked(StateClosing)
	for d.refs > 0 && d.State() == StateClosing {
		d.cond.Wait()
	}
	if d.State() != StateClosing {
		d.transitioning = false
		d.cond.Broadcast()
		d.mu.Unlock()
		return nil
	}
	d.refs++
	sk := d.sketch
	d.mu.Unlock()

	var flushErr error
	if d.cfg.Mode == Proxied {
		flushErr = m.persist(ctx, d, sk, "close")
	}

	d.mu.Lock()
	d.refs--
	d.transitioning = false
	if d.State() != StateClosing {
		d.cond.Broadcast()
		d.mu.Unlock()
		return nil
	}
	if flushErr != nil {
		d.setStateLocked(StateActive)
		d.mu.Unlock()
		return fmt.Errorf("core: close %s: %w", name, flushErr)
	}
	if d.cfg.Mode == Proxied {
		d.lastSize = sk.Estimate()
	} else {
		d.lastSize = 0
	}
	size := d.lastSize
	d.sketch = nil
	d.setStateLocked(StateClosed)
	d.mu.Unlock()
	d.pageOuts.Add(1)
	m.metrics.recordPageOut(ctx)
	m.logger.Debug("core.close", "set", name, "size", size)
	return nil
}

// Clear resets a closed proxied set to an empty sketch while keeping its
// identity and configuration. The set stays closed.
func (m *Manager) Clear(ctx context.Context, name string) (err error) {
	defer func() { m.metrics.recordOp(ctx, "clear", err) }()
	d, ok := m.registry.Lookup(name)
	if !ok {
		return ErrSetDoesNotExist
	}
	d.mu.Lock()
	state := d.waitSettledLocked()
	if state.gone() {
		d.mu.Unlock()
		return ErrSetDoesNotExist
	}
	if state != StateClosed || d.cfg.Mode != Proxied {
		d.mu.Unlock()
		return ErrNotProxiedOrNotClosed
	}
	d.transitioning = true
	d.refs++
	d.mu.Unlock()

	d.sets.Store(0)
	saveErr := m.store.save(ctx, d.header(0, m.clock.Now()), nil)

	d.mu.Lock()
	d.refs--
	d.transitioning = false
	if saveErr == nil && d.State() == StateClosed {
		d.lastSize = 0
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	if saveErr != nil {
		return fmt.Errorf("core: clear %s: %w", name, saveErr)
	}
	m.logger.Debug("core.clear", "set", name)
	return nil
}

// Flush persists the set's sketch when it has unflushed changes.
func (m *Manager) Flush(ctx context.Context, name string) (err error) {
	defer func() { m.metrics.recordOp(ctx, "flush", err) }()
	d, ok := m.registry.Lookup(name)
	if !ok {
		return ErrSetDoesNotExist
	}
	d.mu.Lock()
	state := d.waitSettledLocked()
	d.mu.Unlock()
	if state.gone() {
		return ErrSetDoesNotExist
	}
	return m.flushActive(ctx, d, "command")
}

// FlushAll flushes every dirty proxied set with bounded parallelism. Per-set
// failures are logged and the first one is returned.
func (m *Manager) FlushAll(ctx context.Context) (err error) {
	defer func() { m.metrics.recordOp(ctx, "flush_all", err) }()
	return m.flushAll(ctx, "command")
}

func (m *Manager) flushAll(ctx context.Context, trigger string) error {
	var g errgroup.Group
	g.SetLimit(m.flushCap)
	for _, d := range m.registry.Snapshot("") {
		if d.cfg.Mode != Proxied || !d.dirty.Load() {
			continue
		}
		g.Go(func() error {
			if err := m.flushActive(ctx, d, trigger); err != nil {
				m.logger.Warn("core.flush.failed", "set", d.name, "trigger", trigger, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// flushActive persists d when it is active, proxied and dirty. Sets in
// transition or without a resident sketch are skipped.
func (m *Manager) flushActive(ctx context.Context, d *Descriptor, trigger string) error {
	if d.cfg.Mode != Proxied {
		return nil
	}
	d.mu.Lock()
	if d.transitioning || d.State() != StateActive {
		d.mu.Unlock()
		return nil
	}
	d.refs++
	sk := d.sketch
	d.mu.Unlock()
	defer d.release()
	return m.persist(ctx, d, sk, trigger)
}

// persist writes the snapshot of sk when d is dirty. The caller holds a
// reference on d.
func (m *Manager) persist(ctx context.Context, d *Descriptor, sk *hll.Sketch, trigger string) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	if !d.dirty.Swap(false) {
		return nil
	}
	start := m.clock.Now()
	payload, size := sk.Snapshot()
	err := m.store.save(ctx, d.header(size, start), payload)
	m.metrics.recordFlush(ctx, trigger, clock.Since(m.clock, start), err)
	if err != nil {
		d.dirty.Store(true)
		return err
	}
	d.mu.Lock()
	d.lastSize = size
	d.mu.Unlock()
	m.logger.Trace("core.flush", "set", d.name, "trigger", trigger, "size", size)
	return nil
}

// acquire returns an active descriptor holding a reference, faulting closed
// sets back in under the reopen policy. Callers must release the reference.
func (m *Manager) acquire(ctx context.Context, name string) (*Descriptor, *hll.Sketch, error) {
	if m.closed.Load() {
		return nil, nil, ErrManagerClosed
	}
	d, ok := m.registry.Lookup(name)
	if !ok {
		return nil, nil, ErrSetDoesNotExist
	}
	d.mu.Lock()
	for {
		switch d.waitSettledLocked() {
		case StateActive:
			d.refs++
			sk := d.sketch
			d.mu.Unlock()
			return d, sk, nil
		case StateClosed:
			if m.policy == ClosedReject {
				d.mu.Unlock()
				return nil, nil, ErrSetDoesNotExist
			}
			if err := m.reopenLocked(ctx, d); err != nil {
				d.mu.Unlock()
				return nil, nil, err
			}
		default:
			d.mu.Unlock()
			return nil, nil, ErrSetDoesNotExist
		}
	}
}

// reopenLocked loads the stored sketch of a closed set. It is entered and left
// with d.mu held.
func (m *Manager) reopenLocked(ctx context.Context, d *Descriptor) error {
	d.transitioning = true
	d.refs++
	d.mu.Unlock()

	var (
		sk  *hll.Sketch
		err error
	)
	if d.cfg.Mode == Proxied {
		_, sk, err = m.store.load(ctx, d.name)
		if errors.Is(err, storage.ErrNotFound) {
			sk, err = hll.NewSliding(d.cfg.Precision, d.cfg.Window)
		}
		if err == nil && sk.Precision() != d.cfg.Precision {
			err = fmt.Errorf("core: stored precision %d does not match %d", sk.Precision(), d.cfg.Precision)
		}
		if err == nil && sk.Window() != d.cfg.Window {
			err = fmt.Errorf("core: stored window %+v does not match %+v", sk.Window(), d.cfg.Window)
		}
	} else {
		sk, err = hll.NewSliding(d.cfg.Precision, d.cfg.Window)
	}

	d.mu.Lock()
	d.refs--
	d.transitioning = false
	if err != nil {
		d.cond.Broadcast()
		m.logger.Warn("core.reopen.failed", "set", d.name, "error", err)
		return fmt.Errorf("core: reopen %s: %w", d.name, err)
	}
	if d.State() == StateClosed {
		d.sketch = sk
		d.setStateLocked(StateActive)
		d.pageIns.Add(1)
		m.metrics.recordPageIn(ctx)
		m.logger.Debug("core.reopen", "set", d.name)
	} else {
		d.cond.Broadcast()
	}
	return nil
}

// Set adds one key to the named set.
func (m *Manager) Set(ctx context.Context, name string, key []byte) (err error) {
	defer func() { m.metrics.recordOp(ctx, "set", err) }()
	d, sk, err := m.acquire(ctx, name)
	if err != nil {
		return err
	}
	sk.Add(m.clock.Now(), key)
	d.dirty.Store(true)
	d.sets.Add(1)
	d.release()
	m.metrics.recordKeys(ctx, 1)
	return nil
}

// Bulk adds keys in batches of BatchSize, re-acquiring the set for every
// batch. A drop between batches fails the remainder with ErrSetDoesNotExist.
func (m *Manager) Bulk(ctx context.Context, name string, keys [][]byte) (err error) {
	defer func() { m.metrics.recordOp(ctx, "bulk", err) }()
	if len(keys) == 0 {
		d, _, err := m.acquire(ctx, name)
		if err != nil {
			return err
		}
		d.release()
		return nil
	}
	for start := 0; start < len(keys); start += BatchSize {
		end := min(start+BatchSize, len(keys))
		d, sk, err := m.acquire(ctx, name)
		if err != nil {
			return err
		}
		sk.Add(m.clock.Now(), keys[start:end]...)
		d.dirty.Store(true)
		d.sets.Add(uint64(end - start))
		d.release()
		m.metrics.recordKeys(ctx, end-start)
	}
	return nil
}

// Size estimates the cardinality of the named set. A positive eps below one
// answers at the precision implied by that error bound; any other value uses
// the set's own precision. Sliding sets answer for their full period ending
// now. Closed sets are answered from storage without reopening them.
func (m *Manager) Size(ctx context.Context, name string, eps float64) (size uint64, err error) {
	defer func() { m.metrics.recordOp(ctx, "size", err) }()
	return m.size(ctx, name, m.clock.Now(), 0, eps)
}

// SizeWindow estimates how many distinct keys a sliding set saw in the window
// ending at at. Windows longer than the set's period are clamped to it.
func (m *Manager) SizeWindow(ctx context.Context, name string, at time.Time, window time.Duration) (size uint64, err error) {
	defer func() { m.metrics.recordOp(ctx, "size_window", err) }()
	if window < time.Second {
		return 0, fmt.Errorf("%w: window %s", ErrBadOptions, window)
	}
	return m.size(ctx, name, at, window, 0)
}

func (m *Manager) size(ctx context.Context, name string, at time.Time, window time.Duration, eps float64) (uint64, error) {
	d, ok := m.registry.Lookup(name)
	if !ok {
		return 0, ErrSetDoesNotExist
	}
	d.mu.Lock()
	state := d.waitSettledLocked()
	if !state.gone() {
		if window > 0 && !d.cfg.Sliding() {
			d.mu.Unlock()
			return 0, ErrNotSliding
		}
		if window == 0 {
			window = d.cfg.Window.Period
		}
	}
	switch state {
	case StateActive:
		d.refs++
		sk := d.sketch
		d.mu.Unlock()
		defer d.release()
		return estimate(sk, at, window, eps)
	case StateClosed:
		if d.cfg.Mode != Proxied {
			size := d.lastSize
			d.mu.Unlock()
			return size, nil
		}
		d.refs++
		last := d.lastSize
		d.mu.Unlock()
		defer d.release()
		_, sk, err := m.store.load(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return last, nil
		}
		if err != nil {
			return 0, fmt.Errorf("core: size %s: %w", name, err)
		}
		return estimate(sk, at, window, eps)
	default:
		d.mu.Unlock()
		return 0, ErrSetDoesNotExist
	}
}

// estimate answers from sk. Sliding sketches answer for the window ending at
// at; dense sketches ignore both.
func estimate(sk *hll.Sketch, at time.Time, window time.Duration, eps float64) (uint64, error) {
	if sk.Sliding() {
		size, err := sk.EstimateWindow(at, window, eps)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadOptions, err)
		}
		return size, nil
	}
	if eps > 0 && eps < 1 {
		size, err := sk.EstimateWithError(eps)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadOptions, err)
		}
		return size, nil
	}
	return sk.Estimate(), nil
}

// Info describes the named set.
func (m *Manager) Info(ctx context.Context, name string) (info SetInfo, err error) {
	defer func() { m.metrics.recordOp(ctx, "info", err) }()
	d, ok := m.registry.Lookup(name)
	if !ok || d.State().gone() {
		return SetInfo{}, ErrSetDoesNotExist
	}
	info = d.info()
	if info.State.gone() {
		return SetInfo{}, ErrSetDoesNotExist
	}
	return info, nil
}

// List describes every live set whose name starts with prefix, sorted by
// name. Dropped sets awaiting reclamation are omitted.
func (m *Manager) List(ctx context.Context, prefix string) []SetInfo {
	m.metrics.recordOp(ctx, "list", nil)
	descriptors := m.registry.Snapshot(prefix)
	out := make([]SetInfo, 0, len(descriptors))
	for _, d := range descriptors {
		info := d.info()
		if info.State.gone() {
			continue
		}
		out = append(out, info)
	}
	return out
}

// Vacuum reclaims every dropped set whose grace period has elapsed and returns
// how many were reclaimed.
func (m *Manager) Vacuum(ctx context.Context) int {
	return m.vacuum.sweep(ctx, false)
}

func newInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
