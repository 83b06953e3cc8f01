package core

import (
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/hlld/internal/hll"
)

// State is the lifecycle state of a set descriptor.
type State int32

const (
	// StateCreating covers registration until the initial snapshot is stored.
	StateCreating State = iota
	// StateActive sets hold a resident sketch and accept mutations.
	StateActive
	// StateClosing sets are draining in-flight work before releasing the sketch.
	StateClosing
	// StateClosed sets keep identity and configuration without a resident sketch.
	StateClosed
	// StateDeleting sets have been dropped and await reclamation.
	StateDeleting
	// StateDeleted is terminal; the descriptor is no longer registered.
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateDeleting:
		return "deleting"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// gone reports whether the state rejects every operation.
func (s State) gone() bool {
	return s == StateDeleting || s == StateDeleted
}

// Descriptor is the registry entry for one named set. State transitions are
// made under mu; waiters park on cond until a transition settles.
type Descriptor struct {
	name     string
	instance string
	created  time.Time
	cfg      SetConfig

	mu            sync.Mutex
	cond          *sync.Cond
	state         atomic.Int32
	transitioning bool
	refs          int
	sketch        *hll.Sketch
	lastSize      uint64
	droppedAt     time.Time

	flushMu    sync.Mutex
	dirty      atomic.Bool
	reclaiming atomic.Bool

	sets     atomic.Uint64
	pageIns  atomic.Uint64
	pageOuts atomic.Uint64
}

func newDescriptor(name, instance string, cfg SetConfig, created time.Time, state State) *Descriptor {
	d := &Descriptor{
		name:     name,
		instance: instance,
		created:  created,
		cfg:      cfg,
	}
	d.cond = sync.NewCond(&d.mu)
	d.state.Store(int32(state))
	return d
}

// Name returns the set name.
func (d *Descriptor) Name() string { return d.name }

// Instance returns the unique id assigned when the set was created.
func (d *Descriptor) Instance() string { return d.instance }

// Config returns the set configuration fixed at creation.
func (d *Descriptor) Config() SetConfig { return d.cfg }

// State returns the current lifecycle state.
func (d *Descriptor) State() State { return State(d.state.Load()) }

func (d *Descriptor) setStateLocked(s State) {
	d.state.Store(int32(s))
	d.cond.Broadcast()
}

// waitSettledLocked blocks until no transition is in flight or the set has
// been dropped.
func (d *Descriptor) waitSettledLocked() State {
	for d.transitioning && !d.State().gone() {
		d.cond.Wait()
	}
	return d.State()
}

func (d *Descriptor) release() {
	d.mu.Lock()
	d.refs--
	if d.refs == 0 {
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}

func (d *Descriptor) header(size uint64, now time.Time) snapshotHeader {
	return snapshotHeader{
		Name:      d.name,
		Instance:  d.instance,
		Precision: d.cfg.Precision,
		Epsilon:   d.cfg.Epsilon,
		Size:      size,
		Sets:      d.sets.Load(),
		Created:   unixOrZero(d.created),
		Updated:   unixOrZero(now),

		SlidingPeriod:    int64(d.cfg.Window.Period / time.Second),
		SlidingPrecision: int64(d.cfg.Window.Granularity / time.Second),
	}
}

// SetInfo is a point-in-time view of a set.
type SetInfo struct {
	Name      string
	Instance  string
	State     State
	Config    SetConfig
	Resident  bool
	Size      uint64
	Storage   int
	Sets      uint64
	PageIns   uint64
	PageOuts  uint64
	CreatedAt time.Time
}

func (d *Descriptor) info() SetInfo {
	d.mu.Lock()
	state := d.State()
	sk := d.sketch
	size := d.lastSize
	d.mu.Unlock()
	storage := hll.BytesForPrecision(d.cfg.Precision)
	if sk != nil && (state == StateActive || state == StateClosing) {
		size = sk.Estimate()
		storage = sk.Bytes()
	}
	return SetInfo{
		Name:      d.name,
		Instance:  d.instance,
		State:     state,
		Config:    d.cfg,
		Resident:  sk != nil,
		Size:      size,
		Storage:   storage,
		Sets:      d.sets.Load(),
		PageIns:   d.pageIns.Load(),
		PageOuts:  d.pageOuts.Load(),
		CreatedAt: d.created,
	}
}
