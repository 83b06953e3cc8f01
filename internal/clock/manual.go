package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Timers created
// with After fire, in deadline order, once the clock reaches their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	fire     chan time.Time
}

// NewManual returns a Manual clock reading start (converted to UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	fire := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		fire <- m.now
		return fire
	}
	w := waiter{deadline: m.now.Add(d), fire: fire}
	idx, _ := slices.BinarySearchFunc(m.waiters, w.deadline, func(e waiter, t time.Time) int {
		return e.deadline.Compare(t)
	})
	m.waiters = slices.Insert(m.waiters, idx, w)
	return fire
}

// Advance moves the clock forward by d (negative values are ignored) and
// returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	due := 0
	for due < len(m.waiters) && !m.waiters[due].deadline.After(m.now) {
		m.waiters[due].fire <- m.now
		due++
	}
	m.waiters = slices.Delete(m.waiters, 0, due)
	return m.now
}

// Waiters reports how many timers have not fired yet.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
