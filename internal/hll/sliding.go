package hll

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
	"time"
)

// pointBytes approximates the resident size of one retained point.
const pointBytes = 16

// Window configures a sliding sketch. Observations older than Period,
// measured from the newest one, are discarded. Timestamps are truncated to
// Granularity, the shortest interval the sketch distinguishes. Both are
// whole seconds.
type Window struct {
	Period      time.Duration
	Granularity time.Duration
}

// IsZero reports whether w describes a dense sketch.
func (w Window) IsZero() bool { return w.Period == 0 && w.Granularity == 0 }

// Validate checks that both durations are positive whole seconds and that the
// granularity does not exceed the period.
func (w Window) Validate() error {
	if w.Period < time.Second || w.Period%time.Second != 0 {
		return fmt.Errorf("%w: period %s", ErrInvalidWindow, w.Period)
	}
	if w.Granularity < time.Second || w.Granularity%time.Second != 0 || w.Granularity > w.Period {
		return fmt.Errorf("%w: granularity %s with period %s", ErrInvalidWindow, w.Granularity, w.Period)
	}
	return nil
}

func (w Window) periodSeconds() int64 { return int64(w.Period / time.Second) }

// bucket truncates at to the window granularity in unix seconds.
func (w Window) bucket(at time.Time) int64 {
	g := int64(w.Granularity / time.Second)
	if g <= 0 {
		return 0
	}
	t := at.Unix()
	return t - ((t%g)+g)%g
}

// point records that a register reached rho at unix second at.
type point struct {
	at  int64
	rho uint8
}

// insertPoint adds p to list and returns the updated list. list is ordered by
// time with strictly decreasing rho, so every point is the largest value seen
// since its timestamp. Points at or before cutoff are expired.
func insertPoint(list []point, p point, cutoff int64) []point {
	dominated := false
	for _, q := range list {
		if q.at >= p.at && q.rho >= p.rho {
			dominated = true
			break
		}
	}
	keep := list[:0]
	for _, q := range list {
		if q.at <= cutoff {
			continue
		}
		if !dominated && q.at <= p.at && q.rho <= p.rho {
			continue
		}
		keep = append(keep, q)
	}
	if dominated || p.at <= cutoff {
		return keep
	}
	i, _ := slices.BinarySearchFunc(keep, p.at, func(q point, t int64) int { return cmp.Compare(q.at, t) })
	return slices.Insert(keep, i, p)
}

// registerAt returns the largest rho observed in (now-window, now].
func registerAt(list []point, now, window int64) int {
	cutoff := now - window
	for _, q := range list {
		if q.at <= cutoff {
			continue
		}
		if q.at <= now {
			return int(q.rho)
		}
		return 0
	}
	return 0
}

// viewLocked materialises the dense registers covering (now-window, now].
func (s *Sketch) viewLocked(now, window int64) *Sketch {
	out, _ := New(s.precision)
	for idx, list := range s.points {
		if r := registerAt(list, now, window); r > 0 {
			out.setRegister(idx, r)
		}
	}
	return out
}

// EstimateWindow estimates the keys observed in the window ending at now.
// Windows longer than the period are clamped to it. eps follows
// EstimateWithError, with zero meaning the sketch precision.
func (s *Sketch) EstimateWindow(now time.Time, window time.Duration, eps float64) (uint64, error) {
	if s.points == nil {
		return 0, ErrNotSliding
	}
	if window < time.Second {
		return 0, fmt.Errorf("%w: window %s", ErrInvalidWindow, window)
	}
	p, err := s.precisionFor(eps)
	if err != nil {
		return 0, err
	}
	w := min(int64(window/time.Second), s.window.periodSeconds())
	s.mu.RLock()
	view := s.viewLocked(now.Unix(), w)
	s.mu.RUnlock()
	return view.estimateAt(p), nil
}

// encodePointsLocked writes, per register, a uvarint point count followed by
// each point as a varint timestamp delta and a rho byte.
func (s *Sketch) encodePointsLocked() []byte {
	out := make([]byte, 0, len(s.points))
	for _, list := range s.points {
		out = binary.AppendUvarint(out, uint64(len(list)))
		prev := int64(0)
		for _, q := range list {
			out = binary.AppendVarint(out, q.at-prev)
			out = append(out, q.rho)
			prev = q.at
		}
	}
	return out
}

func (s *Sketch) decodePoints(payload []byte) error {
	maxRho := uint8(64 - s.precision + 1)
	rest := payload
	for idx := range s.points {
		n, k := binary.Uvarint(rest)
		if k <= 0 || n > uint64(len(rest)) {
			return fmt.Errorf("%w: register %d", ErrRegisterCount, idx)
		}
		rest = rest[k:]
		list := make([]point, 0, n)
		prev := int64(0)
		for range n {
			delta, k := binary.Varint(rest)
			if k <= 0 || len(rest) < k+1 {
				return fmt.Errorf("%w: register %d", ErrRegisterCount, idx)
			}
			q := point{at: prev + delta, rho: rest[k]}
			rest = rest[k+1:]
			if q.rho == 0 || q.rho > maxRho {
				return fmt.Errorf("%w: register %d rho %d", ErrRegisterCount, idx, q.rho)
			}
			if len(list) > 0 {
				last := list[len(list)-1]
				if q.at <= last.at || q.rho >= last.rho {
					return fmt.Errorf("%w: register %d out of order", ErrRegisterCount, idx)
				}
			}
			list = append(list, q)
			prev = q.at
			s.latest = max(s.latest, q.at)
		}
		s.points[idx] = list
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrRegisterCount, len(rest))
	}
	return nil
}
