package hll

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"testing"
	"time"
)

func TestWindowValidate(t *testing.T) {
	t.Parallel()

	good := []Window{
		{Period: time.Minute, Granularity: time.Second},
		{Period: 10 * time.Second, Granularity: 10 * time.Second},
	}
	for _, w := range good {
		if err := w.Validate(); err != nil {
			t.Fatalf("Validate(%+v): %v", w, err)
		}
	}
	bad := []Window{
		{Period: 0, Granularity: time.Second},
		{Period: time.Minute, Granularity: 0},
		{Period: time.Second, Granularity: 2 * time.Second},
		{Period: 1500 * time.Millisecond, Granularity: time.Second},
		{Period: time.Minute, Granularity: 500 * time.Millisecond},
	}
	for _, w := range bad {
		if err := w.Validate(); !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("Validate(%+v) err = %v", w, err)
		}
		if _, err := NewSliding(12, w); !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("NewSliding(%+v) err = %v", w, err)
		}
	}
	s, err := NewSliding(12, Window{})
	if err != nil || s.Sliding() {
		t.Fatalf("zero window should give a dense sketch: %v %v", s, err)
	}
}

func TestWindowBucket(t *testing.T) {
	t.Parallel()

	w := Window{Period: time.Minute, Granularity: 5 * time.Second}
	if got := w.bucket(epoch.Add(7 * time.Second)); got != epoch.Unix()+5 {
		t.Fatalf("bucket = %d, want %d", got, epoch.Unix()+5)
	}
	if got := (Window{}).bucket(epoch); got != 0 {
		t.Fatalf("dense bucket = %d", got)
	}
}

func TestInsertPointKeepsDecreasingRho(t *testing.T) {
	t.Parallel()

	var list []point
	steps := []struct {
		p      point
		cutoff int64
		want   []point
	}{
		{p: point{at: 10, rho: 3}, want: []point{{10, 3}}},
		{p: point{at: 12, rho: 2}, want: []point{{10, 3}, {12, 2}}},
		{p: point{at: 13, rho: 5}, want: []point{{13, 5}}},
		{p: point{at: 11, rho: 1}, want: []point{{13, 5}}},
		{p: point{at: 20, rho: 1}, cutoff: 12, want: []point{{13, 5}, {20, 1}}},
		{p: point{at: 30, rho: 2}, cutoff: 15, want: []point{{30, 2}}},
		{p: point{at: 14, rho: 9}, cutoff: 15, want: []point{{30, 2}}},
	}
	for i, step := range steps {
		list = insertPoint(list, step.p, step.cutoff)
		if !slices.Equal(list, step.want) {
			t.Fatalf("step %d: got %v, want %v", i, list, step.want)
		}
	}
}

func TestSlidingWindowEstimate(t *testing.T) {
	t.Parallel()

	s, err := NewSliding(DefaultPrecision, Window{Period: 10 * time.Minute, Granularity: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	for i := range 10000 {
		s.Add(epoch, fmt.Appendf(nil, "test%d", i))
	}
	later := epoch.Add(2 * time.Second)
	s.Add(later, []byte("test1"))

	got, err := s.EstimateWindow(later, 100*time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(got)-10000)/10000 > 0.05 {
		t.Fatalf("100s window estimate %d too far from 10000", got)
	}
	recent, err := s.EstimateWindow(later, time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	if recent == 0 || recent > 10 {
		t.Fatalf("1s window estimate = %d, want 0 < size <= 10", recent)
	}
	clamped, _ := s.EstimateWindow(later, time.Hour, 0)
	full, _ := s.EstimateWindow(later, 10*time.Minute, 0)
	if clamped != full {
		t.Fatalf("window above the period %d != full period %d", clamped, full)
	}
	if s.Estimate() != full {
		t.Fatalf("Estimate %d != full period %d", s.Estimate(), full)
	}
	coarse, err := s.EstimateWindow(later, 100*time.Second, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(coarse)-10000)/10000 > 0.35 {
		t.Fatalf("folded window estimate %d too far from 10000", coarse)
	}
	if _, err := s.EstimateWindow(later, 0, 0); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("zero window err = %v", err)
	}
}

func TestSlidingExpiresOldObservations(t *testing.T) {
	t.Parallel()

	s, _ := NewSliding(10, Window{Period: 10 * time.Second, Granularity: time.Second})
	for i := range 1000 {
		s.Add(epoch, fmt.Appendf(nil, "old%d", i))
	}
	s.Add(epoch.Add(20*time.Second), []byte("fresh"))
	if got := s.Estimate(); got != 1 {
		t.Fatalf("estimate after expiry = %d, want 1", got)
	}
	if got, _ := s.EstimateWindow(epoch.Add(20*time.Second), 10*time.Second, 0); got != 1 {
		t.Fatalf("windowed estimate after expiry = %d, want 1", got)
	}
}

func TestDenseSketchRejectsWindowedEstimate(t *testing.T) {
	t.Parallel()

	s, _ := New(8)
	if _, err := s.EstimateWindow(epoch, time.Minute, 0); !errors.Is(err, ErrNotSliding) {
		t.Fatalf("dense windowed estimate err = %v", err)
	}
}

func TestRestoreSlidingPoints(t *testing.T) {
	t.Parallel()

	w := Window{Period: time.Hour, Granularity: time.Second}
	s, _ := NewSliding(8, w)
	for i := range 600 {
		s.Add(epoch.Add(time.Duration(i)*time.Second), fmt.Appendf(nil, "p%d", i))
	}
	payload, size := s.Snapshot()
	if size != s.Estimate() {
		t.Fatalf("snapshot size %d != estimate %d", size, s.Estimate())
	}
	restored, err := Restore(8, w, payload)
	if err != nil {
		t.Fatal(err)
	}
	now := epoch.Add(599 * time.Second)
	for _, window := range []time.Duration{time.Second, time.Minute, 5 * time.Minute, time.Hour} {
		a, _ := s.EstimateWindow(now, window, 0)
		b, _ := restored.EstimateWindow(now, window, 0)
		if a != b {
			t.Fatalf("window %s: restored %d != original %d", window, b, a)
		}
	}
	if _, err := Restore(8, w, payload[:len(payload)-1]); !errors.Is(err, ErrRegisterCount) {
		t.Fatalf("truncated payload err = %v", err)
	}
	if _, err := Restore(8, w, append(slices.Clone(payload), 0)); !errors.Is(err, ErrRegisterCount) {
		t.Fatalf("trailing payload err = %v", err)
	}
}
