package hll

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestPrecisionHelpers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		eps  float64
		want int
	}{
		{eps: 0.3, want: 4},
		{eps: 0.1, want: 7},
		{eps: 0.02, want: 12},
		{eps: 0.0025, want: 18},
	}
	for _, tc := range cases {
		got, err := PrecisionForError(tc.eps)
		if err != nil {
			t.Fatalf("PrecisionForError(%v): %v", tc.eps, err)
		}
		if got != tc.want {
			t.Fatalf("PrecisionForError(%v) = %d, want %d", tc.eps, got, tc.want)
		}
	}
	for _, bad := range []float64{0, -1, 1, 2, math.NaN()} {
		if _, err := PrecisionForError(bad); !errors.Is(err, ErrInvalidError) {
			t.Fatalf("PrecisionForError(%v) err = %v", bad, err)
		}
	}
	if got := ErrorForPrecision(12); math.Abs(got-0.01625) > 1e-9 {
		t.Fatalf("ErrorForPrecision(12) = %v", got)
	}
	if got := ErrorForPrecision(3); got != 0 {
		t.Fatalf("ErrorForPrecision(3) = %v, want 0", got)
	}
	if got := BytesForPrecision(12); got != 3280 {
		t.Fatalf("BytesForPrecision(12) = %d, want 3280", got)
	}
	if got := BytesForPrecision(4); got != 16 {
		t.Fatalf("BytesForPrecision(4) = %d, want 16", got)
	}
}

func TestNewRejectsInvalidPrecision(t *testing.T) {
	t.Parallel()

	for _, p := range []int{0, 3, 19} {
		if _, err := New(p); !errors.Is(err, ErrInvalidPrecision) {
			t.Fatalf("New(%d) err = %v", p, err)
		}
	}
}

func TestEstimateEmptyAndSmall(t *testing.T) {
	t.Parallel()

	s, err := New(DefaultPrecision)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Estimate(); got != 0 {
		t.Fatalf("empty estimate = %d", got)
	}
	s.Add(epoch, []byte("one"))
	s.Add(epoch, []byte("one"))
	if got := s.Estimate(); got != 1 {
		t.Fatalf("single key estimate = %d", got)
	}
}

func TestEstimateWithinBand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		precision int
		tolerance float64
	}{
		{precision: 18, tolerance: 0.01},
		{precision: DefaultPrecision, tolerance: 0.05},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("p%d", tc.precision), func(t *testing.T) {
			s, err := New(tc.precision)
			if err != nil {
				t.Fatal(err)
			}
			for i := range 10000 {
				s.Add(epoch, fmt.Appendf(nil, "test%d", i))
			}
			got := float64(s.Estimate())
			if math.Abs(got-10000)/10000 > tc.tolerance {
				t.Fatalf("estimate %v outside %.0f%% of 10000", got, tc.tolerance*100)
			}
		})
	}
}

func TestBatchedAddMatchesSingleAdds(t *testing.T) {
	t.Parallel()

	single, _ := New(10)
	batched, _ := New(10)
	keys := make([][]byte, 0, 500)
	for i := range 500 {
		key := fmt.Appendf(nil, "k%d", i)
		keys = append(keys, key)
		single.Add(epoch, key)
	}
	batched.Add(epoch, keys...)
	a, _ := single.Snapshot()
	b, _ := batched.Snapshot()
	if !bytes.Equal(a, b) {
		t.Fatal("batched registers differ from single adds")
	}
}

func TestFoldKeepsEstimateClose(t *testing.T) {
	t.Parallel()

	s, _ := New(16)
	for i := range 50000 {
		s.Add(epoch, fmt.Appendf(nil, "fold-%d", i))
	}
	folded, err := s.Fold(12)
	if err != nil {
		t.Fatal(err)
	}
	if folded.Precision() != 12 {
		t.Fatalf("folded precision = %d", folded.Precision())
	}
	direct, _ := New(12)
	for i := range 50000 {
		direct.Add(epoch, fmt.Appendf(nil, "fold-%d", i))
	}
	if folded.Estimate() != direct.Estimate() {
		t.Fatalf("folded estimate %d != direct estimate %d", folded.Estimate(), direct.Estimate())
	}
	if _, err := s.Fold(17); !errors.Is(err, ErrInvalidPrecision) {
		t.Fatalf("fold to finer precision err = %v", err)
	}
}

func TestEstimateWithError(t *testing.T) {
	t.Parallel()

	s, _ := New(14)
	for i := range 2000 {
		s.Add(epoch, fmt.Appendf(nil, "e%d", i))
	}
	native := s.Estimate()
	got, err := s.EstimateWithError(100)
	if err != nil || got != native {
		t.Fatalf("eps>=1 estimate = %d, %v; want %d", got, err, native)
	}
	got, err = s.EstimateWithError(0.001)
	if err != nil || got != native {
		t.Fatalf("finer eps estimate = %d, %v; want %d", got, err, native)
	}
	got, err = s.EstimateWithError(0.05)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(got)-2000)/2000 > 0.25 {
		t.Fatalf("folded estimate %d too far from 2000", got)
	}
	if _, err := s.EstimateWithError(0); !errors.Is(err, ErrInvalidError) {
		t.Fatalf("eps 0 err = %v", err)
	}
}

func TestRestoreDenseRegisters(t *testing.T) {
	t.Parallel()

	s, _ := New(8)
	for i := range 300 {
		s.Add(epoch, fmt.Appendf(nil, "r%d", i))
	}
	payload, _ := s.Snapshot()
	restored, err := Restore(8, Window{}, payload)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Estimate() != s.Estimate() {
		t.Fatalf("restored estimate %d != %d", restored.Estimate(), s.Estimate())
	}
	if restored.Bytes() != BytesForPrecision(8) {
		t.Fatalf("restored bytes = %d", restored.Bytes())
	}
	if _, err := Restore(9, Window{}, payload); !errors.Is(err, ErrRegisterCount) {
		t.Fatalf("mismatched payload err = %v", err)
	}
	empty, err := Restore(8, Window{}, nil)
	if err != nil || empty.Estimate() != 0 {
		t.Fatalf("empty restore = %v, %v", empty, err)
	}
}

func TestConcurrentAdds(t *testing.T) {
	t.Parallel()

	s, _ := New(14)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 1000 {
				s.Add(epoch, fmt.Appendf(nil, "w%d-%d", w, i))
				if i%100 == 0 {
					_ = s.Estimate()
				}
			}
		}()
	}
	wg.Wait()
	got := float64(s.Estimate())
	if math.Abs(got-8000)/8000 > 0.05 {
		t.Fatalf("concurrent estimate %v too far from 8000", got)
	}
}

func TestSnapshotMatchesEstimate(t *testing.T) {
	t.Parallel()

	s, _ := New(10)
	for i := range 700 {
		s.Add(epoch, fmt.Appendf(nil, "snap%d", i))
	}
	payload, estimate := s.Snapshot()
	if estimate != s.Estimate() {
		t.Fatalf("snapshot estimate %d != %d", estimate, s.Estimate())
	}
	payload[0] ^= 0xff
	again, _ := s.Snapshot()
	if again[0] == payload[0] {
		t.Fatal("snapshot must not alias sketch registers")
	}
}
