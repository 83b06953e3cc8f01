// Package hll implements the HyperLogLog sketches backing hlld sets.
package hll

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

const (
	// MinPrecision is the smallest supported precision (16 registers).
	MinPrecision = 4
	// MaxPrecision is the largest supported precision (262,144 registers).
	MaxPrecision = 18
	// DefaultPrecision matches a relative error of roughly 1.6%.
	DefaultPrecision = 12

	registerBits     = 6
	registerMask     = 1<<registerBits - 1
	registersPerWord = 5
)

var (
	// ErrInvalidPrecision is returned for precisions outside [MinPrecision, MaxPrecision].
	ErrInvalidPrecision = errors.New("hll: invalid precision")
	// ErrInvalidError is returned for relative errors outside (0, 1).
	ErrInvalidError = errors.New("hll: invalid relative error")
	// ErrRegisterCount is returned when restored registers do not match the precision.
	ErrRegisterCount = errors.New("hll: register count does not match precision")
	// ErrInvalidWindow is returned for malformed sliding windows.
	ErrInvalidWindow = errors.New("hll: invalid window")
	// ErrNotSliding is returned when a windowed estimate is asked of a dense sketch.
	ErrNotSliding = errors.New("hll: sketch is not sliding")
)

// ErrorForPrecision returns the upper bound on the relative error for precision p.
func ErrorForPrecision(p int) float64 {
	if p < MinPrecision || p > MaxPrecision {
		return 0
	}
	return 1.04 / math.Sqrt(float64(uint64(1)<<p))
}

// PrecisionForError returns the minimum precision whose error bound does not
// exceed eps. The result may fall outside the supported range; callers clamp
// or reject it.
func PrecisionForError(eps float64) (int, error) {
	if eps <= 0 || eps >= 1 || math.IsNaN(eps) {
		return 0, ErrInvalidError
	}
	ratio := 1.04 / eps
	return int(math.Ceil(math.Log2(ratio * ratio))), nil
}

// BytesForPrecision returns the in-memory size of the register array.
func BytesForPrecision(p int) int {
	if p < MinPrecision || p > MaxPrecision {
		return 0
	}
	return wordsForPrecision(p) * 4
}

func wordsForPrecision(p int) int {
	m := 1 << p
	return (m + registersPerWord - 1) / registersPerWord
}

// Hash returns the 64-bit hash used to place key in the sketch.
func Hash(key []byte) uint64 {
	_, h2 := murmur3.Sum128(key)
	return h2
}

// Sketch is a goroutine safe HyperLogLog. A dense sketch keeps one packed
// 6-bit register per index. A sliding sketch keeps, per index, the points
// needed to answer any window up to its period.
type Sketch struct {
	mu        sync.RWMutex
	precision int
	words     []uint32

	window Window
	points [][]point
	latest int64
}

// New allocates an empty dense sketch with precision p.
func New(p int) (*Sketch, error) {
	if p < MinPrecision || p > MaxPrecision {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPrecision, p)
	}
	return &Sketch{precision: p, words: make([]uint32, wordsForPrecision(p))}, nil
}

// NewSliding allocates an empty sketch with precision p that remembers
// observations for w.Period. A zero window yields a dense sketch.
func NewSliding(p int, w Window) (*Sketch, error) {
	if w.IsZero() {
		return New(p)
	}
	if p < MinPrecision || p > MaxPrecision {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPrecision, p)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Sketch{precision: p, window: w, points: make([][]point, 1<<p)}, nil
}

// Precision reports the sketch precision.
func (s *Sketch) Precision() int { return s.precision }

// Window reports the sliding window; zero for dense sketches.
func (s *Sketch) Window() Window { return s.window }

// Sliding reports whether the sketch answers windowed estimates.
func (s *Sketch) Sliding() bool { return s.points != nil }

// Bytes reports the register storage size.
func (s *Sketch) Bytes() int {
	if s.points == nil {
		return len(s.words) * 4
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.points {
		n += len(list) * pointBytes
	}
	return n
}

// Add records keys observed at at. Dense sketches ignore the timestamp.
func (s *Sketch) Add(at time.Time, keys ...[]byte) {
	if len(keys) == 0 {
		return
	}
	hashes := make([]uint64, len(keys))
	for i, key := range keys {
		hashes[i] = Hash(key)
	}
	ts := s.window.bucket(at)
	s.mu.Lock()
	for _, h := range hashes {
		s.addHashLocked(h, ts)
	}
	s.mu.Unlock()
}

func (s *Sketch) addHashLocked(h uint64, ts int64) {
	idx := int(h & (1<<s.precision - 1))
	w := h >> s.precision
	rho := bits.LeadingZeros64(w) - s.precision + 1
	if s.points != nil {
		s.latest = max(s.latest, ts)
		s.points[idx] = insertPoint(s.points[idx], point{at: ts, rho: uint8(rho)}, s.latest-s.window.periodSeconds())
		return
	}
	if rho > s.register(idx) {
		s.setRegister(idx, rho)
	}
}

func (s *Sketch) register(idx int) int {
	word := s.words[idx/registersPerWord]
	shift := registerBits * (idx % registersPerWord)
	return int(word>>shift) & registerMask
}

func (s *Sketch) setRegister(idx, val int) {
	i := idx / registersPerWord
	shift := registerBits * (idx % registersPerWord)
	s.words[i] = s.words[i]&^(registerMask<<shift) | uint32(val&registerMask)<<shift
}

// Estimate returns the cardinality estimate at the sketch precision. Sliding
// sketches answer for their full period ending at the newest observation.
func (s *Sketch) Estimate() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.denseLocked().estimateLocked()
}

// EstimateWithError returns the cardinality estimate after folding the sketch
// to the precision that satisfies eps. An eps of one or more, or one that
// would need more precision than the sketch holds, uses the sketch precision.
func (s *Sketch) EstimateWithError(eps float64) (uint64, error) {
	if eps <= 0 || math.IsNaN(eps) {
		return 0, ErrInvalidError
	}
	p, err := s.precisionFor(eps)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.denseLocked().estimateAt(p), nil
}

// precisionFor maps eps onto the precision an estimate is answered at.
// Zero and values of one or more keep the sketch precision.
func (s *Sketch) precisionFor(eps float64) (int, error) {
	if eps == 0 || eps >= 1 {
		return s.precision, nil
	}
	p, err := PrecisionForError(eps)
	if err != nil {
		return 0, err
	}
	return min(max(p, MinPrecision), s.precision), nil
}

// denseLocked returns s itself for dense sketches and the full-period view
// of a sliding one.
func (s *Sketch) denseLocked() *Sketch {
	if s.points == nil {
		return s
	}
	return s.viewLocked(s.latest, s.window.periodSeconds())
}

// estimateAt estimates after folding to p, which must not exceed the
// sketch precision. The caller holds the lock or owns s.
func (s *Sketch) estimateAt(p int) uint64 {
	if p >= s.precision {
		return s.estimateLocked()
	}
	folded, _ := s.foldLocked(p)
	return folded.estimateLocked()
}

func (s *Sketch) estimateLocked() uint64 {
	m := float64(int(1) << s.precision)
	var sum float64
	zeros := 0
	for idx := 0; idx < 1<<s.precision; idx++ {
		r := s.register(idx)
		if r == 0 {
			zeros++
		}
		sum += 1 / float64(uint64(1)<<r)
	}
	raw := alpha(s.precision) * m * m / sum
	if raw <= 2.5*m && zeros > 0 {
		return uint64(math.Round(m * math.Log(m/float64(zeros))))
	}
	return uint64(math.Round(raw))
}

func alpha(p int) float64 {
	switch p {
	case 4:
		return 0.673
	case 5:
		return 0.697
	case 6:
		return 0.709
	default:
		m := float64(int(1) << p)
		return 0.7213 / (1 + 1.079/m)
	}
}

// Fold returns a new dense sketch at the coarser precision p holding the
// same observations. Sliding sketches fold their full-period view.
func (s *Sketch) Fold(p int) (*Sketch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.denseLocked().foldLocked(p)
}

func (s *Sketch) foldLocked(p int) (*Sketch, error) {
	if p < MinPrecision || p > s.precision {
		return nil, fmt.Errorf("%w: cannot fold %d to %d", ErrInvalidPrecision, s.precision, p)
	}
	out, err := New(p)
	if err != nil {
		return nil, err
	}
	if p == s.precision {
		copy(out.words, s.words)
		return out, nil
	}
	saturated := 64 - s.precision + 1
	extra := s.precision - p
	mask := 1<<p - 1
	for idx := 0; idx < 1<<s.precision; idx++ {
		r := s.register(idx)
		if r == 0 {
			continue
		}
		if r == saturated {
			// Every bit above the old index was zero, so the index bits
			// dropped by the fold now lead the remainder.
			hi := idx >> p
			r = 64 - s.precision + extra - bits.Len(uint(hi)) + 1
		}
		lo := idx & mask
		if r > out.register(lo) {
			out.setRegister(lo, r)
		}
	}
	return out, nil
}

// Snapshot encodes the sketch state together with the estimate it produces,
// taken under a single lock acquisition. Restore reverses it.
func (s *Sketch) Snapshot() ([]byte, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.points == nil {
		raw := make([]byte, len(s.words)*4)
		for i, w := range s.words {
			binary.LittleEndian.PutUint32(raw[i*4:], w)
		}
		return raw, s.estimateLocked()
	}
	return s.encodePointsLocked(), s.denseLocked().estimateLocked()
}

// Restore rebuilds a sketch from a Snapshot payload. An empty payload yields
// an empty sketch.
func Restore(p int, w Window, payload []byte) (*Sketch, error) {
	s, err := NewSliding(p, w)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return s, nil
	}
	if s.points != nil {
		if err := s.decodePoints(payload); err != nil {
			return nil, err
		}
		return s, nil
	}
	if len(payload) != len(s.words)*4 {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrRegisterCount, len(payload), len(s.words)*4)
	}
	for i := range s.words {
		s.words[i] = binary.LittleEndian.Uint32(payload[i*4:])
	}
	return s, nil
}
