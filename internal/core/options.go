package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pkt.systems/hlld/internal/hll"
)

// MaxNameLength is the longest accepted set name in bytes.
const MaxNameLength = 200

// ValidName reports whether name is an acceptable set name: 1 to
// MaxNameLength bytes without spaces, tabs or line breaks.
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	return !strings.ContainsAny(name, " \t\r\n")
}

// PersistenceMode selects whether a set survives restarts.
type PersistenceMode int

const (
	// Proxied sets are persisted to the storage backend.
	Proxied PersistenceMode = iota
	// InMemory sets live only in process memory.
	InMemory
)

func (m PersistenceMode) String() string {
	if m == InMemory {
		return "in_memory"
	}
	return "proxied"
}

// SetConfig is the per-set configuration fixed at creation. A non-zero
// Window makes the set sliding.
type SetConfig struct {
	Precision int
	Epsilon   float64
	Mode      PersistenceMode
	Window    hll.Window
}

// Sliding reports whether sets with this configuration answer windowed sizes.
func (c SetConfig) Sliding() bool { return !c.Window.IsZero() }

// DefaultSetConfig returns the configuration used when create carries no
// options.
func DefaultSetConfig() SetConfig {
	return SetConfig{
		Precision: hll.DefaultPrecision,
		Epsilon:   hll.ErrorForPrecision(hll.DefaultPrecision),
		Mode:      Proxied,
	}
}

// Validate checks the precision range and derives Epsilon when unset.
func (c *SetConfig) Validate() error {
	if c.Precision < hll.MinPrecision || c.Precision > hll.MaxPrecision {
		return fmt.Errorf("%w: precision %d outside [%d,%d]", ErrBadOptions, c.Precision, hll.MinPrecision, hll.MaxPrecision)
	}
	c.Epsilon = hll.ErrorForPrecision(c.Precision)
	if c.Mode != Proxied && c.Mode != InMemory {
		return fmt.Errorf("%w: unknown persistence mode %d", ErrBadOptions, c.Mode)
	}
	if c.Sliding() {
		if err := c.Window.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadOptions, err)
		}
	}
	return nil
}

// ParseOptions applies key=value create options on top of base. Recognised
// keys are in_memory (0 or 1), precision, eps, sliding_period and
// sliding_precision; anything else is rejected. Later options override
// earlier ones. The sliding options are whole seconds and sliding_precision
// defaults to one second.
func ParseOptions(base SetConfig, options []string) (SetConfig, error) {
	cfg := base
	for _, opt := range options {
		key, value, ok := strings.Cut(opt, "=")
		if !ok || value == "" {
			return base, fmt.Errorf("%w: malformed option %q", ErrBadOptions, opt)
		}
		switch key {
		case "in_memory":
			switch value {
			case "0":
				cfg.Mode = Proxied
			case "1":
				cfg.Mode = InMemory
			default:
				return base, fmt.Errorf("%w: in_memory must be 0 or 1", ErrBadOptions)
			}
		case "precision":
			p, err := strconv.Atoi(value)
			if err != nil {
				return base, fmt.Errorf("%w: precision %q", ErrBadOptions, value)
			}
			cfg.Precision = p
		case "eps":
			eps, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return base, fmt.Errorf("%w: eps %q", ErrBadOptions, value)
			}
			p, err := hll.PrecisionForError(eps)
			if err != nil {
				return base, fmt.Errorf("%w: eps %q", ErrBadOptions, value)
			}
			cfg.Precision = p
		case "sliding_period":
			d, err := parseSeconds(value)
			if err != nil {
				return base, fmt.Errorf("%w: sliding_period %q", ErrBadOptions, value)
			}
			cfg.Window.Period = d
		case "sliding_precision":
			d, err := parseSeconds(value)
			if err != nil {
				return base, fmt.Errorf("%w: sliding_precision %q", ErrBadOptions, value)
			}
			cfg.Window.Granularity = d
		default:
			return base, fmt.Errorf("%w: unknown option %q", ErrBadOptions, key)
		}
	}
	if cfg.Window.Period > 0 && cfg.Window.Granularity == 0 {
		cfg.Window.Granularity = time.Second
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 || n > int64(math.MaxInt64/time.Second) {
		return 0, fmt.Errorf("invalid seconds %q", raw)
	}
	return time.Duration(n) * time.Second, nil
}

// ParseWindowArgs parses the timestamp and window arguments of a windowed
// size: a positive unix time and a positive number of seconds.
func ParseWindowArgs(rawAt, rawWindow string) (time.Time, time.Duration, error) {
	at, err := strconv.ParseInt(rawAt, 10, 64)
	if err != nil || at <= 0 {
		return time.Time{}, 0, fmt.Errorf("%w: timestamp %q", ErrBadOptions, rawAt)
	}
	window, err := parseSeconds(rawWindow)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: window %q", ErrBadOptions, rawWindow)
	}
	return time.Unix(at, 0), window, nil
}

// ParseEpsilon parses the optional relative error argument of size.
func ParseEpsilon(raw string) (float64, error) {
	eps, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(eps > 0) {
		return 0, fmt.Errorf("%w: relative error %q", ErrBadOptions, raw)
	}
	return eps, nil
}
