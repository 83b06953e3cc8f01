// Package retry wraps a storage.Backend with exponential backoff for
// transient failures.
package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"pkt.systems/hlld/internal/clock"
	"pkt.systems/hlld/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour. Zero fields take the defaults below.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

const (
	defaultBaseDelay  = 50 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
	defaultMultiplier = 2.0
)

func (c Config) normalized() Config {
	c.MaxAttempts = max(c.MaxAttempts, 1)
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaultMultiplier
	}
	return c
}

// Delay returns the pause after the given failed attempt, counted from 1.
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Wrap returns a backend that retries errors marked with
// storage.NewTransientError. A nil inner backend yields nil.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{Backend: inner, logger: logger, clock: clk, cfg: cfg.normalized()}
}

type backend struct {
	storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

type object struct {
	body io.ReadCloser
	info *storage.ObjectInfo
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	return run(ctx, b, "list_objects", opts.Prefix, func(ctx context.Context) (*storage.ListResult, error) {
		return b.Backend.ListObjects(ctx, opts)
	})
}

func (b *backend) GetObject(ctx context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	obj, err := run(ctx, b, "get_object", key, func(ctx context.Context) (object, error) {
		body, info, err := b.Backend.GetObject(ctx, key)
		return object{body, info}, err
	})
	return obj.body, obj.info, err
}

// PutObject replays body on every attempt: seekable bodies are rewound,
// anything else is buffered up front.
func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	rewind := func() (io.Reader, error) { return body, nil }
	if b.cfg.MaxAttempts > 1 {
		var err error
		if rewind, err = replayable(body); err != nil {
			return nil, err
		}
	}
	return run(ctx, b, "put_object", key, func(ctx context.Context) (*storage.ObjectInfo, error) {
		r, err := rewind()
		if err != nil {
			return nil, err
		}
		return b.Backend.PutObject(ctx, key, r, opts)
	})
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	_, err := run(ctx, b, "delete_object", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.Backend.DeleteObject(ctx, key, opts)
	})
	return err
}

func replayable(body io.Reader) (func() (io.Reader, error), error) {
	if rs, ok := body.(io.ReadSeeker); ok {
		if start, err := rs.Seek(0, io.SeekCurrent); err == nil {
			return func() (io.Reader, error) {
				if _, err := rs.Seek(start, io.SeekStart); err != nil {
					return nil, fmt.Errorf("retry: rewind body: %w", err)
				}
				return rs, nil
			}, nil
		}
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("retry: buffer body: %w", err)
	}
	return func() (io.Reader, error) { return bytes.NewReader(payload), nil }, nil
}

func run[T any](ctx context.Context, b *backend, op, key string, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		res, err := fn(ctx)
		if err == nil || !storage.IsTransient(err) || attempt >= b.cfg.MaxAttempts {
			return res, err
		}
		delay := b.cfg.Delay(attempt)
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", b.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := clock.Sleep(ctx, b.clock, delay); err != nil {
			var zero T
			return zero, err
		}
	}
}
