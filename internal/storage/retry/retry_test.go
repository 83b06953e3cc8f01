package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/hlld/internal/storage"
	"pkt.systems/hlld/internal/storage/retry"
	"pkt.systems/pslog"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
	ch <- f.now
	return ch
}

type stubBackend struct {
	getErrs  []error
	getCalls int
	hook     func(int)

	putErrs   []error
	putCalls  int
	putBodies []string

	deleteErrs  []error
	deleteCalls int
}

func nth(errs []error, call int) error {
	if idx := call - 1; idx < len(errs) {
		return errs[idx]
	}
	return nil
}

func (s *stubBackend) ListObjects(context.Context, storage.ListOptions) (*storage.ListResult, error) {
	return &storage.ListResult{}, nil
}

func (s *stubBackend) GetObject(_ context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	s.getCalls++
	if s.hook != nil {
		s.hook(s.getCalls)
	}
	if err := nth(s.getErrs, s.getCalls); err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewBufferString("ok")), &storage.ObjectInfo{Key: key, Size: 2}, nil
}

func (s *stubBackend) PutObject(_ context.Context, key string, body io.Reader, _ storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	s.putCalls++
	data, _ := io.ReadAll(body)
	s.putBodies = append(s.putBodies, string(data))
	if err := nth(s.putErrs, s.putCalls); err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *stubBackend) DeleteObject(context.Context, string, storage.DeleteObjectOptions) error {
	s.deleteCalls++
	return nth(s.deleteErrs, s.deleteCalls)
}

func (s *stubBackend) Close() error { return nil }

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatal("expected nil backend when inner is nil")
	}
}

func TestGetObjectRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	back := &stubBackend{
		getErrs: []error{
			storage.NewTransientError(errors.New("temporary")),
			storage.NewTransientError(errors.New("temporary")),
			nil,
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    10 * time.Millisecond,
	})
	reader, info, err := wrapped.GetObject(context.Background(), "sets/a")
	if err != nil {
		t.Fatalf("GetObject returned error: %v", err)
	}
	reader.Close()
	if info.Key != "sets/a" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if back.getCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", back.getCalls)
	}
	if len(fc.sleeps) != 2 || fc.sleeps[0] != 5*time.Millisecond || fc.sleeps[1] != 10*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", fc.sleeps)
	}
}

func TestStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	back := &stubBackend{deleteErrs: []error{errors.New("fatal"), nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3})
	err := wrapped.DeleteObject(context.Background(), "sets/a", storage.DeleteObjectOptions{})
	if err == nil || err.Error() != "fatal" {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if back.deleteCalls != 1 {
		t.Fatalf("unexpected number of attempts: %d", back.deleteCalls)
	}
	if len(fc.sleeps) != 0 {
		t.Fatalf("unexpected sleeps: %+v", fc.sleeps)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	transient := storage.NewTransientError(errors.New("flaky"))
	back := &stubBackend{deleteErrs: []error{transient, transient, transient}}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 2})
	err := wrapped.DeleteObject(context.Background(), "sets/a", storage.DeleteObjectOptions{})
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if back.deleteCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", back.deleteCalls)
	}
}

func TestRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	back := &stubBackend{
		getErrs: []error{
			storage.NewTransientError(errors.New("flaky")),
			storage.NewTransientError(errors.New("flaky retry")),
		},
		hook: func(attempt int) {
			if attempt == 1 {
				cancel()
			}
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 5})
	_, _, err := wrapped.GetObject(ctx, "sets/a")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled error, got %v", err)
	}
	if back.getCalls != 1 {
		t.Fatalf("expected single attempt, got %d", back.getCalls)
	}
	if len(fc.sleeps) != 0 {
		t.Fatalf("expected no sleeps when context cancelled, got %v", fc.sleeps)
	}
}

func TestPutObjectReplaysBody(t *testing.T) {
	t.Parallel()

	back := &stubBackend{putErrs: []error{storage.NewTransientError(errors.New("reset")), nil}}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3})
	body := io.NopCloser(bytes.NewBufferString("snapshot"))
	info, err := wrapped.PutObject(context.Background(), "sets/a", body, storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if info.Size != int64(len("snapshot")) {
		t.Fatalf("unexpected size %d", info.Size)
	}
	if len(back.putBodies) != 2 || back.putBodies[0] != "snapshot" || back.putBodies[1] != "snapshot" {
		t.Fatalf("body not replayed: %q", back.putBodies)
	}
}

func TestConfigDelayCapsAtMax(t *testing.T) {
	t.Parallel()

	cfg := retry.Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 70 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 70 * time.Millisecond, 70 * time.Millisecond}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestPutObjectRewindsSeekableBody(t *testing.T) {
	t.Parallel()

	transient := storage.NewTransientError(errors.New("reset"))
	back := &stubBackend{putErrs: []error{transient, transient, nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3})
	body := bytes.NewReader([]byte("xxsnapshot"))
	_, _ = body.Seek(2, io.SeekStart)
	if _, err := wrapped.PutObject(context.Background(), "sets/a", body, storage.PutObjectOptions{}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if len(back.putBodies) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(back.putBodies))
	}
	for i, got := range back.putBodies {
		if got != "snapshot" {
			t.Fatalf("attempt %d uploaded %q", i+1, got)
		}
	}
	if len(fc.sleeps) != 2 || fc.sleeps[0] != 50*time.Millisecond || fc.sleeps[1] != 100*time.Millisecond {
		t.Fatalf("unexpected default backoff: %v", fc.sleeps)
	}
}
