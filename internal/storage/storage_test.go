package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"pkt.systems/hlld/internal/storage"
	"pkt.systems/hlld/internal/storage/memory"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if wrapped == nil {
		t.Fatal("expected wrapped error")
	}
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if !storage.IsTransient(fmt.Errorf("outer: %w", wrapped)) {
		t.Fatal("expected IsTransient to see through wrapping")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
}

func TestNewTransientErrorHandlesNil(t *testing.T) {
	t.Parallel()

	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestListAllFollowsPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &pagingBackend{Store: memory.New()}
	for i := range 7 {
		key := fmt.Sprintf("sets/%02d", i)
		if _, err := backend.PutObject(ctx, key, bytes.NewBufferString(key), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	objects, err := storage.ListAll(ctx, backend, "sets/")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(objects) != 7 {
		t.Fatalf("expected 7 objects, got %d", len(objects))
	}
	if backend.calls < 3 {
		t.Fatalf("expected paged listing, got %d calls", backend.calls)
	}
	data, info, err := storage.ReadAll(ctx, backend, "sets/03")
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(data) != "sets/03" || info.Key != "sets/03" {
		t.Fatalf("unexpected object %q %+v", data, info)
	}
}

type pagingBackend struct {
	*memory.Store
	calls int
}

func (p *pagingBackend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	p.calls++
	opts.Limit = 3
	return p.Store.ListObjects(ctx, opts)
}
