package logging_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/hlld/internal/correlation"
	"pkt.systems/hlld/internal/storage"
	"pkt.systems/hlld/internal/storage/logging"
	"pkt.systems/hlld/internal/storage/memory"
)

func TestWrapDelegatesToInner(t *testing.T) {
	t.Parallel()

	inner := memory.New()
	wrapped := logging.Wrap(inner, pslog.NoopLogger(), "storage.test")
	ctx := correlation.Set(context.Background(), "conn-1")

	if _, err := wrapped.PutObject(ctx, "sets/a", bytes.NewBufferString("abc"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if inner.Len() != 1 {
		t.Fatalf("expected inner store to hold 1 object, got %d", inner.Len())
	}
	reader, info, err := wrapped.GetObject(ctx, "sets/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(reader)
	reader.Close()
	if string(data) != "abc" || info.Size != 3 {
		t.Fatalf("unexpected object %q %+v", data, info)
	}
	res, err := wrapped.ListObjects(ctx, storage.ListOptions{Prefix: "sets/"})
	if err != nil || len(res.Objects) != 1 {
		t.Fatalf("list: %+v %v", res, err)
	}
	if err := wrapped.DeleteObject(ctx, "sets/a", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := wrapped.GetObject(ctx, "sets/a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := wrapped.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
