// Package logging decorates a storage.Backend with trace spans and debug logs.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/hlld/internal/correlation"
	"pkt.systems/hlld/internal/storage"
)

const tracerName = "pkt.systems/hlld/storage"

type backend struct {
	storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with a span per operation plus trace and debug logs
// named storage.<operation>.<outcome>.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		Backend: inner,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		sys:     sys,
	}
}

// call tracks one in-flight backend operation.
type call struct {
	op     string
	key    string
	span   trace.Span
	logger pslog.Logger
	begin  time.Time
}

func (b *backend) begin(ctx context.Context, op, key string, attrs ...attribute.KeyValue) (context.Context, *call) {
	conn := correlation.ID(ctx)
	attrs = append(attrs,
		attribute.String("hlld.storage.operation", op),
		attribute.String("hlld.sys", b.sys),
	)
	if conn != "" {
		attrs = append(attrs, attribute.String("hlld.conn_id", conn))
	}
	ctx, span := b.tracer.Start(ctx, "hlld.storage."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = b.logger
		if conn != "" {
			logger = logger.With("conn", conn)
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
	}
	logger.Trace("storage."+op+".begin", "key", key)
	return ctx, &call{op: op, key: key, span: span, logger: logger, begin: time.Now()}
}

// end closes the span and logs the outcome. A missing object is an expected
// outcome and only traced.
func (c *call) end(err error, attrs ...attribute.KeyValue) {
	defer c.span.End()
	elapsed := time.Since(c.begin)
	result := "ok"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		result = "not_found"
		c.span.SetStatus(codes.Ok, "")
		c.logger.Trace("storage."+c.op+".not_found", "key", c.key, "elapsed", elapsed)
	case err != nil:
		result = "error"
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "storage_error")
		c.logger.Debug("storage."+c.op+".error", "key", c.key, "error", err, "elapsed", elapsed)
	default:
		c.span.SetStatus(codes.Ok, "")
		c.logger.Debug("storage."+c.op+".success", "key", c.key, "elapsed", elapsed)
	}
	c.span.SetAttributes(attrs...)
	c.span.AddEvent("hlld.storage.end", trace.WithAttributes(
		attribute.String("hlld.storage.result", result),
		attribute.Int64("hlld.storage.duration_ms", elapsed.Milliseconds()),
	))
}

func sizeOf(info *storage.ObjectInfo) attribute.KeyValue {
	var n int64
	if info != nil {
		n = info.Size
	}
	return attribute.Int64("hlld.storage.object_size", n)
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, c := b.begin(ctx, "list_objects", opts.Prefix,
		attribute.String("hlld.storage.prefix", opts.Prefix),
		attribute.String("hlld.storage.start_after", opts.StartAfter),
		attribute.Int("hlld.storage.limit", opts.Limit),
	)
	res, err := b.Backend.ListObjects(ctx, opts)
	var count int
	if res != nil {
		count = len(res.Objects)
	}
	c.end(err, attribute.Int("hlld.storage.object_count", count))
	return res, err
}

func (b *backend) GetObject(ctx context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	ctx, c := b.begin(ctx, "get_object", key)
	body, info, err := b.Backend.GetObject(ctx, key)
	c.end(err, sizeOf(info))
	return body, info, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, c := b.begin(ctx, "put_object", key, attribute.String("hlld.storage.content_type", opts.ContentType))
	info, err := b.Backend.PutObject(ctx, key, body, opts)
	c.end(err, sizeOf(info))
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, c := b.begin(ctx, "delete_object", key, attribute.Bool("hlld.storage.ignore_not_found", opts.IgnoreNotFound))
	err := b.Backend.DeleteObject(ctx, key, opts)
	c.end(err)
	return err
}
