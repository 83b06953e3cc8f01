package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/hlld/core"

type coreMetrics struct {
	ops           metric.Int64Counter
	keysAdded     metric.Int64Counter
	pageIns       metric.Int64Counter
	pageOuts      metric.Int64Counter
	flushDuration metric.Int64Histogram
	flushErrors   metric.Int64Counter
	reclaimed     metric.Int64Counter
	vacuumDropped metric.Int64Counter
	sets          metric.Int64ObservableGauge
}

func newCoreMetrics(logger pslog.Logger) *coreMetrics {
	meter := otel.Meter(meterName)
	m := &coreMetrics{}
	var err error

	m.ops, err = meter.Int64Counter(
		"hlld.set.ops",
		metric.WithDescription("Set operations by kind and result"),
	)
	logMetricInitError(logger, "hlld.set.ops", err)

	m.keysAdded, err = meter.Int64Counter(
		"hlld.set.keys_added",
		metric.WithDescription("Keys added to sets"),
	)
	logMetricInitError(logger, "hlld.set.keys_added", err)

	m.pageIns, err = meter.Int64Counter(
		"hlld.set.page_ins",
		metric.WithDescription("Closed sets faulted back into memory"),
	)
	logMetricInitError(logger, "hlld.set.page_ins", err)

	m.pageOuts, err = meter.Int64Counter(
		"hlld.set.page_outs",
		metric.WithDescription("Sets released from memory by close"),
	)
	logMetricInitError(logger, "hlld.set.page_outs", err)

	m.flushDuration, err = meter.Int64Histogram(
		"hlld.flush.duration_ms",
		metric.WithDescription("Set snapshot flush duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "hlld.flush.duration_ms", err)

	m.flushErrors, err = meter.Int64Counter(
		"hlld.flush.errors",
		metric.WithDescription("Set snapshot flush failures"),
	)
	logMetricInitError(logger, "hlld.flush.errors", err)

	m.reclaimed, err = meter.Int64Counter(
		"hlld.vacuum.reclaimed",
		metric.WithDescription("Dropped sets reclaimed by the vacuum"),
	)
	logMetricInitError(logger, "hlld.vacuum.reclaimed", err)

	m.vacuumDropped, err = meter.Int64Counter(
		"hlld.vacuum.queue_full",
		metric.WithDescription("Drops deferred to the periodic sweep because the vacuum queue was full"),
	)
	logMetricInitError(logger, "hlld.vacuum.queue_full", err)

	m.sets, err = meter.Int64ObservableGauge(
		"hlld.sets",
		metric.WithDescription("Registered sets"),
	)
	logMetricInitError(logger, "hlld.sets", err)

	return m
}

func (m *coreMetrics) registerRegistry(logger pslog.Logger, reg Registry) metric.Registration {
	if m == nil || m.sets == nil || reg == nil {
		return nil
	}
	registration, err := otel.Meter(meterName).RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.sets, int64(reg.Len()))
		return nil
	}, m.sets)
	if err != nil {
		if logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "hlld.sets", "error", err)
		}
		return nil
	}
	return registration
}

func (m *coreMetrics) recordOp(ctx context.Context, op string, err error) {
	if m == nil || m.ops == nil {
		return
	}
	m.ops.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("hlld.op", op),
		attribute.String("hlld.result", metricResultLabel(err)),
	))
}

func (m *coreMetrics) recordKeys(ctx context.Context, n int) {
	if m == nil || m.keysAdded == nil || n <= 0 {
		return
	}
	m.keysAdded.Add(metricContext(ctx), int64(n))
}

func (m *coreMetrics) recordPageIn(ctx context.Context) {
	if m == nil || m.pageIns == nil {
		return
	}
	m.pageIns.Add(metricContext(ctx), 1)
}

func (m *coreMetrics) recordPageOut(ctx context.Context) {
	if m == nil || m.pageOuts == nil {
		return
	}
	m.pageOuts.Add(metricContext(ctx), 1)
}

func (m *coreMetrics) recordFlush(ctx context.Context, trigger string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("hlld.flush.trigger", trigger))
	if m.flushDuration != nil {
		m.flushDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if err != nil && m.flushErrors != nil {
		m.flushErrors.Add(ctx, 1, attrs)
	}
}

func (m *coreMetrics) recordReclaim(ctx context.Context) {
	if m == nil || m.reclaimed == nil {
		return
	}
	m.reclaimed.Add(metricContext(ctx), 1)
}

func (m *coreMetrics) recordQueueFull(ctx context.Context) {
	if m == nil || m.vacuumDropped == nil {
		return
	}
	m.vacuumDropped.Add(metricContext(ctx), 1)
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
