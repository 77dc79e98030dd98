package door

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type doorMetrics struct {
	ring          metric.Int64Counter
	ringIgnored   metric.Int64Counter
	open          metric.Int64Counter
	timeout       metric.Int64Counter
	actuatorFail  metric.Int64Counter
	notifySent    metric.Int64Counter
	pulseDuration metric.Int64Histogram
}

func newDoorMetrics(logger pslog.Logger) *doorMetrics {
	meter := otel.Meter("pkt.systems/doord/door")
	m := &doorMetrics{}
	var err error

	m.ring, err = meter.Int64Counter(
		"doord.door.ring",
		metric.WithDescription("Accepted rings"),
	)
	logMetricInitError(logger, "doord.door.ring", err)

	m.ringIgnored, err = meter.Int64Counter(
		"doord.door.ring.ignored",
		metric.WithDescription("Rings ignored because they followed an open too closely"),
	)
	logMetricInitError(logger, "doord.door.ring.ignored", err)

	m.open, err = meter.Int64Counter(
		"doord.door.open",
		metric.WithDescription("Open attempts by source and result"),
	)
	logMetricInitError(logger, "doord.door.open", err)

	m.timeout, err = meter.Int64Counter(
		"doord.door.timeout",
		metric.WithDescription("Authorization windows that expired unused"),
	)
	logMetricInitError(logger, "doord.door.timeout", err)

	m.actuatorFail, err = meter.Int64Counter(
		"doord.door.actuator.failure",
		metric.WithDescription("Actuator pulses that failed"),
	)
	logMetricInitError(logger, "doord.door.actuator.failure", err)

	m.notifySent, err = meter.Int64Counter(
		"doord.notify.sent",
		metric.WithDescription("Chat relay notifications by result"),
	)
	logMetricInitError(logger, "doord.notify.sent", err)

	m.pulseDuration, err = meter.Int64Histogram(
		"doord.door.actuator.pulse_ms",
		metric.WithDescription("Actuator pulse duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "doord.door.actuator.pulse_ms", err)
	return m
}

func (m *doorMetrics) recordRing(ctx context.Context, source string, extended bool) {
	if m == nil || m.ring == nil {
		return
	}
	m.ring.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("extended", extended),
	))
}

func (m *doorMetrics) recordRingIgnored(ctx context.Context) {
	if m == nil || m.ringIgnored == nil {
		return
	}
	m.ringIgnored.Add(ctx, 1)
}

func (m *doorMetrics) recordOpen(ctx context.Context, source, result string) {
	if m == nil || m.open == nil {
		return
	}
	m.open.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

func (m *doorMetrics) recordTimeout(ctx context.Context) {
	if m == nil || m.timeout == nil {
		return
	}
	m.timeout.Add(ctx, 1)
}

func (m *doorMetrics) recordPulse(ctx context.Context, ms int64, err error) {
	if m == nil {
		return
	}
	if m.pulseDuration != nil {
		m.pulseDuration.Record(ctx, ms)
	}
	if err != nil && m.actuatorFail != nil {
		m.actuatorFail.Add(ctx, 1)
	}
}

func (m *doorMetrics) recordNotify(ctx context.Context, kind string, err error) {
	if m == nil || m.notifySent == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifySent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
