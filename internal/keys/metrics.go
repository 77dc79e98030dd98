package keys

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type validatorMetrics struct {
	allowed  metric.Int64Counter
	denied   metric.Int64Counter
	consumed metric.Int64Counter
}

func newValidatorMetrics(logger pslog.Logger) *validatorMetrics {
	meter := otel.Meter("pkt.systems/doord/keys")
	m := &validatorMetrics{}
	var err error

	m.allowed, err = meter.Int64Counter(
		"doord.keys.allowed",
		metric.WithDescription("Access keys accepted"),
	)
	logMetricInitError(logger, "doord.keys.allowed", err)

	m.denied, err = meter.Int64Counter(
		"doord.keys.denied",
		metric.WithDescription("Access keys rejected, by reason"),
	)
	logMetricInitError(logger, "doord.keys.denied", err)

	m.consumed, err = meter.Int64Counter(
		"doord.keys.consumed",
		metric.WithDescription("One-time access keys consumed"),
	)
	logMetricInitError(logger, "doord.keys.consumed", err)
	return m
}

func (m *validatorMetrics) recordAllowed(ctx context.Context, kind Kind) {
	if m == nil || m.allowed == nil {
		return
	}
	m.allowed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *validatorMetrics) recordDenied(ctx context.Context, reason string) {
	if m == nil || m.denied == nil {
		return
	}
	m.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *validatorMetrics) recordConsumed(ctx context.Context) {
	if m == nil || m.consumed == nil {
		return
	}
	m.consumed.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
