package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RetryGauge is the per-service executable retry counter (spec §4.4
// point 4, §9's "retry-gauge registry" global). It is the one other
// piece of module-level mutable state the spec allows, alongside
// mkdirCache; both live behind well-defined accessors.
type RetryGauge struct {
	counter metric.Int64Counter
}

// NewRetryGauge builds a counter named steep_executable_retry_total on
// the global meter provider.
func NewRetryGauge() (*RetryGauge, error) {
	meter := otel.Meter("steep.localagent")

	counter, err := meter.Int64Counter(
		"steep_executable_retry_total",
		metric.WithDescription("retries attempted per service before an executable succeeded or exhausted its policy"),
	)
	if err != nil {
		return nil, err
	}

	return &RetryGauge{counter: counter}, nil
}

// Add records n additional retries for serviceID.
func (g *RetryGauge) Add(ctx context.Context, serviceID string, n int64) {
	if g == nil || n == 0 {
		return
	}

	g.counter.Add(ctx, n, metric.WithAttributes(attribute.String("service_id", serviceID)))
}
