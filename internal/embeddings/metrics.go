package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for embedding generation.
type Metrics struct {
	duration metric.Float64Histogram
	texts    metric.Int64Counter
	errors   metric.Int64Counter
}

// NewMetrics creates embedding metrics on the given meter.
// A nil meter uses the global meter provider.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter("corpusd.embeddings")
	}

	duration, err := meter.Float64Histogram(
		"corpusd.embedding.duration",
		metric.WithDescription("Duration of embedding generation in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		otel.Handle(err)
	}

	texts, err := meter.Int64Counter(
		"corpusd.embedding.texts",
		metric.WithDescription("Number of texts embedded"),
	)
	if err != nil {
		otel.Handle(err)
	}

	errors, err := meter.Int64Counter(
		"corpusd.embedding.errors",
		metric.WithDescription("Number of embedding generation failures"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return &Metrics{duration: duration, texts: texts, errors: errors}
}

// Record starts timing an embedding operation and returns a completion
// function to call with the operation's final error.
func (m *Metrics) Record(ctx context.Context, model, operation string, count int) func(error) {
	start := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)

	return func(err error) {
		if m == nil {
			return
		}
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			m.errors.Add(ctx, 1, attrs)
			return
		}
		m.texts.Add(ctx, int64(count), attrs)
	}
}
