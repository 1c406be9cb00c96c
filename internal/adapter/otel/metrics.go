package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "pyforge"

// Metrics holds all PyForge metric instruments.
type Metrics struct {
	Requests        metric.Int64Counter
	RequestErrors   metric.Int64Counter
	RequestDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Requests, err = meter.Int64Counter("pyforge.requests",
		metric.WithDescription("Number of engine operations dispatched"))
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("pyforge.request.errors",
		metric.WithDescription("Number of engine operations that failed"))
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("pyforge.request.duration_seconds",
		metric.WithDescription("Engine operation duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterPoolGauges exports live pool occupancy. stats is polled at
// collection time, so it must be safe to call from any goroutine.
func RegisterPoolGauges(stats func() (size, capacity int, hitRate float64)) error {
	meter := otel.Meter(meterName)

	poolSize, err := meter.Int64ObservableGauge("pyforge.pool.size",
		metric.WithDescription("Pooled engine clients"))
	if err != nil {
		return err
	}
	poolCapacity, err := meter.Int64ObservableGauge("pyforge.pool.capacity",
		metric.WithDescription("Configured pool capacity"))
	if err != nil {
		return err
	}
	hitRate, err := meter.Float64ObservableGauge("pyforge.pool.hit_rate",
		metric.WithDescription("Fraction of acquisitions served by a pooled client"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		size, capacity, rate := stats()
		o.ObserveInt64(poolSize, int64(size))
		o.ObserveInt64(poolCapacity, int64(capacity))
		o.ObserveFloat64(hitRate, rate)
		return nil
	}, poolSize, poolCapacity, hitRate)
	return err
}
