// Package metrics holds chainwatch's OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	logx "chainwatch/pkg/logx"
)

const instrumentationName = "chainwatch"

type Config struct {
	Enabled  bool
	Interval time.Duration
}

// Setup installs a global meter provider that periodically writes to stdout.
// When disabled it returns a no-op shutdown and the global no-op provider stays.
func Setup(cfg Config, log logx.Logger) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(mp)
	log.Info("metrics exporter started", logx.Duration("interval", cfg.Interval))
	return mp.Shutdown, nil
}

// Tasks records task executions. A nil *Tasks records nothing.
type Tasks struct {
	runs     metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	delay    metric.Float64Histogram
}

// NewTasks creates the task instruments on mp, or the global provider when mp is nil.
func NewTasks(mp metric.MeterProvider) (*Tasks, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	runs, err := meter.Int64Counter("chainwatch.task.runs",
		metric.WithDescription("Task executions"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("chainwatch.task.failures",
		metric.WithDescription("Task executions that returned an error or panicked"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("chainwatch.task.duration",
		metric.WithDescription("Task execution time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	delay, err := meter.Float64Histogram("chainwatch.task.queue_delay",
		metric.WithDescription("Time between submit and start"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Tasks{runs: runs, failures: failures, duration: duration, delay: delay}, nil
}

func (m *Tasks) Record(ctx context.Context, name string, queueDelay, dur time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task", name))
	m.runs.Add(ctx, 1, attrs)
	if err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
	m.duration.Record(ctx, dur.Seconds(), attrs)
	m.delay.Record(ctx, queueDelay.Seconds(), attrs)
}
