package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	logx "chainwatch/pkg/logx"
)

func TestTasksRecord(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewTasks(mp)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	m.Record(ctx, "poll", time.Millisecond, 10*time.Millisecond, nil)
	m.Record(ctx, "poll", 0, time.Millisecond, errors.New("rpc"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					got[md.Name] += dp.Value
				}
			}
		}
	}
	if got["chainwatch.task.runs"] != 2 || got["chainwatch.task.failures"] != 1 {
		t.Fatalf("unexpected sums %v", got)
	}
}

func TestNilTasksIsNoop(t *testing.T) {
	t.Parallel()
	var m *Tasks
	m.Record(context.Background(), "x", 0, 0, nil)
}

func TestSetupDisabled(t *testing.T) {
	t.Parallel()
	shutdown, err := Setup(Config{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
