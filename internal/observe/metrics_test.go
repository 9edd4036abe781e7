package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)

	if m.ConnectDuration == nil || m.ToolExecutionDuration == nil {
		t.Error("histogram instruments not created")
	}
	if m.AudioChunksPlayed == nil || m.PlaybackFlushes == nil || m.BargeIns == nil ||
		m.EchoSuppressed == nil || m.ToolCalls == nil || m.DuplicateToolCalls == nil {
		t.Error("counter instruments not created")
	}
	if m.ProtocolErrors == nil || m.DecodeErrors == nil || m.RemoteErrors == nil {
		t.Error("error counter instruments not created")
	}
	if m.ActiveSessions == nil {
		t.Error("gauge instruments not created")
	}
}

func TestRecordToolCall_IncrementsCounter(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "roll_dice", "ok")
	m.RecordToolCall(ctx, "roll_dice", "ok")
	m.RecordToolCall(ctx, "lookup", "error")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxloop.tool.calls" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 3 {
		t.Errorf("tool.calls total = %d; want 3", total)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	t.Parallel()

	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
