package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMemoryCounts(t *testing.T) {
	m := NewMemory()
	m.RecordEnum("Result", 2)
	m.RecordEnum("Result", 2)
	m.RecordEnum("Result", 5)
	m.RecordBool("Ok", true)
	m.RecordBool("Ok", false)
	m.RecordTime("Latency", 30*time.Millisecond)

	tests := []struct {
		name   string
		sample int
		want   int
	}{
		{"Result", 2, 2},
		{"Result", 5, 1},
		{"Result", 9, 0},
		{"Ok", 1, 1},
		{"Ok", 0, 1},
	}
	for _, tt := range tests {
		if got := m.BucketCount(tt.name, tt.sample); got != tt.want {
			t.Errorf("BucketCount(%q, %d) = %d, want %d", tt.name, tt.sample, got, tt.want)
		}
	}
	if got := m.Count("Result"); got != 3 {
		t.Errorf("Count(Result) = %d, want 3", got)
	}
	if got := m.Count("Latency"); got != 1 {
		t.Errorf("Count(Latency) = %d, want 1", got)
	}
	if got := m.Count("Missing"); got != 0 {
		t.Errorf("Count(Missing) = %d, want 0", got)
	}
}

func TestMemorySnapshotSorted(t *testing.T) {
	m := NewMemory()
	m.RecordEnum("b", 1)
	m.RecordTime("a", time.Second)
	m.RecordBool("c", true)
	m.RecordBool("c", true)

	snap := m.Snapshot()
	want := []Sample{{"a", 1}, {"b", 1}, {"c", 2}}
	if len(snap) != len(want) {
		t.Fatalf("Snapshot() = %v, want %v", snap, want)
	}
	for i := range want {
		if snap[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %v, want %v", i, snap[i], want[i])
		}
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	r := Multi{a, b, Nop{}}
	r.RecordEnum("x", 1)
	r.RecordBool("y", true)
	r.RecordTime("z", time.Millisecond)
	for i, m := range []*Memory{a, b} {
		if m.Count("x") != 1 || m.Count("y") != 1 || m.Count("z") != 1 {
			t.Errorf("recorder %d snapshot = %v", i, m.Snapshot())
		}
	}
}

func TestOTelRecorder(t *testing.T) {
	o := NewOTel(noop.NewMeterProvider().Meter("fastpair"))
	o.RecordEnum("FastPair.Result", 1)
	o.RecordEnum("FastPair.Result", 2)
	o.RecordBool("FastPair.Ok", true)
	o.RecordTime("FastPair.Time", 5*time.Millisecond)

	if len(o.counters) != 2 {
		t.Errorf("cached counters = %d, want 2", len(o.counters))
	}
	if len(o.histograms) != 1 {
		t.Errorf("cached histograms = %d, want 1", len(o.histograms))
	}
}

func TestOTelRecorderReachesSDK(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	o := NewOTel(provider.Meter("fastpair"))
	o.RecordBool("FastPair.Ok", true)
	o.RecordBool("FastPair.Ok", false)
	o.RecordBool("FastPair.Ok", true)
	o.RecordTime("FastPair.Time", 5*time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if m.Name != "FastPair.Ok" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("FastPair.Ok data = %T, want Sum[int64]", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			if total != 3 || len(sum.DataPoints) != 2 {
				t.Errorf("FastPair.Ok total = %d over %d points, want 3 over 2", total, len(sum.DataPoints))
			}
		}
	}
	if !found["FastPair.Ok"] || !found["FastPair.Time"] {
		t.Errorf("exported metrics = %v, want FastPair.Ok and FastPair.Time", found)
	}
}

func TestNewMeterProvider(t *testing.T) {
	ctx := context.Background()
	if _, err := NewMeterProvider(ctx, ExportConfig{}); err == nil {
		t.Error("NewMeterProvider() without endpoint should fail")
	}
	if _, err := NewMeterProvider(ctx, ExportConfig{Endpoint: "localhost:4317", Protocol: "udp"}); err == nil {
		t.Error("NewMeterProvider() with unknown protocol should fail")
	}

	for _, protocol := range []string{"grpc", "http"} {
		mp, err := NewMeterProvider(ctx, ExportConfig{Endpoint: "127.0.0.1:1", Protocol: protocol, Insecure: true, Interval: time.Hour})
		if err != nil {
			t.Fatalf("NewMeterProvider(%s) error = %v", protocol, err)
		}
		if mp.Meter("fastpair") == nil {
			t.Errorf("%s provider returned a nil meter", protocol)
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_ = mp.Shutdown(shutdownCtx)
		cancel()
	}
}
