package observe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestRecordClassification(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordClassification(ctx, "gemini", "machine", 1200*time.Millisecond)
	m.RecordClassification(ctx, "gemini", "machine", 800*time.Millisecond)
	m.RecordClassification(ctx, "gemini", "timeout", 10*time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "amdstream.classification.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var machine uint64
	for _, dp := range hist.DataPoints {
		if v, ok := dp.Attributes.Value("outcome"); ok && v.AsString() == "machine" {
			machine = dp.Count
			if dp.Sum < 1.99 || dp.Sum > 2.01 {
				t.Errorf("sum = %v, want 2.0", dp.Sum)
			}
		}
	}
	if machine != 2 {
		t.Errorf("machine sample count = %d, want 2", machine)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVerdict(ctx, "gemini", "machine", "terminated")
	m.RecordVerdict(ctx, "gemini", "human", "answered")
	m.RecordVerdict(ctx, "gemini", "machine", "terminated")
	m.RecordMalformed(ctx, "decode")
	m.RecordRejected(ctx, "duplicate")
	m.RecordSinkWrite(ctx, nil)
	m.RecordSinkWrite(ctx, errors.New("db down"))
	m.RecordSinkWrite(ctx, errors.New("db down"))
	m.RecordCircuitTransition(ctx, "gemini", "open")
	m.RecordCallback(ctx, "twilio", "machine")
	m.WindowsEmitted.Add(ctx, 3)
	m.WindowsCoalesced.Add(ctx, 1)

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"amdstream.verdicts", "label", "machine", 2},
		{"amdstream.verdicts", "label", "human", 1},
		{"amdstream.frames.malformed", "reason", "decode", 1},
		{"amdstream.sessions.rejected", "reason", "duplicate", 1},
		{"amdstream.sink.writes", "status", "ok", 1},
		{"amdstream.sink.writes", "status", "error", 2},
		{"amdstream.circuit.transitions", "to", "open", 1},
		{"amdstream.callbacks", "source", "twilio", 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.value, func(t *testing.T) {
			if got := sumFor(t, rm, tc.metric, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}

	for name, want := range map[string]int64{
		"amdstream.windows.emitted":   3,
		"amdstream.windows.coalesced": 1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum := met.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != want {
			t.Errorf("%s = %+v, want %d", name, sum.DataPoints, want)
		}
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "amdstream.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %+v, want 1", sum.DataPoints)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "amdstream.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", Registerer: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordRejected(context.Background(), "unknown_strategy")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found, version := false, ""
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "amdstream_sessions_rejected") {
			found = true
		}
		if f.GetName() == "target_info" {
			for _, metric := range f.GetMetric() {
				for _, l := range metric.GetLabel() {
					if l.GetName() == "service_version" {
						version = l.GetValue()
					}
				}
			}
		}
	}
	if !found {
		t.Error("amdstream_sessions_rejected not exported to the registry")
	}
	if version != "test" {
		t.Errorf("target_info service_version = %q, want %q", version, "test")
	}
}
