package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddleware builds an instrumented handler plus the readers needed to
// inspect what it recorded.
func newMiddleware(t *testing.T, inner http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := installTracing(t)
	return Middleware(m)(inner), reader, exp
}

// findMetric returns the named metric from rm, or nil when absent.
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

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationIDHeader(t *testing.T) {
	var inside string
	h, _, _ := newMiddleware(t, func(w http.ResponseWriter, r *http.Request) {
		inside = CorrelationID(r.Context())
	})

	rec := serve(h, httptest.NewRequest("GET", "/healthz", nil))

	if len(inside) != 32 {
		t.Fatalf("handler saw correlation id %q, want 32 hex chars", inside)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inside {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inside)
	}
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	h, _, exp := newMiddleware(t, func(w http.ResponseWriter, r *http.Request) {})

	serve(h, httptest.NewRequest("GET", "/readyz", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestMiddleware_DurationMetricAttributes(t *testing.T) {
	h, reader, _ := newMiddleware(t, func(w http.ResponseWriter, r *http.Request) {})

	serve(h, httptest.NewRequest("GET", "/healthz", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxbridge.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("unexpected metric shape: %+v", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	want := map[string]string{"method": "GET", "path": "/healthz"}
	for _, kv := range dp.Attributes.ToSlice() {
		if expected, ok := want[string(kv.Key)]; ok && kv.Value.AsString() == expected {
			delete(want, string(kv.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("missing metric attributes: %v", want)
	}
}

func TestMiddleware_StatusCodeOnSpan(t *testing.T) {
	h, _, exp := newMiddleware(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	rec := serve(h, httptest.NewRequest("GET", "/v1/limits", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("response status = %d", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			if a.Value.AsInt64() != http.StatusTooManyRequests {
				t.Errorf("status attribute = %d, want 429", a.Value.AsInt64())
			}
			return
		}
	}
	t.Error("span carries no http.response.status_code attribute")
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inside string
	h, _, _ := newMiddleware(t, func(w http.ResponseWriter, r *http.Request) {
		inside = CorrelationID(r.Context())
	})

	req := httptest.NewRequest("GET", "/v1/stream", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec := serve(h, req)

	if inside != upstream {
		t.Errorf("handler correlation id = %q, want the incoming trace id %q", inside, upstream)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}
