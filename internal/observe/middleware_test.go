package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestMiddleware wires a Middleware to in-memory metric and span sinks.
func newTestMiddleware(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return Middleware(m), reader, exp
}

func serveThrough(mw func(http.Handler) http.Handler, req *http.Request, status int, inspect func(*http.Request)) *httptest.ResponseRecorder {
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareCorrelationID(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	var cid string
	rec := serveThrough(mw, httptest.NewRequest("GET", "/questions", nil), http.StatusOK, func(r *http.Request) {
		cid = CorrelationID(r.Context())
	})

	if len(cid) != 32 {
		t.Errorf("correlation ID = %q, want a 32-char trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, cid)
	}
}

func TestMiddlewareSpan(t *testing.T) {
	mw, _, exp := newTestMiddleware(t)

	serveThrough(mw, httptest.NewRequest("GET", "/readyz", nil), http.StatusOK, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestMiddlewareDurationMetric(t *testing.T) {
	mw, reader, _ := newTestMiddleware(t)

	serveThrough(mw, httptest.NewRequest("GET", "/healthz", nil), http.StatusOK, nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "qsift.http.request.duration")
	if met == nil {
		t.Fatal("qsift.http.request.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var gotMethod, gotPath string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			gotMethod = kv.Value.AsString()
		case "path":
			gotPath = kv.Value.AsString()
		}
	}
	if gotMethod != "GET" || gotPath != "/healthz" {
		t.Errorf("attributes = method %q path %q", gotMethod, gotPath)
	}
}

func TestMiddlewareStatusCode(t *testing.T) {
	mw, _, exp := newTestMiddleware(t)

	rec := serveThrough(mw, httptest.NewRequest("GET", "/nope", nil), http.StatusNotFound, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("response status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/questions", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	var cid string
	rec := serveThrough(mw, req, http.StatusOK, func(r *http.Request) {
		cid = CorrelationID(r.Context())
	})

	if cid != traceID {
		t.Errorf("correlation ID = %q, want the incoming trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddlewareProbeEndpointsLogAtDebug(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	defer slog.SetDefault(orig)

	serveThrough(mw, httptest.NewRequest("GET", "/metrics", nil), http.StatusOK, nil)
	if strings.Contains(buf.String(), "request completed") {
		t.Error("probe endpoint completion logged at info level")
	}

	serveThrough(mw, httptest.NewRequest("GET", "/questions", nil), http.StatusOK, nil)
	if !strings.Contains(buf.String(), "request completed") {
		t.Error("regular endpoint completion not logged at info level")
	}
}
