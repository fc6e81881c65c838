package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// instrumentedMux returns a mux with a few Spark-like routes wrapped in the
// middleware, plus the metrics reader.
func instrumentedMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /session/stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /state/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})
	return Middleware(m)(mux), reader
}

func collectDurations(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "spark.http.request.duration")
	if met == nil {
		return nil
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func attr(dp metricdata.HistogramDataPoint[float64], key string) string {
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestMiddleware_CorrelationID(t *testing.T) {
	useTestTracer(t)
	h, _ := instrumentedMux(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/state", nil))

	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want 32 hex chars", cid)
	}
	if seen := rec.Header().Get("X-Seen-Correlation"); seen != cid {
		t.Errorf("handler saw correlation ID %q, header has %q", seen, cid)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	useTestTracer(t)
	h, _ := instrumentedMux(t)

	req := httptest.NewRequest("GET", "/state", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	const want = "4bf92f3577b34da6a3ce929d0e0e4736"
	if got := rec.Header().Get("X-Correlation-ID"); got != want {
		t.Errorf("X-Correlation-ID = %q, want %q", got, want)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, want) {
		t.Errorf("traceparent = %q, want it to carry %s", tp, want)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	exp := useTestTracer(t)
	h, _ := instrumentedMux(t)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/session/stop", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP POST /session/stop" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status code = %d, want 404", status)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	useTestTracer(t)
	h, reader := instrumentedMux(t)

	for _, path := range []string{"/state", "/state", "/nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	counts := make(map[string]uint64)
	for _, dp := range collectDurations(t, reader) {
		if attr(dp, "method") != "GET" {
			t.Errorf("method = %q, want GET", attr(dp, "method"))
		}
		counts[attr(dp, "route")+" "+attr(dp, "status")] += dp.Count
	}
	if counts["GET /state 200"] != 2 {
		t.Errorf("GET /state samples = %d, want 2 (all: %v)", counts["GET /state 200"], counts)
	}
	if counts[unmatchedRoute+" 404"] != 1 {
		t.Errorf("unmatched samples = %d, want 1 (all: %v)", counts[unmatchedRoute+" 404"], counts)
	}
}

func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	useTestTracer(t)
	h, reader := instrumentedMux(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/state/stream", nil)
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	defer conn.CloseNow()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("read = %v, want normal closure", err)
	}

	for _, dp := range collectDurations(t, reader) {
		if attr(dp, "route") == "GET /state/stream" {
			t.Error("upgraded stream recorded as a request latency")
		}
	}
}
