package observe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// testSetup creates metrics backed by a manual reader for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMiddleware_AssignsRequestID(t *testing.T) {
	m, _ := testSetup(t)
	mw := Middleware(m, discardLogger())

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if captured == "" {
		t.Fatal("middleware did not set request id in context")
	}
	if _, err := uuid.Parse(captured); err != nil {
		t.Errorf("request id %q is not UUID-shaped: %v", captured, err)
	}
	if got := rec.Header().Get(RequestIDHeader); got != captured {
		t.Errorf("response %s = %q, want %q", RequestIDHeader, got, captured)
	}
}

func TestMiddleware_AdoptsValidInboundID(t *testing.T) {
	m, _ := testSetup(t)
	mw := Middleware(m, discardLogger())

	inbound := uuid.NewString()
	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, inbound)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if captured != inbound {
		t.Errorf("request id = %q, want inbound %q", captured, inbound)
	}
}

func TestMiddleware_ReplacesMalformedInboundID(t *testing.T) {
	m, _ := testSetup(t)
	mw := Middleware(m, discardLogger())

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if captured == "not-a-uuid" {
		t.Error("middleware adopted a malformed inbound id")
	}
	if _, err := uuid.Parse(captured); err != nil {
		t.Errorf("replacement id %q is not UUID-shaped", captured)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader := testSetup(t)
	mw := Middleware(m, discardLogger())

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest("POST", "/jobs", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name == "voxmill.http.request.duration" {
				found = true
			}
		}
	}
	if !found {
		t.Error("http request duration metric not recorded")
	}
}

func TestRequestID_AbsentContext(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID on bare context = %q, want empty", got)
	}
}
