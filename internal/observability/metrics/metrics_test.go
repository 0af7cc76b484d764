package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ObserveRun("completed")
	r.ObserveStep("PLANNER", time.Second, nil)
	r.ObserveToolCall("fetch_abi", nil)
	r.ObserveToolCall("fetch_abi", errors.New("boom"))
	r.ObserveTxAttempt("send", errors.New("underpriced"))
	r.ObserveTxAttempt("send", nil)

	if got := testutil.ToFloat64(r.runs.WithLabelValues("completed")); got != 1 {
		t.Fatalf("runs = %v", got)
	}
	if got := testutil.ToFloat64(r.toolCalls.WithLabelValues("fetch_abi", "error")); got != 1 {
		t.Fatalf("tool errors = %v", got)
	}
	if got := testutil.ToFloat64(r.txAttempts.WithLabelValues("send", "ok")); got != 1 {
		t.Fatalf("tx ok = %v", got)
	}
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	r := New()
	r.ObserveHTTPRequest("/api/v1/runs", "POST", 202, 30*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `chainprobe_http_requests_total{code="202",handler="/api/v1/runs",method="POST"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
