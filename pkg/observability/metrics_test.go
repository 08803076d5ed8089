package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHTTPRequest(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("POST", "/run", "200", 0.25)
	m.RecordHTTPRequest("POST", "/run", "200", 0.5)
	m.RecordHTTPRequest("POST", "/run", "429", 0.01)

	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("POST", "/run", "200")); got != 2 {
		t.Errorf("200 count = %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("POST", "/run", "429")); got != 1 {
		t.Errorf("429 count = %v", got)
	}
}

func TestRecordProviderRequestTokens(t *testing.T) {
	m := New()
	m.RecordProviderRequest("openai", "gpt-4o", "success", 1.2, 100, 40)
	m.RecordProviderRequest("openai", "gpt-4o", "success", 0.8, 50, 0)

	if got := testutil.ToFloat64(m.ProviderTokens.WithLabelValues("openai", "gpt-4o", "prompt")); got != 150 {
		t.Errorf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderTokens.WithLabelValues("openai", "gpt-4o", "completion")); got != 40 {
		t.Errorf("completion tokens = %v", got)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	m := New()
	m.QueueEntered("run")
	m.QueueEntered("run")
	m.QueueLeft("run")

	if got := testutil.ToFloat64(m.AdmissionQueueDepth.WithLabelValues("run")); got != 1 {
		t.Errorf("queue depth = %v", got)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.RecordToolExecution("search.web", "success", 0.1)
	m.RateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "modelgate_tool_executions_total") {
		t.Error("tool counter missing from exposition")
	}
	if !strings.Contains(body, "modelgate_rate_limited_total 1") {
		t.Error("rate limited counter missing from exposition")
	}
}

func TestIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.RateLimited()

	if got := testutil.ToFloat64(b.RateLimitedCounter); got != 0 {
		t.Errorf("registries shared state, count = %v", got)
	}
}
