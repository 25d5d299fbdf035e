package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetGaugeExposed(t *testing.T) {
	SetGauge("test_memuse", 42)
	SetGauge("test_memuse", 43)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "wagate_test_memuse 43") {
		t.Fatalf("gauge not exposed:\n%s", body)
	}
}

func TestCounters(t *testing.T) {
	Notifications.WithLabelValues("plain", "success").Inc()
	Notifications.WithLabelValues("plain", "success").Inc()
	if got := testutil.ToFloat64(Notifications.WithLabelValues("plain", "success")); got != 2 {
		t.Fatalf("counter = %v, want 2", got)
	}
}
