package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AlertCreated("TTR_DEADLINE", "high")
	m.AlertSkipped("TTR_DEADLINE", "cooldown_active")
	m.RiskScored(50)
	m.BatchCompleted(time.Second, 2)
	m.WebhookDelivery("success")
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.AlertCreated("HIGH_RISK_TRANSACTION", "high")
	m.AlertCreated("HIGH_RISK_TRANSACTION", "high")
	m.AlertSkipped("HIGH_RISK_TRANSACTION", "rate_limit_reached")
	m.BatchCompleted(250*time.Millisecond, 3)

	if got := testutil.ToFloat64(m.AlertsCreated.WithLabelValues("HIGH_RISK_TRANSACTION", "high")); got != 2 {
		t.Errorf("expected 2 alerts created, got %v", got)
	}
	if got := testutil.ToFloat64(m.AlertsSkipped.WithLabelValues("HIGH_RISK_TRANSACTION", "rate_limit_reached")); got != 1 {
		t.Errorf("expected 1 skipped alert, got %v", got)
	}
	if got := testutil.ToFloat64(m.BatchErrors); got != 3 {
		t.Errorf("expected 3 batch errors, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.EDD()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "complycore_edd_triggered_total 1") {
		t.Errorf("expected edd counter in output, got:\n%s", rec.Body.String())
	}
}
