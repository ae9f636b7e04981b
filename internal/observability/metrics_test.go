package observability

import (
	"testing"
	"time"

	"github.com/danmuck/callkeep/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("functions", "GET", "/health", 200, 12*time.Millisecond)
	RecordDecision("agent", "do_nothing")
	RecordReconnectAttempt("success")
	RecordNotification("call-notification", true)
	RecordHeartbeat(false)
	RecordEnvelope("out", "KEEPALIVE", true)
}

func TestRecordDecisionIncrementsCounter(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(policyDecisions.WithLabelValues("test", "escalate_notification"))
	RecordDecision("test", "escalate_notification")
	after := testutil.ToFloat64(policyDecisions.WithLabelValues("test", "escalate_notification"))
	if after != before+1 {
		t.Fatalf("expected counter increment, before=%v after=%v", before, after)
	}
}
