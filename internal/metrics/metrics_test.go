package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRateLimit(t *testing.T) {
	before := testutil.ToFloat64(RateLimitDecisions.WithLabelValues("test-venue", "denied"))
	RecordRateLimit("test-venue", false)
	after := testutil.ToFloat64(RateLimitDecisions.WithLabelValues("test-venue", "denied"))

	if after-before != 1 {
		t.Errorf("denied counter delta = %v, want 1", after-before)
	}
}

func TestRecordVenueCall_ErrorKind(t *testing.T) {
	c := VenueErrors.WithLabelValues("test-venue", "spot", "RateLimited")
	before := testutil.ToFloat64(c)

	RecordVenueCall("test-venue", "spot", "ticker", 15*time.Millisecond, "")
	RecordVenueCall("test-venue", "spot", "ticker", 15*time.Millisecond, "RateLimited")

	if d := testutil.ToFloat64(c) - before; d != 1 {
		t.Errorf("error counter delta = %v, want 1", d)
	}
}

func TestUpdateRisk(t *testing.T) {
	UpdateRisk(true, -101, 12.5)

	if v := testutil.ToFloat64(RiskEmergencyStopped); v != 1 {
		t.Errorf("emergency_stopped = %v", v)
	}
	if v := testutil.ToFloat64(RiskDailyPnL); v != -101 {
		t.Errorf("daily_pnl = %v", v)
	}

	UpdateRisk(false, 0, 0)
	if v := testutil.ToFloat64(RiskEmergencyStopped); v != 0 {
		t.Errorf("emergency_stopped after reset = %v", v)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	c := APIRequests.WithLabelValues("GET", "/api/v1/test", "4xx")
	before := testutil.ToFloat64(c)

	RecordAPIRequest("GET", "/api/v1/test", 404, 3*time.Millisecond)
	RecordAPIRequest("GET", "/api/v1/test", 200, 3*time.Millisecond)

	if d := testutil.ToFloat64(c) - before; d != 1 {
		t.Errorf("4xx counter delta = %v, want 1", d)
	}
}
