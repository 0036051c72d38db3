package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"venuewatch/internal/risk"
)

// ============ RiskHandler Tests ============

func stoppedRisk() *MockRiskService {
	return &MockRiskService{
		token:  "reset-me",
		status: risk.Status{State: risk.StateEmergencyStopped, Enabled: true, StopReason: "daily loss limit"},
	}
}

func TestRiskHandler_GetStatus(t *testing.T) {
	handler := NewRiskHandler(stoppedRisk())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/risk", nil)
	w := serve("/api/v1/risk", http.MethodGet, handler.GetStatus, req, "ops")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var st risk.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if st.State != risk.StateEmergencyStopped || st.StopReason == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestRiskHandler_Reset(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantState  risk.State
	}{
		{"верный токен", `{"token":"reset-me"}`, http.StatusOK, risk.StateActive},
		{"с пересчётом дня", `{"token":"reset-me","rebase_daily":true}`, http.StatusOK, risk.StateActive},
		{"неверный токен", `{"token":"guess"}`, http.StatusForbidden, risk.StateEmergencyStopped},
		{"без токена", `{}`, http.StatusBadRequest, risk.StateEmergencyStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := stoppedRisk()
			handler := NewRiskHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/reset", strings.NewReader(tt.body))
			w := serve("/api/v1/risk/reset", http.MethodPost, handler.Reset, req, "ops")

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if svc.Status().State != tt.wantState {
				t.Errorf("state = %s, want %s", svc.Status().State, tt.wantState)
			}
		})
	}
}
