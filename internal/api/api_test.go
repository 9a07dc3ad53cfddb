package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sauron-health/dispenser/internal/controller"
	"github.com/sauron-health/dispenser/internal/models"
	"github.com/sauron-health/dispenser/internal/store"
	"github.com/sauron-health/dispenser/internal/uart"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	profiles, err := store.NewFileProfileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProfileStore failed: %v", err)
	}
	audit, err := store.NewJSONLAuditStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONLAuditStore failed: %v", err)
	}
	c := controller.New(
		controller.WithProfileStore(profiles),
		controller.WithAuditStore(audit),
		controller.WithTransport(uart.NewTransport(uart.WithSerialEnabled(false))),
	)
	srv := httptest.NewServer(NewServer(c).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func decodeOpResponse(t *testing.T, resp *http.Response) models.OpResponse {
	t.Helper()
	defer resp.Body.Close()
	var out models.OpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	out := decodeOpResponse(t, resp)
	if !out.OK {
		t.Errorf("expected ok status, got %+v", out)
	}
	if out.Status.State != models.StateWaitingForUser {
		t.Errorf("expected WAITING_FOR_USER, got %s", out.Status.State)
	}
	if !out.Status.CanStartMonitoring {
		t.Error("expected can_start_monitoring=true when idle")
	}
}

func TestStatusRejectsPost(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/status failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestMonitoringFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/start-monitoring", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/start-monitoring failed: %v", err)
	}
	out := decodeOpResponse(t, resp)
	if !out.OK || out.Status.State != models.StateMonitoringDistance {
		t.Fatalf("unexpected start response: %+v", out)
	}

	resp, err = http.Post(srv.URL+"/api/distance", "application/json",
		strings.NewReader(`{"distance_m": 0.5}`))
	if err != nil {
		t.Fatalf("POST /api/distance failed: %v", err)
	}
	out = decodeOpResponse(t, resp)
	if !out.OK || out.Status.State != models.StateFaceRecognition {
		t.Fatalf("unexpected distance response: %+v", out)
	}

	resp, err = http.Post(srv.URL+"/api/recognition", "application/json",
		strings.NewReader(`{"match_type": "new"}`))
	if err != nil {
		t.Fatalf("POST /api/recognition failed: %v", err)
	}
	out = decodeOpResponse(t, resp)
	if !out.OK || out.Status.State != models.StateRegisterNewUser {
		t.Fatalf("unexpected recognition response: %+v", out)
	}

	resp, err = http.Post(srv.URL+"/api/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/reset failed: %v", err)
	}
	out = decodeOpResponse(t, resp)
	if !out.OK || out.Status.State != models.StateWaitingForUser {
		t.Fatalf("unexpected reset response: %+v", out)
	}
}

func TestRejectedOperationStillReturns200(t *testing.T) {
	srv := newTestServer(t)

	// Distance updates are invalid while idle; the rejection travels in the
	// envelope, not the HTTP status.
	resp, err := http.Post(srv.URL+"/api/distance", "application/json",
		strings.NewReader(`{"distance_m": 1.0}`))
	if err != nil {
		t.Fatalf("POST /api/distance failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeOpResponse(t, resp)
	if out.OK {
		t.Error("expected rejected operation")
	}
	if out.Message == "" {
		t.Error("expected a human-readable rejection reason")
	}
}

func TestInvalidJSONReturns400(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/distance", "application/json",
		strings.NewReader(`{not json`))
	if err != nil {
		t.Fatalf("POST /api/distance failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUsersEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/users")
	if err != nil {
		t.Fatalf("GET /api/users failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var out models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok envelope, got %+v", out)
	}
}

func TestDispenseLogEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/dispense-log?limit=10")
	if err != nil {
		t.Fatalf("GET /api/dispense-log failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
