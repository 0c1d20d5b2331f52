package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" || status.Service != ServiceName {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestReadinessHandler_AllHealthy(t *testing.T) {
	ok := func(context.Context) (bool, error) { return true, nil }
	rec := httptest.NewRecorder()
	ReadinessHandler(
		DependencyCheck{Name: "upstream", Check: ok},
		DependencyCheck{Name: "event_store", Check: ok},
	)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	_ = json.NewDecoder(rec.Body).Decode(&status)
	if len(status.Dependencies) != 2 {
		t.Errorf("Expected 2 dependencies, got %d", len(status.Dependencies))
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadinessHandler(
		DependencyCheck{Name: "upstream", Check: func(context.Context) (bool, error) { return true, nil }},
		DependencyCheck{Name: "event_store", Check: func(context.Context) (bool, error) { return false, errors.New("ping failed") }},
	)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
	var status HealthStatus
	_ = json.NewDecoder(rec.Body).Decode(&status)
	if status.Status != "not_ready" {
		t.Errorf("Expected not_ready, got %s", status.Status)
	}
	if dep := status.Dependencies["event_store"]; dep.Status != "unhealthy" || dep.Message != "ping failed" {
		t.Errorf("Unexpected event_store status %+v", dep)
	}
}
