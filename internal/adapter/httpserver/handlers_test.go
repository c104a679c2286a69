package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fairyhunter13/ace-collector/internal/adapter/httpserver"
	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ace-collector/internal/dispatch"
)

type fakeGroups struct {
	statuses []dispatch.GroupStatus
}

func (f fakeGroups) Status() []dispatch.GroupStatus { return f.statuses }

func TestHealthzHandler_AlwaysOK(t *testing.T) {
	s := httpserver.NewServer(nil, nil, nil)
	rec := httptest.NewRecorder()
	s.HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzHandler_AllHealthy(t *testing.T) {
	s := httpserver.NewServer(
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
		nil,
	)
	rec := httptest.NewRecorder()
	s.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzHandler_WorkloadDBDown_ServiceUnavailable(t *testing.T) {
	s := httpserver.NewServer(
		func(context.Context) error { return errors.New("db down") },
		func(context.Context) error { return nil },
		nil,
	)
	rec := httptest.NewRecorder()
	s.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	checks, ok := body["checks"].([]any)
	if !ok || len(checks) != 2 {
		t.Fatalf("expected 2 checks, got %v", body["checks"])
	}
}

func TestDebugGroupsHandler_ReportsRegisteredGroups(t *testing.T) {
	s := httpserver.NewServer(nil, nil, fakeGroups{statuses: []dispatch.GroupStatus{
		{Name: "mailbox-full", GroupID: 1, Coverage: 100, FullDelivery: true, Database: "primary", BatchSize: 32},
	}})
	rec := httptest.NewRecorder()
	s.DebugGroupsHandler()(rec, httptest.NewRequest(http.MethodGet, "/debug/groups", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Groups []dispatch.GroupStatus `json:"groups"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Groups) != 1 || body.Groups[0].Name != "mailbox-full" {
		t.Fatalf("unexpected groups: %+v", body.Groups)
	}
}

func TestDebugGroupsHandler_NilSourceReturnsEmptyList(t *testing.T) {
	s := httpserver.NewServer(nil, nil, nil)
	rec := httptest.NewRecorder()
	s.DebugGroupsHandler()(rec, httptest.NewRequest(http.MethodGet, "/debug/groups", nil))
	var body struct {
		Groups []dispatch.GroupStatus `json:"groups"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Groups == nil || len(body.Groups) != 0 {
		t.Fatalf("expected empty slice, got %+v", body.Groups)
	}
}

func TestDebugBreakersHandler_ReportsRegisteredBreakers(t *testing.T) {
	observability.ResetAllCircuitBreakers()
	observability.GetCircuitBreaker("group:mailbox-full:primary", 5, 0)

	s := httpserver.NewServer(nil, nil, nil)
	rec := httptest.NewRecorder()
	s.DebugBreakersHandler()(rec, httptest.NewRequest(http.MethodGet, "/debug/breakers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Breakers []observability.BreakerStats `json:"breakers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, b := range body.Breakers {
		if b.Target == "group:mailbox-full:primary" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected registered breaker in response, got %+v", body.Breakers)
	}
}

func TestMetricsHandler_ServesPrometheusExposition(t *testing.T) {
	s := httpserver.NewServer(nil, nil, nil)
	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
