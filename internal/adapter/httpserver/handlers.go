package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ace-collector/internal/dispatch"
)

// HealthCheck probes one dependency and reports an error if it's unhealthy.
type HealthCheck func(context.Context) error

// GroupStatusSource reports a read-only snapshot of every registered
// dispatch group, satisfied by *dispatch.Collector.
type GroupStatusSource interface {
	Status() []dispatch.GroupStatus
}

// Server aggregates the operational handlers' dependencies. It holds no
// domain mutation routes: the dispatch engine's only inbound extension
// point is GetNextSubmission, supplied at Collector construction.
type Server struct {
	WorkloadDBCheck HealthCheck
	RegistryDBCheck HealthCheck
	Groups          GroupStatusSource
}

// NewServer constructs a Server with its health checks and group source wired.
func NewServer(workloadDBCheck, registryDBCheck HealthCheck, groups GroupStatusSource) *Server {
	return &Server{WorkloadDBCheck: workloadDBCheck, RegistryDBCheck: registryDBCheck, Groups: groups}
}

// HealthzHandler reports liveness unconditionally: if the process can
// answer HTTP requests at all, it is live. Readiness (dependency health)
// is ReadyzHandler's job.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type checkResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Err  string `json:"error,omitempty"`
}

// ReadyzHandler probes the workload and registry databases and reports 503
// if either is unreachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make([]checkResult, 0, 2)
		ok := true
		if s.WorkloadDBCheck != nil {
			res := checkResult{Name: "workload_db", OK: true}
			if err := s.WorkloadDBCheck(ctx); err != nil {
				res.OK, res.Err = false, err.Error()
				ok = false
			}
			checks = append(checks, res)
		}
		if s.RegistryDBCheck != nil {
			res := checkResult{Name: "registry_db", OK: true}
			if err := s.RegistryDBCheck(ctx); err != nil {
				res.OK, res.Err = false, err.Error()
				ok = false
			}
			checks = append(checks, res)
		}

		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}

// MetricsHandler serves the Prometheus exposition format.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// DebugGroupsHandler returns a read-only snapshot of every registered
// group's static configuration, for operational inspection.
func (s *Server) DebugGroupsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if s.Groups == nil {
			writeJSON(w, http.StatusOK, map[string]any{"groups": []dispatch.GroupStatus{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": s.Groups.Status()})
	}
}

// DebugBreakersHandler returns a snapshot of every dispatch target's
// circuit breaker (group:database pairs and remote nodes alike), for
// diagnosing why a group has stopped making forward progress.
func (s *Server) DebugBreakersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": observability.BreakerSnapshots()})
	}
}
