package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty or "*" input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the operational HTTP handler: liveness/readiness
// probes, Prometheus metrics, and the group debug endpoint, each behind the
// same middleware stack the dispatch engine's other adapters log through.
func BuildRouter(srv *Server, corsAllowOrigins string, rateLimitPerMin int) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TimeoutMiddleware(10 * time.Second))
	r.Use(AccessLog())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(corsAllowOrigins),
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())

	r.Group(func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(rateLimitPerMin, time.Minute))
		gr.Handle("/metrics", srv.MetricsHandler())
		gr.Get("/debug/groups", srv.DebugGroupsHandler())
		gr.Get("/debug/breakers", srv.DebugBreakersHandler())
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	return r
}
