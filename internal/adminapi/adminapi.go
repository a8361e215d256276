// Package adminapi exposes the broker's read-only operator surface: a
// liveness probe, prometheus metrics, and the same introspection data the
// broker pseudo-module answers in-protocol (§4.11), here as plain JSON for
// operators without a protocol client. Routed with chi, mirroring
// akz4ol-gatewayops/gateway/internal/router/router.go's chi.NewRouter +
// r.Route grouping; every request gets a correlation id from
// github.com/google/uuid the way that same pack member's approval/sso/rbac
// services mint ids, surfaced as an X-Request-Id response header.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bytesonus/juno/internal/registry"
)

// New builds the admin HTTP handler. reg supplies module data for the
// introspection endpoints; promReg, if non-nil, is exposed at /metrics.
func New(reg *registry.Registry, promReg *prometheus.Registry, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if promReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			registered, unregistered := reg.Snapshot()
			out := make([]registry.Summary, 0, len(registered)+len(unregistered))
			for _, m := range registered {
				out = append(out, registry.Summarize(m))
			}
			for _, m := range unregistered {
				out = append(out, registry.Summarize(m))
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Get("/{moduleID}", func(w http.ResponseWriter, req *http.Request) {
			moduleID := chi.URLParam(req, "moduleID")
			m, ok := reg.Get(moduleID)
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "module not found"})
				return
			}
			writeJSON(w, http.StatusOK, registry.Summarize(m))
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestID assigns every inbound request a correlation id (reusing an
// inbound X-Request-Id header when present) and sets it as the
// X-Request-Id response header, where the request logger and the caller
// both read it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Str("requestId", w.Header().Get("X-Request-Id")).Msg("admin api request")
			next.ServeHTTP(w, r)
		})
	}
}
