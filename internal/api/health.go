package api

import (
	"net/http"
	"strconv"
)

// handleHealth probes each dependency the pipeline needs: the store, the
// response cache, the provider registry, and the template registry. Any
// failing probe degrades the whole surface to 503 with per-dependency
// detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	healthy := true

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}

	if s.cfg.CacheEnabled {
		if _, err := s.store.GetCachedResponse(r.Context(), "healthcheck", "healthcheck"); err != nil {
			checks["cache"] = err.Error()
			healthy = false
		} else {
			checks["cache"] = "ok"
		}
	} else {
		checks["cache"] = "disabled"
	}

	if len(s.cfg.Providers) == 0 {
		checks["providers"] = "no providers registered"
		healthy = false
	} else {
		checks["providers"] = "ok (" + strconv.Itoa(len(s.cfg.Providers)) + ")"
	}

	if s.cfg.TemplateCount == 0 {
		checks["templates"] = "no templates loaded"
		healthy = false
	} else {
		checks["templates"] = "ok (" + strconv.Itoa(s.cfg.TemplateCount) + ")"
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// handleMetrics serves the collector snapshot. The lookback window for
// metric sums comes from the hours query parameter, defaulting to a day.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics collector not configured")
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		hours = n
	}
	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
