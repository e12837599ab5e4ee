// Package api exposes the audit control surface over HTTP: audit CRUD,
// lifecycle operations, and the health and metrics endpoints. Handlers
// validate and translate; every state transition goes through the store
// CAS paths or the runner, never through direct row edits.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/monitoring"
	"github.com/sells-group/visibility-cli/internal/store"
)

// Pipeline is the slice of the audit runner the API drives. Implemented
// by *audit.Runner.
type Pipeline interface {
	Run(ctx context.Context, auditID string) error
	Reprocess(ctx context.Context, auditID string, trigger model.TriggerSource, reason string) error
	SkipPhase(ctx context.Context, auditID string, to model.PipelinePhase, trigger model.TriggerSource) error
	ForceReanalyze(ctx context.Context, auditID string, trigger model.TriggerSource) error
	Resume(ctx context.Context, auditID string, trigger model.TriggerSource) error
}

// Config holds the server's request-handling settings.
type Config struct {
	CORSOrigins       []string
	DefaultQueryCount int
	StaleThreshold    time.Duration
	Providers         []string // registered provider names, for health
	TemplateCount     int
	CacheEnabled      bool
}

// Server handles the control-surface routes.
type Server struct {
	store     store.Store
	pipeline  Pipeline
	collector *monitoring.Collector
	cfg       Config

	// baseCtx bounds asynchronous audit runs started by execute;
	// cancelling it interrupts them and leaves their leases to expire.
	baseCtx context.Context
}

// New creates a Server. ctx is the lifetime of the server's background
// work, not of any single request.
func New(ctx context.Context, st store.Store, p Pipeline, collector *monitoring.Collector, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.DefaultQueryCount < 1 {
		cfg.DefaultQueryCount = 42
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{store: st, pipeline: p, collector: collector, cfg: cfg, baseCtx: ctx}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/audits", func(r chi.Router) {
			r.Post("/", s.handleCreateAudit)
			r.Get("/", s.handleListAudits)
			r.Delete("/failed", s.handleDeleteFailed)

			r.Route("/{auditID}", func(r chi.Router) {
				r.Get("/", s.handleGetAudit)
				r.Delete("/", s.handleDeleteAudit)
				r.Post("/execute", s.handleExecute)
				r.Post("/stop", s.handleStop)
				r.Post("/retry", s.handleRetry)
				r.Post("/skip-phase", s.handleSkipPhase)
				r.Post("/force-reanalyze", s.handleForceReanalyze)
				r.Post("/resume", s.handleResume)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
