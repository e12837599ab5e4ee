package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/audit"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

type createAuditRequest struct {
	CompanyID    string            `json:"company_id"`
	TotalQueries int               `json:"total_queries"`
	Providers    []string          `json:"providers"`
	Config       model.AuditConfig `json:"config"`
}

// auditView is the status payload for a single audit: the row, its
// derived health, and the per-phase progress counters.
type auditView struct {
	*model.Audit
	Health   model.AuditHealth    `json:"health"`
	Progress *model.AuditProgress `json:"progress,omitempty"`
}

func (s *Server) handleCreateAudit(w http.ResponseWriter, r *http.Request) {
	var req createAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required")
		return
	}
	if req.TotalQueries < 0 {
		writeError(w, http.StatusBadRequest, "total_queries must not be negative")
		return
	}
	if req.TotalQueries == 0 {
		req.TotalQueries = s.cfg.DefaultQueryCount
	}

	if _, err := s.store.GetCompany(r.Context(), req.CompanyID); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "company not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	created, err := s.store.CreateAudit(r.Context(), &model.Audit{
		CompanyID:    req.CompanyID,
		TotalQueries: req.TotalQueries,
		Providers:    req.Providers,
		Config:       req.Config,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Status:    model.AuditStatus(q.Get("status")),
		CompanyID: q.Get("company_id"),
		Active:    q.Get("active") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	audits, err := s.store.ListAudits(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now().UTC()
	views := make([]auditView, len(audits))
	for i := range audits {
		views[i] = auditView{
			Audit:  &audits[i],
			Health: audits[i].Health(now, s.cfg.StaleThreshold),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": views, "count": len(views)})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAudit(w, r)
	if !ok {
		return
	}
	progress, err := s.store.GetAuditProgress(r.Context(), a.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, auditView{
		Audit:    a,
		Health:   a.Health(time.Now().UTC(), s.cfg.StaleThreshold),
		Progress: progress,
	})
}

// handleExecute starts a manual run. The claim itself happens on the
// background goroutine; the synchronous check only rejects audits that
// are visibly not pending so the caller gets a useful status.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAudit(w, r)
	if !ok {
		return
	}
	if a.Status != model.AuditStatusPending {
		writeError(w, http.StatusConflict, "audit is not pending")
		return
	}

	go func() {
		if err := s.pipeline.Run(s.baseCtx, a.ID); err != nil {
			zap.L().Error("api: manual run ended in error",
				zap.String("audit_id", a.ID),
				zap.Error(err),
			)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": a.ID, "status": "accepted"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "auditID")
	status, err := s.store.StopAudit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status == "" {
		writeError(w, http.StatusConflict, "audit is not in a stoppable state")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(status)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "auditID")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "api retry"
	}
	s.runOp(w, r, id, func() error {
		return s.pipeline.Reprocess(r.Context(), id, model.TriggerAPI, body.Reason)
	})
}

func (s *Server) handleSkipPhase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "auditID")
	var body struct {
		Phase model.PipelinePhase `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Phase == "" {
		writeError(w, http.StatusBadRequest, "phase is required")
		return
	}
	s.runOp(w, r, id, func() error {
		return s.pipeline.SkipPhase(r.Context(), id, body.Phase, model.TriggerAPI)
	})
}

func (s *Server) handleForceReanalyze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "auditID")
	s.runOp(w, r, id, func() error {
		return s.pipeline.ForceReanalyze(r.Context(), id, model.TriggerAPI)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "auditID")
	s.runOp(w, r, id, func() error {
		return s.pipeline.Resume(r.Context(), id, model.TriggerAPI)
	})
}

func (s *Server) handleDeleteAudit(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAudit(w, r)
	if !ok {
		return
	}
	if a.Status == model.AuditStatusProcessing {
		writeError(w, http.StatusConflict, "stop the audit before deleting it")
		return
	}
	if err := s.store.DeleteAudit(r.Context(), a.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteFailedAudits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// loadAudit resolves the route's audit or writes the error response.
func (s *Server) loadAudit(w http.ResponseWriter, r *http.Request) (*model.Audit, bool) {
	id := chi.URLParam(r, "auditID")
	a, err := s.store.GetAudit(r.Context(), id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "audit not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return a, true
}

// runOp executes a lifecycle operation and maps its failure modes onto
// status codes: missing rows 404, loop-guard refusals 409, everything
// else a state or argument problem the caller can correct.
func (s *Server) runOp(w http.ResponseWriter, r *http.Request, id string, op func() error) {
	switch err := op(); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "accepted"})
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "audit not found")
	case eris.Is(err, audit.ErrLoopDetected):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
