package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
)

// Reprocess re-queues an audit at its recorded phase, guarded against
// crash loops: once the reprocess log shows the configured number of
// attempts inside the rolling window, the audit is failed with a
// loop-detected reason and further attempts return ErrLoopDetected.
// Guarded audits need an operator, not another retry.
func (r *Runner) Reprocess(ctx context.Context, auditID string, trigger model.TriggerSource, reason string) error {
	audit, err := r.store.GetAudit(ctx, auditID)
	if err != nil {
		return eris.Wrapf(err, "audit: load %s", auditID)
	}
	switch audit.Status {
	case model.AuditStatusCompleted, model.AuditStatusCancelled:
		return eris.Errorf("audit: cannot reprocess %s audit %s", audit.Status, auditID)
	case model.AuditStatusProcessing:
		// A live lease means a worker is mid-phase; requeueing now would
		// hand the audit to a second worker while the first still runs.
		if !r.staleLease(audit, time.Now()) {
			return eris.Errorf("audit: %s is processing under a live lease, stop it or wait for the lease to go stale", auditID)
		}
	}

	since := time.Now().Add(-r.cfg.ReprocessWindow)
	recent, err := r.store.CountRecentReprocesses(ctx, auditID, since)
	if err != nil {
		return eris.Wrap(err, "audit: count recent reprocesses")
	}
	if recent >= r.cfg.ReprocessMaxAttempts {
		failReason := fmt.Sprintf("%s: %d attempts within %s", model.LoopDetectedReason, recent, r.cfg.ReprocessWindow)
		if _, ferr := r.store.FailAudit(ctx, auditID, "", failReason); ferr != nil {
			zap.L().Error("audit: fail looping audit", zap.String("audit_id", auditID), zap.Error(ferr))
		}
		r.appendEvent(ctx, auditID, model.EventLoopRefused, map[string]string{
			"attempts": strconv.Itoa(recent),
			"window":   r.cfg.ReprocessWindow.String(),
		})
		zap.L().Error("audit: reprocess refused by loop guard",
			zap.String("audit_id", auditID),
			zap.Int("attempts", recent),
		)
		return eris.Wrapf(ErrLoopDetected, "audit: %s had %d attempts within %s", auditID, recent, r.cfg.ReprocessWindow)
	}

	if err := r.requeue(ctx, audit, audit.Phase, trigger, reason); err != nil {
		return err
	}
	r.appendEvent(ctx, auditID, model.EventReprocess, map[string]string{
		"trigger": string(trigger),
		"phase":   string(audit.Phase),
		"reason":  reason,
	})
	zap.L().Info("audit: requeued for reprocess",
		zap.String("audit_id", auditID),
		zap.String("trigger", string(trigger)),
		zap.String("phase", string(audit.Phase)),
	)
	return nil
}

// SkipPhase re-queues a non-running audit further along the pipeline,
// trusting whatever rows earlier phases persisted. Backward jumps are
// reprocessing, not skipping, and are refused.
func (r *Runner) SkipPhase(ctx context.Context, auditID string, to model.PipelinePhase, trigger model.TriggerSource) error {
	if !to.Valid() {
		return eris.Errorf("audit: unknown phase %q", to)
	}
	audit, err := r.store.GetAudit(ctx, auditID)
	if err != nil {
		return eris.Wrapf(err, "audit: load %s", auditID)
	}
	switch audit.Status {
	case model.AuditStatusProcessing:
		return eris.Errorf("audit: stop audit %s before skipping phases", auditID)
	case model.AuditStatusCompleted, model.AuditStatusCancelled:
		return eris.Errorf("audit: cannot skip phase on %s audit %s", audit.Status, auditID)
	}
	if to.Index() <= audit.Phase.Index() {
		return eris.Errorf("audit: skip target %s is not past current phase %s", to, audit.Phase)
	}

	if err := r.requeue(ctx, audit, to, trigger, "skip to "+string(to)); err != nil {
		return err
	}
	r.appendEvent(ctx, auditID, model.EventSkipPhase, map[string]string{
		"from": string(audit.Phase),
		"to":   string(to),
	})
	return nil
}

// ForceReanalyze clears analysis fields, never raw responses, and
// re-queues the audit at the analysis phase. The usual path after a
// lexicon or scoring change.
func (r *Runner) ForceReanalyze(ctx context.Context, auditID string, trigger model.TriggerSource) error {
	audit, err := r.store.GetAudit(ctx, auditID)
	if err != nil {
		return eris.Wrapf(err, "audit: load %s", auditID)
	}
	switch audit.Status {
	case model.AuditStatusProcessing:
		return eris.Errorf("audit: stop audit %s before forcing reanalysis", auditID)
	case model.AuditStatusCancelled:
		return eris.Errorf("audit: cannot reanalyze cancelled audit %s", auditID)
	}

	cleared, err := r.store.ClearAnalyses(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "audit: clear analyses")
	}
	if err := r.requeue(ctx, audit, model.PhaseAnalysis, trigger, fmt.Sprintf("force reanalyze, cleared %d", cleared)); err != nil {
		return err
	}
	r.appendEvent(ctx, auditID, model.EventForceReanalyze, map[string]string{
		"cleared": strconv.Itoa(cleared),
	})
	zap.L().Info("audit: reanalysis forced",
		zap.String("audit_id", auditID),
		zap.Int("cleared", cleared),
	)
	return nil
}

// Resume re-queues an interrupted audit at the earliest ladder stage
// whose output is missing, skipping the expensive generation, execution
// and analysis phases entirely. An audit with nothing persisted to
// finalize from is refused rather than failed downstream.
func (r *Runner) Resume(ctx context.Context, auditID string, trigger model.TriggerSource) error {
	audit, err := r.store.GetAudit(ctx, auditID)
	if err != nil {
		return eris.Wrapf(err, "audit: load %s", auditID)
	}
	switch audit.Status {
	case model.AuditStatusProcessing:
		return eris.Errorf("audit: audit %s is already running", auditID)
	case model.AuditStatusCompleted, model.AuditStatusCancelled:
		return eris.Errorf("audit: cannot resume %s audit %s", audit.Status, auditID)
	}

	progress, err := r.store.GetAuditProgress(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "audit: load progress")
	}
	if progress.ResponsesAnalyzed == 0 && progress.BatchInsights == 0 {
		return eris.Errorf("audit: nothing to resume for %s, no analyzed responses or ladder output", auditID)
	}
	target := resumePhase(progress)

	if err := r.requeue(ctx, audit, target, trigger, "resume at "+string(target)); err != nil {
		return err
	}
	r.appendEvent(ctx, auditID, model.EventResume, map[string]string{
		"phase": string(target),
	})
	zap.L().Info("audit: resumed",
		zap.String("audit_id", auditID),
		zap.String("phase", string(target)),
	)
	return nil
}

// resumePhase picks the earliest ladder stage missing its output. The
// dashboard phase always re-runs so the projection reflects whatever
// ladder rows exist.
func resumePhase(p *model.AuditProgress) model.PipelinePhase {
	switch {
	case p.BatchInsights == 0:
		return model.PhaseBatchInsights
	case p.CategoryInsights == 0:
		return model.PhaseCategoryInsights
	case p.StrategicPriorities == 0:
		return model.PhasePriorities
	case !p.HasExecutiveSummary:
		return model.PhaseExecutive
	default:
		return model.PhaseDashboard
	}
}

// staleLease reports whether a processing audit's heartbeat is old
// enough that its worker is presumed dead. A missing heartbeat counts
// as stale.
func (r *Runner) staleLease(a *model.Audit, now time.Time) bool {
	if a.HeartbeatAt == nil {
		return true
	}
	return now.Sub(*a.HeartbeatAt) > r.cfg.StaleAfter
}

// requeue flips the audit back to pending, moves the phase cursor, and
// writes the reprocess-log entry the loop guard counts. The status CAS
// runs first: a refused reset leaves the cursor untouched. Entry
// numbering comes from the log itself so it stays strictly increasing
// across every operation that re-queues.
func (r *Runner) requeue(ctx context.Context, audit *model.Audit, phase model.PipelinePhase, trigger model.TriggerSource, reason string) error {
	if audit.Status != model.AuditStatusPending {
		reset, err := r.store.ResetAuditForReprocess(ctx, audit.ID)
		if err != nil {
			return eris.Wrap(err, "audit: reset for reprocess")
		}
		if !reset {
			return eris.Errorf("audit: reset refused for %s", audit.ID)
		}
	}
	if _, err := r.store.SetAuditPhase(ctx, audit.ID, phase); err != nil {
		return eris.Wrapf(err, "audit: set phase %s", phase)
	}

	total, err := r.store.CountRecentReprocesses(ctx, audit.ID, time.Time{})
	if err != nil {
		return eris.Wrap(err, "audit: count reprocess entries")
	}
	entry := &model.ReprocessEntry{
		AuditID:      audit.ID,
		Attempt:      total + 1,
		Trigger:      trigger,
		BeforeStatus: audit.Status,
		BeforePhase:  audit.Phase,
		AfterStatus:  model.AuditStatusPending,
		AfterPhase:   phase,
		Reason:       reason,
	}
	if err := r.store.AppendReprocess(ctx, entry); err != nil {
		return eris.Wrap(err, "audit: append reprocess entry")
	}
	return nil
}
