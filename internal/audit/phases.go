package audit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/analyzer"
	"github.com/sells-group/visibility-cli/internal/model"
)

// runPhase executes the audit's current phase to its postcondition.
// Every phase is idempotent over persisted state, so a reprocessed
// audit re-enters here without redoing finished work.
func (r *Runner) runPhase(ctx context.Context, audit *model.Audit, company *model.Company) error {
	switch audit.Phase {
	case model.PhaseGeneration:
		return r.runGeneration(ctx, audit, company)
	case model.PhaseExecution:
		return r.runExecution(ctx, audit)
	case model.PhaseAnalysis:
		return r.runAnalysis(ctx, audit, company)
	case model.PhaseBatchInsights:
		n, err := r.ladder(audit).RunBatchStage(ctx, audit.ID, company.BrandContext())
		if err != nil {
			return err
		}
		if n == 0 {
			return eris.Errorf("audit: no batch insights produced for %s", audit.ID)
		}
		return nil
	case model.PhaseCategoryInsights:
		_, err := r.ladder(audit).RunCategoryStage(ctx, audit.ID)
		return err
	case model.PhasePriorities:
		_, err := r.ladder(audit).RunPriorityStage(ctx, audit.ID)
		return err
	case model.PhaseExecutive:
		return r.ladder(audit).RunExecutiveStage(ctx, audit.ID, company)
	case model.PhaseDashboard:
		if r.dash == nil {
			return eris.New("audit: no dashboard populator configured")
		}
		return r.dash.Populate(ctx, audit, company)
	}
	return eris.Errorf("audit: unknown phase %q", audit.Phase)
}

// runGeneration produces and persists the full query set. All or
// nothing: a partial set left by a crash is discarded and regenerated
// rather than topped up, so quota accounting never drifts.
func (r *Runner) runGeneration(ctx context.Context, audit *model.Audit, company *model.Company) error {
	if audit.TotalQueries < 1 {
		return eris.Errorf("audit: total queries %d must be positive", audit.TotalQueries)
	}
	if r.gen == nil {
		return eris.New("audit: no generator configured")
	}

	existing, err := r.store.ListQueries(ctx, audit.ID)
	if err != nil {
		return eris.Wrap(err, "audit: list queries")
	}
	if len(existing) >= audit.TotalQueries {
		return nil
	}
	if len(existing) > 0 {
		deleted, err := r.store.DeleteQueries(ctx, audit.ID)
		if err != nil {
			return eris.Wrap(err, "audit: clear partial query set")
		}
		zap.L().Warn("audit: discarded partial query set",
			zap.String("audit_id", audit.ID),
			zap.Int("deleted", deleted),
		)
	}

	drafts, err := r.gen.Generate(ctx, *company, audit.TotalQueries)
	if err != nil {
		return err
	}
	queries := make([]model.Query, len(drafts))
	for i, d := range drafts {
		queries[i] = d.ToQuery(audit.ID)
	}
	inserted, err := r.store.InsertQueries(ctx, queries)
	if err != nil {
		return eris.Wrap(err, "audit: persist queries")
	}
	if inserted != int64(audit.TotalQueries) {
		return eris.Errorf("audit: persisted %d of %d queries", inserted, audit.TotalQueries)
	}

	r.recordMetric(ctx, audit.ID, model.PhaseGeneration, model.MetricQueriesGenerated, inserted)
	return nil
}

// runExecution fans the query set through the provider waterfall and
// applies the minimum-completion policy to the outcome.
func (r *Runner) runExecution(ctx context.Context, audit *model.Audit) error {
	if r.exec == nil {
		return eris.New("audit: no executor configured")
	}
	queries, err := r.store.ListQueries(ctx, audit.ID)
	if err != nil {
		return eris.Wrap(err, "audit: list queries")
	}
	if len(queries) == 0 {
		return eris.Errorf("audit: no queries persisted for %s", audit.ID)
	}

	stats, err := r.exec.ExecutePhase(ctx, audit.ID, queries, audit.Providers, r.stopRequested(audit.ID))
	if err != nil {
		return err
	}
	if stats.Stopped {
		return errStopObserved
	}

	min := r.minFraction(audit)
	if !stats.MeetsFraction(min) {
		return eris.Errorf("audit: execution completed %d of %d queries (%.2f below minimum %.2f)",
			stats.Succeeded, stats.Total, stats.CompletionFraction(), min)
	}
	return nil
}

// runAnalysis attaches analyzer output to every ok response that lacks
// it. Already-analyzed responses are left alone, so re-entry after a
// crash only pays for the remainder.
func (r *Runner) runAnalysis(ctx context.Context, audit *model.Audit, company *model.Company) error {
	responses, err := r.store.ListResponses(ctx, audit.ID)
	if err != nil {
		return eris.Wrap(err, "audit: list responses")
	}

	brand := company.BrandContext()
	analyzed := int64(0)
	for i := range responses {
		resp := &responses[i]
		if resp.Status != model.ResponseOK || resp.Analyzed() {
			continue
		}
		a := analyzer.Analyze(resp.RawText, brand)
		if err := r.store.UpdateResponseAnalysis(ctx, resp.ID, &a, time.Now().UTC()); err != nil {
			return eris.Wrapf(err, "audit: persist analysis for response %s", resp.ID)
		}
		analyzed++
	}

	if analyzed > 0 {
		r.recordMetric(ctx, audit.ID, model.PhaseAnalysis, model.MetricResponsesAnalyzed, analyzed)
	}
	return nil
}

// recordMetric appends an accounting row best-effort.
func (r *Runner) recordMetric(ctx context.Context, auditID string, phase model.PipelinePhase, metric string, count int64) {
	err := r.store.AppendMetadata(ctx, model.ProcessingMetadata{
		AuditID: auditID,
		Phase:   phase,
		Metric:  metric,
		Count:   count,
	})
	if err != nil {
		zap.L().Warn("audit: record metric",
			zap.String("audit_id", auditID),
			zap.String("metric", metric),
			zap.Error(err),
		)
	}
}
