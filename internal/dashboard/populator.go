// Package dashboard materializes the pipeline's final outputs into the
// read-optimized dashboard row external consumers read. The pipeline
// only writes this projection; no pipeline invariant depends on it
// being consumed.
package dashboard

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

// Populator builds and upserts the dashboard row for a finished ladder.
// An audit cannot complete until Populate succeeds; the optional
// Salesforce sync is best-effort and never fails the audit.
type Populator struct {
	store store.Store
	sync  *Syncer // nil disables CRM sync
}

// NewPopulator creates a Populator. syncer may be nil when Salesforce
// is not configured.
func NewPopulator(st store.Store, syncer *Syncer) *Populator {
	return &Populator{store: st, sync: syncer}
}

// Populate assembles the dashboard payload from persisted state and
// upserts it. Idempotent: re-running converges on the same row.
func (p *Populator) Populate(ctx context.Context, audit *model.Audit, company *model.Company) error {
	payload, err := p.buildPayload(ctx, audit, company)
	if err != nil {
		return err
	}

	d := &model.Dashboard{
		AuditID:     audit.ID,
		CompanyID:   company.ID,
		Payload:     *payload,
		PopulatedAt: time.Now().UTC(),
	}
	if err := p.store.UpsertDashboard(ctx, d); err != nil {
		return eris.Wrapf(err, "dashboard: upsert for audit %s", audit.ID)
	}
	zap.L().Info("dashboard: populated",
		zap.String("audit_id", audit.ID),
		zap.String("company", company.Name),
		zap.Float64("visibility_rate", payload.VisibilityRate),
	)

	if p.sync != nil {
		// Sync failures are recorded, never fatal: the dashboard row is
		// the contract, the CRM copy is a convenience.
		if err := p.sync.SyncAccount(ctx, audit, company, payload); err != nil {
			zap.L().Warn("dashboard: salesforce sync failed",
				zap.String("audit_id", audit.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// buildPayload reduces persisted responses, priorities, and the summary
// into the denormalized dashboard content.
func (p *Populator) buildPayload(ctx context.Context, audit *model.Audit, company *model.Company) (*model.DashboardPayload, error) {
	progress, err := p.store.GetAuditProgress(ctx, audit.ID)
	if err != nil {
		return nil, eris.Wrap(err, "dashboard: load progress")
	}
	queries, err := p.store.ListQueries(ctx, audit.ID)
	if err != nil {
		return nil, eris.Wrap(err, "dashboard: list queries")
	}
	responses, err := p.store.ListResponses(ctx, audit.ID)
	if err != nil {
		return nil, eris.Wrap(err, "dashboard: list responses")
	}
	priorities, err := p.store.ListPriorities(ctx, audit.ID)
	if err != nil {
		return nil, eris.Wrap(err, "dashboard: list priorities")
	}
	summary, err := p.store.GetExecutiveSummary(ctx, audit.ID)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "dashboard: load executive summary")
	}

	payload := &model.DashboardPayload{
		CompanyName:    company.Name,
		Progress:       *progress,
		PhaseBreakdown: phaseBreakdown(queries, responses),
		Priorities:     rankedItems(priorities),
		Summary:        summary,
		ProviderHealth: providerHealth(responses),
	}
	payload.VisibilityRate, payload.AvgSentiment, payload.AvgPosition, payload.AvgRecommend = overallRates(responses)
	return payload, nil
}

// overallRates computes the audit-wide visibility aggregates over
// analyzed responses. Ordinal scores average directly; that ordering is
// why the analyzer's enums are ordered.
func overallRates(responses []model.Response) (rate, sentiment, position, recommend float64) {
	analyzed := 0
	mentioned := 0
	var sSum, pSum, rSum int
	for i := range responses {
		r := &responses[i]
		if r.Status != model.ResponseOK || !r.Analyzed() {
			continue
		}
		analyzed++
		if r.Analysis.BrandMentioned {
			mentioned++
		}
		sSum += r.Analysis.Sentiment.Score()
		pSum += r.Analysis.MentionPosition.Score()
		rSum += r.Analysis.Recommendation.Score()
	}
	if analyzed == 0 {
		return 0, 0, 0, 0
	}
	n := float64(analyzed)
	return float64(mentioned) / n, float64(sSum) / n, float64(pSum) / n, float64(rSum) / n
}

// phaseBreakdown aggregates analysis ordinals per journey phase.
func phaseBreakdown(queries []model.Query, responses []model.Response) map[model.JourneyPhase]model.PhaseVisibility {
	phaseOf := make(map[string]model.JourneyPhase, len(queries))
	breakdown := make(map[model.JourneyPhase]model.PhaseVisibility, len(model.JourneyPhases))
	for _, q := range queries {
		phaseOf[q.ID] = q.Phase
		pv := breakdown[q.Phase]
		pv.Queries++
		breakdown[q.Phase] = pv
	}

	type acc struct {
		analyzed, mentioned, sSum, pSum, rSum int
	}
	accs := make(map[model.JourneyPhase]*acc)
	for i := range responses {
		r := &responses[i]
		phase, ok := phaseOf[r.QueryID]
		if !ok {
			continue
		}
		pv := breakdown[phase]
		pv.Responses++
		breakdown[phase] = pv

		if r.Status != model.ResponseOK || !r.Analyzed() {
			continue
		}
		a := accs[phase]
		if a == nil {
			a = &acc{}
			accs[phase] = a
		}
		a.analyzed++
		if r.Analysis.BrandMentioned {
			a.mentioned++
		}
		a.sSum += r.Analysis.Sentiment.Score()
		a.pSum += r.Analysis.MentionPosition.Score()
		a.rSum += r.Analysis.Recommendation.Score()
	}

	for phase, a := range accs {
		pv := breakdown[phase]
		n := float64(a.analyzed)
		pv.MentionRate = float64(a.mentioned) / n
		pv.AvgSentiment = float64(a.sSum) / n
		pv.AvgPosition = float64(a.pSum) / n
		pv.AvgRecommend = float64(a.rSum) / n
		breakdown[phase] = pv
	}
	return breakdown
}

// rankedItems projects strategic priorities into per-type item lists,
// preserving rank order (ReplacePriorities persists them ranked).
func rankedItems(priorities []model.StrategicPriority) map[model.ExtractionType][]model.InsightItem {
	out := make(map[model.ExtractionType][]model.InsightItem, len(model.ExtractionTypes))
	for _, p := range priorities {
		out[p.Type] = append(out[p.Type], p.Item)
	}
	return out
}

// providerHealth counts per-provider outcomes for the audit.
func providerHealth(responses []model.Response) map[string]model.ProviderHealthSnapshot {
	health := make(map[string]model.ProviderHealthSnapshot)
	for i := range responses {
		r := &responses[i]
		if r.Provider == "" {
			continue
		}
		h := health[r.Provider]
		switch {
		case r.Status == model.ResponseOK:
			h.Succeeded++
			if r.CacheHit {
				h.CacheHits++
			}
		case r.FailureKind == model.FailureMalformed:
			h.Malformed++
		default:
			h.Transport++
		}
		health[r.Provider] = h
	}
	return health
}
