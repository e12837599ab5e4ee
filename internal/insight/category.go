package insight

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

// categoryKey addresses one (phase, type) reduction group.
type categoryKey struct {
	phase model.JourneyPhase
	typ   model.ExtractionType
}

// RunCategoryStage merges batch insights into one top-N category row
// per (phase, extraction type) and returns the number of rows written.
// Items rescore to mean-times-count so a signal repeated across batches
// outranks a single loud one. Running before any batch insights exist
// is an ordering bug, not an empty audit, and fails loudly.
func (l *Ladder) RunCategoryStage(ctx context.Context, auditID string) (int, error) {
	batches, err := l.store.ListBatchInsights(ctx, auditID)
	if err != nil {
		return 0, eris.Wrap(err, "insight: list batch insights")
	}
	if len(batches) == 0 {
		return 0, eris.Errorf("insight: no batch insights for audit %s", auditID)
	}

	grouped := make(map[categoryKey][]model.InsightItem)
	counts := make(map[categoryKey]int)
	for _, bi := range batches {
		key := categoryKey{phase: bi.Phase, typ: bi.Type}
		grouped[key] = append(grouped[key], bi.Items...)
		counts[key]++
	}

	written := 0
	for _, phase := range model.JourneyPhases {
		for _, typ := range model.ExtractionTypes {
			key := categoryKey{phase: phase, typ: typ}
			if counts[key] == 0 {
				continue
			}
			items := mergeItems(grouped[key])
			for i := range items {
				items[i].Score = round2(items[i].Score * float64(items[i].Count))
			}
			sortItems(items)
			if len(items) > l.cfg.CategoryTopN {
				items = items[:l.cfg.CategoryTopN]
			}

			ci := &model.CategoryInsight{
				AuditID: auditID,
				Phase:   phase,
				Type:    typ,
				Items:   items,
			}
			summary, err := l.syn.CategorySummary(ctx, ci)
			if err != nil {
				return written, eris.Wrapf(err, "insight: summarize %s %s", phase, typ)
			}
			ci.Summary = summary
			if err := l.store.UpsertCategoryInsight(ctx, ci); err != nil {
				return written, eris.Wrapf(err, "insight: upsert category %s %s", phase, typ)
			}
			written++
		}
	}

	l.recordWritten(ctx, auditID, model.PhaseCategoryInsights, "category", written)
	return written, nil
}
