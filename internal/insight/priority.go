package insight

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

// priorityAgg accumulates one label's cross-phase evidence.
type priorityAgg struct {
	item   model.InsightItem
	score  float64
	phases map[model.JourneyPhase]bool
}

// RunPriorityStage rolls category insights up into ranked strategic
// priorities per extraction type and returns the number of rows
// written. Scores weight each phase's contribution by its funnel
// weight, so a gap surfacing at the comparison stage outranks the same
// gap at discovery. Ranks are contiguous from 1; a rerun replaces the
// previous ranking wholesale.
func (l *Ladder) RunPriorityStage(ctx context.Context, auditID string) (int, error) {
	categories, err := l.store.ListCategoryInsights(ctx, auditID)
	if err != nil {
		return 0, eris.Wrap(err, "insight: list category insights")
	}
	if len(categories) == 0 {
		return 0, eris.Errorf("insight: no category insights for audit %s", auditID)
	}

	byType := make(map[model.ExtractionType]map[string]*priorityAgg)
	for _, ci := range categories {
		weight := model.PhaseWeights[ci.Phase]
		aggs := byType[ci.Type]
		if aggs == nil {
			aggs = make(map[string]*priorityAgg)
			byType[ci.Type] = aggs
		}
		for _, it := range ci.Items {
			key := normalizeLabel(it.Label)
			agg := aggs[key]
			if agg == nil {
				agg = &priorityAgg{
					item:   model.InsightItem{Label: it.Label},
					phases: make(map[model.JourneyPhase]bool),
				}
				aggs[key] = agg
			}
			agg.score += it.Score * weight
			agg.item.Count += it.Count
			agg.item.Sources = unionStrings(agg.item.Sources, it.Sources)
			agg.phases[ci.Phase] = true
		}
	}

	var priorities []model.StrategicPriority
	for _, typ := range model.ExtractionTypes {
		aggs := byType[typ]
		if len(aggs) == 0 {
			continue
		}
		items := make([]model.StrategicPriority, 0, len(aggs))
		for _, agg := range aggs {
			agg.item.Score = round2(agg.score)
			items = append(items, model.StrategicPriority{
				AuditID:      auditID,
				Type:         typ,
				Title:        agg.item.Label,
				Item:         agg.item,
				SourcePhases: sortedPhases(agg.phases),
			})
		}
		sort.Slice(items, func(i, j int) bool {
			a, b := items[i].Item, items[j].Item
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			if a.Count != b.Count {
				return a.Count > b.Count
			}
			return a.Label < b.Label
		})
		if len(items) > l.cfg.PriorityRanks {
			items = items[:l.cfg.PriorityRanks]
		}
		for i := range items {
			items[i].Rank = i + 1
		}
		priorities = append(priorities, items...)
	}

	if err := l.store.ReplacePriorities(ctx, auditID, priorities); err != nil {
		return 0, eris.Wrap(err, "insight: replace priorities")
	}

	l.recordWritten(ctx, auditID, model.PhasePriorities, "priority", len(priorities))
	return len(priorities), nil
}

// sortedPhases returns the contributing phases in funnel order.
func sortedPhases(set map[model.JourneyPhase]bool) []model.JourneyPhase {
	phases := make([]model.JourneyPhase, 0, len(set))
	for _, p := range model.JourneyPhases {
		if set[p] {
			phases = append(phases, p)
		}
	}
	return phases
}
