package insight

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

// RunExecutiveStage condenses the ranked priorities into the single
// executive summary row. A type with no priorities still gets a
// section: the summary is marked degraded and the gap named, so a thin
// audit reads as thin rather than silently complete.
func (l *Ladder) RunExecutiveStage(ctx context.Context, auditID string, company *model.Company) error {
	priorities, err := l.store.ListPriorities(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "insight: list priorities")
	}

	byType := make(map[model.ExtractionType][]model.StrategicPriority)
	for _, p := range priorities {
		byType[p.Type] = append(byType[p.Type], p)
	}

	var missing []model.ExtractionType
	for _, typ := range model.ExtractionTypes {
		if len(byType[typ]) == 0 {
			missing = append(missing, typ)
		}
	}

	sections, err := l.syn.ExecutiveSections(ctx, company, byType)
	if err != nil {
		return eris.Wrap(err, "insight: executive sections")
	}

	es := &model.ExecutiveSummary{
		AuditID:        auditID,
		CompanyName:    company.Name,
		PersonaContext: company.PersonaContext(),
		Sections:       sections,
		Degraded:       len(missing) > 0,
		MissingTypes:   missing,
	}
	if err := l.store.UpsertExecutiveSummary(ctx, es); err != nil {
		return eris.Wrap(err, "insight: upsert executive summary")
	}

	l.recordWritten(ctx, auditID, model.PhaseExecutive, "executive", 1)
	return nil
}
