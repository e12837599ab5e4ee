package generator

import (
	"context"
	"math/rand"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

// drawBudget bounds template draws per call as a multiple of the
// requested count, so a registry of unfillable templates cannot spin.
const drawBudget = 4

// TemplateBackend drafts queries by expanding registry templates with
// company profile fields. Deterministic: the same template set, profile
// and seed produce the same draft sequence, which makes audit runs
// replayable.
type TemplateBackend struct {
	set *model.TemplateSet
	rng *rand.Rand
}

// NewTemplateBackend creates a template backend seeded for replay. The
// source is deliberately math/rand; determinism matters here and
// cryptographic quality does not.
func NewTemplateBackend(set *model.TemplateSet, seed int64) *TemplateBackend {
	return &TemplateBackend{set: set, rng: rand.New(rand.NewSource(seed))}
}

// PhaseDrafts walks the phase's templates in a fresh shuffled order,
// cycling as needed, so short registries spread coverage evenly instead
// of resampling one template. Templates whose placeholders the profile
// cannot fill are skipped.
func (b *TemplateBackend) PhaseDrafts(ctx context.Context, company model.Company, phase model.JourneyPhase, count int) ([]model.QueryDraft, error) {
	templates := b.set.ByPhase(phase)
	if len(templates) == 0 {
		return nil, eris.Errorf("generator: no templates registered for phase %s", phase)
	}

	order := b.rng.Perm(len(templates))
	drafts := make([]model.QueryDraft, 0, count)
	for draws := 0; len(drafts) < count && draws < count*drawBudget; draws++ {
		t := templates[order[draws%len(order)]]
		text, ok := b.expand(t.Text, company)
		if !ok {
			continue
		}
		drafts = append(drafts, model.QueryDraft{
			Phase:      phase,
			Intent:     t.EffectiveIntent(),
			Text:       text,
			Complexity: complexityOf(text),
			Priority:   model.PhaseWeights[phase],
		})
	}
	return drafts, nil
}

// expand fills a template's placeholders from the company profile. A
// placeholder with no profile data to draw from makes the template
// unfillable rather than producing a hole in the text.
func (b *TemplateBackend) expand(text string, c model.Company) (string, bool) {
	out := text
	if strings.Contains(out, "{brand}") {
		if c.Name == "" {
			return "", false
		}
		out = strings.ReplaceAll(out, "{brand}", c.Name)
	}
	if strings.Contains(out, "{industry}") {
		if c.Industry == "" {
			return "", false
		}
		out = strings.ReplaceAll(out, "{industry}", c.Industry)
	}
	if strings.Contains(out, "{competitor}") {
		if len(c.Competitors) == 0 {
			return "", false
		}
		out = strings.ReplaceAll(out, "{competitor}", c.Competitors[b.rng.Intn(len(c.Competitors))])
	}
	if strings.Contains(out, "{persona}") {
		label := b.personaLabel(c.Personas)
		if label == "" {
			return "", false
		}
		out = strings.ReplaceAll(out, "{persona}", label)
	}
	return out, true
}

func (b *TemplateBackend) personaLabel(personas []model.Persona) string {
	if len(personas) == 0 {
		return ""
	}
	p := personas[b.rng.Intn(len(personas))]
	if p.Role != "" {
		return p.Role
	}
	return p.Name
}
