// Package generator produces the query set for an audit: a fixed total
// allocated across the five journey phases by strategic weight, drafted
// by a pluggable backend and deduplicated by content hash. Generation
// is all-or-nothing; a phase that cannot fill its quota fails the whole
// set so partial audits never reach the store.
package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

const defaultMaxAttempts = 3

// ErrPhaseDeficit is the sentinel matched by errors.Is when a phase
// cannot fill its quota. The chain carries a *DeficitError with the
// phase and counts.
var ErrPhaseDeficit = eris.New("generator: phase quota unfilled")

// DeficitError reports the phase whose quota could not be filled within
// the regeneration budget.
type DeficitError struct {
	Phase model.JourneyPhase
	Want  int
	Got   int
}

func (e *DeficitError) Error() string {
	return fmt.Sprintf("generator: phase %s produced %d of %d unique queries", e.Phase, e.Got, e.Want)
}

// Is matches the ErrPhaseDeficit sentinel so callers can detect the
// condition without knowing the concrete type.
func (e *DeficitError) Is(target error) bool { return target == ErrPhaseDeficit }

// Backend drafts candidate queries for one journey phase. The generator
// may call it again for the same phase when hash collisions leave a
// deficit, so backends should vary their output across calls.
type Backend interface {
	PhaseDrafts(ctx context.Context, company model.Company, phase model.JourneyPhase, count int) ([]model.QueryDraft, error)
}

// Quotas allocates a total query budget across the journey phases by
// strategic weight. Comparison carries the highest weight and absorbs
// the rounding remainder, so the quotas always sum exactly to total.
func Quotas(total int) map[model.JourneyPhase]int {
	quotas := make(map[model.JourneyPhase]int, len(model.JourneyPhases))
	allocated := 0
	for _, p := range model.JourneyPhases {
		if p == model.PhaseComparison {
			continue
		}
		n := int(math.Round(model.PhaseWeights[p] * float64(total)))
		quotas[p] = n
		allocated += n
	}
	quotas[model.PhaseComparison] = total - allocated
	return quotas
}

// Generator turns a company profile into a complete, deduplicated query
// set sized to the audit's configured total.
type Generator struct {
	backend     Backend
	maxAttempts int
}

// New creates a Generator around the given backend. maxAttempts bounds
// the regeneration rounds per phase; values below one fall back to the
// default of 3.
func New(backend Backend, maxAttempts int) *Generator {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	return &Generator{backend: backend, maxAttempts: maxAttempts}
}

// Generate produces exactly total drafts allocated across the five
// phases in funnel order. Drafts dedupe on the content hash of their
// normalized text; collisions trigger regeneration up to the attempt
// budget, and a phase still short after that fails the whole run.
func (g *Generator) Generate(ctx context.Context, company model.Company, total int) ([]model.QueryDraft, error) {
	if total < 1 {
		return nil, eris.Errorf("generator: total query count %d must be positive", total)
	}

	quotas := Quotas(total)
	seen := make(map[string]struct{}, total)
	drafts := make([]model.QueryDraft, 0, total)

	for _, phase := range model.JourneyPhases {
		filled, err := g.fillPhase(ctx, company, phase, quotas[phase], seen)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, filled...)
	}

	return drafts, nil
}

func (g *Generator) fillPhase(ctx context.Context, company model.Company, phase model.JourneyPhase, quota int, seen map[string]struct{}) ([]model.QueryDraft, error) {
	kept := make([]model.QueryDraft, 0, quota)

	for attempt := 0; attempt < g.maxAttempts && len(kept) < quota; attempt++ {
		batch, err := g.backend.PhaseDrafts(ctx, company, phase, quota-len(kept))
		if err != nil {
			return nil, eris.Wrapf(err, "generator: draft %s queries", phase)
		}

		for _, d := range batch {
			if len(kept) == quota {
				break
			}
			hash := ContentHash(d.Text)
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}

			d.Phase = phase
			d.LegacyCategory = model.LegacyCategory(phase)
			if d.Intent == "" {
				d.Intent = model.DefaultIntent(phase)
			}
			d.ContentHash = hash
			d.Position = len(kept)
			kept = append(kept, d)
		}
	}

	if len(kept) < quota {
		return nil, &DeficitError{Phase: phase, Want: quota, Got: len(kept)}
	}
	return kept, nil
}

// ContentHash is the dedupe and response-cache key for a query: the
// SHA-256 hex digest of the case-folded, whitespace-collapsed text.
func ContentHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// complexityOf scores a draft by length. Longer questions demand more
// of a provider; the scale tops out at 25 words.
func complexityOf(text string) float64 {
	c := float64(len(strings.Fields(text))) / 25
	if c > 1 {
		c = 1
	}
	if c < 0.1 {
		c = 0.1
	}
	return math.Round(c*100) / 100
}
