package insight

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/pkg/anthropic"
)

// Synthesizer turns structured ladder output into prose. The prose is
// presentation only: items, scores, and ranks persist regardless of
// which backend wrote the words.
type Synthesizer interface {
	CategorySummary(ctx context.Context, ci *model.CategoryInsight) (string, error)
	ExecutiveSections(ctx context.Context, company *model.Company, priorities map[model.ExtractionType][]model.StrategicPriority) (map[model.ExtractionType]string, error)
}

// NewSynthesizer picks the synthesis backend from configuration. Claude
// needs a client; anything else reads as deterministic.
func NewSynthesizer(cfg config.SynthesisConfig, client anthropic.Client) Synthesizer {
	if cfg.Backend == "claude" && client != nil {
		return &Claude{client: client, model: cfg.Model}
	}
	return Deterministic{}
}

// Deterministic renders templated prose straight from the items. It is
// the fallback for every other backend, so its wording is the contract
// tests pin down.
type Deterministic struct{}

func (Deterministic) CategorySummary(_ context.Context, ci *model.CategoryInsight) (string, error) {
	if len(ci.Items) == 0 {
		return fmt.Sprintf("No %s signal in %s responses.", typeLabel(ci.Type), ci.Phase), nil
	}
	parts := make([]string, 0, len(ci.Items))
	for _, it := range ci.Items {
		parts = append(parts, fmt.Sprintf("%s (%s)", it.Label, mentions(it.Count)))
	}
	return fmt.Sprintf("Top %s in %s responses: %s.", typeLabel(ci.Type), ci.Phase, strings.Join(parts, ", ")), nil
}

func (Deterministic) ExecutiveSections(_ context.Context, company *model.Company, priorities map[model.ExtractionType][]model.StrategicPriority) (map[model.ExtractionType]string, error) {
	sections := make(map[model.ExtractionType]string, len(model.ExtractionTypes))
	for _, typ := range model.ExtractionTypes {
		ranked := priorities[typ]
		if len(ranked) == 0 {
			sections[typ] = fmt.Sprintf("No %s were identified for %s in this audit.", typeLabel(typ), company.Name)
			continue
		}
		var b strings.Builder
		for i, p := range ranked {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%d. %s (score %.2f; seen in %s).", p.Rank, p.Title, p.Item.Score, joinPhases(p.SourcePhases))
		}
		sections[typ] = b.String()
	}
	return sections, nil
}

// typeLabel renders an extraction type for prose.
func typeLabel(t model.ExtractionType) string {
	return strings.ReplaceAll(string(t), "_", " ")
}

func mentions(n int) string {
	if n == 1 {
		return "1 mention"
	}
	return fmt.Sprintf("%d mentions", n)
}

func joinPhases(phases []model.JourneyPhase) string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

const synthesisMaxTokens = 2048

const synthesisSystemPrompt = `You polish brand-visibility audit findings into clear executive prose.
You will receive pre-computed findings with exact labels, counts, scores, and ranks.
Rephrase for readability only: never invent, drop, reorder, or renumber findings, and never change a number.
Reply with the rewritten text alone.`

// Claude rewrites the deterministic prose through the Messages API.
// Any API failure falls back to the deterministic text: polish is never
// worth failing an audit over.
type Claude struct {
	client   anthropic.Client
	model    string
	fallback Deterministic
}

func (c *Claude) CategorySummary(ctx context.Context, ci *model.CategoryInsight) (string, error) {
	base, _ := c.fallback.CategorySummary(ctx, ci)
	if len(ci.Items) == 0 {
		return base, nil
	}
	return c.rewrite(ctx, base), nil
}

func (c *Claude) ExecutiveSections(ctx context.Context, company *model.Company, priorities map[model.ExtractionType][]model.StrategicPriority) (map[model.ExtractionType]string, error) {
	sections, _ := c.fallback.ExecutiveSections(ctx, company, priorities)
	for _, typ := range model.ExtractionTypes {
		if len(priorities[typ]) == 0 {
			continue
		}
		sections[typ] = c.rewrite(ctx, sections[typ])
	}
	return sections, nil
}

func (c *Claude) rewrite(ctx context.Context, base string) string {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: synthesisMaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(synthesisSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: base},
		},
	})
	if err != nil {
		zap.L().Warn("insight: synthesis rewrite failed, keeping deterministic prose", zap.Error(err))
		return base
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		zap.L().Warn("insight: synthesis rewrite returned no text, keeping deterministic prose")
		return base
	}
	return text
}
