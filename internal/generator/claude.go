package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/pkg/anthropic"
)

const generationMaxTokens = 2048

// generationSystemPrompt is shared by all five phase calls of an audit;
// the cache block means only the first call pays for it.
const generationSystemPrompt = `You write the questions real buyers type into AI assistants while moving through a purchase journey. Given a company profile and a journey phase, produce natural, specific questions a prospective buyer at that phase would actually ask. Questions must be self-contained, one per line, with no numbering, quoting or commentary.`

var phaseGuidance = map[model.JourneyPhase]string{
	model.PhaseDiscovery:  "The buyer is discovering that solutions exist: problem-framing and category questions, brand names optional.",
	model.PhaseResearch:   "The buyer is researching the category: how these tools work, which capabilities matter, what good looks like.",
	model.PhaseEvaluation: "The buyer is evaluating specific vendors: strengths, weaknesses and fit for their situation.",
	model.PhaseComparison: "The buyer is comparing vendors head to head: versus questions and alternative lists.",
	model.PhasePurchase:   "The buyer is ready to buy: pricing, onboarding, contracts and getting started.",
}

// ClaudeBackend drafts queries with the Anthropic Messages API, one
// generation call per journey phase.
type ClaudeBackend struct {
	client anthropic.Client
	model  string
}

// NewClaudeBackend creates a Claude-drafting backend. The model is
// required; the Messages API has no server-side default.
func NewClaudeBackend(client anthropic.Client, model string) *ClaudeBackend {
	return &ClaudeBackend{client: client, model: model}
}

func (b *ClaudeBackend) PhaseDrafts(ctx context.Context, company model.Company, phase model.JourneyPhase, count int) ([]model.QueryDraft, error) {
	resp, err := b.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     b.model,
		MaxTokens: generationMaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(generationSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: b.prompt(company, phase, count)},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "generator: claude drafts for %s", phase)
	}

	lines := splitDraftLines(resp.Text())
	drafts := make([]model.QueryDraft, 0, len(lines))
	for _, line := range lines {
		drafts = append(drafts, model.QueryDraft{
			Phase:      phase,
			Text:       line,
			Complexity: complexityOf(line),
			Priority:   model.PhaseWeights[phase],
		})
	}
	return drafts, nil
}

func (b *ClaudeBackend) prompt(c model.Company, phase model.JourneyPhase, count int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Company: %s (%s)\n", c.Name, c.Domain)
	if c.Industry != "" {
		fmt.Fprintf(&sb, "Industry: %s\n", c.Industry)
	}
	if c.Description != "" {
		fmt.Fprintf(&sb, "About: %s\n", c.Description)
	}
	if len(c.Competitors) > 0 {
		fmt.Fprintf(&sb, "Competitors: %s\n", strings.Join(c.Competitors, ", "))
	}
	if pc := c.PersonaContext(); pc != "" {
		fmt.Fprintf(&sb, "Buyer personas: %s\n", pc)
	}
	fmt.Fprintf(&sb, "\nJourney phase: %s. %s\n", phase, phaseGuidance[phase])
	fmt.Fprintf(&sb, "Write %d questions.", count)
	return sb.String()
}

// splitDraftLines splits a completion into one draft per line, dropping
// blanks plus any numbering or bullet prefix the model added anyway.
func splitDraftLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• \t")
		line = trimLeadingNumber(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func trimLeadingNumber(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}
	if s[i] == '.' || s[i] == ')' {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
