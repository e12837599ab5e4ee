package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/resilience"
	"github.com/sells-group/visibility-cli/pkg/perplexity"
)

// Perplexity dispatches prompts through the Perplexity chat API.
type Perplexity struct {
	client perplexity.Client
}

// NewPerplexity creates the Perplexity adapter. The model comes from the
// client's configured default unless the request overrides it.
func NewPerplexity(client perplexity.Client) *Perplexity {
	return &Perplexity{client: client}
}

func (p *Perplexity) Name() string { return "perplexity" }

func (p *Perplexity) Complete(ctx context.Context, req Request) (*Result, error) {
	maxTokens := defaultMaxTokens

	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  []perplexity.Message{{Role: "user", Content: req.Prompt}},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, err
	}

	text := resp.Text()
	if text == "" {
		return nil, resilience.NewMalformedError(p.Name(), eris.New("empty completion"))
	}

	return &Result{
		Provider:     p.Name(),
		Model:        resp.Model,
		Text:         text,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
