package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/resilience"
	"github.com/sells-group/visibility-cli/pkg/openai"
)

// OpenAI dispatches prompts through the OpenAI chat completions API.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates the OpenAI adapter. The model comes from the client's
// configured default unless the request overrides it.
func NewOpenAI(client openai.Client) *OpenAI {
	return &OpenAI{client: client}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, req Request) (*Result, error) {
	maxTokens := defaultMaxTokens

	resp, err := p.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  []openai.Message{{Role: "user", Content: req.Prompt}},
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
