package provider

import (
	"context"

	"github.com/sells-group/visibility-cli/pkg/gemini"
)

// Gemini dispatches prompts through the Google Gemini API.
type Gemini struct {
	client gemini.Client
}

// NewGemini creates the Gemini adapter. The model comes from the client's
// configured default unless the request overrides it.
func NewGemini(client gemini.Client) *Gemini {
	return &Gemini{client: client}
}

func (p *Gemini) Name() string { return "gemini" }

func (p *Gemini) Complete(ctx context.Context, req Request) (*Result, error) {
	// The client already rejects empty completions as malformed.
	resp, err := p.client.GenerateContent(ctx, gemini.GenerateRequest{
		Model:     req.Model,
		Prompt:    req.Prompt,
		MaxTokens: defaultMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Provider:     p.Name(),
		Model:        resp.Model,
		Text:         resp.Text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
