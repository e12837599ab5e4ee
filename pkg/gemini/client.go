// Package gemini provides a client for the Google Gemini API.
package gemini

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/visibility-cli/internal/resilience"
)

const defaultModel = "gemini-2.5-flash"

// Client defines the Gemini API operations used by the pipeline.
type Client interface {
	GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is our own request type for GenerateContent.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int32
}

// GenerateResponse is our own response type from GenerateContent.
type GenerateResponse struct {
	Model string
	Text  string
	Usage TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type clientConfig struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*clientConfig)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *clientConfig) {
		c.model = model
	}
}

// WithBaseURL overrides the API endpoint. Used in tests.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// sdkClient implements Client using the official google.golang.org/genai SDK.
type sdkClient struct {
	client *genai.Client
	model  string
}

// NewClient creates a new Gemini client backed by the SDK.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (Client, error) {
	cfg := &clientConfig{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	gc := &genai.ClientConfig{APIKey: apiKey}
	if cfg.httpClient != nil {
		gc.HTTPClient = cfg.httpClient
	}
	if cfg.baseURL != "" {
		gc.HTTPOptions.BaseURL = cfg.baseURL
	}

	client, err := genai.NewClient(ctx, gc)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}

	return &sdkClient{client: client, model: cfg.model}, nil
}

func (c *sdkClient) GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	}

	result, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, classifyErr(err)
	}

	return fromSDKResponse(model, result)
}

// classifyErr marks API errors with retryable status codes as transient so
// the caller can distinguish them from hard failures.
func classifyErr(err error) error {
	wrapped := eris.Wrap(err, "gemini: generate content")

	var apiErr genai.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.Code) {
		return resilience.NewTransientError(wrapped, apiErr.Code)
	}
	return wrapped
}

func fromSDKResponse(model string, resp *genai.GenerateContentResponse) (*GenerateResponse, error) {
	text := resp.Text()
	if text == "" {
		return nil, resilience.NewMalformedError("gemini", eris.New("empty completion"))
	}

	// Model keeps the requested name, not the server's versioned alias,
	// so pricing and cache keys stay stable.
	out := &GenerateResponse{Model: model, Text: text}
	if um := resp.UsageMetadata; um != nil {
		out.Usage = TokenUsage{
			InputTokens:  int(um.PromptTokenCount),
			OutputTokens: int(um.CandidatesTokenCount),
			TotalTokens:  int(um.TotalTokenCount),
		}
	}
	return out, nil
}
