package cost

import "math"

// Rates holds per-provider model pricing (USD per million tokens).
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
	Gemini     map[string]ModelRate `yaml:"gemini" mapstructure:"gemini"`
	Perplexity map[string]ModelRate `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for provider API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Completion computes the cost in USD for one chat completion. Unknown
// providers and unknown models cost zero rather than erroring, so a new
// model name never blocks execution.
func (c *Calculator) Completion(provider, model string, input, output int) float64 {
	rate, ok := c.table(provider)[model]
	if !ok {
		return 0
	}
	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	return inCost + outCost
}

func (c *Calculator) table(provider string) map[string]ModelRate {
	switch provider {
	case "anthropic":
		return c.rates.Anthropic
	case "openai":
		return c.rates.OpenAI
	case "gemini":
		return c.rates.Gemini
	case "perplexity":
		return c.rates.Perplexity
	}
	return nil
}

// MicroUSD converts a dollar amount to integer micro-dollars for metric
// accumulation.
func MicroUSD(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00},
		},
		OpenAI: map[string]ModelRate{
			"gpt-4o":      {Input: 2.50, Output: 10.00},
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		},
		Gemini: map[string]ModelRate{
			"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
			"gemini-2.5-pro":   {Input: 1.25, Output: 10.00},
		},
		Perplexity: map[string]ModelRate{
			"sonar-pro": {Input: 3.00, Output: 15.00},
		},
	}
}
