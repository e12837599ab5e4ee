package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"sonnet": {Input: 3.00, Output: 15.00},
			"haiku":  {Input: 1.00, Output: 5.00},
		},
		OpenAI: map[string]ModelRate{
			"gpt-4o": {Input: 2.50, Output: 10.00},
		},
		Gemini: map[string]ModelRate{
			"flash": {Input: 0.30, Output: 2.50},
		},
		Perplexity: map[string]ModelRate{
			"sonar-pro": {Input: 3.00, Output: 15.00},
		},
	}
}

func TestCompletion(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name     string
		provider string
		model    string
		input    int
		output   int
		want     float64
	}{
		{
			name:     "sonnet 1M in 100K out",
			provider: "anthropic", model: "sonnet",
			input: 1000000, output: 100000,
			want: 3.00 + 1.50,
		},
		{
			name:     "haiku small call",
			provider: "anthropic", model: "haiku",
			input: 2000, output: 500,
			want: 2000.0/1e6*1.00 + 500.0/1e6*5.00,
		},
		{
			name:     "gpt-4o",
			provider: "openai", model: "gpt-4o",
			input: 1000000, output: 1000000,
			want: 2.50 + 10.00,
		},
		{
			name:     "gemini flash",
			provider: "gemini", model: "flash",
			input: 500000, output: 200000,
			want: 0.15 + 0.50,
		},
		{
			name:     "perplexity sonar",
			provider: "perplexity", model: "sonar-pro",
			input: 100000, output: 50000,
			want: 0.30 + 0.75,
		},
		{
			name:     "unknown model returns 0",
			provider: "anthropic", model: "unknown",
			input: 1000000, output: 1000000,
			want: 0,
		},
		{
			name:     "unknown provider returns 0",
			provider: "mistral", model: "sonnet",
			input: 1000000, output: 1000000,
			want: 0,
		},
		{
			name:     "zero tokens returns 0",
			provider: "anthropic", model: "sonnet",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Completion(tt.provider, tt.model, tt.input, tt.output)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestMicroUSD(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), MicroUSD(0))
	assert.Equal(t, int64(1000000), MicroUSD(1.0))
	assert.Equal(t, int64(4500), MicroUSD(0.0045))
	assert.Equal(t, int64(1), MicroUSD(0.0000009)) // rounds, not truncates
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()

	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250929")
	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates.OpenAI, "gpt-4o")
	assert.Contains(t, rates.Gemini, "gemini-2.5-flash")
	assert.Contains(t, rates.Perplexity, "sonar-pro")
}
