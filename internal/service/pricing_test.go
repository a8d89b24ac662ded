package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupModelPricingExact(t *testing.T) {
	p, ok := LookupModelPricing("gpt-5-codex")
	require.True(t, ok)
	assert.Equal(t, 1.25, p.InputPerMillion)
	assert.Equal(t, 10.0, p.OutputPerMillion)
}

func TestLookupModelPricingLongestPrefix(t *testing.T) {
	// The dated variant inherits gpt-5.1-codex-mini, not the shorter
	// gpt-5.1-codex prefix.
	p, ok := LookupModelPricing("gpt-5.1-codex-mini-2025-06-01")
	require.True(t, ok)
	assert.Equal(t, 0.25, p.InputPerMillion)
	assert.Equal(t, 2.0, p.OutputPerMillion)
}

func TestLookupModelPricingProviderPrefix(t *testing.T) {
	p, ok := LookupModelPricing("openai/gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, 0.15, p.InputPerMillion)
}

func TestLookupModelPricingUnknown(t *testing.T) {
	_, ok := LookupModelPricing("claude-sonnet")
	assert.False(t, ok)
}

func TestEstimateCostUSD(t *testing.T) {
	// gpt-5-codex: 1.25/M input, 10/M output.
	cost := EstimateCostUSD("gpt-5-codex", 1_000_000, 100_000)
	assert.InDelta(t, 1.25+1.0, cost, 1e-9)

	assert.Zero(t, EstimateCostUSD("totally-unknown", 1000, 1000))
	assert.Zero(t, EstimateCostUSD("gpt-4o", 0, 0))
}
