package service

import "strings"

// ModelPricing is the cost per million tokens, in USD.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// modelPricingTable maps model ids to pricing. Lookup is exact first, then
// longest prefix, so dated variants like gpt-5-codex-2025-06-01 inherit the
// base model's rates.
var modelPricingTable = map[string]ModelPricing{
	"gpt-4o":             {InputPerMillion: 5, OutputPerMillion: 15},
	"gpt-4o-mini":        {InputPerMillion: 0.15, OutputPerMillion: 0.6},
	"gpt-4.1":            {InputPerMillion: 5, OutputPerMillion: 15},
	"gpt-4.1-mini":       {InputPerMillion: 0.3, OutputPerMillion: 1.2},
	"gpt-4.1-nano":       {InputPerMillion: 0.1, OutputPerMillion: 0.4},
	"gpt-5":              {InputPerMillion: 5, OutputPerMillion: 15},
	"codex-mini-latest":  {InputPerMillion: 1.5, OutputPerMillion: 6},
	"gpt-5-codex":        {InputPerMillion: 1.25, OutputPerMillion: 10},
	"gpt-5.1-codex":      {InputPerMillion: 1.25, OutputPerMillion: 10},
	"gpt-5.1-codex-max":  {InputPerMillion: 1.25, OutputPerMillion: 10},
	"gpt-5.1-codex-mini": {InputPerMillion: 0.25, OutputPerMillion: 2},
	"gpt-5.2-codex":      {InputPerMillion: 1.75, OutputPerMillion: 14},
	"gpt-5.3-codex":      {InputPerMillion: 1.75, OutputPerMillion: 14},
}

// LookupModelPricing resolves pricing for a model id, tolerating provider
// prefixes (openai/gpt-5-codex) and dated suffixes.
func LookupModelPricing(model string) (ModelPricing, bool) {
	id := model
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		id = id[idx+1:]
	}

	if p, ok := modelPricingTable[id]; ok {
		return p, true
	}

	var (
		best    ModelPricing
		bestLen = -1
	)
	for key, p := range modelPricingTable {
		if strings.HasPrefix(id, key) && len(key) > bestLen {
			best = p
			bestLen = len(key)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	return ModelPricing{}, false
}

// EstimateCostUSD computes the cost of a request from its token counts.
// Unknown models cost zero.
func EstimateCostUSD(model string, inputTokens, outputTokens int) float64 {
	p, ok := LookupModelPricing(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMillion +
		float64(outputTokens)/1e6*p.OutputPerMillion
}
