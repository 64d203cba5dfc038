// Package usage estimates turn cost and keeps in-process usage statistics.
package usage

import "strings"

// ModelPricing defines the cost per million tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_per_million"`  // Cost per 1M input tokens
	OutputPerMillion float64 `json:"output_per_million"` // Cost per 1M output tokens, reasoning included
	CachedPerMillion float64 `json:"cached_per_million"` // Cost per 1M cached input tokens
}

// PricingTable maps model name patterns to their pricing in USD per million tokens.
var PricingTable = map[string]ModelPricing{
	// Google Gemini models
	"gemini-2.5-pro":        {1.25, 10.00, 0.31},
	"gemini-2.5-flash":      {0.30, 2.50, 0.075},
	"gemini-2.5-flash-lite": {0.10, 0.40, 0.025},
	"gemini-2.0-flash":      {0.10, 0.40, 0.025},
	"gemini-1.5-pro":        {1.25, 5.00, 0.3125},
	"gemini-1.5-flash":      {0.075, 0.30, 0.01875},

	// OpenAI-compatible models
	"gpt-4o":            {2.50, 10.00, 1.25},
	"gpt-4o-mini":       {0.15, 0.60, 0.075},
	"gpt-4.1":           {2.00, 8.00, 0.50},
	"gpt-4.1-mini":      {0.40, 1.60, 0.10},
	"o3-mini":           {1.10, 4.40, 0.55},
	"deepseek-chat":     {0.27, 1.10, 0.07},
	"deepseek-reasoner": {0.55, 2.19, 0.14},
}

// GetModelPricing returns the pricing for model: an exact match first, otherwise
// the longest table entry the name starts with, so "gemini-2.5-flash-lite-001"
// resolves to the lite price and not to "gemini-2.5-flash".
func GetModelPricing(model string) (ModelPricing, bool) {
	m := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(model)), "models/")
	if pricing, ok := PricingTable[m]; ok {
		return pricing, true
	}
	best := ""
	for pattern := range PricingTable {
		if strings.HasPrefix(m, pattern) && len(pattern) > len(best) {
			best = pattern
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return PricingTable[best], true
}

// CalculateCost calculates the cost for given token usage.
func CalculateCost(pricing ModelPricing, inputTokens, outputTokens, cachedTokens int64) float64 {
	inputCost := float64(inputTokens) * pricing.InputPerMillion / 1_000_000
	outputCost := float64(outputTokens) * pricing.OutputPerMillion / 1_000_000
	cachedCost := float64(cachedTokens) * pricing.CachedPerMillion / 1_000_000
	return inputCost + outputCost + cachedCost
}

// EstimateModelCost estimates the USD cost of one turn. found is false for models
// with no known pricing, in which case cost is 0.
func EstimateModelCost(model string, inputTokens, outputTokens, cachedTokens int64) (cost float64, found bool) {
	pricing, ok := GetModelPricing(model)
	if !ok {
		return 0, false
	}
	return CalculateCost(pricing, inputTokens, outputTokens, cachedTokens), true
}
