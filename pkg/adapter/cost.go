package adapter

// Pricing maps adapter -> model -> pricing. A "default" model entry applies
// to models without their own entry.
type Pricing map[string]map[string]ModelPricing

// ModelPricing defines per-1k token pricing in USD.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty" mapstructure:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty" mapstructure:"completion_per_1k"`
}

// Cost is an estimated call cost.
type Cost struct {
	Currency     string  `json:"currency"`
	Amount       float64 `json:"amount"`
	IsEstimate   bool    `json:"is_estimate"`
	PricingModel string  `json:"pricing_model,omitempty"`
}

// EstimateCost prices usage for adapterName/model. The bool is false when no
// pricing entry applies.
func EstimateCost(pricing Pricing, adapterName, model string, usage Usage) (Cost, bool) {
	entry, ok := pricingFor(pricing, adapterName, model)
	if !ok {
		return Cost{Currency: "USD"}, false
	}

	promptCost := (float64(usage.PromptTokens) / 1000.0) * entry.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * entry.CompletionPer1K
	return Cost{
		Currency:     "USD",
		Amount:       promptCost + completionCost,
		IsEstimate:   true,
		PricingModel: "per_1k_tokens",
	}, true
}

func pricingFor(pricing Pricing, adapterName, model string) (ModelPricing, bool) {
	if pricing == nil {
		return ModelPricing{}, false
	}
	if adapterPricing, ok := pricing[adapterName]; ok {
		if entry, ok := adapterPricing[model]; ok {
			return entry, true
		}
		if entry, ok := adapterPricing["default"]; ok {
			return entry, true
		}
	}
	return ModelPricing{}, false
}

// AddUsage sums two usage values.
func AddUsage(a, b Usage) Usage {
	return Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
