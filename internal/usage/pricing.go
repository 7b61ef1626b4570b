package usage

// Price is the USD cost per token for one model.
type Price struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Pricing maps model names to prices.
type Pricing struct {
	Models       map[string]Price `yaml:"models"`
	DefaultModel string           `yaml:"default_model"`
}

// DefaultPricing holds list prices for the supported OpenAI models.
func DefaultPricing() Pricing {
	return Pricing{
		Models: map[string]Price{
			"gpt-4":         {Input: 0.00003, Output: 0.00006},
			"gpt-4-turbo":   {Input: 0.00001, Output: 0.00003},
			"gpt-3.5-turbo": {Input: 0.0000005, Output: 0.0000015},
		},
		DefaultModel: "gpt-3.5-turbo",
	}
}

// Cost is the breakdown of one call's spend.
type Cost struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
}

// Price returns the price for model, falling back to the default model.
func (p Pricing) Price(model string) Price {
	if price, ok := p.Models[model]; ok {
		return price
	}
	return p.Models[p.DefaultModel]
}

// CalculateCost prices a call. Unknown models use the default model's prices.
func (p Pricing) CalculateCost(model string, inputTokens, outputTokens int64) Cost {
	price := p.Price(model)
	inCost := float64(inputTokens) * price.Input
	outCost := float64(outputTokens) * price.Output
	return Cost{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		InputCost:    inCost,
		OutputCost:   outCost,
		TotalCost:    inCost + outCost,
	}
}

// CalculateCost prices a call against DefaultPricing.
func CalculateCost(model string, inputTokens, outputTokens int64) Cost {
	return DefaultPricing().CalculateCost(model, inputTokens, outputTokens)
}
