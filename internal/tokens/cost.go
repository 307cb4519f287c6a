package tokens

// ModelCost is the price per one million tokens, in USD.
type ModelCost struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// modelCosts is the static price table. Unknown models are billed at the
// fallback rate so cost accounting never silently reports zero.
var modelCosts = map[string]ModelCost{
	"gpt-5":         {PromptPer1M: 120.0, CompletionPer1M: 120.0},
	"gpt-4o":        {PromptPer1M: 5.0, CompletionPer1M: 15.0},
	"gpt-4o-mini":   {PromptPer1M: 0.5, CompletionPer1M: 1.5},
	"gpt-3.5-turbo": {PromptPer1M: 1.0, CompletionPer1M: 2.0},
}

// fallbackCostModel prices models missing from the table.
const fallbackCostModel = "gpt-4o-mini"

// CostFor returns the price entry for a model.
func CostFor(model string) ModelCost {
	if c, ok := modelCosts[model]; ok {
		return c
	}
	return modelCosts[fallbackCostModel]
}

// Usage is the token usage of a single inference call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// CostUSD computes the dollar cost of this usage under the model's pricing.
// Pure function of the static price table.
func (u Usage) CostUSD(model string) float64 {
	c := CostFor(model)
	return float64(u.PromptTokens)/1_000_000*c.PromptPer1M +
		float64(u.CompletionTokens)/1_000_000*c.CompletionPer1M
}
