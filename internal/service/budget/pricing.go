package budget

import (
	"strings"

	"github.com/ashita-ai/shugo/internal/model"
)

// DefaultOutputTokens is assumed when a forecast does not bound the output.
const DefaultOutputTokens = 1024

// charsPerToken is the prompt-size heuristic for input token estimates.
const charsPerToken = 4

// DefaultPrice applies to models missing from the price table.
var DefaultPrice = model.ModelPrice{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// DefaultPrices is the built-in price table in USD per million tokens. Keys are
// lowercase model names, optionally qualified as "provider/model"; a
// provider-qualified entry wins over the bare model name.
var DefaultPrices = map[string]model.ModelPrice{
	"gpt-4o":            {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"o3-mini":           {InputPerMillion: 1.10, OutputPerMillion: 4.40},
	"azure/gpt-4o":      {InputPerMillion: 2.75, OutputPerMillion: 11.00},
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-3-opus":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"gemini-1.5-pro":    {InputPerMillion: 1.25, OutputPerMillion: 5.00},
	"gemini-1.5-flash":  {InputPerMillion: 0.075, OutputPerMillion: 0.30},
	"mistral-large":     {InputPerMillion: 2.00, OutputPerMillion: 6.00},
}

// Price sources reported in forecasts.
const (
	PriceProvider = "provider"
	PriceModel    = "model"
	PriceDefault  = "default"
)

// PriceTable resolves per-model prices.
type PriceTable map[string]model.ModelPrice

// Lookup returns the price for a model and where it came from.
func (t PriceTable) Lookup(modelName, provider string) (model.ModelPrice, string) {
	m := strings.ToLower(strings.TrimSpace(modelName))
	if p := strings.ToLower(strings.TrimSpace(provider)); p != "" {
		if price, ok := t[p+"/"+m]; ok {
			return price, PriceProvider
		}
	}
	if price, ok := t[m]; ok {
		return price, PriceModel
	}
	return DefaultPrice, PriceDefault
}

// EstimateTokens returns the input and output token estimates for a call.
func EstimateTokens(promptSize, maxOutputTokens int) (int64, int64) {
	in := int64((promptSize + charsPerToken - 1) / charsPerToken)
	out := int64(maxOutputTokens)
	if out <= 0 {
		out = DefaultOutputTokens
	}
	return in, out
}

// Cost prices a token count at p.
func Cost(p model.ModelPrice, in, out int64) float64 {
	return float64(in)*p.InputPerMillion/1e6 + float64(out)*p.OutputPerMillion/1e6
}
