package llm

import "strings"

// modelPrice holds USD cost per one million tokens.
type modelPrice struct {
	Input  float64
	Output float64
}

// pricing is keyed by model-name prefix; longest match wins. Prices are
// list prices and only used for savings accounting, never billing.
var pricing = map[string]modelPrice{
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"o4-mini":           {1.10, 4.40},
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"gemini-2.5-pro":    {1.25, 10.00},
	"gemini-2.5-flash":  {0.30, 2.50},
	"gemini-1.5-flash":  {0.075, 0.30},
}

// defaultPrice is the conservative fallback for unknown models.
var defaultPrice = modelPrice{1.00, 3.00}

func lookupPrice(model string) (modelPrice, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	best := ""
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPrice, false
	}
	return pricing[best], true
}

// Cost returns the USD cost of a call with the given token counts.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, _ := lookupPrice(model)
	return float64(inputTokens)/1e6*p.Input + float64(outputTokens)/1e6*p.Output
}

// KnownModel reports whether the pricing table has a real entry for model.
// Savings confidence drops to low for unknown models.
func KnownModel(model string) bool {
	_, ok := lookupPrice(model)
	return ok
}
