// Package cost turns the uniform usage record into derived metrics:
// cache hit rate, discount-adjusted effective tokens, and USD estimates.
package cost

import (
	"strings"

	"github.com/docuchat-dev/docuchat/internal/provider"
)

// HitRate returns the fraction of prompt tokens served from cache,
// in [0, 1]. A turn with no prompt tokens at all counts as 0.
func HitRate(u provider.Usage) float64 {
	denom := u.InputTokens + u.CacheReadTokens
	if denom <= 0 {
		return 0
	}
	return float64(u.CacheReadTokens) / float64(denom)
}

// DefaultDiscounts maps provider names to the billing multiplier
// applied to cache-read tokens.
var DefaultDiscounts = map[string]float64{
	"claude": 0.1,
	"gemini": 0.25,
}

// EffectiveTokens returns the billing-weighted input token count:
// uncached input at full weight plus cache reads at the provider's
// discount. Unknown providers count cache reads at full weight.
func EffectiveTokens(u provider.Usage, providerName string, discounts map[string]float64) float64 {
	if discounts == nil {
		discounts = DefaultDiscounts
	}
	discount, ok := discounts[providerName]
	if !ok {
		discount = 1.0
	}
	return float64(u.InputTokens) + float64(u.CacheReadTokens)*discount
}

// ModelPricing holds per-million-token USD rates.
type ModelPricing struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheWritePerMTok float64
	CacheReadPerMTok  float64
}

// pricing is keyed by model name prefix; the most specific match wins.
var pricing = map[string]ModelPricing{
	"claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheWritePerMTok: 3.75, CacheReadPerMTok: 0.30},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00, CacheWritePerMTok: 1.00, CacheReadPerMTok: 0.08},
	"claude-3-opus":     {InputPerMTok: 15.00, OutputPerMTok: 75.00, CacheWritePerMTok: 18.75, CacheReadPerMTok: 1.50},
	"gemini-1.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 5.00, CacheWritePerMTok: 1.25, CacheReadPerMTok: 0.3125},
	"gemini-1.5-flash":  {InputPerMTok: 0.075, OutputPerMTok: 0.30, CacheWritePerMTok: 0.075, CacheReadPerMTok: 0.01875},
	"gemini-2.0-flash":  {InputPerMTok: 0.10, OutputPerMTok: 0.40, CacheWritePerMTok: 0.10, CacheReadPerMTok: 0.025},
}

// PricingFor returns the rate card for a model, matched by the longest
// registered prefix. The second return is false when the model is unknown.
func PricingFor(model string) (ModelPricing, bool) {
	var best string
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return pricing[best], true
}

// Estimate returns the USD cost of a usage record for the given model.
// Unknown models cost 0; callers that need to distinguish should use
// PricingFor directly.
func Estimate(u provider.Usage, model string) float64 {
	p, ok := PricingFor(model)
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return float64(u.InputTokens)/mtok*p.InputPerMTok +
		float64(u.OutputTokens)/mtok*p.OutputPerMTok +
		float64(u.CacheWriteTokens)/mtok*p.CacheWritePerMTok +
		float64(u.CacheReadTokens)/mtok*p.CacheReadPerMTok
}

// Accumulate adds b into a and returns the sum.
func Accumulate(a, b provider.Usage) provider.Usage {
	return provider.Usage{
		InputTokens:      a.InputTokens + b.InputTokens,
		OutputTokens:     a.OutputTokens + b.OutputTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
	}
}
