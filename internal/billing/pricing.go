// Package billing carries the pricing table and the append-only cost ledger.
// All amounts are integer micro-USD; the wire form is a decimal string so no
// reader is tempted into floating point.
package billing

import (
	"strconv"

	"github.com/loa-labs/loa-finn/internal/core"
)

// ModelPrice is the per-1k-token price of one model, in micro-USD.
type ModelPrice struct {
	InputPer1kMicro  int64
	OutputPer1kMicro int64
}

// defaultPrices covers the models the gateway fronts. Unknown models bill at
// the fallback rate rather than free.
var defaultPrices = map[string]ModelPrice{
	"gpt-4o":            {InputPer1kMicro: 2500, OutputPer1kMicro: 10000},
	"gpt-4o-mini":       {InputPer1kMicro: 150, OutputPer1kMicro: 600},
	"claude-sonnet-4-5": {InputPer1kMicro: 3000, OutputPer1kMicro: 15000},
	"claude-haiku-4-5":  {InputPer1kMicro: 1000, OutputPer1kMicro: 5000},
}

var fallbackPrice = ModelPrice{InputPer1kMicro: 3000, OutputPer1kMicro: 15000}

// Pricing answers cost questions for admission (pre-debit estimates) and the
// ledger (post-completion actuals).
type Pricing struct {
	prices map[string]ModelPrice
}

func NewPricing(overrides map[string]ModelPrice) *Pricing {
	prices := make(map[string]ModelPrice, len(defaultPrices)+len(overrides))
	for m, p := range defaultPrices {
		prices[m] = p
	}
	for m, p := range overrides {
		prices[m] = p
	}
	return &Pricing{prices: prices}
}

func (p *Pricing) price(model string) ModelPrice {
	if mp, ok := p.prices[model]; ok {
		return mp
	}
	return fallbackPrice
}

// EstimateCostMicro is the pre-debit worst case: the whole budget spent on
// output tokens, which dominate every price table.
func (p *Pricing) EstimateCostMicro(model string, maxTokens int) int64 {
	mp := p.price(model)
	return ceilDiv(int64(maxTokens)*mp.OutputPer1kMicro, 1000)
}

// CostFromUsage prices an actual completion.
func (p *Pricing) CostFromUsage(model string, usage core.Usage) int64 {
	mp := p.price(model)
	in := ceilDiv(int64(usage.InputTokens)*mp.InputPer1kMicro, 1000)
	out := ceilDiv(int64(usage.OutputTokens)*mp.OutputPer1kMicro, 1000)
	return in + out
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// MicroString renders a micro-unit amount in its wire form.
func MicroString(micro int64) string {
	return strconv.FormatInt(micro, 10)
}
