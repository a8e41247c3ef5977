package usage

import (
	"strings"

	"github.com/loomhq/loom/pkg/models"
)

// Cost holds per-million-token pricing for a model.
type Cost struct {
	Input      float64 `json:"input" yaml:"input"`
	Output     float64 `json:"output" yaml:"output"`
	CacheRead  float64 `json:"cache_read" yaml:"cache_read"`
	CacheWrite float64 `json:"cache_write" yaml:"cache_write"`
}

// Estimate returns the dollar cost of one usage record under this pricing.
func (c Cost) Estimate(u *models.Usage) float64 {
	if u == nil {
		return 0
	}
	total := float64(u.InputTokens)*c.Input +
		float64(u.OutputTokens)*c.Output +
		float64(u.CacheReadTokens)*c.CacheRead +
		float64(u.CacheWriteTokens)*c.CacheWrite
	return total / 1_000_000
}

// Pricing maps model name prefixes to costs. Lookup takes the longest
// matching prefix so dated snapshots resolve to their model family.
type Pricing struct {
	table map[string]Cost
}

// NewPricing creates a pricing table from explicit entries.
func NewPricing(table map[string]Cost) *Pricing {
	cp := make(map[string]Cost, len(table))
	for prefix, cost := range table {
		cp[strings.ToLower(prefix)] = cost
	}
	return &Pricing{table: cp}
}

// DefaultPricing returns list prices for the common models. Prices drift;
// treat estimates as estimates.
func DefaultPricing() *Pricing {
	return NewPricing(map[string]Cost{
		"claude-opus":      {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
		"claude-sonnet":    {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-haiku":     {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
		"gpt-4o-mini":      {Input: 0.15, Output: 0.6, CacheRead: 0.075},
		"gpt-4o":           {Input: 2.5, Output: 10, CacheRead: 1.25},
		"gemini-2.5-pro":   {Input: 1.25, Output: 10},
		"gemini-2.5-flash": {Input: 0.3, Output: 2.5},
	})
}

// Lookup finds the cost for a model by longest prefix match.
func (p *Pricing) Lookup(model string) (Cost, bool) {
	model = strings.ToLower(model)
	var (
		best    Cost
		bestLen = -1
	)
	for prefix, cost := range p.table {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = cost
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}

// EstimateRecords sums the estimated cost of the records whose model has a
// price. The second return is false when no record could be priced.
func (p *Pricing) EstimateRecords(records []*models.Usage) (float64, bool) {
	total := 0.0
	priced := false
	for _, u := range records {
		cost, ok := p.Lookup(u.Model)
		if !ok {
			continue
		}
		total += cost.Estimate(u)
		priced = true
	}
	return total, priced
}
