package usage

import (
	"math"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func TestCostEstimate(t *testing.T) {
	cost := Cost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}
	u := &models.Usage{
		InputTokens:      1_000_000,
		OutputTokens:     200_000,
		CacheReadTokens:  500_000,
		CacheWriteTokens: 100_000,
	}
	got := cost.Estimate(u)
	want := 3.0 + 3.0 + 0.15 + 0.375
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Estimate() = %v, want %v", got, want)
	}
	if cost.Estimate(nil) != 0 {
		t.Error("nil usage should cost nothing")
	}
}

func TestPricingLookupLongestPrefix(t *testing.T) {
	p := NewPricing(map[string]Cost{
		"gpt-4o":      {Input: 2.5},
		"gpt-4o-mini": {Input: 0.15},
	})
	cost, ok := p.Lookup("gpt-4o-mini-2024-07-18")
	if !ok || cost.Input != 0.15 {
		t.Errorf("Lookup(mini snapshot) = %v %v, want the mini price", cost, ok)
	}
	cost, ok = p.Lookup("GPT-4o-2024-08-06")
	if !ok || cost.Input != 2.5 {
		t.Errorf("Lookup(4o snapshot) = %v %v, want the 4o price", cost, ok)
	}
	if _, ok := p.Lookup("claude-sonnet-4"); ok {
		t.Error("unknown model should not resolve")
	}
}

func TestDefaultPricingCoversConfiguredProviders(t *testing.T) {
	p := DefaultPricing()
	for _, model := range []string{
		"claude-sonnet-4-20250514",
		"claude-haiku-3-5",
		"gpt-4o-mini",
		"gemini-2.5-flash",
	} {
		if _, ok := p.Lookup(model); !ok {
			t.Errorf("no price for %q", model)
		}
	}
}

func TestEstimateRecords(t *testing.T) {
	p := NewPricing(map[string]Cost{"claude-sonnet": {Input: 3, Output: 15}})
	records := []*models.Usage{
		{Model: "claude-sonnet-4", InputTokens: 1_000_000},
		{Model: "claude-sonnet-4", OutputTokens: 1_000_000},
		{Model: "mystery-model", InputTokens: 1_000_000},
	}
	total, priced := p.EstimateRecords(records)
	if !priced {
		t.Fatal("expected at least one priced record")
	}
	if math.Abs(total-18.0) > 1e-9 {
		t.Errorf("EstimateRecords() = %v, want 18", total)
	}

	if _, priced := p.EstimateRecords([]*models.Usage{{Model: "mystery"}}); priced {
		t.Error("unpriced records should report priced=false")
	}
}
