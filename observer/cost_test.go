package observer

import (
	"math"
	"testing"
)

func TestCostCalculate(t *testing.T) {
	c := NewCostCalculator(nil)
	got := c.Calculate("claude-sonnet-4-5", 1_000_000, 1_000_000)
	if math.Abs(got-18.00) > 1e-9 {
		t.Errorf("cost = %f", got)
	}
	if c.Calculate("unknown-model", 1000, 1000) != 0 {
		t.Error("unknown model priced")
	}
}

func TestCostOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"claude-sonnet-4-5": {1.0, 2.0},
		"custom-model":      {5.0, 10.0},
	})
	if got := c.Calculate("claude-sonnet-4-5", 1_000_000, 0); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("override ignored: %f", got)
	}
	if got := c.Calculate("custom-model", 0, 2_000_000); math.Abs(got-20.0) > 1e-9 {
		t.Errorf("custom model cost = %f", got)
	}
	// Defaults survive for models not overridden.
	if c.Calculate("claude-opus-4-1", 1_000_000, 0) == 0 {
		t.Error("default pricing lost")
	}
}
