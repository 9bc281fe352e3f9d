package cost

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputePredictedCostNoMultiplier(t *testing.T) {
	pricing := Pricing{InPer1k: 0.01, OutPer1k: 0.03}
	got := ComputePredictedCost(pricing, Usage{Input: 1000, Output: 500}, nil)

	require.InDelta(t, 0.025, got.ExpectedCostUSD, 1e-9)
	require.InDelta(t, 0.025, got.PredictedCostUSD, 1e-9)
	require.Equal(t, 1.0, got.CostMultiplierUsed)
}

func TestComputePredictedCostWithMultiplier(t *testing.T) {
	pricing := Pricing{InPer1k: 0.01, OutPer1k: 0.03}
	mult := 1.5
	got := ComputePredictedCost(pricing, Usage{Input: 1000, Output: 500}, &mult)

	require.InDelta(t, 0.025, got.ExpectedCostUSD, 1e-9)
	require.InDelta(t, 0.0375, got.PredictedCostUSD, 1e-9)
}

func TestDetectPricingMismatch(t *testing.T) {
	cases := []struct {
		name             string
		router, catalog  float64
		wantMismatch     bool
	}{
		{"equal", 1.0, 1.0, false},
		{"within_threshold", 1.5, 1.0, false},
		{"above_threshold", 3.0, 1.0, true},
		{"below_inverse_threshold", 0.3, 1.0, true},
		{"zero_catalog", 1.0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectPricingMismatch(tc.router, tc.catalog, 2.0)
			require.Equal(t, tc.wantMismatch, got.Mismatch)
		})
	}
}
