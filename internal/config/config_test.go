package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBytes_AppliesDefaultsOnEmptyDocument(t *testing.T) {
	cfg, err := LoadBytes([]byte(``))

	require.NoError(t, err)
	require.Equal(t, "standard", cfg.General.TierProfile)
	require.Equal(t, 3, cfg.Concurrency.Worker)
	require.Equal(t, 1, cfg.Concurrency.QA)
	require.Equal(t, SelectionLowestCostQualified, cfg.Selection.Policy)
	require.Equal(t, RoutingNormal, cfg.Escalation.RoutingMode)
	require.Equal(t, 1, cfg.Escalation.MaxPromotions)
	require.InDelta(t, 0.05, cfg.Escalation.ScoreResolution, 1e-9)
	require.InDelta(t, 0.10, cfg.Escalation.EscalationSpendCapPct, 1e-9)
	require.Equal(t, map[string]float64{"low": 0.6, "medium": 0.72, "high": 0.85}, cfg.Escalation.MinScoreByDifficulty)
	require.Equal(t, 4, cfg.QA.LlmSecondPassImportanceThreshold)
	require.Equal(t, "alpine:3.20", cfg.QA.SandboxImage)
}

func TestLoadBytes_PreservesExplicitValues(t *testing.T) {
	doc := `
[general]
tier_profile = "premium"

[concurrency]
worker = 8
qa = 2

[escalation]
min_score_by_difficulty = { high = 0.95 }
`
	cfg, err := LoadBytes([]byte(doc))

	require.NoError(t, err)
	require.Equal(t, "premium", cfg.General.TierProfile)
	require.Equal(t, 8, cfg.Concurrency.Worker)
	require.Equal(t, 2, cfg.Concurrency.QA)
	require.Equal(t, map[string]float64{"high": 0.95}, cfg.Escalation.MinScoreByDifficulty)
}

func TestLoadBytes_RejectsInvalidTierProfile(t *testing.T) {
	_, err := LoadBytes([]byte(`[general]
tier_profile = "bogus"`))

	require.Error(t, err)
}

func TestLoadBytes_RejectsInvalidSelectionPolicy(t *testing.T) {
	_, err := LoadBytes([]byte(`[selection]
policy = "random"`))

	require.Error(t, err)
}

func TestLoadBytes_RejectsOutOfRangeSpendCap(t *testing.T) {
	_, err := LoadBytes([]byte(`[escalation]
escalation_spend_cap_pct = 1.5`))

	require.Error(t, err)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/foreman.toml")

	require.Error(t, err)
}

func TestDuration_UnmarshalsTomlDurationStrings(t *testing.T) {
	cfg, err := LoadBytes([]byte(`[general]
run_deadline = "5m"`))

	require.NoError(t, err)
	require.Equal(t, "5m0s", cfg.General.RunDeadline.Duration.String())
}

func TestClone_DeepCopiesNestedMapsAndSlices(t *testing.T) {
	cfg, err := LoadBytes([]byte(`[escalation]
premium_task_types = ["writing"]
`))
	require.NoError(t, err)

	clone := cfg.Clone()
	clone.Escalation.MinScoreByDifficulty["high"] = 0.99
	clone.Escalation.PremiumTaskTypes[0] = "mutated"

	require.NotEqual(t, clone.Escalation.MinScoreByDifficulty["high"], cfg.Escalation.MinScoreByDifficulty["high"])
	require.NotEqual(t, clone.Escalation.PremiumTaskTypes[0], cfg.Escalation.PremiumTaskTypes[0])
}

func TestClone_NilReceiverReturnsNil(t *testing.T) {
	var cfg *Config

	require.Nil(t, cfg.Clone())
}
