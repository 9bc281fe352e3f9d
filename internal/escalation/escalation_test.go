package escalation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/workpkg"
)

func baseCfg() config.EscalationConfig {
	return config.EscalationConfig{
		Policy:                 "promote_on_low_score",
		RequireEvalForDecision: true,
		MaxPromotions:          1,
		ScoreResolution:        0.05,
		MinScoreByDifficulty:   map[string]float64{"high": 0.88},
	}
}

func TestEvaluate_PolicyDisabledReturnsNone(t *testing.T) {
	cfg := baseCfg()
	cfg.Policy = ""

	event := Evaluate(Input{ActualQuality: 0.1, Difficulty: workpkg.DifficultyHigh, HigherTierModelID: "premium"}, cfg)

	require.Equal(t, ActionNone, event.Action)
}

func TestEvaluate_RequireEvalDisabledReturnsNone(t *testing.T) {
	cfg := baseCfg()
	cfg.RequireEvalForDecision = false

	event := Evaluate(Input{ActualQuality: 0.1, Difficulty: workpkg.DifficultyHigh, HigherTierModelID: "premium"}, cfg)

	require.Equal(t, ActionNone, event.Action)
}

func TestEvaluate_PromotionsExhaustedReturnsNone(t *testing.T) {
	cfg := baseCfg()

	event := Evaluate(Input{
		ActualQuality:     0.1,
		Difficulty:        workpkg.DifficultyHigh,
		HigherTierModelID: "premium",
		PromotionsUsed:    1,
	}, cfg)

	require.Equal(t, ActionNone, event.Action)
}

func TestEvaluate_NoThresholdForDifficultyReturnsNone(t *testing.T) {
	cfg := baseCfg()

	event := Evaluate(Input{ActualQuality: 0.1, Difficulty: workpkg.DifficultyLow, HigherTierModelID: "premium"}, cfg)

	require.Equal(t, ActionNone, event.Action)
}

func TestEvaluate_QualityAboveGateReturnsNone(t *testing.T) {
	cfg := baseCfg()
	// gate = 0.88 - 0.025 = 0.855
	event := Evaluate(Input{ActualQuality: 0.9, Difficulty: workpkg.DifficultyHigh, HigherTierModelID: "premium"}, cfg)

	require.Equal(t, ActionNone, event.Action)
}

func TestEvaluate_NoHigherTierReturnsNoneWithReason(t *testing.T) {
	cfg := baseCfg()

	event := Evaluate(Input{ActualQuality: 0.5, Difficulty: workpkg.DifficultyHigh, HigherTierModelID: ""}, cfg)

	require.Equal(t, ActionNone, event.Action)
	require.Equal(t, ReasonQualityThreshold, event.Reason)
}

func TestEvaluate_BelowGateTriggersRetry(t *testing.T) {
	cfg := baseCfg()

	event := Evaluate(Input{
		PackageID:          "w1",
		ActualQuality:      0.75,
		Difficulty:         workpkg.DifficultyHigh,
		HigherTierModelID:  "premium",
		PredictedRerunCost: 0.004,
		ProjectBudgetUSD:   10,
	}, cfg)

	require.Equal(t, ActionRetryUpgradeTier, event.Action)
	require.Equal(t, ReasonQualityThreshold, event.Reason)
	require.Equal(t, "premium", event.PromotedTierID)
}

func TestEvaluate_SpendCapExceededWarnsInsteadOfRetrying(t *testing.T) {
	cfg := baseCfg()

	event := Evaluate(Input{
		PackageID:          "w1",
		ActualQuality:      0.5,
		Difficulty:         workpkg.DifficultyHigh,
		HigherTierModelID:  "premium",
		PredictedRerunCost: 5.0,
		EscalationSpendUSD: 0,
		ProjectBudgetUSD:   10, // cap = 0.10*10 = 1.0, 0+5 > 1.0
	}, cfg)

	require.Equal(t, ActionWarnSpendCap, event.Action)
	require.Equal(t, ReasonBudgetExceeded, event.Reason)
}

func TestEvaluate_SpendCapBoundaryIsInclusive(t *testing.T) {
	cfg := baseCfg()

	// escalationSpendUSD + predictedRerunCost == cap exactly; not > cap, so it retries.
	event := Evaluate(Input{
		ActualQuality:      0.5,
		Difficulty:         workpkg.DifficultyHigh,
		HigherTierModelID:  "premium",
		PredictedRerunCost: 1.0,
		EscalationSpendUSD: 0,
		ProjectBudgetUSD:   10,
	}, cfg)

	require.Equal(t, ActionRetryUpgradeTier, event.Action)
}
