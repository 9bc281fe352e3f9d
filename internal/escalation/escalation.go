// Package escalation implements the Escalation Controller (C6): decides
// whether a poor-quality worker output triggers a single-hop retry at a
// higher tier, subject to the run's escalation spend cap. Grounded on the
// teacher's internal/scheduler/cost_control.go shouldEscalateDispatchTier.
package escalation

import (
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/workpkg"
)

// Reason enumerates why an escalation event fired.
type Reason string

const (
	ReasonQualityThreshold Reason = "quality_threshold"
	ReasonBudgetExceeded   Reason = "budget_exceeded"
	ReasonLowTrust         Reason = "low_trust"
	ReasonRefusal          Reason = "refusal"
)

// Action enumerates the controller's possible responses.
type Action string

const (
	ActionRetryUpgradeTier Action = "RETRY_UPGRADE_TIER"
	ActionWarnSpendCap     Action = "WARN_SPEND_CAP_EXCEEDED"
	ActionNone             Action = "NONE"
)

// Event is an evaluated escalation decision.
type Event struct {
	Reason           Reason
	Action           Action
	PackageID        string
	PromotedTierID   string
	PredictedRerunCost float64
	Context          map[string]any
}

// Input bundles the data the controller needs to evaluate one committed QA outcome.
type Input struct {
	PackageID          string
	Difficulty         workpkg.Difficulty
	ActualQuality      float64
	HigherTierModelID  string // "" if none exists
	PredictedRerunCost float64
	EscalationSpendUSD float64
	ProjectBudgetUSD   float64
	PromotionsUsed     int
}

// SpendCapPct is ESCALATION_SPEND_CAP_PCT, spec §4.6.
const SpendCapPct = 0.10

// Evaluate applies the promote_on_low_score policy.
func Evaluate(in Input, cfg config.EscalationConfig) Event {
	if cfg.Policy != "promote_on_low_score" || !cfg.RequireEvalForDecision {
		return Event{Action: ActionNone, PackageID: in.PackageID}
	}
	if in.PromotionsUsed >= cfg.MaxPromotions {
		return Event{Action: ActionNone, PackageID: in.PackageID}
	}

	threshold, ok := cfg.MinScoreByDifficulty[string(in.Difficulty)]
	if !ok {
		return Event{Action: ActionNone, PackageID: in.PackageID}
	}
	gate := threshold - cfg.ScoreResolution/2
	if in.ActualQuality >= gate {
		return Event{Action: ActionNone, PackageID: in.PackageID}
	}

	if in.HigherTierModelID == "" {
		return Event{Action: ActionNone, PackageID: in.PackageID, Reason: ReasonQualityThreshold}
	}

	cap := SpendCapPct * in.ProjectBudgetUSD
	if in.EscalationSpendUSD+in.PredictedRerunCost > cap {
		return Event{
			Reason:             ReasonBudgetExceeded,
			Action:             ActionWarnSpendCap,
			PackageID:          in.PackageID,
			PredictedRerunCost: in.PredictedRerunCost,
			Context: map[string]any{
				"escalationSpendUSD": in.EscalationSpendUSD,
				"capUSD":             cap,
			},
		}
	}

	return Event{
		Reason:             ReasonQualityThreshold,
		Action:             ActionRetryUpgradeTier,
		PackageID:          in.PackageID,
		PromotedTierID:     in.HigherTierModelID,
		PredictedRerunCost: in.PredictedRerunCost,
		Context: map[string]any{
			"actualQuality": in.ActualQuality,
			"gate":          gate,
		},
	}
}
