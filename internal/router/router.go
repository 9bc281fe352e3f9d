// Package router implements the Router (C5): candidate scoring, selection
// policy enforcement (lowest_cost_qualified / best_value / cheapest viable),
// and cheap-first-with-promotion escalation-aware routing. Grounded on the
// teacher's internal/scheduler/cost_control.go tier-policy functions and
// internal/learner/profiles.go's candidate-filtering idiom.
package router

import (
	"sort"
	"strings"

	"github.com/antigravity-dev/foreman/internal/calibration"
	"github.com/antigravity-dev/foreman/internal/catalog"
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/cost"
	"github.com/antigravity-dev/foreman/internal/workpkg"
)

// Candidate is a single model under consideration, with its catalog entry
// and loaded priors.
type Candidate struct {
	Entry          catalog.Entry
	Priors         []calibration.Prior
	CandidateScore *float64 // optional externally supplied score
	Confidence     float64  // calibrationConfidence for (taskType) used by cheap-first
}

// Scored is a candidate annotated with the router's computed fields.
type Scored struct {
	ModelID          string
	PredictedCostUSD float64
	PredictedQuality float64
	Passed           bool
	Expertise        float64
}

// Options bundles the optional router inputs beyond the task card and candidates.
type Options struct {
	CheapestViableChosen bool
	PreferModelIDs       []string
	AllowedModelIDs      []string
	Escalation           *config.EscalationConfig
	AvailableModelIDs    []string // for cheap-first promotion-target detection
}

// PrimaryBlocker enumerates why cheap-first could not accept a cheaper attempt.
type PrimaryBlocker string

const (
	BlockerSavings              PrimaryBlocker = "savings"
	BlockerConfidence           PrimaryBlocker = "confidence"
	BlockerGap                  PrimaryBlocker = "gap"
	BlockerNoPromotionTarget    PrimaryBlocker = "no_promotion_target"
	BlockerBudget               PrimaryBlocker = "budget"
	BlockerPremiumLane          PrimaryBlocker = "premium_lane"
	BlockerNoCheapFirstCandidates PrimaryBlocker = "no_cheap_first_candidates"
)

// Audit is the routing decision's audit trail.
type Audit struct {
	Candidates            []Scored
	RankedBy              string
	EnforceCheapestViable  bool
	ChosenIsCheapestViable bool
	EscalationAware        bool
	GateProgress           map[string]int
	PrimaryBlocker         PrimaryBlocker
}

// Decision is the router's output.
type Decision struct {
	ChosenModelID   string
	ExpectedCostUSD float64
	EstimatedTokens cost.Usage
	Audit           Audit
}

// minQualityThresholds mirrors spec §4.5 "thresholds[difficulty]".
var minQualityThresholds = map[workpkg.Difficulty]float64{
	workpkg.DifficultyLow:    0.5,
	workpkg.DifficultyMedium: 0.65,
	workpkg.DifficultyHigh:   0.8,
}

// Route scores candidates against card, applies the selection policy, and
// when enabled, the cheap-first-with-promotion pass.
func Route(card workpkg.TaskCard, candidates []Candidate, opts Options, minScoreByDifficulty map[string]float64) Decision {
	scored := scoreCandidates(card, candidates, minScoreByDifficulty)

	if len(opts.AllowedModelIDs) > 0 {
		allowed := toSet(opts.AllowedModelIDs)
		filtered := scored[:0:0]
		for _, s := range scored {
			if allowed[s.ModelID] {
				filtered = append(filtered, s)
			}
		}
		scored = filtered
	}
	scored = reorderByPreference(scored, opts.PreferModelIDs)

	normalChoice, rankedBy := selectNormal(scored, opts.CheapestViableChosen)

	audit := Audit{
		Candidates:            scored,
		RankedBy:              rankedBy,
		EnforceCheapestViable: opts.CheapestViableChosen,
	}

	chosen := normalChoice
	if chosen != nil && opts.CheapestViableChosen {
		audit.ChosenIsCheapestViable = true
	}

	if opts.Escalation != nil && opts.Escalation.RoutingMode == config.RoutingEscalationAware && chosen != nil {
		promoted, cfAudit := applyCheapFirst(card, candidates, scored, *chosen, opts)
		audit.EscalationAware = true
		audit.GateProgress = cfAudit.gateProgress
		audit.PrimaryBlocker = cfAudit.primaryBlocker
		chosen = promoted
	}

	if chosen == nil {
		return Decision{Audit: audit}
	}

	return Decision{
		ChosenModelID:   chosen.ModelID,
		ExpectedCostUSD: chosen.PredictedCostUSD,
		Audit:           audit,
	}
}

func scoreCandidates(card workpkg.TaskCard, candidates []Candidate, minScoreByDifficulty map[string]float64) []Scored {
	threshold := minQualityThresholds[card.Difficulty]
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		prior := calibration.FindPrior(c.Priors, card.TaskType, string(card.Difficulty))

		expertise := c.Entry.Expertise[card.TaskType]
		predictedQuality := estimateQuality(c.Entry, prior, expertise)

		var mult *float64
		if prior != nil {
			m := prior.CostMultiplier
			mult = &m
		}
		usage := EstimateTokens(card.TaskType, string(card.Difficulty), 0)
		predicted := cost.ComputePredictedCost(c.Entry.Pricing, usage, mult)

		passed := predictedQuality >= threshold
		if card.Constraints.MaxCostUSD != nil && predicted.PredictedCostUSD > *card.Constraints.MaxCostUSD {
			passed = false
		}
		if c.CandidateScore != nil {
			minScore := minScoreByDifficulty[string(card.Difficulty)]
			passed = passed && *c.CandidateScore >= minScore
		}

		out = append(out, Scored{
			ModelID:          c.Entry.ID,
			PredictedCostUSD: predicted.PredictedCostUSD,
			PredictedQuality: predictedQuality,
			Passed:           passed,
			Expertise:        expertise,
		})
	}
	return out
}

func estimateQuality(e catalog.Entry, prior *calibration.Prior, expertise float64) float64 {
	if prior != nil && prior.SampleCount > 0 {
		return prior.QualityPrior
	}
	base := e.Reliability
	if base == 0 {
		base = 0.7
	}
	q := base*0.6 + expertise*0.4
	return clamp01(q)
}

func selectNormal(scored []Scored, cheapestViable bool) (*Scored, string) {
	var passed []Scored
	for _, s := range scored {
		if s.Passed {
			passed = append(passed, s)
		}
	}

	if cheapestViable {
		if len(passed) == 0 {
			return nil, "cheapest_viable"
		}
		best := minCostTieBroken(passed)
		return best, "cheapest_viable"
	}

	if len(passed) > 0 {
		best := minCostTieBroken(passed)
		return best, "lowest_cost_qualified"
	}

	// best_value_near_threshold fallback when nothing passes: candidate
	// closest below threshold with the best value ratio.
	if len(scored) == 0 {
		return nil, "lowest_cost_qualified"
	}
	best := bestValueNearThreshold(scored)
	return best, "best_value_near_threshold"
}

func minCostTieBroken(scored []Scored) *Scored {
	sorted := append([]Scored(nil), scored...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.PredictedCostUSD != b.PredictedCostUSD {
			return a.PredictedCostUSD < b.PredictedCostUSD
		}
		if a.Expertise != b.Expertise {
			return a.Expertise > b.Expertise
		}
		return a.ModelID < b.ModelID
	})
	return &sorted[0]
}

func bestValueNearThreshold(scored []Scored) *Scored {
	sorted := append([]Scored(nil), scored...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		va := value(a)
		vb := value(b)
		if va != vb {
			return va > vb
		}
		return a.ModelID < b.ModelID
	})
	return &sorted[0]
}

func value(s Scored) float64 {
	if s.PredictedCostUSD <= 0 {
		return s.PredictedQuality
	}
	return s.PredictedQuality / s.PredictedCostUSD
}

// BestValueSelect implements the best_value policy: max predictedQuality/cost
// among passed candidates; falls back to bestValueNearThreshold.
func BestValueSelect(scored []Scored) (*Scored, string) {
	var passed []Scored
	for _, s := range scored {
		if s.Passed {
			passed = append(passed, s)
		}
	}
	if len(passed) > 0 {
		sorted := append([]Scored(nil), passed...)
		sort.Slice(sorted, func(i, j int) bool {
			va, vb := value(sorted[i]), value(sorted[j])
			if va != vb {
				return va > vb
			}
			return sorted[i].ModelID < sorted[j].ModelID
		})
		return &sorted[0], "best_value"
	}
	if len(scored) == 0 {
		return nil, "best_value"
	}
	return bestValueNearThreshold(scored), "best_value_near_threshold"
}

type cheapFirstAudit struct {
	gateProgress   map[string]int
	primaryBlocker PrimaryBlocker
}

// applyCheapFirst implements spec §4.5 step 4 in full: tries each strictly
// cheaper candidate than normalChoice, in ascending cost order, and accepts
// the first that clears every gate.
func applyCheapFirst(card workpkg.TaskCard, candidates []Candidate, scored []Scored, normalChoice Scored, opts Options) (*Scored, cheapFirstAudit) {
	audit := cheapFirstAudit{gateProgress: map[string]int{"afterSavings": 0, "afterConfidence": 0, "afterGap": 0}}

	esc := opts.Escalation
	if esc == nil {
		audit.primaryBlocker = BlockerNoCheapFirstCandidates
		return &normalChoice, audit
	}

	for _, premium := range esc.PremiumTaskTypes {
		if strings.EqualFold(premium, card.TaskType) {
			audit.primaryBlocker = BlockerPremiumLane
			return &normalChoice, audit
		}
	}

	cheaper := make([]Scored, 0)
	for _, s := range scored {
		if s.ModelID != normalChoice.ModelID && s.PredictedCostUSD < normalChoice.PredictedCostUSD {
			cheaper = append(cheaper, s)
		}
	}
	sort.Slice(cheaper, func(i, j int) bool { return cheaper[i].PredictedCostUSD < cheaper[j].PredictedCostUSD })

	if len(cheaper) == 0 {
		audit.primaryBlocker = BlockerNoCheapFirstCandidates
		return &normalChoice, audit
	}

	maxGap := cheapFirstMaxGap(esc, card)

	for _, c := range cheaper {
		savingsPct := (normalChoice.PredictedCostUSD - c.PredictedCostUSD) / normalChoice.PredictedCostUSD
		if savingsPct < esc.CheapFirstSavingsMinPct {
			audit.primaryBlocker = BlockerSavings
			continue
		}
		audit.gateProgress["afterSavings"]++

		confidence := candidateConfidence(candidates, c.ModelID)
		if confidence < esc.CheapFirstMinConfidence {
			audit.primaryBlocker = BlockerConfidence
			continue
		}
		audit.gateProgress["afterConfidence"]++

		gap := normalChoice.PredictedQuality - c.PredictedQuality
		if gap > maxGap {
			audit.primaryBlocker = BlockerGap
			continue
		}
		audit.gateProgress["afterGap"]++

		if esc.CheapFirstOnlyWhenCanPromote && !hasPromotionTarget(normalChoice, scored, opts.AvailableModelIDs) {
			audit.primaryBlocker = BlockerNoPromotionTarget
			continue
		}

		if card.Constraints.MaxCostUSD != nil {
			reserve := normalChoice.PredictedCostUSD * esc.CheapFirstBudgetHeadroomFactor
			if reserve > *card.Constraints.MaxCostUSD {
				audit.primaryBlocker = BlockerBudget
				continue
			}
		}

		audit.primaryBlocker = ""
		chosen := c
		return &chosen, audit
	}

	return &normalChoice, audit
}

func cheapFirstMaxGap(esc *config.EscalationConfig, card workpkg.TaskCard) float64 {
	if esc.CheapFirstMaxGapByTaskType != nil {
		if g, ok := esc.CheapFirstMaxGapByTaskType[card.TaskType]; ok {
			return g
		}
	}
	if esc.CheapFirstMaxGapByDifficulty != nil {
		if g, ok := esc.CheapFirstMaxGapByDifficulty[string(card.Difficulty)]; ok {
			return g
		}
	}
	return 0.1
}

func candidateConfidence(candidates []Candidate, modelID string) float64 {
	for _, c := range candidates {
		if c.Entry.ID == modelID {
			return c.Confidence
		}
	}
	return 0
}

// hasPromotionTarget reports whether an available model has a strictly
// higher predicted quality than normalChoice.
func hasPromotionTarget(normalChoice Scored, scored []Scored, availableModelIDs []string) bool {
	available := toSet(availableModelIDs)
	for _, s := range scored {
		if available[s.ModelID] && s.PredictedQuality > normalChoice.PredictedQuality {
			return true
		}
	}
	return false
}

func reorderByPreference(scored []Scored, preferModelIDs []string) []Scored {
	if len(preferModelIDs) == 0 {
		return scored
	}
	preferRank := make(map[string]int, len(preferModelIDs))
	for i, id := range preferModelIDs {
		preferRank[id] = i
	}
	sorted := append([]Scored(nil), scored...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, iok := preferRank[sorted[i].ModelID]
		rj, jok := preferRank[sorted[j].ModelID]
		if iok && jok {
			return ri < rj
		}
		return iok && !jok
	})
	return sorted
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// EstimateTokens implements the directive-length token-estimation heuristic
// of spec §4.5: input is 300 tokens when directiveLength is 0, otherwise
// about directiveLength/4, growing at half that rate above 300 with a floor
// of 50 and no upper bound; output scales with task type and difficulty
// baselines.
func EstimateTokens(taskType, difficulty string, directiveLength int) cost.Usage {
	baseInput := 300
	if directiveLength > 0 {
		scaled := directiveLength / 4 // ~4 chars/token
		if scaled < baseInput {
			baseInput = scaled
		} else {
			baseInput = 300 + (scaled-300)/2
		}
	}
	if baseInput < 50 {
		baseInput = 50
	}

	outputBase := map[string]int{
		"writing": 1200,
		"coding":  1800,
		"review":  600,
		"analysis": 1000,
	}[taskType]
	if outputBase == 0 {
		outputBase = 800
	}

	diffMult := map[string]float64{"low": 0.7, "medium": 1.0, "high": 1.4}[difficulty]
	if diffMult == 0 {
		diffMult = 1.0
	}

	return cost.Usage{Input: baseInput, Output: int(float64(outputBase) * diffMult)}
}
