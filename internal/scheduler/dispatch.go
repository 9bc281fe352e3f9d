package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/antigravity-dev/foreman/internal/calibration"
	"github.com/antigravity-dev/foreman/internal/catalog"
	"github.com/antigravity-dev/foreman/internal/cost"
	"github.com/antigravity-dev/foreman/internal/ledger"
	"github.com/antigravity-dev/foreman/internal/qa"
	"github.com/antigravity-dev/foreman/internal/router"
	"github.com/antigravity-dev/foreman/internal/workpkg"
)

// aggregationPreamble is the fixed strict-JSON-schema preamble prepended to
// the aggregation package's prompt, spec §4.8 step 4.
var aggregationPreamble = fmt.Sprintf(
	"This is the aggregation package. Respond with a single strict JSON object "+
		"containing exactly these top-level keys: %s. Do not include any prose, "+
		"markdown fences, or commentary outside the JSON object.\n"+
		"Required files: fileTree (array), files (object mapping path to content), "+
		"report (object with summary and aggregations).\n\n",
	strings.Join(qa.RequiredAggregationKeys, ", "),
)

const (
	perDepExcerptCap  = 6000
	totalDepExcerptCap = 18000
	perInputValueCap  = 2000
)

// workerTaskOutcome is the self-contained result of dispatching one worker
// package, folded into scheduler state only by the commit step.
type workerTaskOutcome struct {
	PackageID         string
	ModelID           string
	PredictedCostUSD  float64
	PredictedQuality  float64
	Output            string
	ActualCostUSD     float64
	IsEstimatedCost   bool
	SelfConfidence    *float64
	TransportErr      error
	IsAggregationShortCircuit bool
	MissingDeps       []string
	RoutingAudit      router.Audit
}

func (s *Scheduler) runWorkerBatch(ctx context.Context, in Input, workerConcurrency int) {
	batch := s.popBatch(&s.readyWorkers, workerConcurrency)
	if len(batch) == 0 {
		return
	}

	predicted := make(map[string]float64, len(batch))
	decisions := make(map[string]router.Decision, len(batch))
	entriesByID := make(map[string]map[string]catalog.Entry, len(batch))
	for _, id := range batch {
		pkg := s.graph.ByID[id]
		decision, entries := s.routeWorker(pkg)
		decisions[id] = decision
		entriesByID[id] = entries
		predicted[id] = decision.ExpectedCostUSD
	}

	batch = s.gateBudget(batch, predicted, &s.readyWorkers)
	if len(batch) == 0 {
		return
	}

	outcomes := parallelEach(batch, func(id string) workerTaskOutcome {
		return s.dispatchWorker(ctx, s.graph.ByID[id], decisions[id], entriesByID[id])
	})

	sorted := make([]string, 0, len(outcomes))
	for id := range outcomes {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	for _, id := range sorted {
		s.commitWorker(outcomes[id])
	}
}

func (s *Scheduler) routeWorker(pkg *workpkg.Package) (router.Decision, map[string]catalog.Entry) {
	taskType := taskTypeFor(pkg)
	difficulty := pkg.Difficulty
	ceiling := s.remainingUSD
	if cc := s.deps.Config.CostControl; cc.Enabled && cc.PerPackageCostCapUSD > 0 && cc.PerPackageCostCapUSD < ceiling {
		ceiling = cc.PerPackageCostCapUSD
		s.ledger.RecordDecision(ledger.DecisionBudgetOptimization, pkg.ID, map[string]any{
			"reason":               "per_package_cost_cap_applied",
			"perPackageCostCapUSD": cc.PerPackageCostCapUSD,
			"remainingUSD":         s.remainingUSD,
		})
	}
	card := workpkg.DeriveTaskCard(pkg, budgetCeiling(ceiling))
	card.TaskType = taskType
	card.Difficulty = difficulty

	tierProfile := s.tierFor(pkg)
	listResult := catalog.ListEligible(s.deps.Catalog, s.deps.Config, catalog.Filter{
		TierProfile:        tierProfile,
		TaskType:           taskType,
		Difficulty:         string(difficulty),
		BudgetRemainingUSD: s.remainingUSD,
		Importance:         pkg.Importance,
	})
	if listResult.UsedFallback {
		s.ledger.RecordDecision(ledger.DecisionProcurementFallback, pkg.ID, map[string]any{"tierProfile": tierProfile})
	}

	candidates := make([]router.Candidate, 0, len(listResult.Eligible))
	allModelIDs := make([]string, 0, len(listResult.Eligible))
	entries := make(map[string]catalog.Entry, len(listResult.Eligible))
	for _, entry := range listResult.Eligible {
		priors, _ := s.deps.Calibration.LoadPriorsForModel(entry.ID)
		prior := calibration.FindPrior(priors, taskType, string(difficulty))
		confidence := 0.0
		if prior != nil {
			confidence = prior.CalibrationConfidence
		}
		candidates = append(candidates, router.Candidate{Entry: entry, Priors: priors, Confidence: confidence})
		allModelIDs = append(allModelIDs, entry.ID)
		entries[entry.ID] = entry
	}

	opts := router.Options{
		CheapestViableChosen: pkg.CheapestViableChosen || s.enforceCheapestViable,
		Escalation:           &s.deps.Config.Escalation,
		AvailableModelIDs:    allModelIDs,
	}

	decision := router.Route(card, candidates, opts, s.deps.Config.Escalation.MinScoreByDifficulty)

	details := map[string]any{
		"taskType":   taskType,
		"difficulty": string(difficulty),
		"rankedBy":   decision.Audit.RankedBy,
	}
	if decision.Audit.ChosenIsCheapestViable {
		details["chosenIsCheapestViable"] = true
	}
	if decision.Audit.EscalationAware {
		details["escalationAware"] = true
		details["primaryBlocker"] = string(decision.Audit.PrimaryBlocker)
		s.cheapFirstChosen[pkg.ID] = decision.Audit.PrimaryBlocker == ""
	}
	details["chosenModelId"] = decision.ChosenModelID
	s.ledger.RecordDecision(ledger.DecisionRoute, pkg.ID, details)

	return decision, entries
}

func budgetCeiling(remainingUSD float64) *float64 {
	v := remainingUSD
	return &v
}

func (s *Scheduler) dispatchWorker(ctx context.Context, pkg *workpkg.Package, decision router.Decision, entries map[string]catalog.Entry) workerTaskOutcome {
	outcome := workerTaskOutcome{
		PackageID:        pkg.ID,
		ModelID:          decision.ChosenModelID,
		PredictedCostUSD: decision.ExpectedCostUSD,
		RoutingAudit:     decision.Audit,
	}
	for _, c := range decision.Audit.Candidates {
		if c.ModelID == decision.ChosenModelID {
			outcome.PredictedQuality = c.PredictedQuality
		}
	}

	if s.deps.AggregationPackageID != "" && pkg.ID == s.deps.AggregationPackageID {
		if sc, missing := s.aggregationShortCircuit(pkg); sc {
			outcome.IsAggregationShortCircuit = true
			outcome.MissingDeps = missing
			outcome.Output = ""
			outcome.ActualCostUSD = 0
			return outcome
		}
	}

	prompt := s.buildPrompt(pkg)

	if decision.ChosenModelID == "" {
		outcome.TransportErr = fmt.Errorf("no eligible model for package %s", pkg.ID)
		return outcome
	}

	result, err := s.deps.LLM.Execute(ctx, decision.ChosenModelID, prompt)
	if err != nil {
		outcome.TransportErr = err
		return outcome
	}

	outcome.Output = result.Text
	outcome.SelfConfidence = extractSelfConfidence(result.Text)

	if result.Usage != nil {
		entry, ok := entries[decision.ChosenModelID]
		if !ok {
			entry = catalog.Entry{Pricing: cost.Pricing{InPer1k: 0.01, OutPer1k: 0.03}}
		}
		usage := cost.Usage{Input: result.Usage.InputTokens, Output: result.Usage.OutputTokens}
		predicted := cost.ComputePredictedCost(entry.Pricing, usage, nil)
		outcome.ActualCostUSD = predicted.PredictedCostUSD

		if cc := s.deps.Config.CostControl; cc.Enabled {
			mismatch := cost.DetectPricingMismatch(decision.ExpectedCostUSD, predicted.PredictedCostUSD, cc.PricingMismatchThreshold)
			if mismatch.Mismatch {
				s.ledger.RecordDecision(ledger.DecisionBudgetOptimization, pkg.ID, map[string]any{
					"reason":            "pricing_mismatch_detected",
					"routerPredicted":   decision.ExpectedCostUSD,
					"catalogPredicted":  predicted.PredictedCostUSD,
					"ratio":             mismatch.Ratio,
					"threshold":         cc.PricingMismatchThreshold,
				})
			}
		}
	} else {
		outcome.ActualCostUSD = decision.ExpectedCostUSD
		outcome.IsEstimatedCost = true
	}

	return outcome
}

// aggregationShortCircuit reports whether the aggregation package must
// short-circuit because a dependency's artifact is missing or empty.
func (s *Scheduler) aggregationShortCircuit(pkg *workpkg.Package) (bool, []string) {
	var missing []string
	for _, dep := range pkg.Dependencies {
		a := s.registry.GetByPackageID(dep)
		if a == nil || strings.TrimSpace(a.Content) == "" {
			missing = append(missing, dep)
		}
	}
	return len(missing) > 0, missing
}

// buildPrompt assembles: task name, description, acceptance criteria,
// bounded inputs, and dependency artifact excerpts, capped per spec §4.8.
// The aggregation package additionally gets a fixed strict-JSON-schema
// preamble and required-files list ahead of the rest of the prompt.
func (s *Scheduler) buildPrompt(pkg *workpkg.Package) string {
	var b strings.Builder
	if s.deps.AggregationPackageID != "" && pkg.ID == s.deps.AggregationPackageID {
		b.WriteString(aggregationPreamble)
	}
	fmt.Fprintf(&b, "Task: %s\n", pkg.Name)
	fmt.Fprintf(&b, "Description: %s\n", pkg.Description)
	if len(pkg.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range pkg.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	for k, v := range pkg.Inputs {
		if len(v) > perInputValueCap {
			v = v[:perInputValueCap]
		}
		fmt.Fprintf(&b, "Input %s: %s\n", k, v)
	}

	depTotal := 0
	for _, dep := range pkg.Dependencies {
		ex := s.registry.GetExcerptByPackageID(dep, perDepExcerptCap, 0)
		if ex == nil {
			continue
		}
		chunk := ex.Head
		if len(chunk) > perDepExcerptCap {
			chunk = chunk[:perDepExcerptCap]
		}
		if depTotal+len(chunk) > totalDepExcerptCap {
			chunk = chunk[:max0(totalDepExcerptCap-depTotal)]
		}
		if chunk == "" {
			continue
		}
		depTotal += len(chunk)
		fmt.Fprintf(&b, "Dependency %s excerpt:\n%s\n", dep, chunk)
	}

	return b.String()
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

var selfConfidenceRe = regexp.MustCompile(`\{"selfConfidence"\s*:\s*([0-9.]+)\}`)

// extractSelfConfidence finds an optional trailing {"selfConfidence":N} line.
func extractSelfConfidence(text string) *float64 {
	m := selfConfidenceRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}
