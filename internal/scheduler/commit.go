package scheduler

import (
	"fmt"

	"github.com/antigravity-dev/foreman/internal/calibration"
	"github.com/antigravity-dev/foreman/internal/catalog"
	"github.com/antigravity-dev/foreman/internal/escalation"
	"github.com/antigravity-dev/foreman/internal/ledger"
	"github.com/antigravity-dev/foreman/internal/qa"
	"github.com/antigravity-dev/foreman/internal/store"
)

// nextTier maps a tier profile one step up, spec §4.6 "one-way step up".
func nextTier(tier string) string {
	switch tier {
	case "cheap":
		return "standard"
	case "standard":
		return "premium"
	default:
		return ""
	}
}

// commitWorker is the only writer of worker-related scheduler state; it
// runs sequentially on the scheduler's single commit thread.
func (s *Scheduler) commitWorker(o workerTaskOutcome) {
	if o.TransportErr != nil {
		s.warnings = append(s.warnings, fmt.Sprintf("worker %s: transport error: %v", o.PackageID, o.TransportErr))
		return
	}

	s.remainingUSD -= o.ActualCostUSD
	s.ledger.RecordCost(ledger.BucketWorker, o.ActualCostUSD)

	content := o.Output
	if o.IsAggregationShortCircuit {
		content = qa.SyntheticMissingDepsOutput()
		s.ledger.RecordDecision(ledger.DecisionAssemblyFailed, o.PackageID, map[string]any{
			"missingDependencies": o.MissingDeps,
		})
		s.warnings = append(s.warnings, fmt.Sprintf("%s: dependency artifacts missing: %s", o.PackageID, joinIDs(o.MissingDeps)))
	}

	artifactID, hash := s.registry.Create(o.PackageID, o.ModelID, content, store.NowISO())

	run := &WorkerRun{
		PackageID:        o.PackageID,
		ModelID:          o.ModelID,
		Output:           content,
		PredictedQuality: o.PredictedQuality,
		PredictedCostUSD: o.PredictedCostUSD,
		ActualCostUSD:    o.ActualCostUSD,
		IsEstimatedCost:  o.IsEstimatedCost,
		SelfConfidence:   o.SelfConfidence,
		ArtifactID:       artifactID,
		ArtifactHash:     hash,
	}
	s.workerRuns[o.PackageID] = run
	s.completed[o.PackageID] = true
	s.workerCompleted++

	s.enqueueDependents(o.PackageID)
}

// commitQA is the only writer of QA-related scheduler state: it updates the
// worker's actualQuality, appends the QA result, records/skips calibration
// variance, updates trust, applies escalation, and enqueues dependents.
func (s *Scheduler) commitQA(o qaTaskOutcome) {
	result := o.Flow.Result
	if o.Flow.BudgetGated {
		s.ledger.RecordDecision(ledger.DecisionBudgetOptimization, o.PackageID, map[string]any{"reason": "budget_gated"})
	}
	if o.Flow.LLMRejected {
		s.warnings = append(s.warnings, fmt.Sprintf("qa %s: LLM QA response rejected: %s", o.PackageID, o.Flow.LLMRejectReason))
	}
	if sampled := o.Flow.SampledEval; sampled != nil {
		if sampled.Err != nil {
			s.warnings = append(s.warnings, fmt.Sprintf("qa %s: sampled Judge evaluation failed: %v", o.PackageID, sampled.Err))
		} else {
			s.ledger.RecordDecision(ledger.DecisionSampledEvaluation, o.PackageID, map[string]any{
				"overall":    sampled.Result.Overall,
				"compliance": sampled.Result.Compliance,
				"costUSD":    sampled.Result.CostUSD,
			})
		}
	}

	workerRun, haveWorkerRun := s.workerRuns[o.WorkerPackageID]
	if haveWorkerRun {
		q := result.QualityScore
		workerRun.ActualQuality = &q
	}
	s.qaResults = append(s.qaResults, result)

	bucket := ledger.BucketQA
	if result.ModelID == "deterministic" {
		bucket = ledger.BucketDeterministic
	}
	s.ledger.RecordCost(bucket, 0)

	qaTrust, _ := s.deps.Calibration.GetTrust(result.ModelID, calibration.TrustQA)
	groundTruthAvailable := o.Flow.DeterministicRan && o.Flow.LLMRan

	if qaTrust.Value < 0.45 && !groundTruthAvailable {
		s.ledger.RecordVarianceSkipped("qa_trust_low", o.PackageID)
	} else if haveWorkerRun {
		s.recordCalibrationObservation(o.WorkerPackageID, workerRun, result)
		s.ledger.RecordVarianceRecorded()
	}

	if haveWorkerRun {
		s.updateTrust(o.WorkerPackageID, workerRun, result, groundTruthAvailable)
	}

	if o.ValidationErr != nil {
		s.warnings = append(s.warnings, fmt.Sprintf("%s: output validation failed: %v", o.WorkerPackageID, o.ValidationErr))
	}
	if o.Assembly != nil {
		if o.Assembly.CompilationSuccess {
			s.ledger.RecordDecision(ledger.DecisionAssembly, o.WorkerPackageID, map[string]any{
				"compilationSuccess": true,
				"fileCount":          o.Assembly.FileCount,
			})
		} else {
			s.ledger.RecordDecision(ledger.DecisionAssemblyFailed, o.WorkerPackageID, map[string]any{
				"compilationSuccess": false,
				"error":              o.Assembly.Error,
			})
		}
	}

	if haveWorkerRun {
		s.evaluateEscalation(o.WorkerPackageID, workerRun, result)
	}

	s.completed[o.PackageID] = true
	s.qaCompleted++
	s.enqueueDependents(o.PackageID)
}

func (s *Scheduler) recordCalibrationObservation(workerPackageID string, run *WorkerRun, result qa.Result) {
	pkg := s.graph.ByID[workerPackageID]
	obs := calibration.Observation{
		ModelID:          run.ModelID,
		TaskType:         taskTypeFor(pkg),
		Difficulty:       string(pkg.Difficulty),
		ActualQuality:    result.QualityScore,
		PredictedQuality: run.PredictedQuality,
		ActualCostUSD:    run.ActualCostUSD,
		PredictedCostUSD: run.PredictedCostUSD,
		DefectCount:      len(qa.TruncateDefectSamples(result.Defects, 5, 200)),
		TS:               store.NowISO(),
	}
	_, _, _ = s.deps.Calibration.RecordObservation(s.deps.Catalog, obs, governanceFor(s.deps, run.ModelID))
}

// governanceFor looks up the model's registered governance thresholds, or
// the zero value (spec-documented floor defaults apply) if not found.
func governanceFor(deps Dependencies, modelID string) catalog.Governance {
	entries, err := deps.Catalog.All()
	if err != nil {
		return catalog.Governance{}
	}
	for _, e := range entries {
		if e.ID == modelID {
			return e.Governance
		}
	}
	return catalog.Governance{}
}

func (s *Scheduler) updateTrust(workerPackageID string, run *WorkerRun, result qa.Result, groundTruthAvailable bool) {
	qualityDelta := result.QualityScore - run.PredictedQuality
	costRatio := 1.0
	if run.PredictedCostUSD > 0 {
		costRatio = run.ActualCostUSD / run.PredictedCostUSD
	}
	before, after, err := s.deps.Calibration.UpdateWorkerTrust(run.ModelID, result.Pass, qualityDelta, costRatio)
	if err == nil {
		s.ledger.RecordTrustDelta(run.ModelID, "worker", before, after)
	}

	if result.ModelID != "deterministic" && groundTruthAvailable {
		agreed := result.Pass // deterministic pass/fail already folded into result.Pass precedence rules upstream
		qBefore, qAfter, qerr := s.deps.Calibration.UpdateQATrust(result.ModelID, agreed)
		if qerr == nil {
			s.ledger.RecordTrustDelta(result.ModelID, "qa", qBefore, qAfter)
		}
	}
}

func (s *Scheduler) evaluateEscalation(workerPackageID string, run *WorkerRun, result qa.Result) {
	pkg := s.graph.ByID[workerPackageID]
	cfg := s.deps.Config.Escalation

	actualQuality := result.QualityScore
	if run.ActualQuality != nil {
		actualQuality = *run.ActualQuality
	}

	higherTier := nextTier(s.currentTier)
	predictedRerunCost := run.PredictedCostUSD * 2

	event := escalation.Evaluate(escalation.Input{
		PackageID:          workerPackageID,
		Difficulty:         pkg.Difficulty,
		ActualQuality:      actualQuality,
		HigherTierModelID:  higherTier,
		PredictedRerunCost: predictedRerunCost,
		EscalationSpendUSD: s.escalationSpendUSD,
		ProjectBudgetUSD:   s.projectBudgetUSD,
		PromotionsUsed:     s.promotionsUsed[workerPackageID],
	}, cfg)

	if event.Action == escalation.ActionNone {
		return
	}

	s.escalations = append(s.escalations, event)
	s.ledger.RecordDecision(ledger.DecisionEscalation, workerPackageID, map[string]any{
		"reason": string(event.Reason),
		"action": string(event.Action),
	})

	switch event.Action {
	case escalation.ActionWarnSpendCap:
		s.warnings = append(s.warnings, fmt.Sprintf("escalation for %s blocked: spend cap exceeded", workerPackageID))
	case escalation.ActionRetryUpgradeTier:
		s.promotionsUsed[workerPackageID]++
		s.escalationSpendUSD += predictedRerunCost
		s.currentTier = higherTier
		pkg.TierProfileOverride = higherTier
		delete(s.completed, workerPackageID)
		s.workerRuns[workerPackageID].PredictedCostUSD = predictedRerunCost
		s.readyWorkers = append(s.readyWorkers, workerPackageID)
	}
}

func (s *Scheduler) enqueueDependents(packageID string) {
	for _, dep := range s.graph.Dependents[packageID] {
		s.graph.Indegree[dep]--
		if s.graph.Indegree[dep] == 0 {
			switch s.graph.ByID[dep].Role {
			case "worker":
				s.readyWorkers = append(s.readyWorkers, dep)
			case "qa":
				s.readyQA = append(s.readyQA, dep)
			}
		}
	}
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}
