package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"strings"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/qa"
	"github.com/antigravity-dev/foreman/internal/transport"
	"github.com/antigravity-dev/foreman/internal/workpkg"
)

// qaTaskOutcome is the self-contained result of dispatching one QA package.
type qaTaskOutcome struct {
	PackageID       string
	WorkerPackageID string
	Flow            qa.FlowOutcome
	Assembly        *transport.AssemblyResult
	ValidationErr   error
}

func (s *Scheduler) runQABatch(ctx context.Context, qaConcurrency int) {
	batch := s.popBatch(&s.readyQA, qaConcurrency)
	if len(batch) == 0 {
		return
	}

	outcomes := parallelEach(batch, func(id string) qaTaskOutcome {
		return s.dispatchQA(ctx, s.graph.ByID[id])
	})

	sorted := make([]string, 0, len(outcomes))
	for id := range outcomes {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	for _, id := range sorted {
		s.commitQA(outcomes[id])
	}
}

func (s *Scheduler) dispatchQA(ctx context.Context, pkg *workpkg.Package) qaTaskOutcome {
	workerID := pkg.Dependencies[0]
	workerPkg := s.graph.ByID[workerID]
	workerRun := s.workerRuns[workerID]

	var outcomes []qa.CheckOutcome
	if s.deps.Sandbox != nil {
		for _, check := range workerPkg.QAChecks {
			if check.Type != "shell" {
				continue
			}
			outcomes = append(outcomes, s.deps.Sandbox.RunCheck(ctx, "", check.Command))
		}
	}

	policy := qa.Policy{
		SkipLLMOnPass:           s.deps.Config.QA.SkipLlmOnPass,
		LLMSecondPassImportance: s.deps.Config.QA.LlmSecondPassImportanceThreshold,
		AlwaysLLMForHighRisk:    s.deps.Config.QA.AlwaysLlmForHighRisk,
		RemainingBudgetUSD:      s.remainingUSD,
		PredictedLLMQACostUSD:   estimateLLMQACost(),
	}

	var output string
	var qaModelID string
	if workerRun != nil {
		output = workerRun.Output
		qaModelID = workerRun.ModelID
	}

	sampleJudge := s.shouldSampleJudge(workerID)
	flow := qa.Evaluate(ctx, s.deps.LLM, qaModelID, s.deps.Judge, sampleJudge, workerID, pkg.ID, taskTypeFor(workerPkg), workerPkg.Description, output, outcomes, pkg.Importance, policy)

	result := qaTaskOutcome{PackageID: pkg.ID, WorkerPackageID: workerID, Flow: flow}

	if s.deps.AggregationPackageID != "" && workerID == s.deps.AggregationPackageID {
		result.ValidationErr = qa.ValidateAggregationOutput(output)
		if flow.Result.Pass && result.ValidationErr == nil && s.deps.Assembler != nil && strings.TrimSpace(output) != "" {
			assembly, err := s.deps.Assembler.Assemble(ctx, workerID, output)
			if err != nil {
				result.Assembly = &transport.AssemblyResult{CompilationSuccess: false, Error: err.Error()}
			} else {
				result.Assembly = &assembly
			}
		}
	}

	return result
}

// estimateLLMQACost is a conservative flat estimate for a strict-JSON LLM
// QA pass, used only to gate against the remaining budget.
func estimateLLMQACost() float64 {
	return 0.002
}

// shouldSampleJudge decides whether the separate, optional Judge evaluator
// runs for workerID this pass, per config.EscalationConfig's evaluationMode
// and cheapFirstEvalRate/normalEvalRate, spec §6.
func (s *Scheduler) shouldSampleJudge(workerID string) bool {
	esc := s.deps.Config.Escalation
	switch esc.EvaluationMode {
	case config.EvaluationAlways:
		return true
	case config.EvaluationNever:
		return false
	}
	rate := esc.NormalEvalRate
	if s.cheapFirstChosen[workerID] {
		rate = esc.CheapFirstEvalRate
	}
	return rand.Float64() < rate
}
