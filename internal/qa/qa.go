package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-dev/foreman/internal/transport"
)

// Result is a QA Result.
type Result struct {
	PackageID       string
	WorkerPackageID string
	Pass            bool
	QualityScore    float64
	Defects         []string
	ModelID         string // modelId, or "deterministic"
}

// LLMQAResponse is the strict JSON output contract an LLM QA call must produce.
type LLMQAResponse struct {
	Pass         bool     `json:"pass"`
	QualityScore float64  `json:"qualityScore"`
	Defects      []string `json:"defects"`
}

// ParseLLMQAResponse extracts the first JSON value from text and validates
// it against the strict contract; rejects anything unparseable or whose
// qualityScore is out of [0,1].
func ParseLLMQAResponse(text string) (LLMQAResponse, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return LLMQAResponse{}, fmt.Errorf("qa: no JSON object found in LLM QA response")
	}
	var resp LLMQAResponse
	if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&resp); err != nil {
		return LLMQAResponse{}, fmt.Errorf("qa: malformed LLM QA response: %w", err)
	}
	if resp.QualityScore < 0 || resp.QualityScore > 1 {
		return LLMQAResponse{}, fmt.Errorf("qa: qualityScore %v out of [0,1]", resp.QualityScore)
	}
	return resp, nil
}

// Policy bundles the config surface the QA flow needs.
type Policy struct {
	SkipLLMOnPass              bool
	LLMSecondPassImportance    int
	AlwaysLLMForHighRisk       bool
	RemainingBudgetUSD         float64
	PredictedLLMQACostUSD      float64
}

// RunDeterministic runs every shell check for a worker package and returns
// the per-check outcomes unaggregated (AggregateScore folds them). Returns
// nil outcomes when there are no checks.
func RunDeterministic(ctx context.Context, sandbox *Sandbox, workDir string, commands []string) (outcomes []CheckOutcome) {
	for _, cmd := range commands {
		outcomes = append(outcomes, sandbox.RunCheck(ctx, workDir, cmd))
	}
	return outcomes
}

// SampledEvaluation is the optional Judge evaluator's verdict on this QA
// package, attached only when the run's eval-rate sampling selected it,
// spec §6 "sample rate configurable". It is advisory: it never overrides
// the strict-JSON LLM QA call's pass/qualityScore/defects.
type SampledEvaluation struct {
	Result transport.JudgeResult
	Err    error
}

// FlowOutcome bundles everything the scheduler's commit step needs from one
// QA package's evaluation.
type FlowOutcome struct {
	Result          Result
	DeterministicRan bool
	LLMRan          bool
	LLMRejected     bool
	LLMRejectReason string
	BudgetGated     bool
	SampledEval     *SampledEvaluation
}

// BuildQAPrompt assembles the strict-JSON-schema prompt for the LLM QA call.
func BuildQAPrompt(taskType, directive, outputText string) string {
	return fmt.Sprintf(
		"You are reviewing a %s task's output against its directive.\n"+
			"Directive: %s\n\nOutput:\n%s\n\n"+
			"Respond with a single strict JSON object: "+
			`{"pass":boolean,"qualityScore":number between 0 and 1,"defects":string[]}. `+
			"No prose, no markdown fences, no commentary outside the JSON object.",
		taskType, directive, outputText,
	)
}

// Evaluate runs the full QA flow for spec §4.7 steps 1-4: deterministic
// checks first, then an LLM QA pass via llm when policy requires it and
// budget allows, preferring the LLM's qualityScore as authoritative when
// both ran. judge, the separate sample-rate-configurable evaluator of
// spec §6, is invoked independently when sampleJudge is true and its
// verdict is attached to the outcome for auditing, never mixed into
// result.Pass/QualityScore.
func Evaluate(ctx context.Context, llm transport.LLM, qaModelID string, judge transport.Judge, sampleJudge bool, workerPackageID, qaPackageID, taskType, directive, outputText string, deterministicOutcomes []CheckOutcome, importance int, policy Policy) FlowOutcome {
	var detPass bool
	var detScore float64
	var detDefects []string
	ranDeterministic := deterministicOutcomes != nil
	if ranDeterministic {
		detPass, detScore, detDefects = AggregateScore(deterministicOutcomes)
	} else {
		detPass, detScore = true, 0.9
	}

	result := Result{
		PackageID:       qaPackageID,
		WorkerPackageID: workerPackageID,
		Pass:            detPass,
		QualityScore:    detScore,
		Defects:         detDefects,
		ModelID:         "deterministic",
	}

	outcome := FlowOutcome{Result: result, DeterministicRan: ranDeterministic}

	if judge != nil && sampleJudge {
		judgeResult, err := judge.Evaluate(ctx, taskType, directive, outputText)
		outcome.SampledEval = &SampledEvaluation{Result: judgeResult, Err: err}
	}

	needsLLM := !(ranDeterministic && detPass && policy.SkipLLMOnPass)
	if importance >= policy.LLMSecondPassImportance {
		needsLLM = true
	}
	if policy.AlwaysLLMForHighRisk {
		needsLLM = true
	}
	if !needsLLM || llm == nil {
		return outcome
	}

	if policy.PredictedLLMQACostUSD > policy.RemainingBudgetUSD {
		outcome.BudgetGated = true
		return outcome
	}

	llmResult, err := llm.Execute(ctx, qaModelID, BuildQAPrompt(taskType, directive, outputText))
	if err != nil {
		outcome.LLMRan = true
		outcome.LLMRejected = true
		outcome.LLMRejectReason = err.Error()
		return outcome
	}

	llmResp, perr := ParseLLMQAResponse(llmResult.Text)
	if perr != nil {
		outcome.LLMRan = true
		outcome.LLMRejected = true
		outcome.LLMRejectReason = perr.Error()
		return outcome
	}

	outcome.Result.Pass = llmResp.Pass
	outcome.Result.QualityScore = llmResp.QualityScore
	outcome.Result.Defects = append(outcome.Result.Defects, llmResp.Defects...)
	outcome.Result.ModelID = qaModelID
	outcome.LLMRan = true

	return outcome
}

// TruncateDefectSamples truncates the defect list to at most n entries of
// at most maxLen chars each, per spec §4.8 commit step (5 x 200 chars).
func TruncateDefectSamples(defects []string, n, maxLen int) []string {
	out := make([]string, 0, n)
	for i, d := range defects {
		if i >= n {
			break
		}
		if len(d) > maxLen {
			d = d[:maxLen]
		}
		out = append(out, d)
	}
	return out
}
