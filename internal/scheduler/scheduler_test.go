package scheduler

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/foreman/internal/calibration"
	"github.com/antigravity-dev/foreman/internal/catalog"
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/cost"
	"github.com/antigravity-dev/foreman/internal/ledger"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/transport"
	"github.com/antigravity-dev/foreman/internal/workpkg"
)

// modelLLM is a test-local LLM fake keyed on modelId alone, ignoring prompt
// text for worker calls, so tests don't need to predict buildPrompt's exact
// output. Calls carrying qa.BuildQAPrompt's strict-JSON-contract marker are
// served from a separate qaByModel map (or a default passing response), so
// the same model id can serve distinct worker output and QA verdict text.
type modelLLM struct {
	byModel   map[string]transport.Result
	qaByModel map[string]transport.Result
	errs      map[string]error
}

func newModelLLM() *modelLLM {
	return &modelLLM{byModel: map[string]transport.Result{}, qaByModel: map[string]transport.Result{}, errs: map[string]error{}}
}

func (m *modelLLM) set(modelID, text string) {
	m.byModel[modelID] = transport.Result{Text: text, Usage: &transport.Usage{InputTokens: 300, OutputTokens: 600}}
}

// setQA overrides the strict-JSON LLM QA response returned for modelID.
func (m *modelLLM) setQA(modelID, text string) {
	m.qaByModel[modelID] = transport.Result{Text: text, Usage: &transport.Usage{InputTokens: 300, OutputTokens: 600}}
}

func (m *modelLLM) Execute(_ context.Context, modelID, prompt string) (transport.Result, error) {
	if err, ok := m.errs[modelID]; ok {
		return transport.Result{}, err
	}
	if strings.Contains(prompt, "qualityScore") {
		if r, ok := m.qaByModel[modelID]; ok {
			return r, nil
		}
		return transport.Result{Text: `{"pass":true,"qualityScore":0.9,"defects":[]}`, Usage: &transport.Usage{InputTokens: 300, OutputTokens: 600}}, nil
	}
	if r, ok := m.byModel[modelID]; ok {
		return r, nil
	}
	return transport.Result{Text: "ok", Usage: &transport.Usage{InputTokens: 300, OutputTokens: 600}}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func upsertEntry(t *testing.T, cat *catalog.Catalog, id, tier string, inPer1k, outPer1k, reliability float64, expertise map[string]float64) {
	t.Helper()
	require.NoError(t, cat.Upsert(catalog.Entry{
		ID:           id,
		Provider:     "test",
		ModelID:      id,
		Status:       catalog.StatusActive,
		Pricing:      cost.Pricing{InPer1k: inPer1k, OutPer1k: outPer1k, Currency: "USD"},
		Expertise:    expertise,
		Reliability:  reliability,
		AllowedTiers: []string{tier},
	}))
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func worker(id, taskType string, difficulty workpkg.Difficulty, deps ...string) *workpkg.Package {
	return &workpkg.Package{
		ID:         id,
		Role:       workpkg.RoleWorker,
		Name:       id,
		Description: "test package " + id,
		TaskType:   taskType,
		Difficulty: difficulty,
		Importance: 1,
		Dependencies: deps,
	}
}

func qaFor(id, workerID string) *workpkg.Package {
	return &workpkg.Package{
		ID:           id,
		Role:         workpkg.RoleQA,
		Name:         id,
		Dependencies: []string{workerID},
		Importance:   1,
	}
}

// Scenario 1: trivial single worker + QA, cheap tier, budget $1.
func TestScheduler_TrivialWorkerAndQA(t *testing.T) {
	st := newTestStore(t)
	cat := catalog.New(st)
	upsertEntry(t, cat, "cheap-mini", "cheap", 0.001, 0.001, 0.9, map[string]float64{"coding": 0.9})

	llm := newModelLLM()
	llm.set("cheap-mini", "hello")

	cfg := baseConfig(t)

	sched := New(Dependencies{
		Catalog:     cat,
		Calibration: calibration.New(st),
		Config:      cfg,
		LLM:         llm,
	})

	w := worker("w1", "coding", workpkg.DifficultyLow)
	q := qaFor("qa1", "w1")

	result, err := sched.Run(context.Background(), Input{
		Packages:          []*workpkg.Package{w, q},
		ProjectBudgetUSD:  1.0,
		TierProfile:       "cheap",
		WorkerConcurrency: 3,
		QAConcurrency:     1,
	})
	require.NoError(t, err)

	require.Len(t, result.Runs, 1)
	require.Equal(t, "hello", result.Runs[0].Output)
	require.Equal(t, "cheap-mini", result.Runs[0].ModelID)

	require.Len(t, result.QAResults, 1)
	require.True(t, result.QAResults[0].Pass)
	require.InDelta(t, 0.9, result.QAResults[0].QualityScore, 1e-9)

	require.Less(t, result.Budget.StartingUSD-result.Budget.RemainingUSD, 1.0)

	foundRoute := false
	for _, d := range result.Ledger.Decisions {
		if d.Type == ledger.DecisionRoute && d.PackageID == "w1" {
			foundRoute = true
		}
	}
	require.True(t, foundRoute)
}

// Scenario 2: CSV-to-JSON preset — 3 parallel workers, aggregation, qa-review.
func TestScheduler_AggregationAssemblesSuccessfully(t *testing.T) {
	st := newTestStore(t)
	cat := catalog.New(st)
	upsertEntry(t, cat, "cheap-mini", "standard", 0.001, 0.001, 0.9, map[string]float64{"coding": 0.9})

	llm := newModelLLM()
	llm.set("cheap-mini", `{"fileTree":["a.go","b.go"],"files":{"a.go":"package a","b.go":"package b"},"report":{"summary":"ok"}}`)

	assembler := &transport.FakeAssembler{Result: transport.AssemblyResult{CompilationSuccess: true, FileCount: 8}}

	cfg := baseConfig(t)

	sched := New(Dependencies{
		Catalog:              cat,
		Calibration:          calibration.New(st),
		Config:               cfg,
		LLM:                  llm,
		Assembler:            assembler,
		AggregationPackageID: "aggregation",
	})

	w1 := worker("worker-1", "coding", workpkg.DifficultyMedium)
	w2 := worker("worker-2", "coding", workpkg.DifficultyMedium)
	w3 := worker("worker-3", "coding", workpkg.DifficultyMedium)
	agg := worker("aggregation", "coding", workpkg.DifficultyMedium, "worker-1", "worker-2", "worker-3")
	qaReview := qaFor("qa-review", "aggregation")

	result, err := sched.Run(context.Background(), Input{
		Packages:          []*workpkg.Package{w1, w2, w3, agg, qaReview},
		ProjectBudgetUSD:  5.0,
		TierProfile:       "standard",
		WorkerConcurrency: 3,
		QAConcurrency:     1,
	})
	require.NoError(t, err)
	require.Len(t, result.Runs, 4)

	foundAssembly := false
	for _, d := range result.Ledger.Decisions {
		if d.Type == ledger.DecisionAssembly && d.PackageID == "aggregation" {
			foundAssembly = true
			require.Equal(t, true, d.Details["compilationSuccess"])
			require.GreaterOrEqual(t, d.Details["fileCount"], 7)
		}
	}
	require.True(t, foundAssembly)
}

// Scenario 3: missing-dependency short-circuit on the aggregation package.
func TestScheduler_AggregationShortCircuitsOnMissingDependency(t *testing.T) {
	st := newTestStore(t)
	cat := catalog.New(st)
	upsertEntry(t, cat, "cheap-mini", "standard", 0.001, 0.001, 0.9, map[string]float64{"coding": 0.9})

	llm := newModelLLM()
	llm.set("cheap-mini", `{"fileTree":["a.go"],"files":{"a.go":"package a"},"report":{"summary":"ok"}}`)

	cfg := baseConfig(t)

	sched := New(Dependencies{
		Catalog:              cat,
		Calibration:          calibration.New(st),
		Config:               cfg,
		LLM:                  &emptyingLLM{inner: llm, emptyForTaskName: "worker-2"},
		AggregationPackageID: "aggregation",
	})

	w1 := worker("worker-1", "coding", workpkg.DifficultyMedium)
	w2 := worker("worker-2", "coding", workpkg.DifficultyMedium)
	agg := worker("aggregation", "coding", workpkg.DifficultyMedium, "worker-1", "worker-2")
	qaReview := qaFor("qa-review", "aggregation")

	result, err := sched.Run(context.Background(), Input{
		Packages:          []*workpkg.Package{w1, w2, agg, qaReview},
		ProjectBudgetUSD:  5.0,
		TierProfile:       "standard",
		WorkerConcurrency: 3,
		QAConcurrency:     1,
	})
	require.NoError(t, err)

	foundFailed := false
	for _, d := range result.Ledger.Decisions {
		if d.Type == ledger.DecisionAssemblyFailed && d.PackageID == "aggregation" {
			foundFailed = true
			require.Equal(t, []string{"worker-2"}, d.Details["missingDependencies"])
		}
	}
	require.True(t, foundFailed)

	foundWarning := false
	for _, w := range result.Warnings {
		if w == "aggregation: dependency artifacts missing: worker-2" {
			foundWarning = true
		}
	}
	require.True(t, foundWarning)
}

// emptyingLLM wraps another LLM but forces the response for whichever
// package's prompt names emptyForTaskName to empty text, simulating a
// worker that returned nothing. buildPrompt always has a "Task: <name>" line,
// so matching on that substring lets two packages share a model id while
// still being distinguishable by prompt content.
type emptyingLLM struct {
	inner            transport.LLM
	emptyForTaskName string
}

func (e *emptyingLLM) Execute(ctx context.Context, modelID, prompt string) (transport.Result, error) {
	if containsSubstring(prompt, "Task: "+e.emptyForTaskName+"\n") {
		return transport.Result{Text: "", Usage: &transport.Usage{InputTokens: 100, OutputTokens: 0}}, nil
	}
	return e.inner.Execute(ctx, modelID, prompt)
}

// Scenario 4: escalation path — low QA score triggers a single-hop retry at
// the next tier up.
func TestScheduler_EscalationRetriesAtHigherTier(t *testing.T) {
	st := newTestStore(t)
	cat := catalog.New(st)
	upsertEntry(t, cat, "standard-model", "standard", 0.001, 0.001, 0.9, map[string]float64{"writing": 0.9})
	upsertEntry(t, cat, "premium-model", "premium", 0.002, 0.002, 0.95, map[string]float64{"writing": 0.95})

	llm := newModelLLM()
	llm.set("standard-model", "draft output")
	llm.set("premium-model", "stronger draft output")
	llm.setQA("standard-model", `{"pass":false,"qualityScore":0.5,"defects":["weak draft"]}`)
	llm.setQA("premium-model", `{"pass":true,"qualityScore":0.95,"defects":[]}`)

	judge := &transport.FakeJudge{Result: transport.JudgeResult{Compliance: true, Overall: 0.75}}

	cfg := baseConfig(t)
	cfg.Escalation.Policy = "promote_on_low_score"
	cfg.Escalation.RequireEvalForDecision = true
	cfg.Escalation.MinScoreByDifficulty = map[string]float64{"high": 0.88}
	cfg.QA.AlwaysLlmForHighRisk = true

	sched := New(Dependencies{
		Catalog:     cat,
		Calibration: calibration.New(st),
		Config:      cfg,
		LLM:         llm,
		Judge:       judge,
	})

	w := worker("w1", "writing", workpkg.DifficultyHigh)
	q := qaFor("qa1", "w1")

	result, err := sched.Run(context.Background(), Input{
		Packages:          []*workpkg.Package{w, q},
		ProjectBudgetUSD:  10.0,
		TierProfile:       "standard",
		WorkerConcurrency: 3,
		QAConcurrency:     1,
	})
	require.NoError(t, err)

	require.Len(t, result.Runs, 1)
	require.Equal(t, "premium-model", result.Runs[0].ModelID)
	require.Len(t, result.Escalations, 1)
	require.Greater(t, result.Budget.EscalationSpendUSD, 0.0)

	routeCount := 0
	for _, d := range result.Ledger.Decisions {
		if d.Type == ledger.DecisionRoute && d.PackageID == "w1" {
			routeCount++
		}
	}
	require.Equal(t, 2, routeCount)
}

// Scenario 5: budget exhaustion mid-run — neither of two workers can be
// afforded, so the run terminates gracefully rather than spinning forever.
func TestScheduler_BudgetExhaustionStopsGracefully(t *testing.T) {
	st := newTestStore(t)
	cat := catalog.New(st)
	// Priced so the catalog's 500-in/500-out affordability check passes
	// (0.000875 <= 0.001) while the router's coding/medium estimate of
	// 300 in / 1800 out predicts 0.003 per worker.
	upsertEntry(t, cat, "mid-model", "standard", 0.0001, 0.00165, 0.9, map[string]float64{"coding": 0.9})

	llm := newModelLLM()

	cfg := baseConfig(t)

	sched := New(Dependencies{
		Catalog:     cat,
		Calibration: calibration.New(st),
		Config:      cfg,
		LLM:         llm,
	})

	w1 := worker("w1", "coding", workpkg.DifficultyMedium)
	w2 := worker("w2", "coding", workpkg.DifficultyMedium)

	result, err := sched.Run(context.Background(), Input{
		Packages:          []*workpkg.Package{w1, w2},
		ProjectBudgetUSD:  0.001,
		TierProfile:       "standard",
		WorkerConcurrency: 3,
		QAConcurrency:     1,
	})
	require.NoError(t, err)

	require.Empty(t, result.Runs)
	require.LessOrEqual(t, result.Budget.RemainingUSD, 0.001)

	foundGatingWarning, foundExhaustedWarning := false, false
	for _, w := range result.Warnings {
		if len(w) > 0 && w[0] == 'B' {
			if containsSubstring(w, "Budget gating") {
				foundGatingWarning = true
			}
			if containsSubstring(w, "Budget exhausted") {
				foundExhaustedWarning = true
			}
		}
	}
	require.True(t, foundGatingWarning)
	require.True(t, foundExhaustedWarning)
}

func containsSubstring(haystack, needle string) bool {
	if len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Scenario 6: cheapest-viable enforcement picks the cheaper passing candidate.
func TestScheduler_CheapestViableEnforcement(t *testing.T) {
	st := newTestStore(t)
	cat := catalog.New(st)
	upsertEntry(t, cat, "cheap-mini", "standard", 0.0002, 0.0002, 0.86, map[string]float64{"writing": 0.86})
	upsertEntry(t, cat, "premium", "standard", 0.003, 0.003, 0.92, map[string]float64{"writing": 0.92})

	llm := newModelLLM()
	llm.set("cheap-mini", "draft")
	llm.set("premium", "draft")

	cfg := baseConfig(t)

	sched := New(Dependencies{
		Catalog:     cat,
		Calibration: calibration.New(st),
		Config:      cfg,
		LLM:         llm,
	})

	w := worker("w1", "writing", workpkg.DifficultyHigh)
	w.CheapestViableChosen = true

	result, err := sched.Run(context.Background(), Input{
		Packages:          []*workpkg.Package{w},
		ProjectBudgetUSD:  10.0,
		TierProfile:       "standard",
		WorkerConcurrency: 3,
		QAConcurrency:     1,
	})
	require.NoError(t, err)
	require.Len(t, result.Runs, 1)
	require.Equal(t, "cheap-mini", result.Runs[0].ModelID)

	for _, d := range result.Ledger.Decisions {
		if d.Type == ledger.DecisionRoute && d.PackageID == "w1" {
			require.Equal(t, true, d.Details["chosenIsCheapestViable"])
			require.Equal(t, "cheapest_viable", d.Details["rankedBy"])
		}
	}
}

// Scenario 7: daily cost cap caps the run below the project budget, and a
// per-package cap tighter than remainingUSD is recorded but does not exclude
// a candidate whose predicted cost already fits under it.
func TestScheduler_CostControlCapsBindBelowProjectBudget(t *testing.T) {
	st := newTestStore(t)
	cat := catalog.New(st)
	upsertEntry(t, cat, "cheap-mini", "cheap", 0.001, 0.001, 0.9, map[string]float64{"coding": 0.9})

	llm := newModelLLM()
	llm.set("cheap-mini", "hello")

	cfg := baseConfig(t)
	cfg.CostControl.Enabled = true
	cfg.CostControl.DailyCostCapUSD = 0.01
	cfg.CostControl.PerPackageCostCapUSD = 0.005

	sched := New(Dependencies{
		Catalog:     cat,
		Calibration: calibration.New(st),
		Config:      cfg,
		LLM:         llm,
	})

	w := worker("w1", "coding", workpkg.DifficultyLow)

	result, err := sched.Run(context.Background(), Input{
		Packages:          []*workpkg.Package{w},
		ProjectBudgetUSD:  10.0,
		TierProfile:       "cheap",
		WorkerConcurrency: 3,
		QAConcurrency:     1,
	})
	require.NoError(t, err)
	require.Len(t, result.Runs, 1)
	require.Equal(t, "cheap-mini", result.Runs[0].ModelID)

	// actual cost from usage: 300/1000*0.001 + 600/1000*0.001 = 0.0009
	require.InDelta(t, 0.01-0.0009, result.Budget.RemainingUSD, 1e-6)
	require.Equal(t, 10.0, result.Budget.StartingUSD)

	var sawPerPackageCap bool
	for _, d := range result.Ledger.Decisions {
		if d.Type == ledger.DecisionBudgetOptimization && d.PackageID == "w1" && d.Details["reason"] == "per_package_cost_cap_applied" {
			sawPerPackageCap = true
		}
	}
	require.True(t, sawPerPackageCap)
}

// Scenario 8: a run-level EnforceCheapestViable override forces
// cheapest-viable routing even when no individual package opts in.
func TestScheduler_RunLevelEnforceCheapestViable(t *testing.T) {
	st := newTestStore(t)
	cat := catalog.New(st)
	upsertEntry(t, cat, "cheap-mini", "standard", 0.0002, 0.0002, 0.86, map[string]float64{"writing": 0.86})
	upsertEntry(t, cat, "premium", "standard", 0.003, 0.003, 0.92, map[string]float64{"writing": 0.92})

	llm := newModelLLM()
	llm.set("cheap-mini", "draft")
	llm.set("premium", "draft")

	cfg := baseConfig(t)

	sched := New(Dependencies{
		Catalog:     cat,
		Calibration: calibration.New(st),
		Config:      cfg,
		LLM:         llm,
	})

	w := worker("w1", "writing", workpkg.DifficultyHigh)
	require.False(t, w.CheapestViableChosen)

	result, err := sched.Run(context.Background(), Input{
		Packages:              []*workpkg.Package{w},
		ProjectBudgetUSD:      10.0,
		TierProfile:           "standard",
		WorkerConcurrency:     3,
		QAConcurrency:         1,
		EnforceCheapestViable: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Runs, 1)
	require.Equal(t, "cheap-mini", result.Runs[0].ModelID)

	for _, d := range result.Ledger.Decisions {
		if d.Type == ledger.DecisionRoute && d.PackageID == "w1" {
			require.Equal(t, true, d.Details["chosenIsCheapestViable"])
			require.Equal(t, "cheapest_viable", d.Details["rankedBy"])
		}
	}
}
