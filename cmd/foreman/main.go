// Command foreman is a demo entrypoint: it loads a config, seeds a model
// catalog and calibration store, builds a small sample work-package plan,
// and runs the scheduler to completion against in-memory transport fakes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/antigravity-dev/foreman/internal/calibration"
	"github.com/antigravity-dev/foreman/internal/catalog"
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/cost"
	"github.com/antigravity-dev/foreman/internal/scheduler"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/transport"
	"github.com/antigravity-dev/foreman/internal/workpkg"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "", "path to foreman.toml (omitted: engine defaults)")
	dbPath := flag.String("db", "", "path to sqlite catalog/calibration db (omitted: in-memory)")
	dev := flag.Bool("dev", true, "use text log format (false: JSON)")
	budget := flag.Float64("budget", 5.0, "project budget in USD for the sample run")
	tierProfile := flag.String("tier", "standard", "tier profile for the sample run: cheap | standard | premium")
	flag.Parse()

	logger := configureLogger("info", *dev)
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	st, err := openStore(*dbPath)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	cat := catalog.New(st)
	if err := seedCatalog(cat); err != nil {
		logger.Error("catalog seed failed", "error", err)
		os.Exit(1)
	}

	cal := calibration.New(st)
	llm := sampleLLM()

	deps := scheduler.Dependencies{
		Catalog:              cat,
		Calibration:           cal,
		Config:                cfg,
		LLM:                   llm,
		Judge:                 &transport.FakeJudge{Result: transport.JudgeResult{Overall: 0.82, Compliance: true}},
		Assembler:             &transport.FakeAssembler{Result: transport.AssemblyResult{CompilationSuccess: true, FileCount: 2}},
		Logger:                logger,
		AggregationPackageID:  "aggregate",
	}
	sched := scheduler.New(deps)

	result, err := sched.Run(context.Background(), scheduler.Input{
		Packages:          samplePlan(),
		ProjectBudgetUSD:  *budget,
		TierProfile:       *tierProfile,
		WorkerConcurrency: cfg.Concurrency.Worker,
		QAConcurrency:     cfg.Concurrency.QA,
	})
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	printSummary(logger, result)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadBytes(nil)
	}
	return config.Load(path)
}

func openStore(path string) (*store.Store, error) {
	if path == "" {
		return store.OpenMemory()
	}
	return store.Open(path)
}

// seedCatalog registers the models the sample plan's providers expect,
// spanning all three tiers so the router has real alternatives to choose
// between instead of falling back to the static procurement list.
func seedCatalog(cat *catalog.Catalog) error {
	entries := []catalog.Entry{
		{
			ID: "cheap-mini", Provider: "openai", ModelID: "gpt-5.3-mini",
			Status:       catalog.StatusActive,
			Pricing:      cost.Pricing{InPer1k: 0.0002, OutPer1k: 0.0006, Currency: "USD"},
			Expertise:    map[string]float64{"coding": 0.72, "writing": 0.68, "review": 0.75},
			Reliability:  0.88,
			AllowedTiers: []string{"cheap", "standard"},
		},
		{
			ID: "standard-core", Provider: "anthropic", ModelID: "claude-standard",
			Status:       catalog.StatusActive,
			Pricing:      cost.Pricing{InPer1k: 0.003, OutPer1k: 0.015, Currency: "USD"},
			Expertise:    map[string]float64{"coding": 0.85, "writing": 0.82, "review": 0.87},
			Reliability:  0.93,
			AllowedTiers: []string{"standard", "premium"},
		},
		{
			ID: "premium-frontier", Provider: "anthropic", ModelID: "claude-premium",
			Status:       catalog.StatusActive,
			Pricing:      cost.Pricing{InPer1k: 0.015, OutPer1k: 0.075, Currency: "USD"},
			Expertise:    map[string]float64{"coding": 0.95, "writing": 0.93, "review": 0.96},
			Reliability:  0.97,
			AllowedTiers: []string{"premium"},
		},
	}
	for _, e := range entries {
		if err := cat.Upsert(e); err != nil {
			return fmt.Errorf("seed %s: %w", e.ID, err)
		}
	}
	return nil
}

// sampleLLM returns a FakeLLM with no per-(modelID, prompt) responses
// registered, so every call, worker or QA, gets the same default text.
func sampleLLM() *transport.FakeLLM {
	llm := transport.NewFakeLLM()
	llm.Default = transport.Result{Text: "default demo output", Usage: &transport.Usage{InputTokens: 300, OutputTokens: 700}}
	return llm
}

// samplePlan returns a small DAG: two independent worker packages each
// checked by its own QA package, plus an aggregation worker that depends
// on both and is itself checked by a final QA package.
func samplePlan() []*workpkg.Package {
	return []*workpkg.Package{
		{
			ID: "draft-outline", Role: workpkg.RoleWorker, Name: "Draft outline",
			Description:        "Draft the outline section of the report.",
			AcceptanceCriteria: []string{"Covers all three required sections"},
			TaskType:           "writing",
			Difficulty:         workpkg.DifficultyLow,
			Importance:         2,
		},
		{
			ID: "implement-parser", Role: workpkg.RoleWorker, Name: "Implement parser",
			Description:        "Implement the input parser function.",
			AcceptanceCriteria: []string{"Handles malformed input without panicking"},
			TaskType:           "coding",
			Difficulty:         workpkg.DifficultyMedium,
			Importance:         3,
			QAChecks:           []workpkg.QACheck{{Type: "shell", Command: "npm test"}},
		},
		{
			ID: "qa-draft-outline", Role: workpkg.RoleQA, Name: "QA draft outline",
			Dependencies: []string{"draft-outline"},
			Importance:   2,
		},
		{
			ID: "qa-implement-parser", Role: workpkg.RoleQA, Name: "QA implement parser",
			Dependencies: []string{"implement-parser"},
			Importance:   3,
		},
		{
			ID: "aggregate", Role: workpkg.RoleWorker, Name: "Assemble final report",
			Description:        "Combine the outline and parser into the final deliverable.",
			Dependencies:        []string{"draft-outline", "implement-parser"},
			TaskType:            "writing",
			Difficulty:          workpkg.DifficultyMedium,
			Importance:          4,
		},
		{
			ID: "qa-aggregate", Role: workpkg.RoleQA, Name: "QA assembled report",
			Dependencies: []string{"aggregate"},
			Importance:   4,
		},
	}
}

func printSummary(logger *slog.Logger, result scheduler.RunResult) {
	logger.Info("run complete",
		"workerRuns", len(result.Runs),
		"qaResults", len(result.QAResults),
		"escalations", len(result.Escalations),
		"startingBudgetUSD", result.Budget.StartingUSD,
		"remainingBudgetUSD", result.Budget.RemainingUSD,
		"escalationSpendUSD", result.Budget.EscalationSpendUSD,
		"completed", result.Ledger.CompletedCount,
		"total", result.Ledger.TotalCount,
	)
	for _, w := range result.Warnings {
		logger.Warn("run warning", "message", w)
	}
	for _, run := range result.Runs {
		logger.Info("worker run", "packageId", run.PackageID, "modelId", run.ModelID, "predictedCostUSD", run.PredictedCostUSD, "actualCostUSD", run.ActualCostUSD)
	}
	for _, r := range result.QAResults {
		logger.Info("qa result", "workerPackageId", r.WorkerPackageID, "pass", r.Pass, "qualityScore", r.QualityScore)
	}
	for bucket, amount := range result.Ledger.Costs {
		logger.Info("cost bucket", "bucket", bucket, "amountUSD", amount)
	}
}
