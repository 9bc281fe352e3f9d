// Package scheduler implements the Scheduler (C8), the engine: topological
// batching of the work-package graph, bounded concurrent dispatch, the
// lead-limit fairness rule, a serialized commit step, and ledger emission.
// Grounded on the teacher's internal/scheduler/concurrency_control.go
// admission/queue idioms and internal/graph/dag.go's ready-node logic,
// adapted from a persistent bead queue to an in-memory run-scoped DAG walk.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/antigravity-dev/foreman/internal/artifact"
	"github.com/antigravity-dev/foreman/internal/calibration"
	"github.com/antigravity-dev/foreman/internal/catalog"
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/escalation"
	"github.com/antigravity-dev/foreman/internal/ledger"
	"github.com/antigravity-dev/foreman/internal/qa"
	"github.com/antigravity-dev/foreman/internal/router"
	"github.com/antigravity-dev/foreman/internal/transport"
	"github.com/antigravity-dev/foreman/internal/workpkg"
)

// WorkerQALeadLimit bounds how far worker completions may run ahead of QA
// completions before QA backlog is served preferentially, spec §4.8.
const WorkerQALeadLimit = 2

// WorkerRun is a committed worker outcome.
type WorkerRun struct {
	PackageID        string
	ModelID          string
	Output           string
	PredictedQuality float64
	ActualQuality    *float64
	PredictedCostUSD float64
	ActualCostUSD    float64
	IsEstimatedCost  bool
	SelfConfidence   *float64
	ArtifactID       string
	ArtifactHash     string
}

// Input bundles a scheduler run's configuration.
type Input struct {
	Packages          []*workpkg.Package
	ProjectBudgetUSD  float64
	TierProfile       string
	WorkerConcurrency int
	QAConcurrency     int
	// EnforceCheapestViable forces every package's routing decision into
	// cheapest-viable mode for the run, in addition to any per-package
	// Package.CheapestViableChosen flag and config.SelectionConfig's own
	// EnforceCheapestViable toggle.
	EnforceCheapestViable bool
}

// Budget is the final budget accounting returned to the caller.
type Budget struct {
	StartingUSD        float64
	RemainingUSD       float64
	EscalationSpendUSD float64
}

// RunResult is the scheduler's terminal, non-throwing return value.
type RunResult struct {
	Runs        []WorkerRun
	QAResults   []qa.Result
	Escalations []escalation.Event
	Budget      Budget
	Warnings    []string
	Ledger      ledger.Summary
}

// Dependencies bundles every collaborator the scheduler needs.
type Dependencies struct {
	Catalog       *catalog.Catalog
	Calibration   *calibration.Store
	Config        *config.Config
	LLM           transport.LLM
	Judge         transport.Judge
	Assembler     transport.Assembler
	Sandbox       ShellRunner
	Logger        *slog.Logger
	AggregationPackageID string // "" disables the aggregation short-circuit path
}

// ShellRunner is the subset of qa.Sandbox the scheduler depends on, so
// tests can substitute a fake without a live docker daemon.
type ShellRunner interface {
	RunCheck(ctx context.Context, workDir, command string) qa.CheckOutcome
}

// Scheduler runs one work-package graph to completion (or partial
// termination) as a single logical thread dispatching bounded-concurrency
// batches with a serialized commit step.
type Scheduler struct {
	deps Dependencies

	registry *artifact.Registry
	ledger   *ledger.Ledger

	graph      *workpkg.Graph
	readyWorkers []string
	readyQA      []string
	completed    map[string]bool

	workerRuns map[string]*WorkerRun
	qaResults  []qa.Result

	// cheapFirstChosen marks worker package ids whose routing decision
	// successfully promoted a cheaper cheap-first candidate, consulted when
	// sampling the Judge evaluator per config.EscalationConfig's eval rates.
	cheapFirstChosen map[string]bool

	projectBudgetUSD      float64
	remainingUSD          float64
	currentTier           string
	escalationSpendUSD    float64
	promotionsUsed        map[string]int
	enforceCheapestViable bool

	workerCompleted int
	qaCompleted     int

	warnings         []string
	escalations      []escalation.Event
	budgetGatedEmpty bool
}

// New constructs a Scheduler for a single run session.
func New(deps Dependencies) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		deps:           deps,
		registry:       artifact.New(),
		ledger:         ledger.New(uuid.NewString()),
		completed:        make(map[string]bool),
		workerRuns:       make(map[string]*WorkerRun),
		promotionsUsed:   make(map[string]int),
		cheapFirstChosen: make(map[string]bool),
	}
}

// Run executes the full scheduling loop to completion.
func (s *Scheduler) Run(ctx context.Context, in Input) (RunResult, error) {
	graph, err := workpkg.Validate(in.Packages)
	if err != nil {
		s.ledger.RecordDecision(ledger.DecisionValidationFailed, "", map[string]any{"error": err.Error()})
		return RunResult{}, fmt.Errorf("scheduler: %w", err)
	}
	s.graph = graph
	s.projectBudgetUSD = in.ProjectBudgetUSD
	s.remainingUSD = in.ProjectBudgetUSD
	if cc := s.deps.Config.CostControl; cc.Enabled && cc.DailyCostCapUSD > 0 && cc.DailyCostCapUSD < s.remainingUSD {
		s.remainingUSD = cc.DailyCostCapUSD
		s.deps.Logger.Info("daily cost cap below project budget, capping run", "dailyCostCapUSD", cc.DailyCostCapUSD)
	}
	s.currentTier = in.TierProfile
	s.enforceCheapestViable = in.EnforceCheapestViable || s.deps.Config.Selection.EnforceCheapestViable
	s.readyWorkers, s.readyQA = graph.ReadyRoots()

	workerConcurrency := in.WorkerConcurrency
	if workerConcurrency <= 0 {
		workerConcurrency = 3
	}
	qaConcurrency := in.QAConcurrency
	if qaConcurrency <= 0 {
		qaConcurrency = 1
	}

	for len(s.readyWorkers) > 0 || len(s.readyQA) > 0 {
		if s.remainingUSD <= 0 {
			s.warnings = append(s.warnings, "Budget exhausted; stopping with partial results")
			break
		}

		serveQA := s.workerCompleted-s.qaCompleted >= WorkerQALeadLimit && len(s.readyQA) > 0
		if serveQA {
			s.runQABatch(ctx, qaConcurrency)
		} else if len(s.readyWorkers) > 0 {
			s.runWorkerBatch(ctx, in, workerConcurrency)
		} else {
			s.runQABatch(ctx, qaConcurrency)
		}

		if s.budgetGatedEmpty {
			s.warnings = append(s.warnings, "Budget exhausted; stopping with partial results")
			break
		}
	}

	if len(s.completed) < len(in.Packages) && s.remainingUSD > 0 && !s.budgetGatedEmpty {
		var unresolved []string
		for id := range s.graph.ByID {
			if !s.completed[id] {
				unresolved = append(unresolved, id)
			}
		}
		sort.Strings(unresolved)
		return RunResult{}, fmt.Errorf("scheduler: deadlock detected, unresolved packages: %s", strings.Join(unresolved, ", "))
	}

	summary := s.ledger.Finalize(len(s.completed), len(in.Packages))

	runs := make([]WorkerRun, 0, len(s.workerRuns))
	ids := make([]string, 0, len(s.workerRuns))
	for id := range s.workerRuns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		runs = append(runs, *s.workerRuns[id])
	}

	return RunResult{
		Runs:        runs,
		QAResults:   s.qaResults,
		Escalations: s.escalations,
		Budget: Budget{
			StartingUSD:        in.ProjectBudgetUSD,
			RemainingUSD:       s.remainingUSD,
			EscalationSpendUSD: s.escalationSpendUSD,
		},
		Warnings: s.warnings,
		Ledger:   summary,
	}, nil
}

// popBatch removes up to n highest-priority ids from queue and returns them,
// sorted by (-importance, -difficultyRank, -downstreamCount, id).
func (s *Scheduler) popBatch(queue *[]string, n int) []string {
	ids := *queue
	sort.Slice(ids, func(i, j int) bool { return s.priorityLess(ids[i], ids[j]) })
	if n > len(ids) {
		n = len(ids)
	}
	batch := append([]string(nil), ids[:n]...)
	*queue = ids[n:]
	return batch
}

func (s *Scheduler) priorityLess(a, b string) bool {
	pa, pb := s.graph.ByID[a], s.graph.ByID[b]
	if pa.Importance != pb.Importance {
		return pa.Importance > pb.Importance
	}
	ra, rb := workpkg.DifficultyRank(pa.Difficulty), workpkg.DifficultyRank(pb.Difficulty)
	if ra != rb {
		return ra > rb
	}
	da, db := s.graph.DownstreamCount[a], s.graph.DownstreamCount[b]
	if da != db {
		return da > db
	}
	return a < b
}

// gateBudget implements the pre-flight budget gate: drops packages from the
// tail of the batch until the predicted total fits remainingUSD, requeueing
// the dropped ids for a later batch — unless nothing in the batch fits at
// all, in which case requeueing would spin forever (remainingUSD never grows
// on its own), so those ids are left out of the run instead.
func (s *Scheduler) gateBudget(batch []string, predicted map[string]float64, queue *[]string) []string {
	total := 0.0
	for _, id := range batch {
		total += predicted[id]
	}
	original := total

	var dropped []string
	for total > s.remainingUSD && len(batch) > 0 {
		d := batch[len(batch)-1]
		batch = batch[:len(batch)-1]
		total -= predicted[d]
		dropped = append(dropped, d)
		s.deps.Logger.Warn("Budget gating", "droppedPackage", d, "remainingUSD", s.remainingUSD)
	}

	if len(dropped) > 0 {
		s.warnings = append(s.warnings, fmt.Sprintf("Budget gating: batch predicted cost %.6f exceeds remaining %.6f", original, s.remainingUSD))
	}

	if len(batch) == 0 && len(dropped) > 0 {
		s.budgetGatedEmpty = true
		return batch
	}

	*queue = append(*queue, dropped...)
	return batch
}

func taskTypeFor(p *workpkg.Package) string {
	if p.TaskType != "" {
		return p.TaskType
	}
	return inferTaskType(p.Name, p.Description)
}

// inferTaskType applies documented keyword rules over the package name and
// description when no explicit taskType is set.
func inferTaskType(name, description string) string {
	combined := strings.ToLower(name + " " + description)
	switch {
	case strings.Contains(combined, "test") || strings.Contains(combined, "review"):
		return "review"
	case strings.Contains(combined, "write") || strings.Contains(combined, "draft") || strings.Contains(combined, "doc"):
		return "writing"
	case strings.Contains(combined, "analy"):
		return "analysis"
	default:
		return "coding"
	}
}

func (s *Scheduler) tierFor(p *workpkg.Package) string {
	if p.TierProfileOverride != "" {
		return p.TierProfileOverride
	}
	return s.currentTier
}

func parallelEach[T any](items []string, fn func(id string) T) map[string]T {
	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[string]T, len(items))
	for _, id := range items {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res := fn(id)
			mu.Lock()
			out[id] = res
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}
