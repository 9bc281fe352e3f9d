// Package workpkg defines the plan DAG's node type (the Work Package) and
// the Task Card derived from it at scheduling time, plus graph validation.
package workpkg

import (
	"fmt"
	"sort"
)

// Role distinguishes a package that produces an artifact from one that
// validates exactly one Worker's artifact.
type Role string

const (
	RoleWorker Role = "worker"
	RoleQA     Role = "qa"
)

// Difficulty ranks a package's expected complexity, used both for routing
// thresholds and scheduling priority.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// DifficultyRank returns the scheduling priority rank for d: high=3, medium=2, low=1.
func DifficultyRank(d Difficulty) int {
	switch d {
	case DifficultyHigh:
		return 3
	case DifficultyMedium:
		return 2
	case DifficultyLow:
		return 1
	default:
		return 0
	}
}

// QACheck is a single deterministic shell check attached to a worker package.
type QACheck struct {
	Type    string `json:"type"` // "shell"
	Command string `json:"command"`
}

// Package is a node of the plan DAG.
type Package struct {
	ID                   string
	Role                 Role
	Name                 string
	Description          string
	AcceptanceCriteria   []string
	Inputs               map[string]string
	OutputsSchema        map[string]any
	Dependencies         []string
	EstimatedTokens      int
	Importance           int // 1..5
	TaskType             string
	Difficulty           Difficulty
	TierProfileOverride  string
	QAChecks             []QACheck
	QAPolicy             string
	CheapestViableChosen bool
}

// TaskCard is the routing input derived per-package at scheduling time.
type TaskCard struct {
	ID          string
	TaskType    string
	Difficulty  Difficulty
	Constraints Constraints
}

// Constraints bounds a routing decision.
type Constraints struct {
	MinQuality *float64
	MaxCostUSD *float64
}

// DeriveTaskCard builds a TaskCard from a package, optionally bounding cost
// to the caller-supplied remaining budget.
func DeriveTaskCard(p *Package, maxCostUSD *float64) TaskCard {
	return TaskCard{
		ID:         p.ID,
		TaskType:   p.TaskType,
		Difficulty: p.Difficulty,
		Constraints: Constraints{
			MaxCostUSD: maxCostUSD,
		},
	}
}

// Graph is a validated set of packages indexed by id, with precomputed
// indegree and downstream-count tables used by the scheduler.
type Graph struct {
	ByID            map[string]*Package
	Indegree        map[string]int
	Dependents      map[string][]string
	DownstreamCount map[string]int
}

// Validate checks the acyclic / QA-linkage / no-dangling-dependency invariants
// and, if all hold, builds the indegree/dependents/downstream tables.
func Validate(packages []*Package) (*Graph, error) {
	byID := make(map[string]*Package, len(packages))
	for _, p := range packages {
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("workpkg: duplicate package id %q", p.ID)
		}
		byID[p.ID] = p
	}

	for _, p := range packages {
		for _, dep := range p.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("workpkg: package %q depends on unknown package %q", p.ID, dep)
			}
		}
		if p.Role == RoleQA {
			if len(p.Dependencies) != 1 {
				return nil, fmt.Errorf("workpkg: qa package %q must have exactly one dependency, has %d", p.ID, len(p.Dependencies))
			}
			dep := byID[p.Dependencies[0]]
			if dep.Role != RoleWorker {
				return nil, fmt.Errorf("workpkg: qa package %q depends on non-worker package %q", p.ID, dep.ID)
			}
		}
	}

	if err := ensureAcyclic(byID); err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(packages))
	dependents := make(map[string][]string, len(packages))
	for _, p := range packages {
		if _, ok := indegree[p.ID]; !ok {
			indegree[p.ID] = 0
		}
		indegree[p.ID] = len(p.Dependencies)
		for _, dep := range p.Dependencies {
			dependents[dep] = append(dependents[dep], p.ID)
		}
	}

	downstream := make(map[string]int, len(packages))
	for _, p := range packages {
		downstream[p.ID] = countDownstream(p.ID, dependents, map[string]bool{})
	}

	return &Graph{
		ByID:            byID,
		Indegree:        indegree,
		Dependents:      dependents,
		DownstreamCount: downstream,
	}, nil
}

func countDownstream(id string, dependents map[string][]string, visiting map[string]bool) int {
	if visiting[id] {
		return 0
	}
	visiting[id] = true
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, child := range dependents[cur] {
			if !seen[child] {
				seen[child] = true
				walk(child)
			}
		}
	}
	walk(id)
	return len(seen)
}

func ensureAcyclic(byID map[string]*Package) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				return fmt.Errorf("workpkg: cycle detected involving %q and %q", id, dep)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadyRoots returns the ids of packages with indegree zero, partitioned by role.
func (g *Graph) ReadyRoots() (workers []string, qas []string) {
	for id, deg := range g.Indegree {
		if deg != 0 {
			continue
		}
		switch g.ByID[id].Role {
		case RoleWorker:
			workers = append(workers, id)
		case RoleQA:
			qas = append(qas, id)
		}
	}
	sort.Strings(workers)
	sort.Strings(qas)
	return workers, qas
}
