// Package catalog implements the Model Catalog (C3): the canonical registry
// of models with identity, pricing, expertise, status, and governance
// thresholds, and the tier/budget/status eligibility filter the router
// consumes. Backed by internal/store, grounded on the teacher's
// internal/graph/dag.go persistence idiom.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/cost"
	"github.com/antigravity-dev/foreman/internal/store"
)

// Status mirrors the registry entry lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusProbation Status = "probation"
	StatusDisabled  Status = "disabled"
)

// Governance carries per-model auto-management thresholds.
type Governance struct {
	MinQualityPrior      float64 `json:"minQualityPrior"`
	MaxCostVarianceRatio float64 `json:"maxCostVarianceRatio"`
	MaxRecentEscalations int     `json:"maxRecentEscalations"`
	DisableAutoDisable   bool    `json:"disableAutoDisable"`
}

// Entry is a Model Registry Entry.
type Entry struct {
	ID           string
	Provider     string
	ModelID      string
	Status       Status
	Pricing      cost.Pricing
	Expertise    map[string]float64
	Reliability  float64
	AllowedTiers []string
	Governance   Governance
	CreatedAt    string
	UpdatedAt    string
}

// ExclusionReason is a reason code surfaced in the decision audit for
// filtered-out catalog entries.
type ExclusionReason string

const (
	ExclusionStatus      ExclusionReason = "status_disabled"
	ExclusionTier        ExclusionReason = "tier_not_allowed"
	ExclusionBudget      ExclusionReason = "over_budget"
	ExclusionNoCreds     ExclusionReason = "missing_credentials"
	ExclusionWeakSpot    ExclusionReason = "weak_spot"
)

// Exclusion records why a candidate was dropped from ListEligible; weak_spot
// is advisory (the entry is still returned, never hard-excluded).
type Exclusion struct {
	ModelID string
	Reason  ExclusionReason
}

// Filter is the input to ListEligible.
type Filter struct {
	TierProfile        string
	TaskType           string
	Difficulty         string
	BudgetRemainingUSD float64
	Importance         int
	// AvailableCredentials, when non-nil, restricts eligibility to entries
	// whose ModelID is present (tenant-credential filter).
	AvailableCredentials map[string]bool
	// WeakSpotModelIDs flags models the calibration store considers a
	// persistent weak spot for (TaskType, Difficulty); advisory only.
	WeakSpotModelIDs map[string]bool
}

// Catalog is the sqlite-backed model registry.
type Catalog struct {
	st *store.Store
}

// New wraps an opened store.Store as a Catalog.
func New(st *store.Store) *Catalog {
	return &Catalog{st: st}
}

// Upsert inserts or replaces a registry entry.
func (c *Catalog) Upsert(e Entry) error {
	expertiseJSON, err := json.Marshal(e.Expertise)
	if err != nil {
		return fmt.Errorf("catalog: marshal expertise: %w", err)
	}
	tiersJSON, err := json.Marshal(e.AllowedTiers)
	if err != nil {
		return fmt.Errorf("catalog: marshal tiers: %w", err)
	}
	govJSON, err := json.Marshal(e.Governance)
	if err != nil {
		return fmt.Errorf("catalog: marshal governance: %w", err)
	}
	now := store.NowISO()
	if e.CreatedAt == "" {
		e.CreatedAt = now
	}
	_, err = c.st.DB().Exec(`
		INSERT INTO models (id, provider, model_id, status, in_per_1k, out_per_1k, currency,
			expertise_json, reliability, allowed_tiers_json, governance_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider=excluded.provider, model_id=excluded.model_id, status=excluded.status,
			in_per_1k=excluded.in_per_1k, out_per_1k=excluded.out_per_1k, currency=excluded.currency,
			expertise_json=excluded.expertise_json, reliability=excluded.reliability,
			allowed_tiers_json=excluded.allowed_tiers_json, governance_json=excluded.governance_json,
			updated_at=excluded.updated_at`,
		e.ID, e.Provider, e.ModelID, string(e.Status), e.Pricing.InPer1k, e.Pricing.OutPer1k, e.Pricing.Currency,
		string(expertiseJSON), e.Reliability, string(tiersJSON), string(govJSON), e.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", e.ID, err)
	}
	return nil
}

// SetStatus transitions a model's status (driven by calibration's
// recomputation, never called directly by the router).
func (c *Catalog) SetStatus(modelID string, status Status) error {
	_, err := c.st.DB().Exec(`UPDATE models SET status=?, updated_at=? WHERE id=?`, string(status), store.NowISO(), modelID)
	if err != nil {
		return fmt.Errorf("catalog: set status %s: %w", modelID, err)
	}
	return nil
}

// All returns every registry entry, for catalog bootstrap/inspection.
func (c *Catalog) All() ([]Entry, error) {
	rows, err := c.st.DB().Query(`SELECT id, provider, model_id, status, in_per_1k, out_per_1k, currency,
		expertise_json, reliability, allowed_tiers_json, governance_json, created_at, updated_at FROM models`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query all: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var status, expertiseJSON, tiersJSON, govJSON string
	if err := rows.Scan(&e.ID, &e.Provider, &e.ModelID, &status, &e.Pricing.InPer1k, &e.Pricing.OutPer1k,
		&e.Pricing.Currency, &expertiseJSON, &e.Reliability, &tiersJSON, &govJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, fmt.Errorf("catalog: scan entry: %w", err)
	}
	e.Status = Status(status)
	_ = json.Unmarshal([]byte(expertiseJSON), &e.Expertise)
	_ = json.Unmarshal([]byte(tiersJSON), &e.AllowedTiers)
	_ = json.Unmarshal([]byte(govJSON), &e.Governance)
	return e, nil
}

// ListResult is the return of ListEligible: the eligible set plus the
// excluded-with-reason audit trail.
type ListResult struct {
	Eligible    []Entry
	Excluded    []Exclusion
	UsedFallback bool
}

// ListEligible filters the registry by status/tier/budget, applying the
// tenant-credential filter when supplied and flagging (not excluding) weak
// spots. On registry error or an empty registry it falls back to a static
// list and the caller is expected to record a PROCUREMENT_FALLBACK decision.
func ListEligible(c *Catalog, cfg *config.Config, f Filter) ListResult {
	entries, err := c.All()
	if err != nil || len(entries) == 0 {
		return ListResult{Eligible: staticFallback(cfg, f.TierProfile), UsedFallback: true}
	}

	hasActiveInTier := false
	for _, e := range entries {
		if e.Status == StatusActive && tierAllowed(e, f.TierProfile) {
			hasActiveInTier = true
			break
		}
	}

	var result ListResult
	for _, e := range entries {
		if e.Status == StatusDisabled {
			result.Excluded = append(result.Excluded, Exclusion{e.ID, ExclusionStatus})
			continue
		}
		if e.Status == StatusProbation && hasActiveInTier {
			result.Excluded = append(result.Excluded, Exclusion{e.ID, ExclusionStatus})
			continue
		}
		if !tierAllowed(e, f.TierProfile) {
			result.Excluded = append(result.Excluded, Exclusion{e.ID, ExclusionTier})
			continue
		}
		if f.AvailableCredentials != nil && !f.AvailableCredentials[e.ID] {
			result.Excluded = append(result.Excluded, Exclusion{e.ID, ExclusionNoCreds})
			continue
		}
		cheapest := cost.ComputePredictedCost(e.Pricing, cost.Usage{Input: 500, Output: 500}, nil)
		if f.BudgetRemainingUSD > 0 && cheapest.PredictedCostUSD > f.BudgetRemainingUSD {
			result.Excluded = append(result.Excluded, Exclusion{e.ID, ExclusionBudget})
			continue
		}
		if f.WeakSpotModelIDs != nil && f.WeakSpotModelIDs[e.ID] {
			result.Excluded = append(result.Excluded, Exclusion{e.ID, ExclusionWeakSpot})
		}
		result.Eligible = append(result.Eligible, e)
	}

	sort.Slice(result.Eligible, func(i, j int) bool { return result.Eligible[i].ID < result.Eligible[j].ID })
	return result
}

func tierAllowed(e Entry, tierProfile string) bool {
	if tierProfile == "" {
		return true
	}
	for _, t := range e.AllowedTiers {
		if t == tierProfile {
			return true
		}
	}
	return false
}

// staticFallback builds the spec-defined static list from config.Tiers,
// filtered by tierProfile, used when the registry is empty or errors.
func staticFallback(cfg *config.Config, tierProfile string) []Entry {
	if cfg == nil {
		return nil
	}
	var ids []string
	switch tierProfile {
	case "cheap":
		ids = cfg.Tiers.Cheap
	case "premium":
		ids = cfg.Tiers.Premium
	default:
		ids = cfg.Tiers.Standard
	}

	var out []Entry
	for _, id := range ids {
		p, ok := cfg.Providers[id]
		if !ok {
			continue
		}
		out = append(out, Entry{
			ID:       id,
			ModelID:  p.ModelID,
			Status:   Status(orDefault(p.Status, string(StatusActive))),
			Pricing:  cost.Pricing{InPer1k: p.CostInputPerMtok / 1000, OutPer1k: p.CostOutputPerMtok / 1000, Currency: "USD"},
			Expertise: p.Expertise,
			Reliability: orDefaultFloat(p.Reliability, 0.7),
			AllowedTiers: []string{tierProfile},
		})
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
