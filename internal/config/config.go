// Package config loads and validates the Foreman TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// TierProfile is the coarse price class that filters the candidate pool.
type TierProfile string

const (
	TierCheap    TierProfile = "cheap"
	TierStandard TierProfile = "standard"
	TierPremium  TierProfile = "premium"
)

// SelectionPolicy chooses how the router ranks passed candidates.
type SelectionPolicy string

const (
	SelectionLowestCostQualified SelectionPolicy = "lowest_cost_qualified"
	SelectionBestValue           SelectionPolicy = "best_value"
)

// RoutingMode toggles cheap-first-with-promotion routing.
type RoutingMode string

const (
	RoutingNormal         RoutingMode = "normal"
	RoutingEscalationAware RoutingMode = "escalation_aware"
)

// Config is the root Foreman engine configuration.
type Config struct {
	General    General               `toml:"general"`
	Data       Data                  `toml:"data"`
	Concurrency Concurrency          `toml:"concurrency"`
	CostControl CostControl          `toml:"cost_control"`
	Selection  SelectionConfig       `toml:"selection"`
	Escalation EscalationConfig      `toml:"escalation"`
	QA         QAConfig              `toml:"qa"`
	Providers  map[string]Provider   `toml:"providers"`
	Tiers      Tiers                 `toml:"tiers"`
}

// General holds run-level defaults.
type General struct {
	LogLevel        string   `toml:"log_level"`
	TierProfile     string   `toml:"tier_profile"`      // cheap | standard | premium
	RunDeadline     Duration `toml:"run_deadline"`      // default 10m; the scheduler does not read it and applies no wallclock cap
	RandomSeed      int64    `toml:"random_seed"`       // decoded only; no engine component reads it (Judge sampling uses math/rand's global source)
}

// Data holds on-disk locations for persisted catalog/priors/trust/runs.
type Data struct {
	Dir     string `toml:"dir"`      // <data-dir>
	RunsDir string `toml:"runs_dir"` // <runs-dir>
}

// Concurrency controls batch sizes for the scheduler's two queues.
type Concurrency struct {
	Worker int `toml:"worker"` // default 3
	QA     int `toml:"qa"`     // default 1
}

// CostControl generalizes the teacher's per-bead/daily spend caps to packages.
type CostControl struct {
	Enabled               bool    `toml:"enabled"`
	DailyCostCapUSD       float64 `toml:"daily_cost_cap_usd"`
	PerPackageCostCapUSD  float64 `toml:"per_package_cost_cap_usd"`
	PricingMismatchThreshold float64 `toml:"pricing_mismatch_threshold"` // default 2.0
}

// SelectionConfig holds the selection policy and forces cheapest-viable mode.
// Policy is defaulted and validated only: the router always ranks by
// lowest_cost_qualified (or cheapest_viable), whichever policy is set.
type SelectionConfig struct {
	Policy                SelectionPolicy `toml:"policy"`
	EnforceCheapestViable  bool            `toml:"enforce_cheapest_viable"`
}

// EscalationConfig mirrors spec §6 "Escalation" configuration surface.
type EscalationConfig struct {
	Policy                       string             `toml:"policy"` // "promote_on_low_score"
	MaxPromotions                int                `toml:"max_promotions"`
	PromotionMargin              float64            `toml:"promotion_margin"`
	ScoreResolution              float64            `toml:"score_resolution"`
	MinScoreByDifficulty         map[string]float64 `toml:"min_score_by_difficulty"`
	RequireEvalForDecision       bool               `toml:"require_eval_for_decision"`
	RoutingMode                  RoutingMode        `toml:"routing_mode"`
	CheapFirstMinConfidence      float64            `toml:"cheap_first_min_confidence"`
	CheapFirstSavingsMinPct      float64            `toml:"cheap_first_savings_min_pct"`
	CheapFirstMaxGapByDifficulty map[string]float64 `toml:"cheap_first_max_gap_by_difficulty"`
	CheapFirstMaxGapByTaskType   map[string]float64 `toml:"cheap_first_max_gap_by_task_type"`
	CheapFirstBudgetHeadroomFactor float64          `toml:"cheap_first_budget_headroom_factor"`
	CheapFirstOnlyWhenCanPromote bool               `toml:"cheap_first_only_when_can_promote"`
	PremiumTaskTypes             []string           `toml:"premium_task_types"`
	EscalationSpendCapPct        float64            `toml:"escalation_spend_cap_pct"` // default 0.10
	// EvaluationMode, CheapFirstEvalRate, and NormalEvalRate configure the
	// Judge evaluator's sample rate: "sampled" draws a Judge call with
	// probability CheapFirstEvalRate for cheap-first-chosen packages and
	// NormalEvalRate otherwise; "always" and "never" ignore the rates.
	EvaluationMode     EvaluationMode `toml:"evaluation_mode"`
	CheapFirstEvalRate float64        `toml:"cheap_first_eval_rate"`
	NormalEvalRate     float64        `toml:"normal_eval_rate"`
}

// EvaluationMode governs whether the Judge evaluator is sampled, always
// invoked, or never invoked, spec §6.
type EvaluationMode string

const (
	EvaluationAlways  EvaluationMode = "always"
	EvaluationNever   EvaluationMode = "never"
	EvaluationSampled EvaluationMode = "sampled"
)

// QAConfig configures the deterministic/LLM QA split.
type QAConfig struct {
	SkipLlmOnPass               bool     `toml:"skip_llm_on_pass"`
	LlmSecondPassImportanceThreshold int  `toml:"llm_second_pass_importance_threshold"`
	AlwaysLlmForHighRisk         bool     `toml:"always_llm_for_high_risk"`
	ShellCheckTimeout            Duration `toml:"shell_check_timeout"` // default 90s
	ShellAllowlist                map[string][]string `toml:"shell_allowlist"`
	SandboxImage                  string   `toml:"sandbox_image"`
}

// Provider is a single catalog seed entry read from TOML (used by the static
// procurement fallback list and to bootstrap an empty catalog).
type Provider struct {
	Tier              string             `toml:"tier"`
	ModelID           string             `toml:"model_id"`
	Status            string             `toml:"status"` // active | probation | disabled
	CostInputPerMtok  float64            `toml:"cost_input_per_mtok"`
	CostOutputPerMtok float64            `toml:"cost_output_per_mtok"`
	Expertise         map[string]float64 `toml:"expertise"`
	Reliability       float64            `toml:"reliability"`
}

// Tiers lists provider ids allowed per tier profile, used by the static fallback catalog.
type Tiers struct {
	Cheap    []string `toml:"cheap"`
	Standard []string `toml:"standard"`
	Premium  []string `toml:"premium"`
}

// Load reads and validates a TOML config file, filling in defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// LoadBytes is Load for an in-memory TOML document (tests, embedded defaults).
func LoadBytes(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with the engine's documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.General.TierProfile == "" {
		cfg.General.TierProfile = string(TierStandard)
	}
	if cfg.General.RunDeadline.Duration == 0 {
		cfg.General.RunDeadline.Duration = 10 * time.Minute
	}
	if cfg.Concurrency.Worker == 0 {
		cfg.Concurrency.Worker = 3
	}
	if cfg.Concurrency.QA == 0 {
		cfg.Concurrency.QA = 1
	}
	if cfg.CostControl.PricingMismatchThreshold == 0 {
		cfg.CostControl.PricingMismatchThreshold = 2.0
	}
	if cfg.Selection.Policy == "" {
		cfg.Selection.Policy = SelectionLowestCostQualified
	}
	if cfg.Escalation.RoutingMode == "" {
		cfg.Escalation.RoutingMode = RoutingNormal
	}
	if cfg.Escalation.MaxPromotions == 0 {
		cfg.Escalation.MaxPromotions = 1
	}
	if cfg.Escalation.ScoreResolution == 0 {
		cfg.Escalation.ScoreResolution = 0.05
	}
	if cfg.Escalation.CheapFirstBudgetHeadroomFactor == 0 {
		cfg.Escalation.CheapFirstBudgetHeadroomFactor = 1.0
	}
	if cfg.Escalation.EscalationSpendCapPct == 0 {
		cfg.Escalation.EscalationSpendCapPct = 0.10
	}
	if cfg.Escalation.EvaluationMode == "" {
		cfg.Escalation.EvaluationMode = EvaluationSampled
	}
	if cfg.Escalation.CheapFirstEvalRate == 0 {
		cfg.Escalation.CheapFirstEvalRate = 1.0
	}
	if cfg.Escalation.NormalEvalRate == 0 {
		cfg.Escalation.NormalEvalRate = 0.1
	}
	if cfg.Escalation.MinScoreByDifficulty == nil {
		cfg.Escalation.MinScoreByDifficulty = map[string]float64{
			"low":    0.6,
			"medium": 0.72,
			"high":   0.85,
		}
	}
	if cfg.QA.LlmSecondPassImportanceThreshold == 0 {
		cfg.QA.LlmSecondPassImportanceThreshold = 4
	}
	if cfg.QA.ShellCheckTimeout.Duration == 0 {
		cfg.QA.ShellCheckTimeout.Duration = 90 * time.Second
	}
	if cfg.QA.ShellAllowlist == nil {
		cfg.QA.ShellAllowlist = map[string][]string{
			"npm": {"build", "run lint", "test"},
		}
	}
	if cfg.QA.SandboxImage == "" {
		cfg.QA.SandboxImage = "alpine:3.20"
	}
}

// Validate rejects out-of-range configuration.
func Validate(cfg *Config) error {
	switch TierProfile(cfg.General.TierProfile) {
	case TierCheap, TierStandard, TierPremium:
	default:
		return fmt.Errorf("general.tier_profile %q is not one of cheap|standard|premium", cfg.General.TierProfile)
	}
	if cfg.Concurrency.Worker <= 0 {
		return fmt.Errorf("concurrency.worker must be positive")
	}
	if cfg.Concurrency.QA <= 0 {
		return fmt.Errorf("concurrency.qa must be positive")
	}
	switch cfg.Selection.Policy {
	case SelectionLowestCostQualified, SelectionBestValue:
	default:
		return fmt.Errorf("selection.policy %q is not one of lowest_cost_qualified|best_value", cfg.Selection.Policy)
	}
	if cfg.Escalation.EscalationSpendCapPct < 0 || cfg.Escalation.EscalationSpendCapPct > 1 {
		return fmt.Errorf("escalation.escalation_spend_cap_pct must be within [0,1]")
	}
	switch cfg.Escalation.EvaluationMode {
	case "", EvaluationAlways, EvaluationNever, EvaluationSampled:
	default:
		return fmt.Errorf("escalation.evaluation_mode %q is not one of always|never|sampled", cfg.Escalation.EvaluationMode)
	}
	if cfg.Escalation.CheapFirstEvalRate < 0 || cfg.Escalation.CheapFirstEvalRate > 1 {
		return fmt.Errorf("escalation.cheap_first_eval_rate must be within [0,1]")
	}
	if cfg.Escalation.NormalEvalRate < 0 || cfg.Escalation.NormalEvalRate > 1 {
		return fmt.Errorf("escalation.normal_eval_rate must be within [0,1]")
	}
	return nil
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Providers = cloneProviders(cfg.Providers)
	cloned.Escalation.MinScoreByDifficulty = cloneFloatMap(cfg.Escalation.MinScoreByDifficulty)
	cloned.Escalation.CheapFirstMaxGapByDifficulty = cloneFloatMap(cfg.Escalation.CheapFirstMaxGapByDifficulty)
	cloned.Escalation.CheapFirstMaxGapByTaskType = cloneFloatMap(cfg.Escalation.CheapFirstMaxGapByTaskType)
	cloned.Escalation.PremiumTaskTypes = cloneStringSlice(cfg.Escalation.PremiumTaskTypes)
	cloned.Tiers = Tiers{
		Cheap:    cloneStringSlice(cfg.Tiers.Cheap),
		Standard: cloneStringSlice(cfg.Tiers.Standard),
		Premium:  cloneStringSlice(cfg.Tiers.Premium),
	}
	return &cloned
}

func cloneProviders(in map[string]Provider) map[string]Provider {
	if in == nil {
		return nil
	}
	out := make(map[string]Provider, len(in))
	for k, v := range in {
		v.Expertise = cloneFloatMap(v.Expertise)
		out[k] = v
	}
	return out
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// MustLoad is Load, panicking on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			panic(fmt.Sprintf("config file not found: %s", path))
		}
		panic(err)
	}
	return cfg
}
