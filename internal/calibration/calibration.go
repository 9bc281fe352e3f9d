// Package calibration implements the Calibration & Trust Store (C2): rolling
// per-(model, task type, difficulty) performance priors and per-(model,
// role) trust values, updated from committed observations. Grounded on the
// teacher's internal/learner/outcomes.go raw-SQL aggregation idiom and
// internal/learner/quality.go's bounded-adjustment style.
package calibration

import (
	"database/sql"
	"fmt"
	"math"
	"sort"

	"github.com/antigravity-dev/foreman/internal/catalog"
	"github.com/antigravity-dev/foreman/internal/store"
)

// Prior is a Performance Prior.
type Prior struct {
	TaskType              string
	Difficulty            string
	QualityPrior          float64
	CostMultiplier        float64
	VarianceBandLow       float64
	VarianceBandHigh      float64
	DefectRate            float64
	CalibrationConfidence float64
	SampleCount           int
	LastUpdated           string
}

// TrustRole distinguishes worker trust from QA trust.
type TrustRole string

const (
	TrustWorker TrustRole = "worker"
	TrustQA     TrustRole = "qa"
)

// Trust is a Trust Value.
type Trust struct {
	ModelID     string
	Role        TrustRole
	Value       float64
	LastUpdated string
}

// DefaultTrust is the starting value for a model/role pair with no observations.
const DefaultTrust = 0.7

// MaxTrustDeltaPerUpdate bounds a single trust update, spec §4.2.
const MaxTrustDeltaPerUpdate = 0.15

// Observation is a single committed QA outcome fed into recomputation.
type Observation struct {
	ModelID          string
	TaskType         string
	Difficulty       string
	ActualQuality    float64
	PredictedQuality float64
	ActualCostUSD    float64
	PredictedCostUSD float64
	DefectCount      int
	TS               string
}

// Store is the sqlite-backed calibration/trust store.
type Store struct {
	st *store.Store
}

// New wraps an opened store.Store as a calibration Store.
func New(st *store.Store) *Store {
	return &Store{st: st}
}

// RecordObservation inserts the observation and recomputes the prior for
// its (modelId, taskType, difficulty) key, applying any resulting status
// transition to the catalog.
func (s *Store) RecordObservation(cat *catalog.Catalog, obs Observation, gov catalog.Governance) (Prior, catalog.Status, error) {
	_, err := s.st.DB().Exec(`
		INSERT INTO observations (model_id, task_type, difficulty, actual_quality, predicted_quality,
			actual_cost_usd, predicted_cost_usd, defect_count, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.ModelID, obs.TaskType, obs.Difficulty, obs.ActualQuality, obs.PredictedQuality,
		obs.ActualCostUSD, obs.PredictedCostUSD, obs.DefectCount, obs.TS)
	if err != nil {
		return Prior{}, "", fmt.Errorf("calibration: insert observation: %w", err)
	}

	prior, err := s.recompute(obs.ModelID, obs.TaskType, obs.Difficulty)
	if err != nil {
		return Prior{}, "", err
	}

	newStatus, err := s.applyStatusTransition(cat, obs.ModelID, prior, gov)
	if err != nil {
		return prior, "", err
	}
	return prior, newStatus, nil
}

func (s *Store) recompute(modelID, taskType, difficulty string) (Prior, error) {
	rows, err := s.st.DB().Query(`
		SELECT actual_quality, predicted_quality, actual_cost_usd, predicted_cost_usd, defect_count
		FROM observations WHERE model_id=? AND task_type=? AND difficulty=?`,
		modelID, taskType, difficulty)
	if err != nil {
		return Prior{}, fmt.Errorf("calibration: query observations: %w", err)
	}
	defer rows.Close()

	var qualities []float64
	var ratios []float64
	var defectCount int
	var n int
	for rows.Next() {
		var aq, pq, ac, pc float64
		var dc int
		if err := rows.Scan(&aq, &pq, &ac, &pc, &dc); err != nil {
			return Prior{}, fmt.Errorf("calibration: scan observation: %w", err)
		}
		qualities = append(qualities, aq)
		denom := math.Max(pc, 1e-9)
		ratios = append(ratios, ac/denom)
		if dc > 0 {
			defectCount++
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return Prior{}, err
	}

	prior := Prior{TaskType: taskType, Difficulty: difficulty, SampleCount: n, LastUpdated: store.NowISO()}
	if n == 0 {
		prior.QualityPrior = DefaultTrust
		prior.CostMultiplier = 1.0
		prior.VarianceBandLow, prior.VarianceBandHigh = 0.8, 1.2
		return prior, nil
	}

	meanQuality := mean(qualities)
	defectRate := float64(defectCount) / float64(n)
	// Reduce qualityPrior proportionally to defectRate, bounded to never
	// drop below 0.9 of the pre-adjustment value.
	adjusted := meanQuality * (1 - defectRate*0.5)
	adjusted = math.Max(adjusted, meanQuality*0.9)
	prior.QualityPrior = clamp(adjusted, 0, 1)

	prior.CostMultiplier = clamp(mean(ratios), 0.2, 5)
	prior.VarianceBandLow = percentile(ratios, 0.20)
	prior.VarianceBandHigh = percentile(ratios, 0.80)
	prior.DefectRate = defectRate
	prior.CalibrationConfidence = math.Min(1, float64(n)/50)

	_, err = s.st.DB().Exec(`
		INSERT INTO priors (model_id, task_type, difficulty, quality_prior, cost_multiplier,
			variance_band_low, variance_band_high, defect_rate, calibration_confidence, sample_count, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id, task_type, difficulty) DO UPDATE SET
			quality_prior=excluded.quality_prior, cost_multiplier=excluded.cost_multiplier,
			variance_band_low=excluded.variance_band_low, variance_band_high=excluded.variance_band_high,
			defect_rate=excluded.defect_rate, calibration_confidence=excluded.calibration_confidence,
			sample_count=excluded.sample_count, last_updated=excluded.last_updated`,
		modelID, taskType, difficulty, prior.QualityPrior, prior.CostMultiplier,
		prior.VarianceBandLow, prior.VarianceBandHigh, prior.DefectRate, prior.CalibrationConfidence,
		prior.SampleCount, prior.LastUpdated)
	if err != nil {
		return Prior{}, fmt.Errorf("calibration: upsert prior: %w", err)
	}
	return prior, nil
}

// applyStatusTransition implements the active/probation/disabled state
// machine driven by prior recomputation, spec §4.2.
func (s *Store) applyStatusTransition(cat *catalog.Catalog, modelID string, prior Prior, gov catalog.Governance) (catalog.Status, error) {
	entries, err := cat.All()
	if err != nil {
		return "", fmt.Errorf("calibration: load catalog for status transition: %w", err)
	}
	var current catalog.Status
	found := false
	for _, e := range entries {
		if e.ID == modelID {
			current = e.Status
			found = true
			break
		}
	}
	if !found {
		return "", nil
	}

	minQuality := math.Max(0.55, gov.MinQualityPrior)
	maxCostVariance := gov.MaxCostVarianceRatio
	if maxCostVariance == 0 {
		maxCostVariance = 3.0
	}

	next := current
	switch current {
	case catalog.StatusActive:
		if prior.SampleCount >= 30 && (prior.QualityPrior < minQuality || prior.CostMultiplier > maxCostVariance) {
			next = catalog.StatusProbation
		}
	case catalog.StatusProbation:
		activeThreshold := math.Max(0.75, gov.MinQualityPrior)
		if prior.SampleCount >= 50 && prior.QualityPrior >= activeThreshold && prior.CostMultiplier <= maxCostVariance {
			next = catalog.StatusActive
		} else if prior.SampleCount >= 60 && !gov.DisableAutoDisable {
			next = catalog.StatusDisabled
		}
	}

	if next != current {
		if err := cat.SetStatus(modelID, next); err != nil {
			return "", err
		}
	}
	return next, nil
}

// GetTrust returns the current trust value for modelId/role, defaulting to
// DefaultTrust when unobserved.
func (s *Store) GetTrust(modelID string, role TrustRole) (Trust, error) {
	row := s.st.DB().QueryRow(`SELECT value, last_updated FROM trust_values WHERE model_id=? AND role=?`, modelID, string(role))
	var t Trust
	t.ModelID, t.Role = modelID, role
	err := row.Scan(&t.Value, &t.LastUpdated)
	if err == sql.ErrNoRows {
		t.Value = DefaultTrust
		return t, nil
	}
	if err != nil {
		return Trust{}, fmt.Errorf("calibration: get trust: %w", err)
	}
	return t, nil
}

// UpdateWorkerTrust applies the bounded EMA step for a worker: a weighted
// combination of QA pass/fail, the signed quality delta, and the cost
// variance ratio. The step is clamped to MaxTrustDeltaPerUpdate and the
// resulting value clamped to [0,1].
func (s *Store) UpdateWorkerTrust(modelID string, pass bool, qualityDelta, costRatio float64) (before, after float64, err error) {
	t, err := s.GetTrust(modelID, TrustWorker)
	if err != nil {
		return 0, 0, err
	}
	before = t.Value

	passSignal := -0.1
	if pass {
		passSignal = 0.05
	}
	costSignal := clamp((1-math.Abs(costRatio-1))*0.1, -0.1, 0.1)
	step := clamp(passSignal+qualityDelta*0.2+costSignal, -MaxTrustDeltaPerUpdate, MaxTrustDeltaPerUpdate)

	after = clamp(before+step, 0, 1)
	return before, after, s.setTrust(modelID, TrustWorker, after)
}

// UpdateQATrust applies the bounded EMA step for a QA model based on
// agreement with deterministic ground truth when both ran.
func (s *Store) UpdateQATrust(modelID string, agreedWithDeterministic bool) (before, after float64, err error) {
	t, err := s.GetTrust(modelID, TrustQA)
	if err != nil {
		return 0, 0, err
	}
	before = t.Value

	step := -0.08
	if agreedWithDeterministic {
		step = 0.05
	}
	step = clamp(step, -MaxTrustDeltaPerUpdate, MaxTrustDeltaPerUpdate)

	after = clamp(before+step, 0, 1)
	return before, after, s.setTrust(modelID, TrustQA, after)
}

func (s *Store) setTrust(modelID string, role TrustRole, value float64) error {
	_, err := s.st.DB().Exec(`
		INSERT INTO trust_values (model_id, role, value, last_updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(model_id, role) DO UPDATE SET value=excluded.value, last_updated=excluded.last_updated`,
		modelID, string(role), value, store.NowISO())
	if err != nil {
		return fmt.Errorf("calibration: set trust: %w", err)
	}
	return nil
}

// LoadPriorsForModel returns every prior recorded for modelID, used by the
// router's candidate-scoring pass.
func (s *Store) LoadPriorsForModel(modelID string) ([]Prior, error) {
	rows, err := s.st.DB().Query(`
		SELECT task_type, difficulty, quality_prior, cost_multiplier, variance_band_low, variance_band_high,
			defect_rate, calibration_confidence, sample_count, last_updated
		FROM priors WHERE model_id=?`, modelID)
	if err != nil {
		return nil, fmt.Errorf("calibration: load priors: %w", err)
	}
	defer rows.Close()

	var out []Prior
	for rows.Next() {
		var p Prior
		if err := rows.Scan(&p.TaskType, &p.Difficulty, &p.QualityPrior, &p.CostMultiplier, &p.VarianceBandLow,
			&p.VarianceBandHigh, &p.DefectRate, &p.CalibrationConfidence, &p.SampleCount, &p.LastUpdated); err != nil {
			return nil, fmt.Errorf("calibration: scan prior: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindPrior returns the prior for (taskType, difficulty) among priors, or
// nil if absent — used where the spec says "priors.find(taskType, difficulty)".
func FindPrior(priors []Prior, taskType, difficulty string) *Prior {
	for i := range priors {
		if priors[i].TaskType == taskType && priors[i].Difficulty == difficulty {
			return &priors[i]
		}
	}
	return nil
}

// IsWeakSpot reports a persistent weak spot: at least 3 samples and a
// failure rate (defect rate) above 0.4, generalized from the teacher's
// DetectWeaknesses threshold.
func IsWeakSpot(p *Prior) bool {
	return p != nil && p.SampleCount >= 3 && p.DefectRate > 0.4
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 1.0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	return sorted[idx]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
