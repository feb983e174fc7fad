package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nevindra/relay/kv"
)

// ExperimentStatus is an A/B experiment's lifecycle state.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentCancelled ExperimentStatus = "cancelled"
)

// Variant is one tested workflow version with its traffic share.
type Variant struct {
	VariantID       string
	WorkflowVersion string
	TrafficWeight   float64
	Description     string
	Metadata        map[string]string
}

// ExperimentMetrics accumulates per-variant outcome counts. Rate fields
// are derived on read via DerivedMetrics, never stored stale.
type ExperimentMetrics struct {
	VariantID    string
	Impressions  int
	Successes    int
	Failures     int
	TotalLatency float64
	TotalCost    float64
}

// DerivedMetrics is ExperimentMetrics plus its computed rates.
type DerivedMetrics struct {
	ExperimentMetrics
	ConversionRate float64
	AvgLatency     float64
	AvgCost        float64
}

func (m ExperimentMetrics) derive() DerivedMetrics {
	d := DerivedMetrics{ExperimentMetrics: m}
	if m.Impressions > 0 {
		d.ConversionRate = float64(m.Successes) / float64(m.Impressions)
		d.AvgLatency = m.TotalLatency / float64(m.Impressions)
		d.AvgCost = m.TotalCost / float64(m.Impressions)
	}
	return d
}

// ABExperiment is a running or completed A/B test over one workflow's
// versions.
type ABExperiment struct {
	ExperimentID    string
	WorkflowID      string
	Name            string
	Description     string
	Variants        []Variant
	Status          ExperimentStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	WinnerVariantID string
	MinSampleSize   int
	ConfidenceLevel float64
	Metadata        map[string]string
}

// StatisticalTest is the result of comparing two variants' conversion
// rates with a two-proportion z-test.
type StatisticalTest struct {
	VariantAID      string
	VariantBID      string
	Significant     bool
	ConfidenceLevel float64
	PValue          float64
	ZScore          float64
	Winner          string
}

func experimentKey(id string) string               { return "ab:experiment:" + id }
func metricsKey(experimentID, variantID string) string { return fmt.Sprintf("ab:metrics:%s:%s", experimentID, variantID) }
func assignmentKey(experimentID, userID string) string { return fmt.Sprintf("ab:assignment:%s:%s", experimentID, userID) }
func experimentsListKey(workflowID string) string   { return "ab:experiments:" + workflowID }

const (
	experimentTTL = 90 * 24 * time.Hour
	assignmentTTL = 30 * 24 * time.Hour
)

// ABTestingManager runs workflow A/B experiments: variant assignment,
// metrics rollup, and statistical winner detection feeding back into a
// VersionManager's active-version pointer.
type ABTestingManager struct {
	store    kv.Adapter
	versions *VersionManager
}

// NewABTestingManager wires a store and a VersionManager.
func NewABTestingManager(store kv.Adapter, versions *VersionManager) *ABTestingManager {
	return &ABTestingManager{store: store, versions: versions}
}

// CreateExperiment validates variants (at least 2, weights summing to
// ~1.0, each referencing an existing workflow version), derives an
// experiment id by hashing the workflow id, name and creation time, and
// initializes zeroed metrics for
// every variant.
func (m *ABTestingManager) CreateExperiment(ctx context.Context, workflowID, name, description string, variants []Variant, minSampleSize int, confidenceLevel float64, metadata map[string]string) (ABExperiment, error) {
	if len(variants) < 2 {
		return ABExperiment{}, &ValidationError{Field: "variants", Reason: "at least 2 variants required"}
	}
	var totalWeight float64
	for _, v := range variants {
		totalWeight += v.TrafficWeight
	}
	if totalWeight < 0.99 || totalWeight > 1.01 {
		return ABExperiment{}, &ValidationError{Field: "variants", Reason: fmt.Sprintf("traffic weights must sum to 1.0, got %.4f", totalWeight)}
	}
	for _, v := range variants {
		if _, ok, err := m.versions.GetVersion(ctx, workflowID, v.WorkflowVersion); err != nil {
			return ABExperiment{}, err
		} else if !ok {
			return ABExperiment{}, &ValidationError{Field: "variants", Reason: "workflow version not found: " + v.WorkflowVersion}
		}
	}
	if minSampleSize <= 0 {
		minSampleSize = 100
	}
	if confidenceLevel <= 0 || confidenceLevel >= 1 {
		confidenceLevel = 0.95
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", workflowID, name, time.Now().UnixNano())))
	experimentID := hex.EncodeToString(sum[:])[:16]

	exp := ABExperiment{
		ExperimentID:    experimentID,
		WorkflowID:      workflowID,
		Name:            name,
		Description:     description,
		Variants:        variants,
		Status:          ExperimentDraft,
		CreatedAt:       time.Now(),
		MinSampleSize:   minSampleSize,
		ConfidenceLevel: confidenceLevel,
		Metadata:        metadata,
	}

	if err := m.storeExperiment(ctx, exp); err != nil {
		return ABExperiment{}, err
	}
	if err := m.store.SAdd(ctx, experimentsListKey(workflowID), experimentID); err != nil {
		return ABExperiment{}, err
	}
	for _, v := range variants {
		if err := m.storeMetrics(ctx, experimentID, ExperimentMetrics{VariantID: v.VariantID}); err != nil {
			return ABExperiment{}, err
		}
	}
	return exp, nil
}

// StartExperiment transitions a draft experiment to running.
func (m *ABTestingManager) StartExperiment(ctx context.Context, experimentID string) error {
	exp, ok, err := m.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Field: "experiment_id", Reason: "not found"}
	}
	if exp.Status != ExperimentDraft {
		return &ValidationError{Field: "status", Reason: "experiment must be in draft status, got " + string(exp.Status)}
	}
	now := time.Now()
	exp.Status = ExperimentRunning
	exp.StartedAt = &now
	return m.storeExperiment(ctx, exp)
}

// AssignVariant splits traffic for userID. When sticky, a prior
// assignment for the same (experiment, user) pair is always honored
// first; a fresh assignment otherwise uses weighted random selection
// over the variants' traffic weights.
func (m *ABTestingManager) AssignVariant(ctx context.Context, experimentID, userID string, sticky bool) (Variant, error) {
	exp, ok, err := m.GetExperiment(ctx, experimentID)
	if err != nil {
		return Variant{}, err
	}
	if !ok {
		return Variant{}, &ValidationError{Field: "experiment_id", Reason: "not found"}
	}
	if exp.Status != ExperimentRunning {
		return Variant{}, &ValidationError{Field: "status", Reason: "experiment not running: " + string(exp.Status)}
	}

	aKey := assignmentKey(experimentID, userID)
	if sticky {
		if existing, ok, err := m.store.Get(ctx, aKey); err != nil {
			return Variant{}, err
		} else if ok {
			for _, v := range exp.Variants {
				if v.VariantID == existing {
					return v, nil
				}
			}
		}
	}

	variant := weightedRandomChoice(exp.Variants)
	if sticky {
		if err := m.store.Set(ctx, aKey, variant.VariantID, assignmentTTL); err != nil {
			return Variant{}, err
		}
	}
	return variant, nil
}

func weightedRandomChoice(variants []Variant) Variant {
	r := rand.Float64()
	var cumulative float64
	for _, v := range variants {
		cumulative += v.TrafficWeight
		if r <= cumulative {
			return v
		}
	}
	return variants[len(variants)-1]
}

// RecordImpression counts a variant assignment toward its sample size.
func (m *ABTestingManager) RecordImpression(ctx context.Context, experimentID, variantID string) error {
	metrics, ok, err := m.getMetrics(ctx, experimentID, variantID)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Field: "variant_id", Reason: "metrics not found"}
	}
	metrics.Impressions++
	return m.storeMetrics(ctx, experimentID, metrics)
}

// RecordSuccess records a successful execution's latency and cost.
func (m *ABTestingManager) RecordSuccess(ctx context.Context, experimentID, variantID string, latency, cost float64) error {
	metrics, ok, err := m.getMetrics(ctx, experimentID, variantID)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Field: "variant_id", Reason: "metrics not found"}
	}
	metrics.Successes++
	metrics.TotalLatency += latency
	metrics.TotalCost += cost
	return m.storeMetrics(ctx, experimentID, metrics)
}

// RecordFailure records a failed execution.
func (m *ABTestingManager) RecordFailure(ctx context.Context, experimentID, variantID string) error {
	metrics, ok, err := m.getMetrics(ctx, experimentID, variantID)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Field: "variant_id", Reason: "metrics not found"}
	}
	metrics.Failures++
	return m.storeMetrics(ctx, experimentID, metrics)
}

// GetMetrics returns derived metrics for every variant in experimentID.
func (m *ABTestingManager) GetMetrics(ctx context.Context, experimentID string) (map[string]DerivedMetrics, error) {
	exp, ok, err := m.GetExperiment(ctx, experimentID)
	if err != nil || !ok {
		return nil, err
	}
	out := make(map[string]DerivedMetrics, len(exp.Variants))
	for _, v := range exp.Variants {
		metrics, ok, err := m.getMetrics(ctx, experimentID, v.VariantID)
		if err != nil {
			return nil, err
		}
		if ok {
			out[v.VariantID] = metrics.derive()
		}
	}
	return out, nil
}

// CheckWinner runs a two-proportion z-test comparing the first two
// variants' conversion rates, gated on every variant reaching
// MinSampleSize impressions. This replaces the placeholder
// distance-threshold comparison with a real significance test: the
// pooled proportion and pooled standard error of the two-sample z-test
// for proportions are computed, and the p-value comes from the
// standard normal survival function (two-tailed).
func (m *ABTestingManager) CheckWinner(ctx context.Context, experimentID string) (*StatisticalTest, error) {
	exp, ok, err := m.GetExperiment(ctx, experimentID)
	if err != nil || !ok {
		return nil, err
	}
	metrics, err := m.GetMetrics(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	for variantID, vm := range metrics {
		if vm.Impressions < exp.MinSampleSize {
			_ = variantID
			return nil, nil
		}
	}
	if len(exp.Variants) < 2 {
		return nil, nil
	}

	aID, bID := exp.Variants[0].VariantID, exp.Variants[1].VariantID
	a, b := metrics[aID], metrics[bID]

	z, p := twoProportionZTest(a.Successes, a.Impressions, b.Successes, b.Impressions)
	alpha := 1 - exp.ConfidenceLevel
	significant := p < alpha

	winner := aID
	if b.ConversionRate > a.ConversionRate {
		winner = bID
	}
	test := &StatisticalTest{
		VariantAID:      aID,
		VariantBID:      bID,
		Significant:     significant,
		ConfidenceLevel: exp.ConfidenceLevel,
		PValue:          p,
		ZScore:          z,
	}
	if significant {
		test.Winner = winner
	}
	return test, nil
}

// twoProportionZTest returns the z statistic and two-tailed p-value for
// comparing successes_a/n_a against successes_b/n_b under the pooled
// null hypothesis that both proportions are equal.
func twoProportionZTest(successesA, nA, successesB, nB int) (float64, float64) {
	if nA == 0 || nB == 0 {
		return 0, 1
	}
	pA := float64(successesA) / float64(nA)
	pB := float64(successesB) / float64(nB)
	pooled := float64(successesA+successesB) / float64(nA+nB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(nA) + 1/float64(nB)))
	if se == 0 {
		return 0, 1
	}
	z := (pA - pB) / se
	p := 2 * (1 - standardNormalCDF(math.Abs(z)))
	return z, p
}

func standardNormalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// PromoteWinner sets the winning variant's workflow version active and
// marks the experiment completed. If winnerVariantID is empty, it
// auto-detects via CheckWinner and fails if no significant winner
// exists yet.
func (m *ABTestingManager) PromoteWinner(ctx context.Context, experimentID, winnerVariantID string) error {
	exp, ok, err := m.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Field: "experiment_id", Reason: "not found"}
	}

	if winnerVariantID == "" {
		test, err := m.CheckWinner(ctx, experimentID)
		if err != nil {
			return err
		}
		if test == nil || !test.Significant {
			return &ValidationError{Field: "winner", Reason: "no statistically significant winner found"}
		}
		winnerVariantID = test.Winner
	}

	var winner *Variant
	for i := range exp.Variants {
		if exp.Variants[i].VariantID == winnerVariantID {
			winner = &exp.Variants[i]
			break
		}
	}
	if winner == nil {
		return &ValidationError{Field: "winner", Reason: "variant not found: " + winnerVariantID}
	}

	if err := m.versions.SetActiveVersion(ctx, exp.WorkflowID, winner.WorkflowVersion); err != nil {
		return err
	}

	now := time.Now()
	exp.Status = ExperimentCompleted
	exp.CompletedAt = &now
	exp.WinnerVariantID = winnerVariantID
	return m.storeExperiment(ctx, exp)
}

// GetExperiment fetches an experiment by id.
func (m *ABTestingManager) GetExperiment(ctx context.Context, experimentID string) (ABExperiment, bool, error) {
	raw, ok, err := m.store.Get(ctx, experimentKey(experimentID))
	if err != nil || !ok {
		return ABExperiment{}, false, err
	}
	var exp ABExperiment
	if err := json.Unmarshal([]byte(raw), &exp); err != nil {
		return ABExperiment{}, false, err
	}
	return exp, true, nil
}

// ListExperiments returns every experiment for workflowID, optionally
// filtered by status.
func (m *ABTestingManager) ListExperiments(ctx context.Context, workflowID string, status *ExperimentStatus) ([]ABExperiment, error) {
	ids, err := m.store.SMembers(ctx, experimentsListKey(workflowID))
	if err != nil {
		return nil, err
	}
	var out []ABExperiment
	for _, id := range ids {
		exp, ok, err := m.GetExperiment(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if status == nil || exp.Status == *status {
			out = append(out, exp)
		}
	}
	return out, nil
}

func (m *ABTestingManager) storeExperiment(ctx context.Context, exp ABExperiment) error {
	encoded, err := json.Marshal(exp)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, experimentKey(exp.ExperimentID), string(encoded), experimentTTL)
}

func (m *ABTestingManager) getMetrics(ctx context.Context, experimentID, variantID string) (ExperimentMetrics, bool, error) {
	raw, ok, err := m.store.Get(ctx, metricsKey(experimentID, variantID))
	if err != nil || !ok {
		return ExperimentMetrics{}, false, err
	}
	var metrics ExperimentMetrics
	if err := json.Unmarshal([]byte(raw), &metrics); err != nil {
		return ExperimentMetrics{}, false, err
	}
	return metrics, true, nil
}

func (m *ABTestingManager) storeMetrics(ctx context.Context, experimentID string, metrics ExperimentMetrics) error {
	encoded, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, metricsKey(experimentID, metrics.VariantID), string(encoded), experimentTTL)
}
