package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/heron/internal/detector"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

// MultivariateAnalyzer runs an ensemble of outlier detectors over raw rows and
// keeps the rows enough detectors agree on.
type MultivariateAnalyzer struct {
	base
}

// NewMultivariateAnalyzer creates a multivariate analyzer reading from p.
func NewMultivariateAnalyzer(p domain.DataProvider, opts ...Option) *MultivariateAnalyzer {
	return &MultivariateAnalyzer{base: newBase(p, domain.AnalyzerMultivariate, opts)}
}

// ConsensusVote is the agreement on one row across successful detectors.
type ConsensusVote struct {
	Index      int
	Votes      int
	Algorithms []domain.Algorithm
	Confidence float64
}

// prepared is a fetched, schema-checked and scaled feature matrix.
type prepared struct {
	ds     *domain.Dataset
	x      *mat.Dense
	params stats.ScaleParams
}

// prepare returns either the matrix or the early result that ends the analysis.
func (a *MultivariateAnalyzer) prepare(ctx context.Context, model string, cfg domain.MultivariateConfig) (*prepared, *domain.AnalysisResult) {
	const kind = domain.AnalyzerMultivariate

	full := domain.LastDays(a.now(), cfg.WindowDays)
	filters := make([]domain.Filter, len(cfg.Features))
	for i, f := range cfg.Features {
		filters[i] = domain.Filter{Column: f, Op: domain.OpNotNull}
	}

	ds, err := a.fetch(ctx, domain.QueryIntent{
		Model:      model,
		Columns:    append([]string{cfg.DateColumn}, cfg.Features...),
		DateColumn: cfg.DateColumn,
		DateRange:  &full,
		Filters:    filters,
		OrderBy:    []string{cfg.DateColumn + " desc"},
	})
	if err != nil {
		return nil, a.fail(kind, model, err)
	}

	insufficient := func(got int) *domain.AnalysisResult {
		cause := &domain.InsufficientDataError{
			Need:   cfg.MinSamples,
			Got:    got,
			Reason: fmt.Sprintf("Insufficient data for multivariate analysis (need %d, got %d)", cfg.MinSamples, got),
		}
		a.logger.Info("insufficient data", "model", model, "need", cfg.MinSamples, "got", got)
		return domain.InsufficientResult(kind, model, cause, map[string]any{
			"features_analyzed": cfg.Features,
		})
	}

	if ds.Len() == 0 {
		return nil, insufficient(0)
	}
	if err := ds.Require(cfg.Features...); err != nil {
		return nil, a.fail(kind, model, err)
	}
	if ds.Len() < cfg.MinSamples {
		return nil, insufficient(ds.Len())
	}

	columns := make([][]float64, len(cfg.Features))
	for j, f := range cfg.Features {
		columns[j] = ds.Floats(f)
	}
	x, params, err := stats.Prepare(columns)
	if err != nil {
		return nil, a.fail(kind, model, fmt.Errorf("prepare features: %w", err))
	}
	return &prepared{ds: ds, x: x, params: params}, nil
}

// Analyze implements the ensemble outlier check for one model.
func (a *MultivariateAnalyzer) Analyze(ctx context.Context, model string, cfg domain.MultivariateConfig) *domain.AnalysisResult {
	const kind = domain.AnalyzerMultivariate

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return a.fail(kind, model, err)
	}

	p, early := a.prepare(ctx, model, cfg)
	if early != nil {
		return early
	}
	n := p.ds.Len()

	params := detector.Params{Seed: *cfg.Seed, NumTrees: cfg.NumTrees}
	var detections []detector.Detection
	var algErrs []error
	failed := make(map[string]string)
	individual := make(map[string]any)
	var ran []domain.Algorithm

	for _, alg := range cfg.Algorithms {
		d, err := detector.New(alg, params)
		if err != nil {
			algErr := &domain.AlgorithmError{Algorithm: alg, Err: err}
			algErrs = append(algErrs, algErr)
			failed[string(alg)] = err.Error()
			continue
		}

		out := detector.Run(d, p.x, cfg.Contamination)
		if !out.OK() {
			a.logger.Warn("detector failed", "model", model, "algorithm", alg, "error", out.Err.Err)
			algErrs = append(algErrs, out.Err)
			failed[string(alg)] = out.Err.Err.Error()
			continue
		}

		detections = append(detections, out.Detection)
		ran = append(ran, alg)
		individual[string(alg)] = map[string]any{
			"anomalies_count": len(out.Detection.Indices),
			"indices":         out.Detection.Indices,
			"meta":            out.Detection.Meta,
		}
	}

	if len(detections) == 0 {
		res := a.fail(kind, model, errors.Join(algErrs...))
		res.Details["failed_algorithms"] = failed
		res.Details["algorithms_requested"] = cfg.Algorithms
		return res
	}

	votes, threshold, candidates := Consensus(detections)

	findings := make([]domain.AnomalyFinding, 0, len(votes))
	for _, v := range votes {
		names := make([]string, len(v.Algorithms))
		for i, alg := range v.Algorithms {
			names[i] = string(alg)
		}
		findings = append(findings, domain.AnomalyFinding{
			Type:       domain.FindingConsensusOutlier,
			Subject:    fmt.Sprintf("row %d", v.Index),
			Statistic:  float64(v.Votes),
			Severity:   consensusSeverity(v, len(detections)),
			Confidence: ptr(v.Confidence),
			Description: fmt.Sprintf("Row %d flagged by %d of %d algorithms (%s)",
				v.Index, v.Votes, len(detections), strings.Join(names, ", ")),
			Evidence: p.ds.Row(v.Index),
		})
	}

	scaling := make(map[string]any, len(cfg.Features))
	for j, f := range cfg.Features {
		scaling[f] = map[string]any{
			"median": p.params.Median[j],
			"spread": p.params.Spread[j],
		}
	}

	details := map[string]any{
		"algorithms_requested": cfg.Algorithms,
		"algorithms_run":       ran,
		"failed_algorithms":    failed,
		"individual_results":   individual,
		"consensus": map[string]any{
			"anomalies_count":     len(votes),
			"total_candidates":    candidates,
			"consensus_threshold": threshold,
		},
		"features_analyzed": cfg.Features,
		"data_points":       n,
		"contamination":     cfg.Contamination,
		"scaling":           scaling,
	}

	message := "No consensus multivariate anomalies detected"
	if len(findings) > 0 {
		message = fmt.Sprintf("%d consensus anomalies detected (%d total candidates from all algorithms)", len(findings), candidates)
	}

	a.logger.Info("multivariate analysis complete",
		"model", model,
		"data_points", n,
		"algorithms_run", len(ran),
		"anomalies", len(findings),
	)
	return domain.NewResult(kind, model, findings, message, details)
}

// Consensus counts votes per row across detections. A row is kept when at
// least max(1, runs/2) detectors flag it. Votes are ordered by confidence
// descending, then row index ascending. candidates is the number of distinct
// rows flagged by any detector.
func Consensus(detections []detector.Detection) (votes []ConsensusVote, threshold, candidates int) {
	runs := len(detections)
	threshold = runs / 2
	if threshold < 1 {
		threshold = 1
	}

	byRow := make(map[int]*ConsensusVote)
	for _, d := range detections {
		for _, idx := range d.Indices {
			v, ok := byRow[idx]
			if !ok {
				v = &ConsensusVote{Index: idx}
				byRow[idx] = v
			}
			v.Votes++
			v.Algorithms = append(v.Algorithms, d.Algorithm)
		}
	}
	candidates = len(byRow)
	if runs == 0 {
		return nil, threshold, candidates
	}

	for _, v := range byRow {
		if v.Votes < threshold {
			continue
		}
		v.Confidence = float64(v.Votes) / float64(runs)
		votes = append(votes, *v)
	}
	sort.Slice(votes, func(i, j int) bool {
		if votes[i].Confidence != votes[j].Confidence {
			return votes[i].Confidence > votes[j].Confidence
		}
		return votes[i].Index < votes[j].Index
	})
	return votes, threshold, candidates
}

func consensusSeverity(v ConsensusVote, runs int) domain.Severity {
	switch {
	case runs >= 2 && v.Votes == runs:
		return domain.SeverityHigh
	case v.Confidence >= 0.5:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// FeatureImportance estimates how much each feature drives the isolation
// forest's anomaly scores using seeded permutation importance. The weights
// sum to 1. Any failure yields uniform weights.
func (a *MultivariateAnalyzer) FeatureImportance(ctx context.Context, model string, cfg domain.MultivariateConfig) map[string]float64 {
	cfg = cfg.WithDefaults()
	uniform := uniformWeights(cfg.Features)

	if err := cfg.Validate(); err != nil {
		a.logger.Warn("feature importance fell back to uniform weights", "model", model, "error", err)
		return uniform
	}
	p, early := a.prepare(ctx, model, cfg)
	if early != nil {
		a.logger.Warn("feature importance fell back to uniform weights", "model", model, "reason", early.Message)
		return uniform
	}

	weights, err := permutationImportance(p.x, cfg)
	if err != nil {
		a.logger.Warn("feature importance fell back to uniform weights", "model", model, "error", err)
		return uniform
	}
	return weights
}

func permutationImportance(x *mat.Dense, cfg domain.MultivariateConfig) (out map[string]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	n, d := x.Dims()
	if n < 2 || d != len(cfg.Features) {
		return nil, fmt.Errorf("matrix %dx%d does not match %d features", n, d, len(cfg.Features))
	}

	seed := *cfg.Seed
	forest := detector.FitForest(x, cfg.NumTrees, rand.New(rand.NewSource(seed)))
	base := forest.ScoreAll(x)
	threshold := stats.Quantile(1-cfg.Contamination, base)
	baseCount := countAbove(base, threshold)

	shuffler := rand.New(rand.NewSource(seed))
	raw := make([]float64, d)
	total := 0.0
	for j := 0; j < d; j++ {
		perm := shuffler.Perm(n)
		shuffled := mat.DenseCopyOf(x)
		for i := 0; i < n; i++ {
			shuffled.Set(i, j, x.At(perm[i], j))
		}
		scores := forest.ScoreAll(shuffled)

		delta := 0.0
		for i := range scores {
			delta += math.Abs(scores[i] - base[i])
		}
		countShift := math.Abs(float64(countAbove(scores, threshold)-baseCount)) / float64(n)
		raw[j] = delta/float64(n) + countShift
		total += raw[j]
	}
	if total <= 0 || math.IsNaN(total) {
		return nil, fmt.Errorf("permutation produced no score change")
	}

	out = make(map[string]float64, d)
	for j, f := range cfg.Features {
		out[f] = raw[j] / total
	}
	return out, nil
}

func countAbove(scores []float64, threshold float64) int {
	c := 0
	for _, s := range scores {
		if s > threshold {
			c++
		}
	}
	return c
}

func uniformWeights(features []string) map[string]float64 {
	out := make(map[string]float64, len(features))
	for _, f := range features {
		out[f] = 1 / float64(len(features))
	}
	return out
}
