// Benchmark tool for scoring the multivariate ensemble against labelled data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/labelled.csv -seed 42
//
// This tool:
//  1. Reads a CSV of numeric features with an is_anomaly label column
//  2. Runs the multivariate analyzer over it through an in-memory warehouse
//  3. Compares consensus outliers with the labels
//  4. Prints precision, recall, F1-score and the confusion matrix
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/analysis"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/warehouse"
)

const (
	benchmarkModel = "benchmark"
	timeColumn     = "_observed_at"
)

// Dataset is a labelled feature table read from CSV.
type Dataset struct {
	Features []string
	Rows     []domain.Row
	Labels   []bool
	Skipped  int
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Precision is TP / (TP + FP).
func (m Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is TP / (TP + FN).
func (m Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labelled CSV file")
	label := flag.String("label", "is_anomaly", "Label column (1/true marks an anomaly)")
	features := flag.String("features", "", "Comma-separated feature columns (default: every other column)")
	algorithms := flag.String("algorithms", "isolation_forest,lof,pca,dbscan", "Comma-separated detectors")
	contamination := flag.Float64("contamination", 0.05, "Expected anomaly fraction")
	seed := flag.Int64("seed", 42, "Random seed")
	limit := flag.Int("limit", 0, "Maximum rows to read (0 = all)")
	verbose := flag.Bool("verbose", false, "Log analyzer progress")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labelled.csv [-seed 42]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ds, err := readCSV(*csvPath, *label, splitList(*features), *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}

	positives := 0
	for _, l := range ds.Labels {
		if l {
			positives++
		}
	}
	fmt.Println("HERON BENCHMARK - multivariate consensus")
	fmt.Printf("\nCSV File:      %s\n", *csvPath)
	fmt.Printf("Rows:          %d (skipped %d incomplete)\n", len(ds.Rows), ds.Skipped)
	fmt.Printf("Anomalies:     %d (%.2f%%)\n", positives, 100*ratio(positives, len(ds.Rows)))
	fmt.Printf("Features:      %s\n", strings.Join(ds.Features, ", "))
	fmt.Printf("Algorithms:    %s\n", *algorithms)
	fmt.Printf("Contamination: %.3f\n", *contamination)

	var algs []domain.Algorithm
	for _, a := range splitList(*algorithms) {
		algs = append(algs, domain.Algorithm(a))
	}
	cfg := domain.MultivariateConfig{
		Features:      ds.Features,
		Algorithms:    algs,
		Contamination: *contamination,
		DateColumn:    timeColumn,
		MinSamples:    2,
		Seed:          seed,
	}

	start := time.Now()
	res, predicted := run(context.Background(), ds, cfg, logger)
	duration := time.Since(start)

	if res.Failed() {
		fmt.Printf("ERROR: %s\n", res.Message)
		os.Exit(1)
	}

	printResults(score(ds.Labels, predicted), res, duration)
}

// run feeds ds through the multivariate analyzer and returns the flagged
// row positions.
func run(ctx context.Context, ds *Dataset, cfg domain.MultivariateConfig, logger *slog.Logger) (*domain.AnalysisResult, map[int]bool) {
	now := time.Now().UTC()

	// descending timestamps keep CSV order under the analyzer's newest-first sort
	rows := make([]domain.Row, len(ds.Rows))
	for i, r := range ds.Rows {
		row := make(domain.Row, len(r)+1)
		for k, v := range r {
			row[k] = v
		}
		row[timeColumn] = now.Add(-time.Duration(i) * time.Millisecond)
		rows[i] = row
	}

	p := warehouse.NewMemoryProvider()
	p.Put(benchmarkModel, append([]string{timeColumn}, ds.Features...), rows)

	a := analysis.NewMultivariateAnalyzer(p,
		analysis.WithLogger(logger),
		analysis.WithClock(func() time.Time { return now }),
	)
	res := a.Analyze(ctx, benchmarkModel, cfg)

	predicted := make(map[int]bool, len(res.Findings))
	for _, f := range res.Findings {
		var idx int
		if _, err := fmt.Sscanf(f.Subject, "row %d", &idx); err == nil {
			predicted[idx] = true
		}
	}
	return res, predicted
}

func score(labels []bool, predicted map[int]bool) Metrics {
	var m Metrics
	for i, actual := range labels {
		switch {
		case actual && predicted[i]:
			m.TruePositives++
		case actual:
			m.FalseNegatives++
		case predicted[i]:
			m.FalsePositives++
		default:
			m.TrueNegatives++
		}
	}
	return m
}

func readCSV(path, label string, features []string, limit int) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.TrimSpace(col)] = i
	}
	labelIdx, ok := colIndex[label]
	if !ok {
		return nil, fmt.Errorf("label column %q not found", label)
	}

	if len(features) == 0 {
		for _, col := range header {
			col = strings.TrimSpace(col)
			if col != label {
				features = append(features, col)
			}
		}
	}
	for _, f := range features {
		if _, ok := colIndex[f]; !ok {
			return nil, fmt.Errorf("feature column %q not found", f)
		}
	}

	ds := &Dataset{Features: features}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ds.Skipped++
			continue
		}

		row := make(domain.Row, len(features))
		complete := true
		for _, f := range features {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[colIndex[f]]), 64)
			if err != nil {
				complete = false
				break
			}
			row[f] = v
		}
		if !complete {
			ds.Skipped++
			continue
		}

		l := strings.TrimSpace(strings.ToLower(record[labelIdx]))
		ds.Rows = append(ds.Rows, row)
		ds.Labels = append(ds.Labels, l == "1" || l == "true")

		if limit > 0 && len(ds.Rows) >= limit {
			break
		}
	}
	return ds, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printResults(m Metrics, res *domain.AnalysisResult, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\n%s\n", res.Message)
	if failed, ok := res.Details["failed_algorithms"].(map[string]string); ok && len(failed) > 0 {
		for alg, reason := range failed {
			fmt.Printf("   %s failed: %s\n", alg, reason)
		}
	}

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                     Predicted")
	fmt.Println("                 outlier    inlier")
	fmt.Printf("   Actual  A  %10d %9d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NA  %10d %9d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged rows, how many were labelled anomalies)\n", m.Precision())
	fmt.Printf("   Recall:     %.4f  (of labelled anomalies, how many were flagged)\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	fmt.Println()
}
