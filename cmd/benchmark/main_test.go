package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
)

func TestMetrics(t *testing.T) {
	m := score(
		[]bool{true, true, false, false, true},
		map[int]bool{0: true, 2: true, 4: true},
	)
	assert.Equal(t, Metrics{TruePositives: 2, FalsePositives: 1, TrueNegatives: 1, FalseNegatives: 1}, m)
	assert.InDelta(t, 2.0/3, m.Precision(), 1e-12)
	assert.InDelta(t, 2.0/3, m.Recall(), 1e-12)
	assert.InDelta(t, 2.0/3, m.F1(), 1e-12)

	assert.Equal(t, 0.0, Metrics{}.F1())
}

func writeCSV(t *testing.T) string {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	var b strings.Builder
	b.WriteString("x,y,is_anomaly\n")
	for i := 0; i < 200; i++ {
		if i%50 == 0 {
			fmt.Fprintf(&b, "%.4f,%.4f,1\n", 12+rng.Float64(), -12-rng.Float64())
			continue
		}
		fmt.Fprintf(&b, "%.4f,%.4f,0\n", rng.NormFloat64(), rng.NormFloat64())
	}
	b.WriteString("oops,1,0\n")

	path := filepath.Join(t.TempDir(), "labelled.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestReadCSV(t *testing.T) {
	ds, err := readCSV(writeCSV(t), "is_anomaly", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ds.Features)
	assert.Len(t, ds.Rows, 200)
	assert.Equal(t, 1, ds.Skipped)
	assert.True(t, ds.Labels[0])
	assert.False(t, ds.Labels[1])

	_, err = readCSV(writeCSV(t), "label", nil, 0)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	ds, err := readCSV(writeCSV(t), "is_anomaly", nil, 0)
	require.NoError(t, err)

	seed := int64(42)
	res, predicted := run(context.Background(), ds, domain.MultivariateConfig{
		Features:      ds.Features,
		Algorithms:    []domain.Algorithm{domain.AlgorithmIsolationForest, domain.AlgorithmLOF},
		Contamination: 0.02,
		DateColumn:    timeColumn,
		MinSamples:    2,
		Seed:          &seed,
	}, slog.New(slog.DiscardHandler))

	require.False(t, res.Failed(), res.Message)
	m := score(ds.Labels, predicted)
	assert.Equal(t, 4, m.TruePositives)
	assert.Equal(t, 1.0, m.Recall())
}
