package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantile(t *testing.T) {
	xs := []float64{4, 1, 3, 2}

	assert.InDelta(t, 2.5, Median(xs), 1e-12)
	assert.InDelta(t, 1.75, Quantile(0.25, xs), 1e-12)
	assert.InDelta(t, 3.25, Quantile(0.75, xs), 1e-12)
	assert.InDelta(t, 1.5, IQR(xs), 1e-12)
	assert.InDelta(t, 4, Percentile(100, xs), 1e-12)
	assert.True(t, math.IsNaN(Median(nil)))

	// input is not reordered
	assert.Equal(t, []float64{4, 1, 3, 2}, xs)
}

func TestTopK(t *testing.T) {
	scores := []float64{0.1, 0.9, 0.5, 0.9, 0.2}

	assert.Equal(t, []int{1, 3}, TopK(scores, 2))
	assert.Equal(t, []int{1, 2, 3}, TopK(scores, 3))
	assert.Len(t, TopK(scores, 10), 5)
}

func TestFlagCount(t *testing.T) {
	assert.Equal(t, 2, FlagCount(0.02, 100))
	assert.Equal(t, 10, FlagCount(0.1, 100))
	assert.Equal(t, 1, FlagCount(0.001, 10))
	assert.Equal(t, 4, FlagCount(0.35, 10))
}

func TestPrepare(t *testing.T) {
	nan := math.NaN()
	columns := [][]float64{
		{1, 2, 3, 4, 5, nan, 1000},
		{7, 7, 7, 7, 7, 7, 7},
	}

	m, params, err := Prepare(columns)
	require.NoError(t, err)

	r, c := m.Dims()
	assert.Equal(t, 7, r)
	assert.Equal(t, 2, c)

	t.Run("MedianImputation", func(t *testing.T) {
		assert.InDelta(t, 3.5, params.Median[0], 1e-12)
		assert.InDelta(t, 0, m.At(5, 0), 1e-12)
	})

	t.Run("RobustToOutlier", func(t *testing.T) {
		// the outlier barely moves the IQR so typical rows stay near zero
		assert.Less(t, math.Abs(m.At(0, 0)), 2.0)
		assert.Greater(t, m.At(6, 0), 100.0)
	})

	t.Run("ConstantColumn", func(t *testing.T) {
		assert.Equal(t, 1.0, params.Spread[1])
		for i := 0; i < r; i++ {
			assert.Equal(t, 0.0, m.At(i, 1))
		}
	})

	t.Run("AllMissing", func(t *testing.T) {
		_, _, err := Prepare([][]float64{{nan, nan}, {1, 2}})
		assert.Error(t, err)
	})
}

func TestCorrelate(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	y := []float64{2, 4, 6, 8, 10, 12, 14, 16}
	inv := []float64{8, 7, 6, 5, 4, 3, 2, 1}

	for _, m := range []Method{Pearson, Spearman, Covariance} {
		t.Run(string(m), func(t *testing.T) {
			c, err := Correlate(m, x, y)
			require.NoError(t, err)
			assert.InDelta(t, 1, c.R, 1e-9)
			assert.Equal(t, 8, c.N)

			c, err = Correlate(m, x, inv)
			require.NoError(t, err)
			assert.InDelta(t, -1, c.R, 1e-9)
			assert.GreaterOrEqual(t, c.R, -1.0)
		})
	}

	t.Run("PValue", func(t *testing.T) {
		c, err := Correlate(Pearson, x, y)
		require.NoError(t, err)
		require.NotNil(t, c.PValue)
		assert.InDelta(t, 0, *c.PValue, 1e-12)

		c, err = Correlate(Covariance, x, y)
		require.NoError(t, err)
		assert.Nil(t, c.PValue)
	})

	t.Run("PairwiseMissing", func(t *testing.T) {
		nan := math.NaN()
		c, err := Correlate(Pearson, []float64{1, nan, 3, 4}, []float64{1, 2, nan, 4})
		assert.ErrorIs(t, err, ErrTooFewPoints)
		assert.Equal(t, 2, c.N)
	})

	t.Run("Constant", func(t *testing.T) {
		_, err := Correlate(Pearson, x, []float64{1, 1, 1, 1, 1, 1, 1, 1})
		assert.ErrorIs(t, err, ErrConstant)
	})
}

func TestRanks(t *testing.T) {
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, Ranks([]float64{10, 20, 20, 30}))
	assert.Equal(t, []float64{3, 1, 2}, Ranks([]float64{5, -1, 0}))
}

func TestFisherCompare(t *testing.T) {
	_, p, ok := FisherCompare(0.9, 30, 0.1, 30)
	require.True(t, ok)
	assert.Less(t, p, 0.01)

	_, p, ok = FisherCompare(0.5, 30, 0.5, 30)
	require.True(t, ok)
	assert.InDelta(t, 1, p, 1e-9)

	_, _, ok = FisherCompare(0.5, 3, 0.1, 30)
	assert.False(t, ok)
}

func TestLinearTrend(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4, 5}
	y := []float64{0.10, 0.12, 0.14, 0.16, 0.18, 0.20}

	tr, ok := LinearTrend(x, y)
	require.True(t, ok)
	assert.InDelta(t, 0.02, tr.Slope, 1e-9)
	assert.InDelta(t, 0.10, tr.Intercept, 1e-9)
	assert.InDelta(t, 1, tr.RSquared, 1e-9)
	assert.Less(t, tr.PValue, 0.05)

	_, ok = LinearTrend([]float64{1, 1, 1}, []float64{1, 2, 3})
	assert.False(t, ok)
}
