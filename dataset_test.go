package treeshap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewExplanationDatasetEmpty(t *testing.T) {
	_, err := NewExplanationDataset(nil, false)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewExplanationDataset([][]float64{}, true)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewExplanationDatasetRagged(t *testing.T) {
	_, err := NewExplanationDataset([][]float64{{1, 2}, {3}}, false)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewExplanationDataset(t *testing.T) {
	matrix := [][]float64{{1.0, 2.0, 3.0, math.NaN()}}
	d, err := NewExplanationDataset(matrix, false)
	require.NoError(t, err)

	assert.Equal(t, 1, d.NumRows())
	assert.Equal(t, 4, d.NumCols())
	assert.Equal(t, 0, d.NumBackgroundRows())
	assert.InDelta(t, 2.0, d.At(0, 1), 0)
	assert.True(t, math.IsNaN(d.At(0, 3)))

	// nothing is missing, even NaN, when not checking
	for c := range 4 {
		assert.False(t, d.Missing(0, c))
	}
}

func TestNewExplanationDatasetMultiRows(t *testing.T) {
	matrix := [][]float64{{1.0, 2.0, 3.0, math.NaN()}, {4.0, 5.0, 6.0, 7.0}}
	d, err := NewExplanationDataset(matrix, false)
	require.NoError(t, err)

	// row-major
	x, missing := d.row(1)
	assert.Equal(t, []float64{4, 5, 6, 7}, x)
	assert.Equal(t, make([]bool, 4), missing)
	assert.InDelta(t, 4.0, d.x[4], 0)

	// the dataset does not alias the caller's matrix
	matrix[1][0] = 100
	assert.InDelta(t, 4.0, d.At(1, 0), 0)
}

func TestNewExplanationDatasetCheckMissing(t *testing.T) {
	matrix := [][]float64{{1.0, 2.0, 3.0, math.NaN()}, {4.0, 5.0, 6.0, 7.0}}
	d, err := NewExplanationDataset(matrix, true)
	require.NoError(t, err)

	for i, missing := range d.xMissing {
		assert.Equal(t, i == 3, missing, "index %d", i)
	}
}

func TestNewExplanationDatasetFromDense(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, math.NaN(), 3, 4, 5, 6})

	d, err := NewExplanationDatasetFromDense(m, true)
	require.NoError(t, err)
	assert.Equal(t, 2, d.NumRows())
	assert.Equal(t, 3, d.NumCols())
	assert.InDelta(t, 6.0, d.At(1, 2), 0)
	assert.True(t, d.Missing(0, 1))
	assert.False(t, d.Missing(1, 1))

	d, err = NewExplanationDatasetFromDense(m.T(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, d.NumRows())
	assert.InDelta(t, 4.0, d.At(0, 1), 0)
	assert.False(t, d.Missing(1, 0))
}
