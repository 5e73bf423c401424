package treeshap

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ExplanationDataset holds the rows to explain in row-major order along
// with a mask of which values are missing.
//
// When a dataset is created without checking for missing values, the mask is
// all false even where a value is NaN. Such NaNs then take part in threshold
// comparisons like any other number and always route right.
type ExplanationDataset struct {
	x        []float64
	xMissing []bool
	numRows  int
	numCols  int

	// Background rows. Reserved for interventional explanations, which are
	// not implemented; always empty.
	r        []float64
	rMissing []bool
	numR     int
}

// NewExplanationDataset copies matrix, one row per instance, into a dataset.
// If checkMissing is true, NaN values are marked as missing.
func NewExplanationDataset(
	matrix [][]float64,
	checkMissing bool,
) (*ExplanationDataset, error) {
	if len(matrix) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "matrix has no rows")
	}

	numCols := len(matrix[0])
	d := &ExplanationDataset{
		x:        make([]float64, 0, len(matrix)*numCols),
		xMissing: make([]bool, len(matrix)*numCols),
		numRows:  len(matrix),
		numCols:  numCols,
	}
	for i, row := range matrix {
		if len(row) != numCols {
			return nil, errors.Wrapf(
				ErrInvalidArgument,
				"row %d has %d values, expected %d",
				i,
				len(row),
				numCols,
			)
		}
		d.x = append(d.x, row...)
	}
	if checkMissing {
		d.markMissing()
	}
	return d, nil
}

// NewExplanationDatasetFromDense is NewExplanationDataset for a gonum
// matrix.
func NewExplanationDatasetFromDense(
	m mat.Matrix,
	checkMissing bool,
) (*ExplanationDataset, error) {
	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.Wrapf(
			ErrInvalidArgument,
			"matrix is %dx%d",
			rows,
			cols,
		)
	}

	d := &ExplanationDataset{
		x:        make([]float64, rows*cols),
		xMissing: make([]bool, rows*cols),
		numRows:  rows,
		numCols:  cols,
	}
	for i := range rows {
		mat.Row(d.x[i*cols:(i+1)*cols], i, m)
	}
	if checkMissing {
		d.markMissing()
	}
	return d, nil
}

func (d *ExplanationDataset) markMissing() {
	for i, v := range d.x {
		d.xMissing[i] = math.IsNaN(v)
	}
}

// NumRows returns the number of rows to explain.
func (d *ExplanationDataset) NumRows() int { return d.numRows }

// NumCols returns the number of features per row.
func (d *ExplanationDataset) NumCols() int { return d.numCols }

// NumBackgroundRows returns the number of background rows, currently always
// zero.
func (d *ExplanationDataset) NumBackgroundRows() int { return d.numR }

// At returns the value of a feature.
func (d *ExplanationDataset) At(row, col int) float64 {
	return d.x[row*d.numCols+col]
}

// Missing returns whether a feature is marked as missing.
func (d *ExplanationDataset) Missing(row, col int) bool {
	return d.xMissing[row*d.numCols+col]
}

// row returns the values and missing mask of a row. The slices alias the
// dataset and must not be modified.
func (d *ExplanationDataset) row(i int) ([]float64, []bool) {
	start := i * d.numCols
	end := start + d.numCols
	return d.x[start:end], d.xMissing[start:end]
}
