// Package treeshap explains the output of tree ensemble models with SHAP
// values computed by the Tree SHAP algorithm, or with the faster Saabas
// approximation.
package treeshap

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Options holds Explainer options.
type Options struct {
	logger  *zap.Logger
	workers int
}

// Option is a configuration function.
type Option func(*Options)

// Logger sets the logger used for debug output. By default nothing is
// logged.
func Logger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}

// Workers sets how many goroutines the rows of one call are spread over.
// The default is 1. Results do not depend on it.
func Workers(n int) Option {
	return func(o *Options) {
		o.workers = n
	}
}

// Explainer calculates SHAP values for a tree ensemble. It is safe for
// concurrent use.
type Explainer struct {
	ensemble *TreeEnsemble
	logger   *zap.Logger
	workers  int
}

// NewExplainer creates an Explainer from a model in the binary format.
func NewExplainer(rawData []byte, opts ...Option) (*Explainer, error) {
	ensemble, err := Parse(rawData)
	if err != nil {
		return nil, err
	}
	return NewExplainerFromEnsemble(ensemble, opts...), nil
}

// NewExplainerFromEnsemble creates an Explainer for an ensemble.
func NewExplainerFromEnsemble(
	ensemble *TreeEnsemble,
	opts ...Option,
) *Explainer {
	o := Options{
		logger:  zap.NewNop(),
		workers: 1,
	}
	for _, f := range opts {
		f(&o)
	}

	o.logger.Debug(
		"loaded tree ensemble",
		zap.Int("trees", ensemble.TreeLimit()),
		zap.Int("max_nodes", ensemble.MaxNodes()),
		zap.Int("max_depth", ensemble.MaxDepth()),
		zap.Int("outputs", ensemble.NumOutputs()),
	)

	return &Explainer{
		ensemble: ensemble,
		logger:   o.logger,
		workers:  o.workers,
	}
}

// Ensemble returns the explained ensemble.
func (e *Explainer) Ensemble() *TreeEnsemble { return e.ensemble }

// Contributions returns the full contributions buffer for a dataset:
// NumRows rows of NumCols+1 values, where the last value of each row is the
// expected value of the model. The values of a row sum to the model output.
//
// If approximate is true, Saabas values are calculated instead of SHAP
// values.
func (e *Explainer) Contributions(
	dataset *ExplanationDataset,
	approximate bool,
) ([]float64, error) {
	if e.ensemble.NumOutputs() != 1 {
		return nil, errors.Wrapf(
			ErrInvalidModel,
			"only models with one output are supported, got %d",
			e.ensemble.NumOutputs(),
		)
	}
	if dataset == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil dataset")
	}

	start := time.Now()

	// The engines add to this, so it has to start out zeroed.
	phi := make([]float64, dataset.NumRows()*(dataset.NumCols()+1))

	var err error
	if approximate {
		err = DenseTreeSaabas(e.ensemble, dataset, phi, e.workers)
	} else {
		err = DenseTreeShap(
			e.ensemble,
			dataset,
			phi,
			ShapOptions{
				FeatureDependence: TreePathDependent,
				Transform:         Identity,
				Workers:           e.workers,
			},
		)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Debug(
		"calculated contributions",
		zap.Int("rows", dataset.NumRows()),
		zap.Bool("approximate", approximate),
		zap.Int("workers", e.workers),
		zap.Duration("duration", time.Since(start)),
	)

	return phi, nil
}

// ShapValues returns one attribution per feature for every row of the
// dataset.
//
// The expected value column of the contributions buffer is dropped. Use
// Contributions or TreeEnsemble.ExpectedValue when it is needed.
func (e *Explainer) ShapValues(
	dataset *ExplanationDataset,
	approximate bool,
) ([][]float64, error) {
	phi, err := e.Contributions(dataset, approximate)
	if err != nil {
		return nil, err
	}

	nCols := dataset.NumCols()
	nColumns := nCols + 1
	flat := make([]float64, dataset.NumRows()*nCols)
	values := make([][]float64, dataset.NumRows())
	for i := range values {
		values[i] = flat[i*nCols : (i+1)*nCols : (i+1)*nCols]
		copy(values[i], phi[i*nColumns:i*nColumns+nCols])
	}
	return values, nil
}

// ExplainMatrix returns the attributions for every row of matrix. If
// checkMissing is false, NaN values are not treated as missing; see
// ExplanationDataset.
func (e *Explainer) ExplainMatrix(
	matrix [][]float64,
	approximate,
	checkMissing bool,
) ([][]float64, error) {
	dataset, err := NewExplanationDataset(matrix, checkMissing)
	if err != nil {
		return nil, err
	}
	return e.ShapValues(dataset, approximate)
}

// ExplainVector returns the attributions for a single feature vector.
func (e *Explainer) ExplainVector(
	vector []float64,
	approximate,
	checkMissing bool,
) ([]float64, error) {
	values, err := e.ExplainMatrix([][]float64{vector}, approximate, checkMissing)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// ExplainDense is ExplainMatrix for gonum matrices. The result has the same
// dimensions as m.
func (e *Explainer) ExplainDense(
	m mat.Matrix,
	approximate,
	checkMissing bool,
) (*mat.Dense, error) {
	dataset, err := NewExplanationDatasetFromDense(m, checkMissing)
	if err != nil {
		return nil, err
	}

	values, err := e.ShapValues(dataset, approximate)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(dataset.NumRows(), dataset.NumCols(), nil)
	for i, row := range values {
		out.SetRow(i, row)
	}
	return out, nil
}

// Predict returns the model output for a feature vector.
func (e *Explainer) Predict(vector []float64, checkMissing bool) (float64, error) {
	if e.ensemble.NumOutputs() != 1 {
		return 0, errors.Wrapf(
			ErrInvalidModel,
			"only models with one output are supported, got %d",
			e.ensemble.NumOutputs(),
		)
	}

	missing := make([]bool, len(vector))
	if checkMissing {
		for i, v := range vector {
			missing[i] = math.IsNaN(v)
		}
	}

	out, err := e.ensemble.PredictRow(vector, missing)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}
