package treeshap

// Much of this code is ported from the xgboost C++ code.
//
// # Copyright by XGBoost Contributors 2017-2023
//
// xgboost's code is Apache 2.0 licensed.
//
// The exact algorithm is Algorithm 2 of Lundberg et al., "Consistent
// Individualized Feature Attribution for Tree Ensembles".

import (
	"github.com/pkg/errors"
)

// FeatureDependence selects how the value of an unknown feature is
// integrated out.
type FeatureDependence int

// Feature dependence modes. Only TreePathDependent is implemented.
const (
	Independent FeatureDependence = iota
	TreePathDependent
	GlobalPathDependent
)

// ModelTransform selects a transform applied to the model output before it
// is explained.
type ModelTransform int

// Model transforms. Only Identity is implemented.
const (
	Identity ModelTransform = iota
	Logistic
	SquaredLoss
	LogisticNLogLoss
)

// ShapOptions configures DenseTreeShap.
type ShapOptions struct {
	FeatureDependence FeatureDependence
	Transform         ModelTransform

	// Interactions requests SHAP interaction values, which are not
	// implemented.
	Interactions bool

	// Workers is the number of goroutines rows are spread over. Values
	// below 1 mean 1.
	Workers int
}

// DenseTreeShap computes exact SHAP values for every row of data and adds
// them to out.
//
// out has NumRows rows of NumCols+1 values. Column i of a row receives the
// contribution of feature i, and the last column the expected value of the
// model. out is only ever added to, so callers should pass a zeroed buffer.
func DenseTreeShap(
	ensemble *TreeEnsemble,
	data *ExplanationDataset,
	out []float64,
	opts ShapOptions,
) error {
	if opts.FeatureDependence != TreePathDependent {
		return errors.Wrapf(
			ErrUnsupportedOption,
			"feature dependence %d",
			opts.FeatureDependence,
		)
	}
	if opts.Transform != Identity {
		return errors.Wrapf(ErrUnsupportedOption, "model transform %d", opts.Transform)
	}
	if opts.Interactions {
		return errors.Wrap(ErrUnsupportedOption, "interaction values")
	}
	if err := checkEngineInputs(ensemble, data, out); err != nil {
		return err
	}

	nColumns := data.NumCols() + 1

	// The path of a node at depth d is stored after the paths of all of its
	// ancestors, so one buffer serves a whole tree traversal.
	maxDepth := ensemble.maxDepth + 2
	pathSize := (maxDepth * (maxDepth + 1)) / 2

	return forEachRow(data.NumRows(), opts.Workers, func() rowFunc {
		uniquePathData := make([]pathElement, pathSize)

		return func(row int) error {
			x, missing := data.row(row)
			phi := out[row*nColumns : (row+1)*nColumns]

			// Shapley values are linear in the model, so the trees are
			// explained one at a time and summed.
			for t := range ensemble.treeLimit {
				err := calculateContributions(
					ensemble.tree(t),
					x,
					missing,
					phi,
					uniquePathData,
				)
				if err != nil {
					return errors.WithMessagef(err, "tree %d", t)
				}
			}

			phi[nColumns-1] += ensemble.baseOffset
			return nil
		}
	})
}

func checkEngineInputs(
	ensemble *TreeEnsemble,
	data *ExplanationDataset,
	out []float64,
) error {
	if ensemble == nil || data == nil {
		return errors.Wrap(ErrInvalidArgument, "nil ensemble or dataset")
	}
	if ensemble.numOutputs != 1 {
		return errors.Wrapf(
			ErrInvalidModel,
			"only models with one output are supported, got %d",
			ensemble.numOutputs,
		)
	}
	if data.NumCols() < ensemble.numFeatures {
		return errors.Wrapf(
			ErrInvalidArgument,
			"rows have %d features, model uses %d",
			data.NumCols(),
			ensemble.numFeatures,
		)
	}
	if want := data.NumRows() * (data.NumCols() + 1); len(out) != want {
		return errors.Wrapf(
			ErrInvalidArgument,
			"output buffer has %d values, expected %d",
			len(out),
			want,
		)
	}
	return nil
}

// pathElement is an element of the unique feature path the algorithm
// maintains.
type pathElement struct {
	featureIndex int
	zeroFraction float64
	oneFraction  float64
	pweight      float64
}

// calculateContributions adds the contributions of one tree to phi.
func calculateContributions(
	tree treeView,
	x []float64,
	missing []bool,
	phi []float64,
	uniquePathData []pathElement,
) error {
	// Find the expected value of the tree's predictions.
	phi[len(phi)-1] += tree.value(0)

	return treeShap(
		tree,
		x,
		missing,
		phi,
		0,
		0,
		uniquePathData,
		1,
		1,
		-1,
	)
}

// Recursive function that computes the feature attributions for a single
// tree.
func treeShap(
	tree treeView,
	x []float64,
	missing []bool,
	phi []float64,
	nodeIndex,
	uniqueDepth int,
	parentUniquePath []pathElement,
	parentZeroFraction,
	parentOneFraction float64,
	parentFeatureIndex int,
) error {
	// Nothing reaches this subtree, so it contributes nothing.
	if parentZeroFraction == 0 && parentOneFraction == 0 {
		return nil
	}

	// extend the unique path
	uniquePath := parentUniquePath[uniqueDepth+1:]
	copy(uniquePath, parentUniquePath[:uniqueDepth+1])

	extendPath(
		uniquePath,
		uniqueDepth,
		parentZeroFraction,
		parentOneFraction,
		parentFeatureIndex,
	)

	if tree.isLeaf(nodeIndex) {
		leafValue := tree.value(nodeIndex)
		for i := 1; i <= uniqueDepth; i++ {
			w, err := unwoundPathSum(uniquePath, uniqueDepth, i)
			if err != nil {
				return err
			}

			el := uniquePath[i]
			phi[el.featureIndex] += w * (el.oneFraction - el.zeroFraction) * leafValue
		}

		return nil
	}

	// find which branch is "hot" (meaning x would follow it)
	splitIndex := int(tree.features[nodeIndex])
	hotIndex := tree.nextNode(nodeIndex, x, missing)
	coldIndex := int(tree.left[nodeIndex])
	if hotIndex == coldIndex {
		coldIndex = int(tree.right[nodeIndex])
	}

	var hotZeroFraction, coldZeroFraction float64
	if w := tree.weights[nodeIndex]; w > 0 {
		hotZeroFraction = tree.weights[hotIndex] / w
		coldZeroFraction = tree.weights[coldIndex] / w
	}

	incomingZeroFraction := 1.0
	incomingOneFraction := 1.0

	// see if we have already split on this feature,
	// if so we undo that split so we can redo it for this node
	pathIndex := 0
	for ; pathIndex <= uniqueDepth; pathIndex++ {
		if uniquePath[pathIndex].featureIndex == splitIndex {
			break
		}
	}

	if pathIndex != uniqueDepth+1 {
		incomingZeroFraction = uniquePath[pathIndex].zeroFraction
		incomingOneFraction = uniquePath[pathIndex].oneFraction
		unwindPath(uniquePath, uniqueDepth, pathIndex)
		uniqueDepth--
	}

	err := treeShap(
		tree,
		x,
		missing,
		phi,
		hotIndex,
		uniqueDepth+1,
		uniquePath,
		hotZeroFraction*incomingZeroFraction,
		incomingOneFraction,
		splitIndex,
	)
	if err != nil {
		return err
	}

	return treeShap(
		tree,
		x,
		missing,
		phi,
		coldIndex,
		uniqueDepth+1,
		uniquePath,
		coldZeroFraction*incomingZeroFraction,
		0,
		splitIndex,
	)
}

// extend our decision path with a fraction of one and zero extensions
func extendPath(
	uniquePath []pathElement,
	uniqueDepth int,
	zeroFraction,
	oneFraction float64,
	featureIndex int,
) {
	uniquePath[uniqueDepth].featureIndex = featureIndex
	uniquePath[uniqueDepth].zeroFraction = zeroFraction
	uniquePath[uniqueDepth].oneFraction = oneFraction

	if uniqueDepth == 0 {
		uniquePath[uniqueDepth].pweight = 1
	} else {
		uniquePath[uniqueDepth].pweight = 0
	}

	for i := uniqueDepth - 1; i >= 0; i-- {
		uniquePath[i+1].pweight += oneFraction *
			uniquePath[i].pweight *
			float64(i+1) /
			float64(uniqueDepth+1)

		uniquePath[i].pweight = zeroFraction *
			uniquePath[i].pweight *
			float64(uniqueDepth-i) /
			float64(uniqueDepth+1)
	}
}

// determine what the total permutation weight would be if
// we unwound a previous extension in the decision path
func unwoundPathSum(
	uniquePath []pathElement,
	uniqueDepth,
	pathIndex int,
) (float64, error) {
	oneFraction := uniquePath[pathIndex].oneFraction
	zeroFraction := uniquePath[pathIndex].zeroFraction
	nextOnePortion := uniquePath[uniqueDepth].pweight

	var total float64
	for i := uniqueDepth - 1; i >= 0; i-- {
		if oneFraction != 0 {
			tmp := nextOnePortion *
				float64(uniqueDepth+1) /
				(float64(i+1) * oneFraction)

			total += tmp

			nextOnePortion = uniquePath[i].pweight -
				tmp*zeroFraction*
					(float64(uniqueDepth-i)/float64(uniqueDepth+1))

			continue
		}

		if zeroFraction != 0 {
			total += (uniquePath[i].pweight / zeroFraction) /
				(float64(uniqueDepth-i) / float64(uniqueDepth+1))
			continue
		}

		if uniquePath[i].pweight != 0 {
			return 0, errors.Errorf("unique path %d must have zero weight", i)
		}
	}

	return total, nil
}

// undo a previous extension of the decision path
func unwindPath(
	uniquePath []pathElement,
	uniqueDepth,
	pathIndex int,
) {
	oneFraction := uniquePath[pathIndex].oneFraction
	zeroFraction := uniquePath[pathIndex].zeroFraction
	nextOnePortion := uniquePath[uniqueDepth].pweight

	for i := uniqueDepth - 1; i >= 0; i-- {
		if oneFraction != 0 {
			tmp := uniquePath[i].pweight

			uniquePath[i].pweight = nextOnePortion *
				float64(uniqueDepth+1) / (float64(i+1) * oneFraction)

			nextOnePortion = tmp -
				uniquePath[i].pweight*
					zeroFraction*
					float64(uniqueDepth-i)/float64(uniqueDepth+1)
		} else {
			uniquePath[i].pweight = (uniquePath[i].pweight * float64(uniqueDepth+1)) /
				(zeroFraction * float64(uniqueDepth-i))
		}
	}

	for i := pathIndex; i < uniqueDepth; i++ {
		uniquePath[i].featureIndex = uniquePath[i+1].featureIndex
		uniquePath[i].zeroFraction = uniquePath[i+1].zeroFraction
		uniquePath[i].oneFraction = uniquePath[i+1].oneFraction
	}
}
