package treeshap

import (
	"github.com/pkg/errors"
)

// TreeEnsemble is an additive model of binary decision trees stored in flat
// arrays. Every tree is padded to MaxNodes node slots, so the node n of tree t
// lives at index t*MaxNodes+n in each per-node array. Unused slots are never
// reached from a root.
//
// A TreeEnsemble is immutable once constructed with Parse or an
// EnsembleBuilder and is safe for concurrent use.
type TreeEnsemble struct {
	childrenLeft      []int32
	childrenRight     []int32
	childrenDefault   []int32
	features          []int32
	thresholds        []float64
	values            []float64 // scaled by numOutputs
	nodeSampleWeights []float64

	baseOffset float64
	maxDepth   int
	treeLimit  int
	maxNodes   int
	numOutputs int

	// One more than the largest feature index any reachable split uses.
	numFeatures int

	initialized bool
}

func (e *TreeEnsemble) index(tree, node int) int { return tree*e.maxNodes + node }

// ChildLeft returns the index of the left child of a node, or a negative
// value for leaves.
func (e *TreeEnsemble) ChildLeft(tree, node int) int {
	return int(e.childrenLeft[e.index(tree, node)])
}

// ChildRight returns the index of the right child of a node, or a negative
// value for leaves.
func (e *TreeEnsemble) ChildRight(tree, node int) int {
	return int(e.childrenRight[e.index(tree, node)])
}

// ChildDefault returns the child that a missing value is routed to.
func (e *TreeEnsemble) ChildDefault(tree, node int) int {
	return int(e.childrenDefault[e.index(tree, node)])
}

// Feature returns the index of the feature a node splits on.
func (e *TreeEnsemble) Feature(tree, node int) int {
	return int(e.features[e.index(tree, node)])
}

// Threshold returns the split threshold of a node. An instance goes left
// iff its feature value is less than the threshold.
func (e *TreeEnsemble) Threshold(tree, node int) float64 {
	return e.thresholds[e.index(tree, node)]
}

// Value returns the value stored at a node for the given output. Leaves hold
// their output; internal nodes hold the sample weighted mean of their
// descendants.
func (e *TreeEnsemble) Value(tree, node, output int) float64 {
	return e.values[e.index(tree, node)*e.numOutputs+output]
}

// NodeSampleWeight returns the weight of the training samples that reached
// a node.
func (e *TreeEnsemble) NodeSampleWeight(tree, node int) float64 {
	return e.nodeSampleWeights[e.index(tree, node)]
}

// IsLeaf returns whether the node has no children.
func (e *TreeEnsemble) IsLeaf(tree, node int) bool {
	return e.childrenLeft[e.index(tree, node)] < 0
}

// BaseOffset returns the bias added to the sum of the trees.
func (e *TreeEnsemble) BaseOffset() float64 { return e.baseOffset }

// MaxDepth returns the depth of the deepest tree.
func (e *TreeEnsemble) MaxDepth() int { return e.maxDepth }

// TreeLimit returns the number of trees.
func (e *TreeEnsemble) TreeLimit() int { return e.treeLimit }

// MaxNodes returns the number of node slots per tree.
func (e *TreeEnsemble) MaxNodes() int { return e.maxNodes }

// NumOutputs returns the number of outputs per leaf.
func (e *TreeEnsemble) NumOutputs() int { return e.numOutputs }

// NumFeatures returns the minimum feature vector length the ensemble can
// evaluate.
func (e *TreeEnsemble) NumFeatures() int { return e.numFeatures }

// ExpectedValue returns, per output, the model output before any feature is
// known: the base offset plus every tree's root value.
func (e *TreeEnsemble) ExpectedValue() []float64 {
	expected := make([]float64, e.numOutputs)
	for o := range expected {
		expected[o] = e.baseOffset
		for t := range e.treeLimit {
			expected[o] += e.Value(t, 0, o)
		}
	}
	return expected
}

// PredictRow returns the model output for one feature vector. missing may be
// nil, in which case no value is treated as missing.
func (e *TreeEnsemble) PredictRow(x []float64, missing []bool) ([]float64, error) {
	if len(x) < e.numFeatures {
		return nil, errors.Wrapf(
			ErrInvalidArgument,
			"feature vector has %d values, model uses %d",
			len(x),
			e.numFeatures,
		)
	}
	if missing == nil {
		missing = make([]bool, len(x))
	} else if len(missing) != len(x) {
		return nil, errors.Wrapf(
			ErrInvalidArgument,
			"missing mask has %d values, feature vector has %d",
			len(missing),
			len(x),
		)
	}

	out := make([]float64, e.numOutputs)
	for o := range out {
		out[o] = e.baseOffset
	}
	for t := range e.treeLimit {
		tree := e.tree(t)
		node := 0
		for !tree.isLeaf(node) {
			node = tree.nextNode(node, x, missing)
		}
		for o := range out {
			out[o] += tree.values[node*e.numOutputs+o]
		}
	}
	return out, nil
}

// treeView is the slice of the ensemble arrays belonging to a single tree.
type treeView struct {
	left       []int32
	right      []int32
	def        []int32
	features   []int32
	thresholds []float64
	values     []float64
	weights    []float64
	numOutputs int
}

func (e *TreeEnsemble) tree(t int) treeView {
	start := t * e.maxNodes
	end := start + e.maxNodes
	return treeView{
		left:       e.childrenLeft[start:end],
		right:      e.childrenRight[start:end],
		def:        e.childrenDefault[start:end],
		features:   e.features[start:end],
		thresholds: e.thresholds[start:end],
		values:     e.values[start*e.numOutputs : end*e.numOutputs],
		weights:    e.nodeSampleWeights[start:end],
		numOutputs: e.numOutputs,
	}
}

func (t treeView) isLeaf(node int) bool { return t.left[node] < 0 }

// value returns the first output of a node.
func (t treeView) value(node int) float64 { return t.values[node*t.numOutputs] }

// nextNode returns the child an instance is routed to.
func (t treeView) nextNode(node int, x []float64, missing []bool) int {
	split := t.features[node]
	if missing[split] {
		return int(t.def[node])
	}
	if x[split] < t.thresholds[node] {
		return int(t.left[node])
	}
	return int(t.right[node])
}

// finalize checks the structure reachable from every root and computes the
// derived fields. It must be called exactly once by each constructor.
func (e *TreeEnsemble) finalize() error {
	if e.initialized {
		return errors.Wrap(ErrIllegalState, "ensemble is already initialized")
	}

	numFeatures := 0
	type frame struct{ node, depth int }
	var stack []frame
	seen := make([]bool, e.maxNodes)
	for t := range e.treeLimit {
		if e.maxNodes == 0 {
			return errors.Wrap(ErrOutOfRange, "trees have no node slots")
		}
		tree := e.tree(t)
		clear(seen)
		stack = append(stack[:0], frame{0, 0})
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			// Shared children would make every walk exponential in depth.
			if seen[f.node] {
				return errors.Wrapf(
					ErrOutOfRange,
					"tree %d node %d is reachable more than once",
					t,
					f.node,
				)
			}
			seen[f.node] = true

			if f.depth > e.maxDepth {
				return errors.Wrapf(
					ErrOutOfRange,
					"tree %d is deeper than the declared max depth %d",
					t,
					e.maxDepth,
				)
			}
			if tree.isLeaf(f.node) {
				continue
			}

			left, right, def := int(tree.left[f.node]), int(tree.right[f.node]), int(tree.def[f.node])
			if left >= e.maxNodes || right < 0 || right >= e.maxNodes {
				return errors.Wrapf(
					ErrOutOfRange,
					"tree %d node %d has children %d and %d outside of %d slots",
					t,
					f.node,
					left,
					right,
					e.maxNodes,
				)
			}
			if def != left && def != right {
				return errors.Wrapf(
					ErrOutOfRange,
					"tree %d node %d has default child %d which is neither %d nor %d",
					t,
					f.node,
					def,
					left,
					right,
				)
			}
			feature := int(tree.features[f.node])
			if feature < 0 {
				return errors.Wrapf(
					ErrOutOfRange,
					"tree %d node %d splits on feature %d",
					t,
					f.node,
					feature,
				)
			}
			if feature+1 > numFeatures {
				numFeatures = feature + 1
			}

			stack = append(stack, frame{left, f.depth + 1}, frame{right, f.depth + 1})
		}
	}

	e.numFeatures = numFeatures
	e.initialized = true
	return nil
}
