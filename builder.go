package treeshap

import (
	"math"

	"github.com/pkg/errors"
)

// Node describes one node of a tree passed to EnsembleBuilder.AddTree. Node
// 0 is the root.
type Node struct {
	// Left and Right are the child node indices, both -1 for a leaf.
	Left  int
	Right int

	// DefaultLeft routes missing values to Left instead of Right.
	DefaultLeft bool

	Feature   int
	Threshold float64

	// Values holds one value per output. It is only read for leaves; the
	// value of an internal node is the weighted mean of its children.
	Values []float64

	// Weight is the number (or total weight) of training samples that
	// reached the node. An internal node's weight must equal the sum of its
	// children's weights.
	Weight float64
}

// IsLeaf returns whether the node has no children.
func (n Node) IsLeaf() bool { return n.Left < 0 }

// relative tolerance when checking that children weights add up
const weightTolerance = 1e-4

// EnsembleBuilder constructs a TreeEnsemble programmatically. Once Build
// has been called, every further call fails with ErrIllegalState.
type EnsembleBuilder struct {
	numOutputs int
	baseOffset float64
	trees      [][]Node
	built      bool
}

// NewEnsembleBuilder creates a builder for trees with numOutputs values per
// leaf.
func NewEnsembleBuilder(numOutputs int) *EnsembleBuilder {
	return &EnsembleBuilder{numOutputs: numOutputs}
}

// SetBaseOffset sets the bias added to the sum of the trees.
func (b *EnsembleBuilder) SetBaseOffset(baseOffset float64) error {
	if b.built {
		return errors.Wrap(ErrIllegalState, "ensemble has already been built")
	}
	b.baseOffset = baseOffset
	return nil
}

// AddTree appends a tree. The nodes are copied.
func (b *EnsembleBuilder) AddTree(nodes []Node) error {
	if b.built {
		return errors.Wrap(ErrIllegalState, "ensemble has already been built")
	}
	if len(nodes) == 0 {
		return errors.Wrap(ErrInvalidArgument, "tree has no nodes")
	}
	if len(nodes) > math.MaxInt32 {
		return errors.Wrapf(ErrInvalidArgument, "tree has %d nodes", len(nodes))
	}

	treeIndex := len(b.trees)
	seen := make([]bool, len(nodes))
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[i] {
			return errors.Wrapf(
				ErrInvalidArgument,
				"tree %d node %d is reachable more than once",
				treeIndex,
				i,
			)
		}
		seen[i] = true

		node := nodes[i]
		if node.IsLeaf() {
			if node.Right >= 0 {
				return errors.Wrapf(
					ErrInvalidArgument,
					"tree %d node %d has only a right child",
					treeIndex,
					i,
				)
			}
			if len(node.Values) != b.numOutputs {
				return errors.Wrapf(
					ErrInvalidArgument,
					"tree %d leaf %d has %d values, expected %d",
					treeIndex,
					i,
					len(node.Values),
					b.numOutputs,
				)
			}
			continue
		}

		if node.Right < 0 || node.Left >= len(nodes) || node.Right >= len(nodes) {
			return errors.Wrapf(
				ErrInvalidArgument,
				"tree %d node %d has children %d and %d outside of %d nodes",
				treeIndex,
				i,
				node.Left,
				node.Right,
				len(nodes),
			)
		}
		if node.Feature < 0 || node.Feature > math.MaxInt32 {
			return errors.Wrapf(
				ErrInvalidArgument,
				"tree %d node %d splits on feature %d",
				treeIndex,
				i,
				node.Feature,
			)
		}

		sum := nodes[node.Left].Weight + nodes[node.Right].Weight
		if node.Weight <= 0 || math.Abs(sum-node.Weight) > weightTolerance*node.Weight {
			return errors.Wrapf(
				ErrInvalidArgument,
				"tree %d node %d has weight %g but its children sum to %g",
				treeIndex,
				i,
				node.Weight,
				sum,
			)
		}

		stack = append(stack, node.Left, node.Right)
	}

	b.trees = append(b.trees, append([]Node(nil), nodes...))
	return nil
}

// Build creates the ensemble. Unused node slots of shorter trees are padded
// with leaves that nothing routes to.
func (b *EnsembleBuilder) Build() (*TreeEnsemble, error) {
	if b.built {
		return nil, errors.Wrap(ErrIllegalState, "ensemble has already been built")
	}
	if b.numOutputs < 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "%d outputs", b.numOutputs)
	}
	b.built = true

	maxNodes := 0
	for _, nodes := range b.trees {
		maxNodes = max(maxNodes, len(nodes))
	}

	n := len(b.trees) * maxNodes
	e := &TreeEnsemble{
		childrenLeft:      make([]int32, n),
		childrenRight:     make([]int32, n),
		childrenDefault:   make([]int32, n),
		features:          make([]int32, n),
		thresholds:        make([]float64, n),
		values:            make([]float64, n*b.numOutputs),
		nodeSampleWeights: make([]float64, n),
		baseOffset:        b.baseOffset,
		treeLimit:         len(b.trees),
		maxNodes:          maxNodes,
		numOutputs:        b.numOutputs,
	}

	for t, nodes := range b.trees {
		for i := range maxNodes {
			idx := t*maxNodes + i
			e.childrenLeft[idx] = -1
			e.childrenRight[idx] = -1
			e.childrenDefault[idx] = -1
			e.features[idx] = -1
			if i >= len(nodes) {
				continue
			}

			node := nodes[i]
			e.nodeSampleWeights[idx] = node.Weight
			if node.IsLeaf() {
				copy(e.values[idx*b.numOutputs:], node.Values)
				continue
			}
			e.childrenLeft[idx] = int32(node.Left)
			e.childrenRight[idx] = int32(node.Right)
			e.childrenDefault[idx] = int32(node.Right)
			if node.DefaultLeft {
				e.childrenDefault[idx] = int32(node.Left)
			}
			e.features[idx] = int32(node.Feature)
			e.thresholds[idx] = node.Threshold
		}

		view := e.tree(t)
		for o := range b.numOutputs {
			fillNodeMeanValues(view, 0, o)
		}
		e.maxDepth = max(e.maxDepth, treeDepth(view, 0))
	}

	if err := e.finalize(); err != nil {
		return nil, err
	}
	return e, nil
}

// fillNodeMeanValues sets every internal node's value to the weighted mean
// of its children and returns the value of the node.
func fillNodeMeanValues(tree treeView, node, output int) float64 {
	idx := node*tree.numOutputs + output
	if tree.isLeaf(node) {
		return tree.values[idx]
	}

	left, right := int(tree.left[node]), int(tree.right[node])
	result := fillNodeMeanValues(tree, left, output) * tree.weights[left]
	result += fillNodeMeanValues(tree, right, output) * tree.weights[right]
	result /= tree.weights[node]

	tree.values[idx] = result
	return result
}

func treeDepth(tree treeView, node int) int {
	if tree.isLeaf(node) {
		return 0
	}
	return max(treeDepth(tree, int(tree.left[node])), treeDepth(tree, int(tree.right[node]))) + 1
}
