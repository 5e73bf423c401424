package treeshap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func leaf(value, weight float64) Node {
	return Node{Left: -1, Right: -1, Values: []float64{value}, Weight: weight}
}

func split(feature int, threshold float64, left, right int, defaultLeft bool, weight float64) Node {
	return Node{
		Left:        left,
		Right:       right,
		DefaultLeft: defaultLeft,
		Feature:     feature,
		Threshold:   threshold,
		Weight:      weight,
	}
}

// treeA splits on feature 0 twice along the right branch.
var treeA = []Node{
	split(0, 0.5, 1, 2, true, 10),
	split(1, 1.0, 3, 4, false, 4),
	split(0, 2.0, 5, 6, false, 6),
	leaf(1, 1),
	leaf(3, 3),
	leaf(-2, 2),
	leaf(4, 4),
}

var treeB = []Node{
	split(2, 0, 1, 2, false, 8),
	leaf(0.5, 5),
	split(1, 2, 3, 4, true, 3),
	leaf(-1, 1),
	leaf(2, 2),
}

var treeC = []Node{leaf(0.25, 10)}

func buildEnsemble(t testing.TB, baseOffset float64, trees ...[]Node) *TreeEnsemble {
	t.Helper()

	b := NewEnsembleBuilder(1)
	require.NoError(t, b.SetBaseOffset(baseOffset))
	for _, tree := range trees {
		require.NoError(t, b.AddTree(tree))
	}
	e, err := b.Build()
	require.NoError(t, err)
	return e
}

func testEnsemble(t testing.TB) *TreeEnsemble {
	return buildEnsemble(t, 0.1, treeA, treeB, treeC)
}

// bruteForceShap computes SHAP values by enumerating every feature subset,
// using the expected tree output given the features in the subset as the
// value function.
func bruteForceShap(e *TreeEnsemble, x []float64, missing []bool) []float64 {
	m := len(x)
	value := func(subset uint) float64 {
		v := e.BaseOffset()
		for t := range e.TreeLimit() {
			v += conditionalExpectation(e, t, 0, x, missing, subset)
		}
		return v
	}

	factorial := func(n int) float64 {
		f := 1.0
		for i := 2; i <= n; i++ {
			f *= float64(i)
		}
		return f
	}

	phi := make([]float64, m+1)
	for i := range m {
		for subset := uint(0); subset < 1<<m; subset++ {
			if subset&(1<<i) != 0 {
				continue
			}
			size := 0
			for j := range m {
				if subset&(1<<j) != 0 {
					size++
				}
			}
			weight := factorial(size) * factorial(m-size-1) / factorial(m)
			phi[i] += weight * (value(subset|1<<i) - value(subset))
		}
	}
	phi[m] = value(0)
	return phi
}

func conditionalExpectation(
	e *TreeEnsemble,
	tree,
	node int,
	x []float64,
	missing []bool,
	subset uint,
) float64 {
	if e.IsLeaf(tree, node) {
		return e.Value(tree, node, 0)
	}

	f := e.Feature(tree, node)
	if subset&(1<<f) != 0 {
		next := e.ChildRight(tree, node)
		switch {
		case missing[f]:
			next = e.ChildDefault(tree, node)
		case x[f] < e.Threshold(tree, node):
			next = e.ChildLeft(tree, node)
		}
		return conditionalExpectation(e, tree, next, x, missing, subset)
	}

	left, right := e.ChildLeft(tree, node), e.ChildRight(tree, node)
	return (e.NodeSampleWeight(tree, left)*conditionalExpectation(e, tree, left, x, missing, subset) +
		e.NodeSampleWeight(tree, right)*conditionalExpectation(e, tree, right, x, missing, subset)) /
		e.NodeSampleWeight(tree, node)
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}
