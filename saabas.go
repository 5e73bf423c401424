package treeshap

// DenseTreeSaabas computes Saabas values for every row of data and adds them
// to out, which has the same layout as for DenseTreeShap.
//
// Saabas values only consider the path an instance takes through each tree:
// every split on that path credits its feature with the change in node value
// from the node to the child taken. This is much cheaper than DenseTreeShap
// but only accounts for a single feature ordering.
func DenseTreeSaabas(
	ensemble *TreeEnsemble,
	data *ExplanationDataset,
	out []float64,
	nWorkers int,
) error {
	if err := checkEngineInputs(ensemble, data, out); err != nil {
		return err
	}

	nColumns := data.NumCols() + 1

	return forEachRow(data.NumRows(), nWorkers, func() rowFunc {
		return func(row int) error {
			x, missing := data.row(row)
			phi := out[row*nColumns : (row+1)*nColumns]

			for t := range ensemble.treeLimit {
				treeSaabas(ensemble.tree(t), x, missing, phi)
			}

			phi[nColumns-1] += ensemble.baseOffset
			return nil
		}
	})
}

func treeSaabas(
	tree treeView,
	x []float64,
	missing []bool,
	phi []float64,
) {
	phi[len(phi)-1] += tree.value(0)

	node := 0
	for !tree.isLeaf(node) {
		next := tree.nextNode(node, x, missing)
		phi[tree.features[node]] += tree.value(next) - tree.value(node)
		node = next
	}
}
