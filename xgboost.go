package treeshap

// The model structures follow the xgboost JSON model schema.
//
// # Copyright by XGBoost Contributors 2017-2023
//
// xgboost's code is Apache 2.0 licensed.

import (
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"
)

// XGBModel corresponds to an XGBoost JSON model.
type XGBModel struct {
	Learner Learner `json:"learner"`
}

// Learner is the top level part of an XGBoost model.
type Learner struct {
	Attributes        Attributes        `json:"attributes"`
	GradientBooster   GradientBooster   `json:"gradient_booster"`
	LearnerModelParam LearnerModelParam `json:"learner_model_param"`
	Objective         Objective         `json:"objective"`
}

// LearnerModelParam holds model wide parameters.
type LearnerModelParam struct {
	// BaseScore is in the output space of the objective.
	BaseScore json.Number `json:"base_score"`
}

// Objective identifies the training objective.
type Objective struct {
	Name string `json:"name"`
}

// Attributes holds attributes from an XGBoost model.
type Attributes struct {
	BestNtreeLimit json.Number `json:"best_ntree_limit"`
}

// GradientBooster holds the XGBoost model.
type GradientBooster struct {
	Model Model `json:"model"`
}

// Model is the XGBoost model.
type Model struct {
	Trees []XGBTree `json:"trees"`
}

// XGBTree is one tree in an XGBoost model as decoded from JSON.
type XGBTree struct {
	BaseWeights     []float32 `json:"base_weights"`
	DefaultLeft     []int     `json:"default_left"`
	LeftChildren    []int     `json:"left_children"`
	RightChildren   []int     `json:"right_children"`
	SplitConditions []float32 `json:"split_conditions"`
	SplitIndices    []int     `json:"split_indices"`
	SumHessian      []float32 `json:"sum_hessian"`
	TreeParam       TreeParam `json:"tree_param"`
}

// TreeParam holds tree parameters.
type TreeParam struct {
	NumNodes json.Number `json:"num_nodes"`
}

type xgboostOptions struct {
	ntreeLimit int
}

// XGBoostOption configures ParseXGBoostJSON.
type XGBoostOption func(*xgboostOptions)

// NtreeLimit sets the number of trees to use.
//
// For newer XGBoost models, this is found in the model file, so it does not
// need to be provided. Without either, all trees are used.
func NtreeLimit(ntreeLimit int) XGBoostOption {
	return func(o *xgboostOptions) {
		o.ntreeLimit = ntreeLimit
	}
}

// ParseXGBoostJSON converts an XGBoost JSON model with a single output into
// a TreeEnsemble. Leaves take their value from base_weights and node sample
// weights from sum_hessian.
//
// The model's base_score is converted to margin space for the objective and
// becomes the base offset of the ensemble, so contributions sum to the raw
// margin output of the model. Models without a base_score get a zero offset.
func ParseXGBoostJSON(r io.Reader, opts ...XGBoostOption) (*TreeEnsemble, error) {
	var o xgboostOptions
	for _, f := range opts {
		f(&o)
	}

	var xm XGBModel
	if err := json.NewDecoder(r).Decode(&xm); err != nil {
		return nil, errors.Wrap(err, "unmarshaling")
	}
	trees := xm.Learner.GradientBooster.Model.Trees

	if o.ntreeLimit == 0 {
		if xm.Learner.Attributes.BestNtreeLimit == "" {
			o.ntreeLimit = len(trees)
		} else {
			ntreeLimit64, err := xm.Learner.Attributes.BestNtreeLimit.Int64()
			if err != nil {
				return nil, errors.Wrap(err, "getting best ntree limit as int64")
			}
			o.ntreeLimit = int(ntreeLimit64)
		}
	}
	if o.ntreeLimit < 0 || o.ntreeLimit > len(trees) {
		return nil, errors.Wrapf(
			ErrInvalidArgument,
			"ntree limit %d with %d trees",
			o.ntreeLimit,
			len(trees),
		)
	}

	baseOffset, err := baseMargin(xm.Learner)
	if err != nil {
		return nil, err
	}

	b := NewEnsembleBuilder(1)
	if err := b.SetBaseOffset(baseOffset); err != nil {
		return nil, err
	}
	//nolint:gocritic // Copies inefficiently, but should only be done once.
	for i, t := range trees[:o.ntreeLimit] {
		nodes, err := parseTree(t)
		if err != nil {
			return nil, errors.Wrapf(err, "tree %d", i)
		}
		if err := b.AddTree(nodes); err != nil {
			return nil, err
		}
	}

	return b.Build()
}

// baseMargin returns base_score transformed the way xgboost transforms it
// for the objective's link function.
func baseMargin(l Learner) (float64, error) {
	if l.LearnerModelParam.BaseScore == "" {
		return 0, nil
	}
	baseScore, err := l.LearnerModelParam.BaseScore.Float64()
	if err != nil {
		return 0, errors.Wrap(err, "getting base score as float64")
	}

	switch l.Objective.Name {
	case "binary:logistic", "reg:logistic":
		if baseScore <= 0 || baseScore >= 1 {
			return 0, errors.Wrapf(
				ErrInvalidArgument,
				"base score %g of %s is not a probability",
				baseScore,
				l.Objective.Name,
			)
		}
		return math.Log(baseScore / (1 - baseScore)), nil
	case "count:poisson", "reg:gamma", "reg:tweedie", "survival:cox":
		if baseScore <= 0 {
			return 0, errors.Wrapf(
				ErrInvalidArgument,
				"base score %g of %s is not positive",
				baseScore,
				l.Objective.Name,
			)
		}
		return math.Log(baseScore), nil
	default:
		return baseScore, nil
	}
}

func parseTree(
	xt XGBTree,
) ([]Node, error) {
	numNodes64, err := xt.TreeParam.NumNodes.Int64()
	if err != nil {
		return nil, errors.Wrap(err, "getting num nodes as int64")
	}
	numNodes := int(numNodes64)

	for name, n := range map[string]int{
		"base_weights":     len(xt.BaseWeights),
		"default_left":     len(xt.DefaultLeft),
		"left_children":    len(xt.LeftChildren),
		"right_children":   len(xt.RightChildren),
		"split_conditions": len(xt.SplitConditions),
		"split_indices":    len(xt.SplitIndices),
		"sum_hessian":      len(xt.SumHessian),
	} {
		if n != numNodes {
			return nil, errors.Wrapf(
				ErrFormat,
				"%s has %d entries for %d nodes",
				name,
				n,
				numNodes,
			)
		}
	}

	nodes := make([]Node, numNodes)
	for i := range nodes {
		left := xt.LeftChildren[i]
		if left == -1 { // No child
			nodes[i] = Node{
				Left:   -1,
				Right:  -1,
				Values: []float64{float64(xt.BaseWeights[i])},
				Weight: float64(xt.SumHessian[i]),
			}
			continue
		}

		nodes[i] = Node{
			Left:        left,
			Right:       xt.RightChildren[i],
			DefaultLeft: xt.DefaultLeft[i] == 1,
			Feature:     xt.SplitIndices[i],
			Threshold:   float64(xt.SplitConditions[i]),
			Weight:      float64(xt.SumHessian[i]),
		}
	}

	return nodes, nil
}
