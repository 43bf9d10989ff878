package forecast

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// FeatureCount is the lag model's input width: [encoded pollutant, lag1, lag2, lag3].
const FeatureCount = 4

// Regressor predicts the next daily value from a feature vector.
type Regressor interface {
	Predict(features []float64) (float64, error)
}

// LinearModel is an ordinary least squares model: intercept + coefficients · x.
type LinearModel struct {
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
}

func (m *LinearModel) Predict(features []float64) (float64, error) {
	if len(features) != len(m.Coefficients) {
		return 0, fmt.Errorf("linear model: got %d features, want %d", len(features), len(m.Coefficients))
	}
	return m.Intercept + floats.Dot(m.Coefficients, features), nil
}

// TreeNode uses the flattened layout exported from scikit-learn trees:
// Left == -1 marks a leaf, otherwise samples with x[Feature] <= Threshold go left.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

func (t *Tree) predict(features []float64) (float64, error) {
	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		if i < 0 || i >= len(t.Nodes) {
			return 0, fmt.Errorf("tree: node %d out of range", i)
		}
		n := t.Nodes[i]
		if n.Left == -1 {
			return n.Value, nil
		}
		if n.Feature < 0 || n.Feature >= len(features) {
			return 0, fmt.Errorf("tree: feature %d out of range", n.Feature)
		}
		if features[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return 0, fmt.Errorf("tree: cycle detected")
}

// ForestModel averages the predictions of its trees.
type ForestModel struct {
	Trees []Tree `json:"trees"`
}

func (m *ForestModel) Predict(features []float64) (float64, error) {
	if len(m.Trees) == 0 {
		return 0, fmt.Errorf("forest model: no trees")
	}
	preds := make([]float64, len(m.Trees))
	for i := range m.Trees {
		v, err := m.Trees[i].predict(features)
		if err != nil {
			return 0, fmt.Errorf("forest model: tree %d: %w", i, err)
		}
		preds[i] = v
	}
	return floats.Sum(preds) / float64(len(preds)), nil
}

// ParseRegressor decodes a lag model artifact.
func ParseRegressor(data []byte) (Regressor, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode lag model: %w", err)
	}

	switch head.Type {
	case "linear":
		var m LinearModel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode linear model: %w", err)
		}
		if len(m.Coefficients) != FeatureCount {
			return nil, fmt.Errorf("linear model has %d coefficients, want %d", len(m.Coefficients), FeatureCount)
		}
		for _, c := range append([]float64{m.Intercept}, m.Coefficients...) {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return nil, fmt.Errorf("linear model has non-finite parameters")
			}
		}
		return &m, nil
	case "forest":
		var m ForestModel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode forest model: %w", err)
		}
		if len(m.Trees) == 0 {
			return nil, fmt.Errorf("forest model has no trees")
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown lag model type %q", head.Type)
	}
}
