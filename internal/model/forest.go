// Package model provides the trainable model implementations behind the
// scoring pipeline: a random-forest classifier for the supervised role
// and an isolation forest for the anomaly role, plus the discrimination
// metrics used to evaluate them.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AlgorithmRandomForest is the declared algorithm tag of RandomForest
// artifacts.
const AlgorithmRandomForest = "random_forest"

// ForestParams bounds the random-forest training configuration. The zero
// value of MaxDepth means unlimited depth.
type ForestParams struct {
	Estimators      int   `json:"n_estimators"`
	MaxDepth        int   `json:"max_depth"`
	MinSamplesSplit int   `json:"min_samples_split"`
	MinSamplesLeaf  int   `json:"min_samples_leaf"`
	Seed            int64 `json:"seed"`
}

// DefaultForestParams are the fixed defaults used when hyperparameter
// search is skipped.
func DefaultForestParams() ForestParams {
	return ForestParams{
		Estimators:      100,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		Seed:            42,
	}
}

// treeNode is one node of a CART tree. Leaves carry the positive-class
// fraction of the samples that reached them.
type treeNode struct {
	Feature   int       `json:"f,omitempty"`
	Threshold float64   `json:"t,omitempty"`
	Left      *treeNode `json:"l,omitempty"`
	Right     *treeNode `json:"r,omitempty"`
	Leaf      bool      `json:"leaf,omitempty"`
	Value     float64   `json:"v"`
}

// RandomForest is a bootstrap-aggregated ensemble of CART trees
// implementing domain.SupervisedModel. Deterministic for a fixed seed.
type RandomForest struct {
	Params      ForestParams `json:"params"`
	NumFeatures int          `json:"num_features"`
	Trees       []*treeNode  `json:"trees"`
}

// TrainRandomForest fits a forest on the given samples. Labels must be
// 0 or 1.
func TrainRandomForest(X [][]float64, y []int, params ForestParams) (*RandomForest, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("training data mismatch: %d samples, %d labels", len(X), len(y))
	}
	if params.Estimators <= 0 {
		params.Estimators = 100
	}
	if params.MinSamplesSplit < 2 {
		params.MinSamplesSplit = 2
	}
	if params.MinSamplesLeaf < 1 {
		params.MinSamplesLeaf = 1
	}

	numFeatures := len(X[0])
	rng := rand.New(rand.NewSource(params.Seed))

	// Feature subsampling per split: sqrt of the feature count.
	mtry := int(math.Ceil(math.Sqrt(float64(numFeatures))))

	forest := &RandomForest{
		Params:      params,
		NumFeatures: numFeatures,
		Trees:       make([]*treeNode, 0, params.Estimators),
	}

	for i := 0; i < params.Estimators; i++ {
		// Bootstrap sample with replacement.
		indices := make([]int, len(X))
		for j := range indices {
			indices[j] = rng.Intn(len(X))
		}
		tree := growTree(X, y, indices, params, mtry, 0, rng)
		forest.Trees = append(forest.Trees, tree)
	}

	return forest, nil
}

// PredictProbability returns the mean positive-class fraction across
// trees, in [0,1].
func (f *RandomForest) PredictProbability(fv domain.FeatureVector) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, tree := range f.Trees {
		sum += tree.predict(fv)
	}
	return sum / float64(len(f.Trees))
}

func (n *treeNode) predict(fv []float64) float64 {
	node := n
	for !node.Leaf {
		if node.Feature < len(fv) && fv[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.Value
}

func growTree(X [][]float64, y []int, indices []int, params ForestParams, mtry, depth int, rng *rand.Rand) *treeNode {
	positives := 0
	for _, idx := range indices {
		positives += y[idx]
	}
	value := float64(positives) / float64(len(indices))

	// Stop when pure, too small, or at depth limit.
	if positives == 0 || positives == len(indices) ||
		len(indices) < params.MinSamplesSplit ||
		(params.MaxDepth > 0 && depth >= params.MaxDepth) {
		return &treeNode{Leaf: true, Value: value}
	}

	feature, threshold, ok := bestSplit(X, y, indices, mtry, params.MinSamplesLeaf, rng)
	if !ok {
		return &treeNode{Leaf: true, Value: value}
	}

	var left, right []int
	for _, idx := range indices {
		if X[idx][feature] <= threshold {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}

	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Value:     value,
		Left:      growTree(X, y, left, params, mtry, depth+1, rng),
		Right:     growTree(X, y, right, params, mtry, depth+1, rng),
	}
}

// bestSplit searches a random feature subset for the gini-optimal
// threshold. Returns ok=false when no split satisfies the min-leaf
// constraint.
func bestSplit(X [][]float64, y []int, indices []int, mtry, minLeaf int, rng *rand.Rand) (int, float64, bool) {
	numFeatures := len(X[indices[0]])
	candidates := rng.Perm(numFeatures)[:mtry]

	bestGini := math.Inf(1)
	bestFeature := -1
	bestThreshold := 0.0

	vals := make([]float64, len(indices))
	for _, feature := range candidates {
		for i, idx := range indices {
			vals[i] = X[idx][feature]
		}
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)

		for i := 1; i < len(sorted); i++ {
			if sorted[i] == sorted[i-1] {
				continue
			}
			threshold := (sorted[i] + sorted[i-1]) / 2

			leftN, leftPos, rightN, rightPos := 0, 0, 0, 0
			for _, idx := range indices {
				if X[idx][feature] <= threshold {
					leftN++
					leftPos += y[idx]
				} else {
					rightN++
					rightPos += y[idx]
				}
			}
			if leftN < minLeaf || rightN < minLeaf {
				continue
			}

			gini := weightedGini(leftN, leftPos, rightN, rightPos)
			if gini < bestGini {
				bestGini = gini
				bestFeature = feature
				bestThreshold = threshold
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

func weightedGini(leftN, leftPos, rightN, rightPos int) float64 {
	total := float64(leftN + rightN)
	return float64(leftN)/total*giniImpurity(leftN, leftPos) +
		float64(rightN)/total*giniImpurity(rightN, rightPos)
}

func giniImpurity(n, pos int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 2 * p * (1 - p)
}
