package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AlgorithmIsolationForest is the declared algorithm tag of
// IsolationForest artifacts.
const AlgorithmIsolationForest = "isolation_forest"

// isolation forest defaults, matching the common subsample of 256.
const (
	defaultIsoEstimators = 100
	defaultIsoSubsample  = 256
)

// isoNode is one node of an isolation tree. External nodes record how
// many samples terminated there so path lengths can be adjusted.
type isoNode struct {
	Feature   int      `json:"f,omitempty"`
	Threshold float64  `json:"t,omitempty"`
	Left      *isoNode `json:"l,omitempty"`
	Right     *isoNode `json:"r,omitempty"`
	Size      int      `json:"n,omitempty"`
	External  bool     `json:"x,omitempty"`
}

// IsolationForest is an ensemble of random-split isolation trees
// implementing domain.AnomalyModel. Trained on normal transactions only:
// including fraud-labeled rows would corrupt its notion of normal.
type IsolationForest struct {
	Estimators int        `json:"n_estimators"`
	Subsample  int        `json:"subsample"`
	Seed       int64      `json:"seed"`
	Trees      []*isoNode `json:"trees"`
}

// TrainIsolationForest fits an isolation forest on the given samples.
func TrainIsolationForest(X [][]float64, estimators int, seed int64) (*IsolationForest, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("isolation forest requires at least one sample")
	}
	if estimators <= 0 {
		estimators = defaultIsoEstimators
	}

	subsample := defaultIsoSubsample
	if subsample > len(X) {
		subsample = len(X)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	rng := rand.New(rand.NewSource(seed))
	forest := &IsolationForest{
		Estimators: estimators,
		Subsample:  subsample,
		Seed:       seed,
		Trees:      make([]*isoNode, 0, estimators),
	}

	for i := 0; i < estimators; i++ {
		sample := make([]int, subsample)
		for j := range sample {
			sample[j] = rng.Intn(len(X))
		}
		forest.Trees = append(forest.Trees, growIsoTree(X, sample, 0, heightLimit, rng))
	}

	return forest, nil
}

// AnomalyScore returns a decision-function style score centered near
// zero: positive for anomalies, negative for inliers. Downstream fusion
// squashes it through a sigmoid, so the sign convention here is
// higher-is-riskier.
func (f *IsolationForest) AnomalyScore(fv domain.FeatureVector) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, tree := range f.Trees {
		sum += pathLength(tree, fv, 0)
	}
	avgPath := sum / float64(len(f.Trees))

	// Standard isolation forest anomaly score in (0,1]: shorter average
	// paths mean easier to isolate, i.e. more anomalous.
	score := math.Pow(2, -avgPath/averagePathLength(f.Subsample))
	return score - 0.5
}

func growIsoTree(X [][]float64, indices []int, depth, heightLimit int, rng *rand.Rand) *isoNode {
	if depth >= heightLimit || len(indices) <= 1 {
		return &isoNode{External: true, Size: len(indices)}
	}

	numFeatures := len(X[indices[0]])
	feature := rng.Intn(numFeatures)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, idx := range indices {
		v := X[idx][feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return &isoNode{External: true, Size: len(indices)}
	}

	threshold := lo + rng.Float64()*(hi-lo)

	var left, right []int
	for _, idx := range indices {
		if X[idx][feature] < threshold {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}

	return &isoNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      growIsoTree(X, left, depth+1, heightLimit, rng),
		Right:     growIsoTree(X, right, depth+1, heightLimit, rng),
	}
}

func pathLength(node *isoNode, fv []float64, depth int) float64 {
	if node.External {
		return float64(depth) + averagePathLength(node.Size)
	}
	if node.Feature < len(fv) && fv[node.Feature] < node.Threshold {
		return pathLength(node.Left, fv, depth+1)
	}
	return pathLength(node.Right, fv, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n samples.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}
