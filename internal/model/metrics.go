package model

import (
	"sort"
)

// ROCAUC computes the area under the ROC curve from scores and binary
// labels via the rank statistic, with average ranks for tied scores.
// Returns 0.5 when only one class is present.
func ROCAUC(y []int, scores []float64) float64 {
	n := len(y)
	if n == 0 || n != len(scores) {
		return 0.5
	}

	pos, neg := 0, 0
	for _, label := range y {
		if label == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return scores[order[a]] < scores[order[b]]
	})

	// Sum of positive-class ranks, averaging ranks across ties.
	rankSum := 0.0
	i := 0
	for i < n {
		j := i
		for j < n && scores[order[j]] == scores[order[i]] {
			j++
		}
		avgRank := float64(i+j+1) / 2.0 // 1-based average rank of the tie group
		for k := i; k < j; k++ {
			if y[order[k]] == 1 {
				rankSum += avgRank
			}
		}
		i = j
	}

	return (rankSum - float64(pos)*float64(pos+1)/2.0) / (float64(pos) * float64(neg))
}

// AveragePrecision computes the average precision (area under the
// precision-recall curve, step interpolation). Returns 0 when there are
// no positive labels.
func AveragePrecision(y []int, scores []float64) float64 {
	n := len(y)
	if n == 0 || n != len(scores) {
		return 0
	}

	pos := 0
	for _, label := range y {
		if label == 1 {
			pos++
		}
	}
	if pos == 0 {
		return 0
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	ap := 0.0
	tp := 0
	for i, idx := range order {
		if y[idx] == 1 {
			tp++
			precision := float64(tp) / float64(i+1)
			ap += precision / float64(pos)
		}
	}
	return ap
}
