// Package ranking selects the highest weighted-ROI entries of a contest.
//
// Order is total: higher ROI ranks first, and on equal ROI the lower
// entry index ranks first. TopK therefore returns exactly the first n
// elements of a full sort under that order.
package ranking

import (
	"sort"

	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/roi"
)

// Score is one entry's weighted ROI.
type Score struct {
	Index uint32  `json:"index"`
	ROI   float64 `json:"roi"`
}

// Better reports whether a ranks strictly ahead of b.
func Better(a, b Score) bool {
	if a.ROI != b.ROI {
		return a.ROI > b.ROI
	}
	return a.Index < b.Index
}

// SortDescending orders scores best first.
func SortDescending(scores []Score) {
	sort.Slice(scores, func(i, j int) bool { return Better(scores[i], scores[j]) })
}

// WeightedScores computes the weighted ROI of the first n ledger entries.
func WeightedScores(ledger *model.CreditLedger, n int, rois []float64) []Score {
	out := make([]Score, n)
	for i := 0; i < n; i++ {
		out[i] = Score{Index: uint32(i), ROI: roi.Weighted(ledger.At(i), rois)}
	}
	return out
}

// TopK returns the n best scores, best first. When len(scores) ≤ n all
// scores are returned. Otherwise a size-n min-heap keyed on rank is
// seeded with the first n scores and each remaining score replaces the
// heap minimum when it ranks higher: O(E log n).
func TopK(scores []Score, n int) []Score {
	if n <= 0 {
		return nil
	}
	if len(scores) <= n {
		out := append([]Score(nil), scores...)
		SortDescending(out)
		return out
	}

	h := append(make([]Score, 0, n), scores[:n]...)
	for i := n/2 - 1; i >= 0; i-- {
		siftDown(h, i)
	}

	for _, s := range scores[n:] {
		if Better(s, h[0]) {
			h[0] = s
			siftDown(h, 0)
		}
	}

	SortDescending(h)
	return h
}

// siftDown restores the heap property below root. The root holds the
// worst-ranked score.
func siftDown(h []Score, root int) {
	n := len(h)
	for {
		worst := root
		left, right := 2*root+1, 2*root+2
		if left < n && Better(h[worst], h[left]) {
			worst = left
		}
		if right < n && Better(h[worst], h[right]) {
			worst = right
		}
		if worst == root {
			return
		}
		h[root], h[worst] = h[worst], h[root]
		root = worst
	}
}

// Indices extracts the entry indices of ranked scores.
func Indices(scores []Score) []uint32 {
	out := make([]uint32, len(scores))
	for i, s := range scores {
		out[i] = s.Index
	}
	return out
}
