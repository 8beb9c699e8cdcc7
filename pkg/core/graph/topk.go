package graph

import (
	"container/heap"
	"sort"
)

// Candidate is a neighbor index with its similarity.
type Candidate struct {
	Index int
	Value float64
}

// worse reports whether a ranks below b: lower similarity, or equal similarity
// and a higher index. This matches top-k semantics where ties keep the lower index.
func worse(a, b Candidate) bool {
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.Index > b.Index
}

// minHeap keeps the k best candidates seen so far with the worst one on top,
// so it can be replaced in O(log k) when a better candidate shows up.
type minHeap []Candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(Candidate)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK returns the k highest values of row in non-increasing order.
// Fewer than k candidates are returned when the row is shorter than k.
func TopK(row []float64, k int) []Candidate {
	if k <= 0 {
		return nil
	}
	if k > len(row) {
		k = len(row)
	}
	h := make(minHeap, 0, k)
	for i, v := range row {
		c := Candidate{Index: i, Value: v}
		if h.Len() < k {
			heap.Push(&h, c)
			continue
		}
		if worse(h[0], c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}
	out := []Candidate(h)
	sort.Slice(out, func(a, b int) bool { return worse(out[b], out[a]) })
	return out
}
