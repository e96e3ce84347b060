package utils

import (
	"container/heap"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

// SmallestK returns the indices and values of the k smallest scores in
// ascending order. Ties keep the lower index first.
func SmallestK(scores []float32, k int) ([]int, []float32) {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return []int{}, []float32{}
	}

	// max-heap of the best k seen so far
	h := &maxHeap{}
	for i, v := range scores {
		if h.Len() < k {
			heap.Push(h, pair{index: i, value: v})
			continue
		}
		if worse((*h)[0], pair{index: i, value: v}) {
			(*h)[0] = pair{index: i, value: v}
			heap.Fix(h, 0)
		}
	}

	indices := make([]int, k)
	values := make([]float32, k)
	for i := k - 1; i >= 0; i-- {
		p := heap.Pop(h).(pair)
		indices[i] = p.index
		values[i] = p.value
	}
	return indices, values
}

type pair struct {
	index int
	value float32
}

// worse reports whether a ranks after b
func worse(a, b pair) bool {
	if a.value != b.value {
		return a.value > b.value
	}
	return a.index > b.index
}

type maxHeap []pair

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(pair)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Norm computes the L2 norm of a vector
func Norm(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return blas32.Nrm2(blas32.Vector{N: len(v), Inc: 1, Data: v})
}

// Normalize scales v in place to unit length; zero vectors are left untouched
func Normalize(v []float32) {
	norm := Norm(v)
	if norm == 0 {
		return
	}
	// denominator clamped at 1e-12
	blas32.Scal(1/float32(math.Max(float64(norm), 1e-12)), blas32.Vector{N: len(v), Inc: 1, Data: v})
}

// NormalizeRows L2-normalizes every row of m in place
func NormalizeRows(m blas32.General) {
	for r := 0; r < m.Rows; r++ {
		Normalize(m.Data[r*m.Stride : r*m.Stride+m.Cols])
	}
}

// Softmax replaces v with its softmax in place
func Softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	maxVal := v[0]
	for _, x := range v[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxVal))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
