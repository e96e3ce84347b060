package retrieve

import (
	"context"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/gonum"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/utils"
)

var engine = gonum.Implementation{}

var diffWorkspace = sync.Pool{
	New: func() any {
		s := make([]float32, 0, 4096)
		return &s
	},
}

// squaredL2 computes |a-b|^2; identical vectors give exactly 0
func squaredL2(a, b []float32) float32 {
	n := len(a)
	diffPtr := diffWorkspace.Get().(*[]float32)
	defer diffWorkspace.Put(diffPtr)

	if cap(*diffPtr) < n {
		*diffPtr = make([]float32, n)
	}
	diff := (*diffPtr)[:n]

	copy(diff, a)
	engine.Saxpy(n, -1, b, 1, diff, 1)
	return engine.Sdot(n, diff, 1, diff, 1)
}

// DefaultWorkers returns the number of logical cores
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// FlatL2 is an exact nearest-neighbor index using squared Euclidean distance
type FlatL2 struct {
	dim     int
	rows    int
	data    []float32
	Workers int
}

// NewFlatL2 creates an empty index over vectors of length dim
func NewFlatL2(dim int) *FlatL2 {
	return &FlatL2{dim: dim, Workers: DefaultWorkers()}
}

// Add appends every row of vectors to the index
func (f *FlatL2) Add(vectors blas32.General) error {
	if vectors.Cols != f.dim {
		return &neuralvps.DimensionMismatchError{Want: f.dim, Got: vectors.Cols}
	}
	for r := 0; r < vectors.Rows; r++ {
		f.data = append(f.data, vectors.Data[r*vectors.Stride:r*vectors.Stride+vectors.Cols]...)
	}
	f.rows += vectors.Rows
	return nil
}

// Search returns the k nearest indexed rows of every query row, ascending by
// distance with ties broken by the lower row. k larger than the index is
// clamped.
func (f *FlatL2) Search(ctx context.Context, queries blas32.General, k int) ([]neuralvps.SearchResult, error) {
	if k <= 0 {
		return nil, neuralvps.ErrInvalidK
	}
	if f.rows == 0 {
		return nil, neuralvps.ErrEmptyIndex
	}
	if queries.Cols != f.dim {
		return nil, &neuralvps.DimensionMismatchError{Want: f.dim, Got: queries.Cols}
	}

	order := make([]int, queries.Rows)
	for i := range order {
		order[i] = i
	}

	return utils.ParallelMap(ctx, order, f.Workers, func(ctx context.Context, _ int, q int) (neuralvps.SearchResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		query := queries.Data[q*queries.Stride : q*queries.Stride+queries.Cols]

		distances := make([]float32, f.rows)
		for r := 0; r < f.rows; r++ {
			distances[r] = squaredL2(query, f.data[r*f.dim:(r+1)*f.dim])
		}

		indices, values := utils.SmallestK(distances, k)
		result := make(neuralvps.SearchResult, len(indices))
		for i := range indices {
			result[i] = neuralvps.Neighbor{Index: indices[i], Distance: values[i]}
		}
		return result, nil
	})
}

// Len returns the number of indexed rows
func (f *FlatL2) Len() int {
	return f.rows
}

// Dim returns the vector length
func (f *FlatL2) Dim() int {
	return f.dim
}

// Reset removes every row
func (f *FlatL2) Reset() {
	f.data = f.data[:0]
	f.rows = 0
}
