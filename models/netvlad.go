package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/utils"
)

// State keys of NetVLAD parameters
const (
	StateCentroids = "centroids"
	StateWeight    = "conv.weight"
	StateBias      = "conv.bias"
)

var errNotInitialized = errors.New("netvlad parameters are not initialized")

// NetVLAD aggregates local features into K residual vectors, one per cluster
type NetVLAD struct {
	NumClusters int
	Channels    int
	VLADv2      bool
	// NormalizeInput L2-normalizes every local feature before assignment
	NormalizeInput bool

	alpha     float64
	centroids blas32.General // K x C
	weight    blas32.General // K x C, 1x1 soft-assignment conv
	bias      []float32      // K, nil without VLADv2
}

// NewNetVLAD creates an uninitialized layer; call InitParams or LoadState before use
func NewNetVLAD(numClusters, dim int, vladv2 bool) *NetVLAD {
	return &NetVLAD{
		NumClusters:    numClusters,
		Channels:       dim,
		VLADv2:         vladv2,
		NormalizeInput: true,
	}
}

// Alpha returns the soft-assignment sharpness chosen by InitParams
func (v *NetVLAD) Alpha() float64 {
	return v.alpha
}

// InitParams derives the assignment parameters from cluster centers and a
// sample of local descriptors
func (v *NetVLAD) InitParams(centroids, descriptors blas32.General) error {
	if centroids.Rows != v.NumClusters {
		return fmt.Errorf("expected %d centroids, got %d", v.NumClusters, centroids.Rows)
	}
	if centroids.Cols != v.Channels {
		return &neuralvps.DimensionMismatchError{Want: v.Channels, Got: centroids.Cols}
	}
	if descriptors.Cols != v.Channels {
		return &neuralvps.DimensionMismatchError{Want: v.Channels, Got: descriptors.Cols}
	}
	if descriptors.Rows < 2 || v.NumClusters < 2 {
		return fmt.Errorf("need at least 2 clusters and 2 descriptors, got %d and %d", v.NumClusters, descriptors.Rows)
	}

	k, c := v.NumClusters, v.Channels
	v.centroids = cloneGeneral(centroids)
	v.weight = blas32.General{Rows: k, Cols: c, Stride: c, Data: make([]float32, k*c)}

	// dots[k][n] = centroid_k . descriptor_n
	dots := blas32.General{Rows: k, Cols: descriptors.Rows, Stride: descriptors.Rows, Data: make([]float32, k*descriptors.Rows)}

	if !v.VLADv2 {
		unit := cloneGeneral(centroids)
		utils.NormalizeRows(unit)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, unit, descriptors, 0, dots)

		// gap between the best and second best cluster of every descriptor
		var gap float64
		for n := 0; n < dots.Cols; n++ {
			first, second := topTwo(dots, n)
			gap += float64(first - second)
		}
		alpha, err := sharpness(gap / float64(dots.Cols))
		if err != nil {
			return err
		}
		v.alpha = alpha

		copy(v.weight.Data, unit.Data)
		blas32.Scal(float32(alpha), blas32.Vector{N: len(v.weight.Data), Inc: 1, Data: v.weight.Data})
		v.bias = nil
		return nil
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1, v.centroids, descriptors, 0, dots)
	descNorms := make([]float32, descriptors.Rows)
	for n := range descNorms {
		row := descriptors.Data[n*descriptors.Stride : n*descriptors.Stride+c]
		descNorms[n] = squaredNorm(row)
	}

	// squared distance from every centroid to its two nearest descriptors
	var gap float64
	for i := 0; i < k; i++ {
		cNorm := squaredNorm(v.centroids.Data[i*c : (i+1)*c])
		row := dots.Data[i*dots.Stride : i*dots.Stride+dots.Cols]
		d1, d2 := float32(math.MaxFloat32), float32(math.MaxFloat32)
		for n, dot := range row {
			d := cNorm + descNorms[n] - 2*dot
			if d < 0 {
				d = 0
			}
			if d < d1 {
				d1, d2 = d, d1
			} else if d < d2 {
				d2 = d
			}
		}
		gap += float64(d2 - d1)
	}
	alpha, err := sharpness(gap / float64(k))
	if err != nil {
		return err
	}
	v.alpha = alpha

	copy(v.weight.Data, v.centroids.Data)
	blas32.Scal(float32(2*alpha), blas32.Vector{N: len(v.weight.Data), Inc: 1, Data: v.weight.Data})
	v.bias = make([]float32, k)
	for i := 0; i < k; i++ {
		norm := utils.Norm(v.centroids.Data[i*c : (i+1)*c])
		v.bias[i] = float32(-alpha) * norm
	}
	return nil
}

// sharpness picks alpha so the soft assignment of the mean gap is 0.01
func sharpness(meanGap float64) (float64, error) {
	if meanGap <= 0 || math.IsNaN(meanGap) {
		return 0, fmt.Errorf("degenerate cluster sample: mean gap %g", meanGap)
	}
	return -math.Log(0.01) / meanGap, nil
}

// topTwo returns the two largest values of column col
func topTwo(m blas32.General, col int) (float32, float32) {
	first, second := float32(-math.MaxFloat32), float32(-math.MaxFloat32)
	for r := 0; r < m.Rows; r++ {
		x := m.Data[r*m.Stride+col]
		if x > first {
			first, second = x, first
		} else if x > second {
			second = x
		}
	}
	return first, second
}

func squaredNorm(v []float32) float32 {
	x := blas32.Vector{N: len(v), Inc: 1, Data: v}
	return blas32.Dot(x, x)
}

func cloneGeneral(m blas32.General) blas32.General {
	out := blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: make([]float32, m.Rows*m.Cols)}
	for r := 0; r < m.Rows; r++ {
		copy(out.Data[r*m.Cols:(r+1)*m.Cols], m.Data[r*m.Stride:r*m.Stride+m.Cols])
	}
	return out
}

// State returns the layer parameters keyed for a checkpoint
func (v *NetVLAD) State() map[string]blas32.General {
	state := map[string]blas32.General{
		StateCentroids: cloneGeneral(v.centroids),
		StateWeight:    cloneGeneral(v.weight),
	}
	if v.bias != nil {
		state[StateBias] = blas32.General{Rows: 1, Cols: len(v.bias), Stride: len(v.bias), Data: append([]float32(nil), v.bias...)}
	}
	return state
}

// LoadState restores parameters saved by State
func (v *NetVLAD) LoadState(state map[string]blas32.General) error {
	centroids, ok := state[StateCentroids]
	if !ok {
		return fmt.Errorf("netvlad state: missing %s", StateCentroids)
	}
	weight, ok := state[StateWeight]
	if !ok {
		return fmt.Errorf("netvlad state: missing %s", StateWeight)
	}
	for _, m := range []blas32.General{centroids, weight} {
		if m.Rows != v.NumClusters {
			return fmt.Errorf("netvlad state: expected %d clusters, got %d", v.NumClusters, m.Rows)
		}
		if m.Cols != v.Channels {
			return &neuralvps.DimensionMismatchError{Want: v.Channels, Got: m.Cols}
		}
	}

	bias, hasBias := state[StateBias]
	if v.VLADv2 && !hasBias {
		return fmt.Errorf("netvlad state: missing %s", StateBias)
	}

	v.centroids = cloneGeneral(centroids)
	v.weight = cloneGeneral(weight)
	v.bias = nil
	if hasBias {
		if bias.Rows*bias.Cols != v.NumClusters {
			return fmt.Errorf("netvlad state: expected %d biases, got %d", v.NumClusters, bias.Rows*bias.Cols)
		}
		v.bias = append([]float32(nil), cloneGeneral(bias).Data...)
	}
	return nil
}

// Dim returns the descriptor length K*C
func (v *NetVLAD) Dim() int {
	return v.NumClusters * v.Channels
}

// Aggregate pools features [N,C,h,w] into N descriptors of length K*C
func (v *NetVLAD) Aggregate(features neuralvps.Tensor) (blas32.General, error) {
	if v.weight.Data == nil {
		return blas32.General{}, errNotInitialized
	}
	if len(features.Shape) != 4 {
		return blas32.General{}, fmt.Errorf("expected [N,C,h,w] features, got shape %v", features.Shape)
	}
	if int(features.Shape[1]) != v.Channels {
		return blas32.General{}, &neuralvps.DimensionMismatchError{Want: v.Channels, Got: int(features.Shape[1])}
	}

	x := neuralvps.Tensor{Data: append([]float32(nil), features.Data...), Shape: features.Shape}
	if v.NormalizeInput {
		normalizeChannels(x)
	}

	n := x.Batch()
	k, c := v.NumClusters, v.Channels
	spatial := int(x.Shape[2] * x.Shape[3])

	out := blas32.General{Rows: n, Cols: k * c, Stride: k * c, Data: make([]float32, n*k*c)}
	assign := blas32.General{Rows: k, Cols: spatial, Stride: spatial, Data: make([]float32, k*spatial)}
	column := make([]float32, k)

	for i := 0; i < n; i++ {
		local := blas32.General{Rows: c, Cols: spatial, Stride: spatial, Data: x.Item(i).Data}

		// soft assignment: softmax over clusters of W.x + b
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, v.weight, local, 0, assign)
		for s := 0; s < spatial; s++ {
			for j := 0; j < k; j++ {
				column[j] = assign.Data[j*spatial+s]
				if v.bias != nil {
					column[j] += v.bias[j]
				}
			}
			utils.Softmax(column)
			for j := 0; j < k; j++ {
				assign.Data[j*spatial+s] = column[j]
			}
		}

		// vlad[k] = sum_s a[k,s] * (x_s - c_k)
		vlad := blas32.General{Rows: k, Cols: c, Stride: c, Data: out.Data[i*k*c : (i+1)*k*c]}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, assign, local, 0, vlad)
		for j := 0; j < k; j++ {
			var mass float32
			for _, a := range assign.Data[j*spatial : (j+1)*spatial] {
				mass += a
			}
			blas32.Axpy(-mass,
				blas32.Vector{N: c, Inc: 1, Data: v.centroids.Data[j*c : (j+1)*c]},
				blas32.Vector{N: c, Inc: 1, Data: vlad.Data[j*c : (j+1)*c]})
		}

		utils.NormalizeRows(vlad)
		utils.Normalize(vlad.Data)
	}

	return out, nil
}
