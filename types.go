package neuralvps

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a dense float32 tensor in row-major order
type Tensor struct {
	Data  []float32
	Shape []int64
}

// NewTensor allocates a zeroed tensor of the given shape
func NewTensor(shape ...int64) Tensor {
	return Tensor{Data: make([]float32, ShapeSize(shape)), Shape: append([]int64(nil), shape...)}
}

// ShapeSize returns the number of elements described by shape
func ShapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

// Batch returns the leading dimension of the tensor
func (t Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return int(t.Shape[0])
}

// Item returns the i-th element along the leading dimension
func (t Tensor) Item(i int) Tensor {
	stride := ShapeSize(t.Shape[1:])
	return Tensor{Data: t.Data[i*stride : (i+1)*stride], Shape: t.Shape[1:]}
}

// Encoder turns a batch of images [N,3,H,W] into spatial feature maps [N,C,h,w]
type Encoder interface {
	// Encode runs the backbone over a batch of preprocessed images
	Encode(ctx context.Context, images Tensor) (Tensor, error)

	// Dim returns the number of output channels
	Dim() int

	// Close releases encoder resources
	Close() error
}

// Aggregator pools a batch of spatial feature maps into fixed-length descriptors
type Aggregator interface {
	// Aggregate returns one descriptor row per item of the batch
	Aggregate(features Tensor) (blas32.General, error)

	// Dim returns the descriptor length
	Dim() int
}

// DatasetStruct lists the database and query images of one evaluation set.
// Descriptor rows 0..NumDB-1 belong to DBImages, rows NumDB.. to QImages.
type DatasetStruct struct {
	Name     string
	DBImages []string
	QImages  []string
	NumDB    int
	NumQ     int
}

// Images returns database images followed by query images
func (d *DatasetStruct) Images() []string {
	all := make([]string, 0, d.NumDB+d.NumQ)
	all = append(all, d.DBImages...)
	return append(all, d.QImages...)
}

// Len returns the total number of images
func (d *DatasetStruct) Len() int {
	return d.NumDB + d.NumQ
}

// DescriptorMatrix holds one descriptor per image of a dataset
type DescriptorMatrix struct {
	blas32.General
	NumDB int
}

// NewDescriptorMatrix allocates a rows x dim matrix whose first numDB rows are database rows
func NewDescriptorMatrix(rows, dim, numDB int) *DescriptorMatrix {
	return &DescriptorMatrix{
		General: blas32.General{Rows: rows, Cols: dim, Stride: dim, Data: make([]float32, rows*dim)},
		NumDB:   numDB,
	}
}

// SetRows copies block into rows [start, start+block.Rows)
func (m *DescriptorMatrix) SetRows(start int, block blas32.General) error {
	if block.Cols != m.Cols {
		return &DimensionMismatchError{Want: m.Cols, Got: block.Cols}
	}
	if start < 0 || start+block.Rows > m.Rows {
		return fmt.Errorf("rows [%d,%d) out of range for %d rows", start, start+block.Rows, m.Rows)
	}
	for r := 0; r < block.Rows; r++ {
		copy(m.Row(start+r), block.Data[r*block.Stride:r*block.Stride+block.Cols])
	}
	return nil
}

// Row returns the backing slice of row i
func (m *DescriptorMatrix) Row(i int) []float32 {
	return m.Data[i*m.Stride : i*m.Stride+m.Cols]
}

// DB returns the database rows as a read-only view
func (m *DescriptorMatrix) DB() blas32.General {
	return rowRange(m.General, 0, m.NumDB)
}

// Queries returns the query rows as a read-only view
func (m *DescriptorMatrix) Queries() blas32.General {
	return rowRange(m.General, m.NumDB, m.Rows)
}

func rowRange(g blas32.General, from, to int) blas32.General {
	if to <= from {
		return blas32.General{Cols: g.Cols, Stride: g.Stride}
	}
	return blas32.General{
		Rows:   to - from,
		Cols:   g.Cols,
		Stride: g.Stride,
		Data:   g.Data[from*g.Stride : (to-1)*g.Stride+g.Cols],
	}
}

// Neighbor is one database row returned by a search
type Neighbor struct {
	Index    int
	Distance float32
}

// SearchResult holds the neighbors of one query, ascending by distance
type SearchResult []Neighbor

// Index is an exact nearest-neighbor index over descriptor rows
type Index interface {
	// Add appends rows to the index
	Add(vectors blas32.General) error

	// Search returns the k nearest rows for every query row
	Search(ctx context.Context, queries blas32.General, k int) ([]SearchResult, error)

	// Len returns the number of indexed rows
	Len() int
}

// Pose is the geolocation of a database capture
type Pose struct {
	Lat     float64
	Lon     float64
	Heading float64
}

// NoPose is returned when an identity has no pose record
var NoPose = Pose{Lat: -1, Lon: -1, Heading: -1}

// ReadingSource tags where a position reading came from
type ReadingSource string

const (
	// SourceGPS marks a reading supplied by the caller's GPS
	SourceGPS ReadingSource = "gps"
	// SourceVPS marks a reading estimated by visual place recognition
	SourceVPS ReadingSource = "vps"
)

// Reading is a tagged latitude/longitude pair
type Reading struct {
	Source ReadingSource
	Lat    float64
	Lon    float64
}

// MatchResult is the top-K identities and distances returned for an ad-hoc query
type MatchResult struct {
	IDs         []string
	Confidences []float32
}
