// Package storage persists the model side inputs of a run: the NetVLAD
// cluster cache and training checkpoints. Both are bbolt files holding
// matrices in a small binary codec.
package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/blas32"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

// Precision of an encoded matrix payload
type Precision uint8

const (
	Float32 Precision = 1
	Float16 Precision = 2
)

const headerSize = 9

// EncodeMatrix stores rows(uint32) cols(uint32) precision(uint8) followed by
// the little-endian row-major payload
func EncodeMatrix(m blas32.General, p Precision) ([]byte, error) {
	width := 4
	switch p {
	case Float32:
	case Float16:
		width = 2
	default:
		return nil, fmt.Errorf("%w: precision %d", neuralvps.ErrInvalidMatrix, p)
	}

	out := make([]byte, headerSize+m.Rows*m.Cols*width)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.Rows))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.Cols))
	out[8] = byte(p)

	off := headerSize
	for r := 0; r < m.Rows; r++ {
		row := m.Data[r*m.Stride : r*m.Stride+m.Cols]
		for _, v := range row {
			if p == Float16 {
				binary.LittleEndian.PutUint16(out[off:], float16.Fromfloat32(v).Bits())
			} else {
				binary.LittleEndian.PutUint32(out[off:], math.Float32bits(v))
			}
			off += width
		}
	}
	return out, nil
}

// DecodeMatrix restores a matrix written by EncodeMatrix
func DecodeMatrix(data []byte) (blas32.General, error) {
	if len(data) < headerSize {
		return blas32.General{}, fmt.Errorf("%w: truncated header", neuralvps.ErrInvalidMatrix)
	}
	rows := int(binary.LittleEndian.Uint32(data[0:4]))
	cols := int(binary.LittleEndian.Uint32(data[4:8]))
	p := Precision(data[8])

	width := 4
	switch p {
	case Float32:
	case Float16:
		width = 2
	default:
		return blas32.General{}, fmt.Errorf("%w: precision %d", neuralvps.ErrInvalidMatrix, p)
	}
	if len(data) != headerSize+rows*cols*width {
		return blas32.General{}, fmt.Errorf("%w: expected %d bytes for %dx%d, got %d",
			neuralvps.ErrInvalidMatrix, headerSize+rows*cols*width, rows, cols, len(data))
	}

	values := make([]float32, rows*cols)
	off := headerSize
	for i := range values {
		if p == Float16 {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32()
		} else {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		}
		off += width
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: values}, nil
}
