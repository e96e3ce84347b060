// Package preprocess converts decoded images into model input tensors
package preprocess

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

// Preprocessor resizes to a fixed size and applies per-channel normalization
type Preprocessor struct {
	Height int
	Width  int
	Mean   [3]float32
	Std    [3]float32
}

// NewPreprocessor creates a preprocessor; mean and std must have 3 entries
func NewPreprocessor(height, width int, mean, std []float32) (*Preprocessor, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid input size %dx%d", height, width)
	}
	if len(mean) != 3 || len(std) != 3 {
		return nil, fmt.Errorf("mean and std need 3 channels, got %d and %d", len(mean), len(std))
	}
	p := &Preprocessor{Height: height, Width: width}
	for c := 0; c < 3; c++ {
		if std[c] == 0 {
			return nil, fmt.Errorf("std of channel %d is zero", c)
		}
		p.Mean[c] = mean[c]
		p.Std[c] = std[c]
	}
	return p, nil
}

// Size returns the number of floats of one encoded image
func (p *Preprocessor) Size() int {
	return 3 * p.Height * p.Width
}

// Encode writes img into dst in CHW order; dst must hold Size() floats
func (p *Preprocessor) Encode(img image.Image, dst []float32) error {
	if len(dst) != p.Size() {
		return fmt.Errorf("destination holds %d floats, need %d", len(dst), p.Size())
	}

	rgba := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	draw.BiLinear.Scale(rgba, rgba.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := p.Height * p.Width
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			off := rgba.PixOffset(x, y)
			px := rgba.Pix[off : off+3]
			i := y*p.Width + x
			for c := 0; c < 3; c++ {
				dst[c*plane+i] = (float32(px[c])/255 - p.Mean[c]) / p.Std[c]
			}
		}
	}
	return nil
}

// EncodeBatch stacks images into a [N,3,H,W] tensor
func (p *Preprocessor) EncodeBatch(images []image.Image) (neuralvps.Tensor, error) {
	t := neuralvps.NewTensor(int64(len(images)), 3, int64(p.Height), int64(p.Width))
	size := p.Size()
	for i, img := range images {
		if img == nil {
			return neuralvps.Tensor{}, fmt.Errorf("image %d is nil", i)
		}
		if err := p.Encode(img, t.Data[i*size:(i+1)*size]); err != nil {
			return neuralvps.Tensor{}, fmt.Errorf("image %d: %w", i, err)
		}
	}
	return t, nil
}

// LoadImage decodes a JPEG or PNG file
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}
