package preprocess

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func uniform(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestEncodeBatchShapeAndNormalization(t *testing.T) {
	p, err := NewPreprocessor(4, 6, []float32{0.5, 0.5, 0.5}, []float32{0.5, 0.5, 0.5})
	if err != nil {
		t.Fatal(err)
	}

	images := []image.Image{
		uniform(12, 8, color.RGBA{R: 255, G: 0, B: 255, A: 255}),
		uniform(3, 3, color.RGBA{R: 0, G: 255, B: 0, A: 255}),
	}
	tensor, err := p.EncodeBatch(images)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expectedShape := []int64{2, 3, 4, 6}
	for i, d := range expectedShape {
		if tensor.Shape[i] != d {
			t.Fatalf("Expected shape %v, got %v", expectedShape, tensor.Shape)
		}
	}

	// (255/255 - 0.5) / 0.5 = 1, (0 - 0.5) / 0.5 = -1
	plane := 4 * 6
	first := tensor.Item(0).Data
	if first[0] != 1 || first[plane] != -1 || first[2*plane] != 1 {
		t.Errorf("Unexpected channel values %f %f %f", first[0], first[plane], first[2*plane])
	}
	second := tensor.Item(1).Data
	if second[0] != -1 || second[plane] != 1 {
		t.Errorf("Unexpected channel values %f %f", second[0], second[plane])
	}
}

func TestNewPreprocessorRejectsBadInput(t *testing.T) {
	if _, err := NewPreprocessor(0, 10, []float32{0, 0, 0}, []float32{1, 1, 1}); err == nil {
		t.Error("Expected error for zero height")
	}
	if _, err := NewPreprocessor(10, 10, []float32{0, 0}, []float32{1, 1, 1}); err == nil {
		t.Error("Expected error for 2-channel mean")
	}
	if _, err := NewPreprocessor(10, 10, []float32{0, 0, 0}, []float32{1, 0, 1}); err == nil {
		t.Error("Expected error for zero std")
	}
}

func TestLoadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spherical_1_f.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, uniform(2, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})); err != nil {
		t.Fatal(err)
	}
	f.Close()

	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if img.Bounds().Dx() != 2 {
		t.Errorf("Expected width 2, got %d", img.Bounds().Dx())
	}

	p, _ := NewPreprocessor(1, 1, []float32{0, 0, 0}, []float32{1, 1, 1})
	dst := make([]float32, p.Size())
	if err := p.Encode(img, dst); err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(dst[0])-10.0/255) > 1e-6 {
		t.Errorf("Expected red %f, got %f", 10.0/255, dst[0])
	}

	if _, err := LoadImage(filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Error("Expected error for missing file")
	}
}
