package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas/blas32"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/config"
	"github.com/Mineru98/neural-vps-go/storage"
)

// Backbone describes a truncated convolutional feature extractor
type Backbone struct {
	Name string
	// Channels is the depth of the output feature map
	Channels int
	// Layers is the number of retained layers after truncation
	Layers int
	// Trainable is the number of trailing layers left trainable when pretrained
	Trainable int
}

var backbones = map[string]Backbone{
	"alexnet": {Name: "alexnet", Channels: 256, Layers: 11, Trainable: 1},
	"vgg16":   {Name: "vgg16", Channels: 512, Layers: 29, Trainable: 5},
}

// LookupBackbone returns the backbone registered under arch
func LookupBackbone(arch string) (Backbone, error) {
	b, ok := backbones[strings.ToLower(arch)]
	if !ok {
		return Backbone{}, &neuralvps.ConfigurationError{Option: "arch", Value: arch}
	}
	return b, nil
}

// FrozenLayers returns how many leading layers keep their weights fixed.
// A backbone trained from scratch freezes nothing.
func (b Backbone) FrozenLayers(pretrained bool) int {
	if !pretrained {
		return 0
	}
	return b.Layers - b.Trainable
}

// EncoderConfig holds configuration for an ONNX backbone
type EncoderConfig struct {
	Backbone Backbone
	// ModelPath is used when Graph is empty
	ModelPath string
	// Graph is a serialized ONNX graph, usually restored from a checkpoint
	Graph []byte
	// NGPU sessions are created on devices 0..NGPU-1 when CUDA is enabled
	NGPU int
	ONNX ONNXOptions
}

// ONNXEncoder runs a backbone exported to ONNX. With several GPUs a batch
// is split into contiguous chunks that are encoded concurrently.
type ONNXEncoder struct {
	sessions   []*ONNXModel
	backbone   Backbone
	inputName  string
	outputName string
}

// NewONNXEncoder creates one inference session per device
func NewONNXEncoder(cfg EncoderConfig) (*ONNXEncoder, error) {
	devices := 1
	if cfg.ONNX.UseCUDA && cfg.NGPU > 1 {
		devices = cfg.NGPU
	}

	enc := &ONNXEncoder{backbone: cfg.Backbone}
	for device := 0; device < devices; device++ {
		opts := cfg.ONNX
		opts.DeviceID = device

		var (
			model *ONNXModel
			err   error
		)
		if len(cfg.Graph) > 0 {
			model, err = NewONNXModelFromBytes(cfg.Graph, opts)
		} else {
			model, err = NewONNXModel(cfg.ModelPath, opts)
		}
		if err != nil {
			_ = enc.Close()
			return nil, err
		}
		enc.sessions = append(enc.sessions, model)
	}

	first := enc.sessions[0]
	if len(first.InputNames()) != 1 || len(first.OutputNames()) == 0 {
		_ = enc.Close()
		return nil, fmt.Errorf("encoder graph needs one input and at least one output, got %d and %d",
			len(first.InputNames()), len(first.OutputNames()))
	}
	enc.inputName = first.InputNames()[0]
	enc.outputName = first.OutputNames()[0]

	return enc, nil
}

// Encode runs the backbone on images [N,3,H,W] and returns [N,C,h,w]
func (e *ONNXEncoder) Encode(ctx context.Context, images neuralvps.Tensor) (neuralvps.Tensor, error) {
	if len(images.Shape) != 4 {
		return neuralvps.Tensor{}, fmt.Errorf("expected [N,3,H,W] input, got shape %v", images.Shape)
	}

	chunks := splitBatch(images.Batch(), len(e.sessions))
	parts := make([]neuralvps.Tensor, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := e.sessions[i].Run(map[string]neuralvps.Tensor{
				e.inputName: sliceBatch(images, chunk[0], chunk[1]),
			})
			if err != nil {
				return fmt.Errorf("device %d: %w", i, err)
			}
			features := out[e.outputName]
			if err := e.checkFeatures(features); err != nil {
				return err
			}
			parts[i] = features
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return neuralvps.Tensor{}, err
	}

	return concatBatch(parts), nil
}

func (e *ONNXEncoder) checkFeatures(features neuralvps.Tensor) error {
	if len(features.Shape) != 4 {
		return fmt.Errorf("expected [N,C,h,w] output, got shape %v", features.Shape)
	}
	if int(features.Shape[1]) != e.backbone.Channels {
		return &neuralvps.DimensionMismatchError{Want: e.backbone.Channels, Got: int(features.Shape[1])}
	}
	return nil
}

// Dim returns the number of output channels
func (e *ONNXEncoder) Dim() int {
	return e.backbone.Channels
}

// Close releases every session
func (e *ONNXEncoder) Close() error {
	var firstErr error
	for _, s := range e.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.sessions = nil
	return firstErr
}

// splitBatch divides n items into at most parts contiguous [start, end) ranges
func splitBatch(n, parts int) [][2]int {
	if parts > n {
		parts = n
	}
	if parts <= 1 {
		return [][2]int{{0, n}}
	}
	ranges := make([][2]int, 0, parts)
	size, rem := n/parts, n%parts
	start := 0
	for i := 0; i < parts; i++ {
		end := start + size
		if i < rem {
			end++
		}
		ranges = append(ranges, [2]int{start, end})
		start = end
	}
	return ranges
}

func sliceBatch(t neuralvps.Tensor, start, end int) neuralvps.Tensor {
	stride := neuralvps.ShapeSize(t.Shape[1:])
	shape := append([]int64{int64(end - start)}, t.Shape[1:]...)
	return neuralvps.Tensor{Data: t.Data[start*stride : end*stride], Shape: shape}
}

func concatBatch(parts []neuralvps.Tensor) neuralvps.Tensor {
	if len(parts) == 1 {
		return parts[0]
	}
	var n int64
	size := 0
	for _, p := range parts {
		n += p.Shape[0]
		size += len(p.Data)
	}
	out := neuralvps.Tensor{
		Data:  make([]float32, 0, size),
		Shape: append([]int64{n}, parts[0].Shape[1:]...),
	}
	for _, p := range parts {
		out.Data = append(out.Data, p.Data...)
	}
	return out
}

// L2NormEncoder normalizes the feature map of the wrapped encoder across
// channels at every spatial position
type L2NormEncoder struct {
	neuralvps.Encoder
}

// Encode implements neuralvps.Encoder
func (e L2NormEncoder) Encode(ctx context.Context, images neuralvps.Tensor) (neuralvps.Tensor, error) {
	features, err := e.Encoder.Encode(ctx, images)
	if err != nil {
		return neuralvps.Tensor{}, err
	}
	if len(features.Shape) != 4 {
		return neuralvps.Tensor{}, fmt.Errorf("expected [N,C,h,w] features, got shape %v", features.Shape)
	}
	normalizeChannels(features)
	return features, nil
}

// normalizeChannels L2-normalizes each [N,C,h,w] feature column in place
func normalizeChannels(t neuralvps.Tensor) {
	n, c := int(t.Shape[0]), int(t.Shape[1])
	spatial := int(t.Shape[2] * t.Shape[3])
	item := c * spatial
	for i := 0; i < n; i++ {
		for s := 0; s < spatial; s++ {
			v := blas32.Vector{N: c, Inc: spatial, Data: t.Data[i*item+s : (i+1)*item]}
			norm := blas32.Nrm2(v)
			if norm == 0 {
				continue
			}
			if norm < 1e-12 {
				norm = 1e-12
			}
			blas32.Scal(1/norm, v)
		}
	}
}

// NewEncoder builds the backbone encoder for cfg. When cp carries a graph it
// takes precedence over cfg.EncoderModel.
func NewEncoder(cfg *config.Config, cp *storage.Checkpoint, logger zerolog.Logger) (neuralvps.Encoder, error) {
	backbone, err := LookupBackbone(cfg.Arch)
	if err != nil {
		return nil, err
	}

	ecfg := EncoderConfig{
		Backbone:  backbone,
		ModelPath: cfg.EncoderModel,
		NGPU:      cfg.NGPU,
		ONNX: ONNXOptions{
			LibraryPath: cfg.ONNXLibrary,
			UseCUDA:     cfg.UseCUDA(),
			Threads:     cfg.Threads,
		},
	}
	source := cfg.EncoderModel
	if cp != nil && len(cp.Encoder) > 0 {
		ecfg.Graph = cp.Encoder
		source = "checkpoint"
	}

	enc, err := NewONNXEncoder(ecfg)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("arch", backbone.Name).
		Str("source", source).
		Int("channels", backbone.Channels).
		Int("frozen_layers", backbone.FrozenLayers(!cfg.FromScratch)).
		Int("sessions", len(enc.sessions)).
		Msg("encoder ready")

	if cfg.Mode == config.ModeCluster && !cfg.VLADv2 {
		return L2NormEncoder{Encoder: enc}, nil
	}
	return enc, nil
}
