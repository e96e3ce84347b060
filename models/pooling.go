package models

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/blas/blas32"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/config"
	"github.com/Mineru98/neural-vps-go/storage"
	"github.com/Mineru98/neural-vps-go/utils"
)

// PoolMode selects the spatial reduction of GlobalPool
type PoolMode int

const (
	PoolMax PoolMode = iota
	PoolAvg
)

// GlobalPool reduces each channel of a feature map to one value and
// L2-normalizes the result
type GlobalPool struct {
	Mode     PoolMode
	Channels int
}

// Dim returns the number of channels
func (p *GlobalPool) Dim() int {
	return p.Channels
}

// Aggregate pools features [N,C,h,w] into N descriptors of length C
func (p *GlobalPool) Aggregate(features neuralvps.Tensor) (blas32.General, error) {
	if len(features.Shape) != 4 {
		return blas32.General{}, fmt.Errorf("expected [N,C,h,w] features, got shape %v", features.Shape)
	}
	if int(features.Shape[1]) != p.Channels {
		return blas32.General{}, &neuralvps.DimensionMismatchError{Want: p.Channels, Got: int(features.Shape[1])}
	}

	n, c := features.Batch(), p.Channels
	spatial := int(features.Shape[2] * features.Shape[3])
	if spatial == 0 {
		return blas32.General{}, fmt.Errorf("empty feature map %v", features.Shape)
	}

	out := blas32.General{Rows: n, Cols: c, Stride: c, Data: make([]float32, n*c)}
	for i := 0; i < n; i++ {
		item := features.Item(i).Data
		for ch := 0; ch < c; ch++ {
			plane := item[ch*spatial : (ch+1)*spatial]
			switch p.Mode {
			case PoolMax:
				best := plane[0]
				for _, x := range plane[1:] {
					if x > best {
						best = x
					}
				}
				out.Data[i*c+ch] = best
			case PoolAvg:
				var sum float32
				for _, x := range plane {
					sum += x
				}
				out.Data[i*c+ch] = sum / float32(spatial)
			}
		}
	}
	utils.NormalizeRows(out)
	return out, nil
}

// NewAggregator builds the pooling layer selected by cfg.Pooling. NetVLAD
// parameters come from state when a checkpoint was restored, otherwise from
// the cluster cache of the configured arch and dataset.
func NewAggregator(cfg *config.Config, state map[string]blas32.General, logger zerolog.Logger) (neuralvps.Aggregator, error) {
	backbone, err := LookupBackbone(cfg.Arch)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Pooling) {
	case config.PoolingMax:
		return &GlobalPool{Mode: PoolMax, Channels: backbone.Channels}, nil
	case config.PoolingAvg:
		return &GlobalPool{Mode: PoolAvg, Channels: backbone.Channels}, nil
	case config.PoolingNetVLAD:
	default:
		return nil, &neuralvps.ConfigurationError{Option: "pooling", Value: cfg.Pooling}
	}

	vlad := NewNetVLAD(cfg.NumClusters, backbone.Channels, cfg.VLADv2)
	if len(state) > 0 {
		if err := vlad.LoadState(state); err != nil {
			return nil, err
		}
		logger.Info().Int("clusters", cfg.NumClusters).Msg("netvlad restored from checkpoint")
		return vlad, nil
	}

	path := cfg.ClusterCachePath()
	cache, err := storage.ReadClusterCache(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &neuralvps.MissingResourceError{
			Resource: neuralvps.ResourceClusterCache,
			Path:     path,
			Hint:     "run clustering step first",
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster cache: %w", err)
	}
	if err := vlad.InitParams(cache.Centroids, cache.Descriptors); err != nil {
		return nil, fmt.Errorf("failed to initialize netvlad: %w", err)
	}
	logger.Info().
		Str("path", path).
		Int("clusters", cfg.NumClusters).
		Float64("alpha", vlad.Alpha()).
		Msg("netvlad initialized from cluster cache")
	return vlad, nil
}
