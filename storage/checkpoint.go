package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"gonum.org/v1/gonum/blas/blas32"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

var (
	bucketMeta = []byte("meta")
	bucketPool = []byte("pool")

	keyEpoch     = []byte("epoch")
	keyBestScore = []byte("best_score")
	keyEncoder   = []byte("encoder")
)

// Checkpoint is the model state saved by a training run
type Checkpoint struct {
	Epoch     int
	BestScore float64
	// Encoder is the serialized ONNX graph of the backbone
	Encoder []byte
	// Pool holds named aggregator parameters
	Pool map[string]blas32.General
}

// CheckpointPath resolves the checkpoint file of a run directory.
// ckpt is "latest" or "best".
func CheckpointPath(resume, ckpt string) (string, error) {
	switch strings.ToLower(ckpt) {
	case "latest":
		return filepath.Join(resume, "checkpoints", "checkpoint.db"), nil
	case "best":
		return filepath.Join(resume, "checkpoints", "model_best.db"), nil
	default:
		return "", &neuralvps.ConfigurationError{Option: "ckpt", Value: ckpt}
	}
}

// SaveCheckpoint writes cp to path, replacing any previous content
func SaveCheckpoint(path string, cp *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketPool} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}

		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		epoch := make([]byte, 8)
		binary.LittleEndian.PutUint64(epoch, uint64(cp.Epoch))
		if err := meta.Put(keyEpoch, epoch); err != nil {
			return err
		}
		score := make([]byte, 8)
		binary.LittleEndian.PutUint64(score, math.Float64bits(cp.BestScore))
		if err := meta.Put(keyBestScore, score); err != nil {
			return err
		}
		if len(cp.Encoder) > 0 {
			if err := meta.Put(keyEncoder, cp.Encoder); err != nil {
				return err
			}
		}

		pool, err := tx.CreateBucket(bucketPool)
		if err != nil {
			return err
		}
		for name, m := range cp.Pool {
			data, err := EncodeMatrix(m, Float32)
			if err != nil {
				return fmt.Errorf("pool parameter %s: %w", name, err)
			}
			if err := pool.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadCheckpoint reads the whole checkpoint at path. A missing file yields an
// error wrapping os.ErrNotExist.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	db, err := openExisting(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cp := &Checkpoint{Pool: make(map[string]blas32.General)}
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		epoch := meta.Get(keyEpoch)
		score := meta.Get(keyBestScore)
		if len(epoch) != 8 || len(score) != 8 {
			return fmt.Errorf("corrupt checkpoint metadata")
		}
		cp.Epoch = int(binary.LittleEndian.Uint64(epoch))
		cp.BestScore = math.Float64frombits(binary.LittleEndian.Uint64(score))
		if enc := meta.Get(keyEncoder); enc != nil {
			cp.Encoder = append([]byte(nil), enc...)
		}

		pool := tx.Bucket(bucketPool)
		if pool == nil {
			return nil
		}
		return pool.ForEach(func(k, v []byte) error {
			m, err := DecodeMatrix(v)
			if err != nil {
				return fmt.Errorf("pool parameter %s: %w", k, err)
			}
			cp.Pool[string(k)] = m
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return cp, nil
}
