package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"gonum.org/v1/gonum/blas/blas32"
)

var (
	bucketClusters = []byte("clusters")

	keyCentroids   = []byte("centroids")
	keyDescriptors = []byte("descriptors")
)

// ClusterCache holds the cluster centers and the descriptor sample used to
// initialise NetVLAD
type ClusterCache struct {
	Centroids   blas32.General
	Descriptors blas32.General
}

// WriteClusterCache stores centroids in full precision and the descriptor
// sample in half precision
func WriteClusterCache(path string, cache ClusterCache) error {
	if cache.Centroids.Cols != cache.Descriptors.Cols {
		return fmt.Errorf("centroid dim %d != descriptor dim %d", cache.Centroids.Cols, cache.Descriptors.Cols)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	centroids, err := EncodeMatrix(cache.Centroids, Float32)
	if err != nil {
		return err
	}
	descriptors, err := EncodeMatrix(cache.Descriptors, Float16)
	if err != nil {
		return err
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketClusters)
		if err != nil {
			return err
		}
		if err := b.Put(keyCentroids, centroids); err != nil {
			return err
		}
		return b.Put(keyDescriptors, descriptors)
	})
}

// ReadClusterCache loads a cache written by WriteClusterCache. A missing
// file yields an error wrapping os.ErrNotExist.
func ReadClusterCache(path string) (*ClusterCache, error) {
	db, err := openExisting(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cache := &ClusterCache{}
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketClusters)
		}
		var err error
		if cache.Centroids, err = getMatrix(b, keyCentroids); err != nil {
			return err
		}
		cache.Descriptors, err = getMatrix(b, keyDescriptors)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cluster cache %s: %w", path, err)
	}
	return cache, nil
}

func openExisting(path string) (*bbolt.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
}

func getMatrix(b *bbolt.Bucket, key []byte) (blas32.General, error) {
	data := b.Get(key)
	if data == nil {
		return blas32.General{}, fmt.Errorf("entry %q not found", key)
	}
	// bbolt memory is only valid inside the transaction; DecodeMatrix copies
	return DecodeMatrix(data)
}

// Exists reports whether a file exists at path
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
