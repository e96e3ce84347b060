// Package dataset enumerates the database and query images of an evaluation set
package dataset

import (
	"fmt"
	"image"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/config"
	"github.com/Mineru98/neural-vps-go/pose"
	"github.com/Mineru98/neural-vps-go/preprocess"
)

// Layout names the database and query directories of a dataset under the root
type Layout struct {
	Database string
	Queries  string
}

var layouts = map[string]Layout{
	"pittsburgh": {
		Database: filepath.Join("Pittsburgh", "database"),
		Queries:  filepath.Join("Pittsburgh", "queries_real"),
	},
	"deepguider": {
		Database: filepath.Join("netvlad_etri_datasets", "dbImg"),
		Queries:  filepath.Join("netvlad_etri_datasets", "qImg"),
	},
}

// LookupLayout returns the directory layout of a named dataset
func LookupLayout(name string) (Layout, error) {
	l, ok := layouts[strings.ToLower(name)]
	if !ok {
		return Layout{}, &neuralvps.ConfigurationError{Option: "dataset", Value: name}
	}
	return l, nil
}

// Dataset is a DatasetStruct whose rows can be opened as images. Queries
// injected in memory are appended after the on-disk queries.
type Dataset struct {
	neuralvps.DatasetStruct
	injected map[int]image.Image
}

// Option customizes Load
type Option func(*options)

type options struct {
	queries []injectedQuery
	noDisk  bool
}

type injectedQuery struct {
	name string
	img  image.Image
}

// WithQueryImage appends an in-memory query named name
func WithQueryImage(name string, img image.Image) Option {
	return func(o *options) {
		o.queries = append(o.queries, injectedQuery{name: name, img: img})
	}
}

// WithoutDiskQueries skips the on-disk query directory
func WithoutDiskQueries() Option {
	return func(o *options) {
		o.noDisk = true
	}
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Load enumerates the configured dataset under cfg.DatasetRoot
func Load(cfg *config.Config, opts ...Option) (*Dataset, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	layout, err := LookupLayout(cfg.Dataset)
	if err != nil {
		return nil, err
	}

	db, err := listImages(filepath.Join(cfg.DatasetRoot, layout.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to list database images: %w", err)
	}

	var queries []string
	if !o.noDisk {
		queries, err = listImages(filepath.Join(cfg.DatasetRoot, layout.Queries))
		if err != nil {
			return nil, fmt.Errorf("failed to list query images: %w", err)
		}
	}

	return New(strings.ToLower(cfg.Dataset), db, queries, opts...), nil
}

// New builds a dataset from explicit image lists. On-disk queries whose
// base name equals an injected query are dropped.
func New(name string, db, queries []string, opts ...Option) *Dataset {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	// an on-disk query sharing an injected name is a leftover of an earlier run
	shadowed := make(map[string]bool, len(o.queries))
	for _, q := range o.queries {
		shadowed[filepath.Base(q.name)] = true
	}

	d := &Dataset{
		DatasetStruct: neuralvps.DatasetStruct{
			Name:     name,
			DBImages: db,
			QImages:  make([]string, 0, len(queries)+len(o.queries)),
		},
		injected: make(map[int]image.Image),
	}
	for _, q := range queries {
		if !shadowed[filepath.Base(q)] {
			d.QImages = append(d.QImages, q)
		}
	}
	for _, q := range o.queries {
		d.injected[len(db)+len(d.QImages)] = q.img
		d.QImages = append(d.QImages, q.name)
	}
	d.NumDB = len(d.DBImages)
	d.NumQ = len(d.QImages)
	return d
}

func listImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// InjectedRows returns the descriptor rows of the in-memory queries, ascending
func (d *Dataset) InjectedRows() []int {
	rows := make([]int, 0, len(d.injected))
	for row := range d.injected {
		rows = append(rows, row)
	}
	sort.Ints(rows)
	return rows
}

// Open decodes the image of row i; rows follow Images()
func (d *Dataset) Open(i int) (image.Image, error) {
	if img, ok := d.injected[i]; ok {
		return img, nil
	}
	if i < 0 || i >= d.Len() {
		return nil, fmt.Errorf("row %d out of range for %d images", i, d.Len())
	}
	if i < d.NumDB {
		return preprocess.LoadImage(d.DBImages[i])
	}
	return preprocess.LoadImage(d.QImages[i-d.NumDB])
}

// Positives lists, for every query, the database rows within threshold
// metres. Images without a pose record have no positives.
func (d *Dataset) Positives(poses pose.Lookup, threshold float64) [][]int {
	dbPoses := resolve(poses, d.DBImages)
	qPoses := resolve(poses, d.QImages)

	positives := make([][]int, d.NumQ)
	for q, qp := range qPoses {
		if qp == nil {
			continue
		}
		for r, dp := range dbPoses {
			if dp != nil && pose.Haversine(*qp, *dp) <= threshold {
				positives[q] = append(positives[q], r)
			}
		}
	}
	return positives
}

func resolve(poses pose.Lookup, paths []string) []*neuralvps.Pose {
	out := make([]*neuralvps.Pose, len(paths))
	for i, id := range pose.FilenamesToIDs(paths) {
		if id == "" {
			continue
		}
		if p, ok := poses.Lookup(id); ok {
			out[i] = &p
		}
	}
	return out
}
