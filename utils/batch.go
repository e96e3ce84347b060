package utils

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Batchify splits a slice into batches of specified size
func Batchify[T any](items []T, batchSize int) [][]T {
	if batchSize <= 0 {
		panic("batch size must be positive")
	}

	batches := make([][]T, 0, (len(items)+batchSize-1)/batchSize)
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}
	return batches
}

// BatchProcess processes items in batches with a worker function.
// The worker receives the offset of the batch within items.
func BatchProcess[T any](
	items []T,
	batchSize int,
	worker func(offset int, batch []T) error,
) error {
	offset := 0
	for i, batch := range Batchify(items, batchSize) {
		if err := worker(offset, batch); err != nil {
			return fmt.Errorf("batch %d failed: %w", i, err)
		}
		offset += len(batch)
	}
	return nil
}

// ParallelMap applies fn to every item with at most workers goroutines.
// Results keep the order of items; the first error cancels the rest.
func ParallelMap[T any, R any](
	ctx context.Context,
	items []T,
	workers int,
	fn func(ctx context.Context, index int, item T) (R, error),
) ([]R, error) {
	if workers <= 0 {
		workers = 1
	}

	results := make([]R, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := fn(ctx, i, item)
			if err != nil {
				return fmt.Errorf("item %d failed: %w", i, err)
			}
			// each goroutine owns results[i]
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ProgressBar logs progress of a batched loop
type ProgressBar struct {
	total   int
	current int
	every   int
	desc    string
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewProgressBar reports every `every` steps, or every step when total <= 10
func NewProgressBar(logger zerolog.Logger, total, every int, desc string) *ProgressBar {
	if every <= 0 || total <= 10 {
		every = 1
	}
	return &ProgressBar{
		total:  total,
		every:  every,
		desc:   desc,
		logger: logger,
	}
}

// Increment advances the progress and reports whether this step was logged
func (pb *ProgressBar) Increment() bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current++
	if pb.current%pb.every == 0 || pb.current == pb.total {
		pb.logger.Info().
			Int("current", pb.current).
			Int("total", pb.total).
			Msgf("==> %s (%d/%d)", pb.desc, pb.current, pb.total)
		return true
	}
	return false
}
