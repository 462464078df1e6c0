package dataset

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"mnist-forge/internal/model"
)

// LoaderOptions configures a DataLoader.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	Seed       int64
	Shuffle    bool
}

// DataLoader yields batches of a dataset. Batches are assembled by a pool of
// workers and delivered in order, so a given seed always produces the same
// sequence regardless of worker count.
type DataLoader struct {
	dataset Dataset
	batcher Batcher
	opts    LoaderOptions

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDataLoader validates opts and seeds the shuffle generator. The generator
// persists across epochs, so each Iter call draws a fresh permutation.
func NewDataLoader(ds Dataset, batcher Batcher, opts LoaderOptions) (*DataLoader, error) {
	if ds == nil {
		return nil, errors.New("loader: dataset is nil")
	}
	if batcher == nil {
		return nil, errors.New("loader: batcher is nil")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &DataLoader{
		dataset: ds,
		batcher: batcher,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// NumItems returns the dataset length.
func (l *DataLoader) NumItems() int { return l.dataset.Len() }

// NumBatches returns the number of batches per epoch, counting a trailing
// partial batch.
func (l *DataLoader) NumBatches() int {
	return (l.dataset.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

func (l *DataLoader) nextOrder() []int {
	n := l.dataset.Len()
	if !l.opts.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Perm(n)
}

// SkipEpochs advances the shuffle generator past n epochs, so a resumed run
// sees the same orders as an uninterrupted one.
func (l *DataLoader) SkipEpochs(n int) {
	for i := 0; i < n; i++ {
		l.nextOrder()
	}
}

type batchJob struct {
	id      int
	indices []int
}

type batchResult struct {
	id    int
	batch model.Batch
	err   error
}

// Iter starts one epoch. The batch channel closes when the epoch ends or
// fails; the error channel then yields at most one error and closes.
func (l *DataLoader) Iter(parent context.Context) (<-chan model.Batch, <-chan error) {
	order := l.nextOrder()
	total := (len(order) + l.opts.BatchSize - 1) / l.opts.BatchSize

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan batchJob, l.opts.NumWorkers)
	results := make(chan batchResult, l.opts.NumWorkers)
	out := make(chan model.Batch, l.opts.NumWorkers)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, order, l.opts.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batchWorker(ctx, l.dataset, l.batcher, jobs, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		defer close(out)
		if err := runAggregator(ctx, results, out, total); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func produceJobs(ctx context.Context, jobs chan<- batchJob, order []int, batchSize int) {
	defer close(jobs)
	for id, start := 0, 0; start < len(order); id, start = id+1, start+batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- batchJob{id: id, indices: order[start:end]}:
		}
	}
}

func batchWorker(ctx context.Context, ds Dataset, batcher Batcher, jobs <-chan batchJob, results chan<- batchResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := batchResult{id: job.id}
			items := make([]Item, 0, len(job.indices))
			for _, idx := range job.indices {
				item, ok := ds.Get(idx)
				if !ok {
					res.err = errors.Errorf("loader: index %d out of range", idx)
					break
				}
				items = append(items, item)
			}
			if res.err == nil {
				res.batch, res.err = batcher.Batch(items)
				res.err = errors.Wrapf(res.err, "batch %d", job.id)
			}
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

func runAggregator(ctx context.Context, results <-chan batchResult, out chan<- model.Batch, total int) error {
	pending := make(map[int]model.Batch)
	next := 0
	for next < total {
		if batch, ok := pending[next]; ok {
			delete(pending, next)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- batch:
			}
			next++
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.Errorf("loader: workers exited after %d of %d batches", next, total)
			}
			if res.err != nil {
				return res.err
			}
			pending[res.id] = res.batch
		}
	}
	return nil
}
