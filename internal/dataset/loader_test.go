package dataset

import (
	"context"
	"reflect"
	"testing"

	"github.com/pkg/errors"

	"mnist-forge/internal/model"
	"mnist-forge/internal/tensor"
)

// indexedDataset labels each item with its own index.
func indexedDataset(n int) *InMemory {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Image: make([]float64, 4), Height: 2, Width: 2, Label: i}
	}
	return NewInMemory(items)
}

func collectEpoch(t *testing.T, l *DataLoader) [][]int {
	t.Helper()
	batches, errs := l.Iter(context.Background())
	var out [][]int
	for b := range batches {
		out = append(out, append([]int(nil), b.Targets...))
	}
	if err := <-errs; err != nil {
		t.Fatalf("Iter: %v", err)
	}
	return out
}

func newLoader(t *testing.T, ds Dataset, opts LoaderOptions) *DataLoader {
	t.Helper()
	l, err := NewDataLoader(ds, NewBatcher(tensor.CPU(), 100), opts)
	if err != nil {
		t.Fatalf("NewDataLoader: %v", err)
	}
	return l
}

func TestLoaderSequentialBatches(t *testing.T) {
	l := newLoader(t, indexedDataset(10), LoaderOptions{BatchSize: 4, NumWorkers: 3})
	if l.NumBatches() != 3 || l.NumItems() != 10 {
		t.Fatalf("NumBatches=%d NumItems=%d", l.NumBatches(), l.NumItems())
	}
	got := collectEpoch(t, l)
	want := [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("batches = %v, want %v", got, want)
	}
}

func TestLoaderShuffleDeterministicAcrossWorkers(t *testing.T) {
	ds := indexedDataset(37)
	a := newLoader(t, ds, LoaderOptions{BatchSize: 5, NumWorkers: 1, Seed: 9, Shuffle: true})
	b := newLoader(t, ds, LoaderOptions{BatchSize: 5, NumWorkers: 6, Seed: 9, Shuffle: true})

	first := collectEpoch(t, a)
	if !reflect.DeepEqual(first, collectEpoch(t, b)) {
		t.Fatalf("same seed produced different orders")
	}
	second := collectEpoch(t, a)
	if reflect.DeepEqual(first, second) {
		t.Fatalf("consecutive epochs should reshuffle")
	}
	if !reflect.DeepEqual(second, collectEpoch(t, b)) {
		t.Fatalf("second epoch diverged between loaders")
	}

	seen := make(map[int]bool)
	for _, batch := range first {
		for _, idx := range batch {
			if seen[idx] {
				t.Fatalf("index %d yielded twice", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != 37 {
		t.Fatalf("epoch covered %d of 37 items", len(seen))
	}
}

func TestLoaderEmptyDataset(t *testing.T) {
	l := newLoader(t, NewInMemory(nil), LoaderOptions{BatchSize: 4})
	if got := collectEpoch(t, l); len(got) != 0 {
		t.Fatalf("expected no batches, got %v", got)
	}
}

type failingBatcher struct{ failOn int }

func (f failingBatcher) Batch(items []Item) (model.Batch, error) {
	for _, item := range items {
		if item.Label == f.failOn {
			return model.Batch{}, errors.New("boom")
		}
	}
	return model.Batch{Targets: make([]int, len(items))}, nil
}

func TestLoaderPropagatesBatchError(t *testing.T) {
	l, err := NewDataLoader(indexedDataset(20), failingBatcher{failOn: 13}, LoaderOptions{BatchSize: 4, NumWorkers: 2})
	if err != nil {
		t.Fatalf("NewDataLoader: %v", err)
	}
	batches, errs := l.Iter(context.Background())
	n := 0
	for range batches {
		n++
	}
	if err := <-errs; err == nil {
		t.Fatalf("expected batch error")
	}
	if n > 3 {
		t.Fatalf("received %d batches past the failing one", n)
	}
}

func TestLoaderCancellation(t *testing.T) {
	l := newLoader(t, indexedDataset(100), LoaderOptions{BatchSize: 2, NumWorkers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	batches, errs := l.Iter(ctx)
	<-batches
	cancel()
	for range batches {
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewDataLoaderRejectsBadBatchSize(t *testing.T) {
	if _, err := NewDataLoader(indexedDataset(1), NewBatcher(tensor.CPU(), 100), LoaderOptions{}); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}

func TestLoaderSkipEpochs(t *testing.T) {
	ds := indexedDataset(12)
	opts := LoaderOptions{BatchSize: 4, NumWorkers: 2, Seed: 3, Shuffle: true}
	a := newLoader(t, ds, opts)
	b := newLoader(t, ds, opts)
	collectEpoch(t, a)
	collectEpoch(t, a)
	b.SkipEpochs(2)
	if !reflect.DeepEqual(collectEpoch(t, a), collectEpoch(t, b)) {
		t.Fatalf("skipped loader diverged from the uninterrupted one")
	}
}
