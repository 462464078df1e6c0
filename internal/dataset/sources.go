package dataset

import (
	"context"
	"io/fs"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/unixpickle/mnist"
	"k8s.io/klog/v2"

	"mnist-forge/internal/config"
)

// Open resolves the train and test datasets named by cfg.
func Open(ctx context.Context, cfg config.DatasetConfig, seed int64) (Dataset, Dataset, error) {
	switch cfg.Source {
	case config.SourceMNIST:
		return LoadEmbedded(SplitTrain), LoadEmbedded(SplitTest), nil
	case config.SourceIDX:
		trainSet, err := LoadIDX(cfg.Dir, SplitTrain)
		if err != nil {
			return nil, nil, err
		}
		testSet, err := LoadIDX(cfg.Dir, SplitTest)
		if err != nil {
			return nil, nil, err
		}
		return trainSet, testSet, nil
	case config.SourceWebDataset:
		trainSet, err := openShards(ctx, cfg.TrainRoot)
		if err != nil {
			return nil, nil, err
		}
		testSet, err := openShards(ctx, cfg.TestRoot)
		if err != nil {
			return nil, nil, err
		}
		return trainSet, testSet, nil
	case config.SourceSynthetic:
		n := cfg.SyntheticItems
		testN := n / 5
		if testN == 0 {
			testN = 1
		}
		return Synthetic(n, seed), Synthetic(testN, seed+1), nil
	}
	return nil, nil, errors.Errorf("dataset: unknown source %q", cfg.Source)
}

// LoadEmbedded converts the copy of MNIST compiled into
// github.com/unixpickle/mnist, so no download or local files are needed.
func LoadEmbedded(split Split) *InMemory {
	var set mnist.DataSet
	if split == SplitTest {
		set = mnist.LoadTestingDataSet()
	} else {
		set = mnist.LoadTrainingDataSet()
	}
	items := make([]Item, len(set.Samples))
	for i, s := range set.Samples {
		img := make([]float64, len(s.Intensities))
		for j, v := range s.Intensities {
			img[j] = math.Round(v * 255)
		}
		items[i] = Item{Image: img, Height: ImageSize, Width: ImageSize, Label: s.Label}
	}
	klog.V(1).InfoS("loaded embedded mnist", "split", split, "items", len(items))
	return NewInMemory(items)
}

func openShards(ctx context.Context, root string) (*InMemory, error) {
	shards, err := findShards(root)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, errors.Errorf("no shards discovered under %s", root)
	}
	klog.InfoS("discovered shards", "root", root, "shards", len(shards))
	return LoadShards(ctx, shards, ImageSize)
}

// Shards are named <prefix>-<index>.tar, e.g. train-000003.tar.
var shardRegexp = regexp.MustCompile(`^[A-Za-z0-9_]+-([0-9]{6,})\.tar$`)

type shardPath struct {
	path  string
	index int
}

// findShards returns the shard tars beneath root ordered by directory, then by
// shard index.
func findShards(root string) ([]string, error) {
	var found []shardPath
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := shardRegexp.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			return errors.Wrapf(err, "shard index of %s", path)
		}
		found = append(found, shardPath{path: path, index: index})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Slice(found, func(i, j int) bool {
		di, dj := filepath.Dir(found[i].path), filepath.Dir(found[j].path)
		if di != dj {
			return di < dj
		}
		return found[i].index < found[j].index
	})
	paths := make([]string, len(found))
	for i, s := range found {
		paths[i] = s.path
	}
	return paths, nil
}
