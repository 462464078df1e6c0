package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mnist-forge/internal/config"
)

func TestFindShardsOrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "train-999999.tar"))
	mustWrite(t, filepath.Join(dir, "train-1000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "train-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))
	mustWrite(t, filepath.Join(dir, "train-12.tar"))

	shards, err := findShards(dir)
	if err != nil {
		t.Fatalf("findShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "train-999999.tar"),
		filepath.Join(dir, "train-1000000.tar"),
		filepath.Join(dir, "nested", "train-000001.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %v", len(want), shards)
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestFindShardsMissingRoot(t *testing.T) {
	if _, err := findShards(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestOpenSynthetic(t *testing.T) {
	cfg := config.DatasetConfig{Source: config.SourceSynthetic, SyntheticItems: 50}
	trainSet, testSet, err := Open(context.Background(), cfg, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if trainSet.Len() != 50 || testSet.Len() != 10 {
		t.Fatalf("lengths %d/%d", trainSet.Len(), testSet.Len())
	}
}

func TestOpenWebDatasetWithoutShards(t *testing.T) {
	cfg := config.DatasetConfig{Source: config.SourceWebDataset, TrainRoot: t.TempDir(), TestRoot: t.TempDir()}
	if _, _, err := Open(context.Background(), cfg, 1); err == nil {
		t.Fatalf("expected error for empty shard roots")
	}
}

func TestLoadEmbeddedTestSplit(t *testing.T) {
	if testing.Short() {
		t.Skip("decodes the bundled MNIST test split")
	}
	ds := LoadEmbedded(SplitTest)
	if ds.Len() != 10000 {
		t.Fatalf("test split has %d items", ds.Len())
	}
	item, ok := ds.Get(0)
	if !ok || item.Height != ImageSize || item.Width != ImageSize || len(item.Image) != ImageSize*ImageSize {
		t.Fatalf("unexpected first item %dx%d (%d values)", item.Height, item.Width, len(item.Image))
	}
	max := 0.0
	for i := 0; i < ds.Len(); i++ {
		item, _ := ds.Get(i)
		if item.Label < 0 || item.Label > 9 {
			t.Fatalf("item %d label %d", i, item.Label)
		}
		for _, v := range item.Image {
			if v > max {
				max = v
			}
		}
	}
	if max != 255 {
		t.Fatalf("intensities not scaled to 0-255: max %v", max)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
