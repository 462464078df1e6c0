package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestStreamShardPairsEntries(t *testing.T) {
	buf := buildShard(t, map[string]filePair{
		"000001": {imageExt: ".jpg", image: []byte("jpeg"), label: 3},
		"000002": {imageExt: ".png", image: []byte("png"), label: 7},
	})
	shard := writeShard(t, t.TempDir(), buf)

	samplesCh, errCh := StreamShard(context.Background(), shard, 4)

	var samples []Sample
	for sample := range samplesCh {
		samples = append(samples, sample)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
}

func TestStreamShardIncompletePair(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(t, tw, "000001.png", []byte("png"))
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	shard := writeShard(t, t.TempDir(), buf)

	samplesCh, errCh := StreamShard(context.Background(), shard, 4)
	for range samplesCh {
		t.Fatalf("unexpected sample")
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected incomplete sample error")
	}
}

func TestLoadShardsDecodesImages(t *testing.T) {
	buf := buildShard(t, map[string]filePair{
		"000001": {imageExt: ".png", image: encodePNG(t, 56, 56, 200), label: 4},
	})
	shard := writeShard(t, t.TempDir(), buf)

	ds, err := LoadShards(context.Background(), []string{shard}, ImageSize)
	if err != nil {
		t.Fatalf("LoadShards: %v", err)
	}
	if ds.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", ds.Len())
	}
	item, _ := ds.Get(0)
	if item.Label != 4 || item.Height != ImageSize || item.Width != ImageSize {
		t.Fatalf("unexpected item: label=%d %dx%d", item.Label, item.Height, item.Width)
	}
	if len(item.Image) != ImageSize*ImageSize || item.Image[0] != 200 {
		t.Fatalf("unexpected pixels: len=%d first=%v", len(item.Image), item.Image[0])
	}
}

func TestLoadShardsRejectsUndecodableImage(t *testing.T) {
	buf := buildShard(t, map[string]filePair{
		"000001": {imageExt: ".jpg", image: []byte("not a jpeg"), label: 1},
	})
	shard := writeShard(t, t.TempDir(), buf)
	if _, err := LoadShards(context.Background(), []string{shard}, ImageSize); err == nil {
		t.Fatalf("expected decode error")
	}
}

func encodePNG(t *testing.T, w, h int, gray uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: gray})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func writeShard(t *testing.T, dir string, buf *bytes.Buffer) string {
	t.Helper()
	shard := filepath.Join(dir, "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return shard
}

func buildShard(t *testing.T, data map[string]filePair) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, pair := range data {
		addTarEntry(t, tw, key+pair.imageExt, pair.image)
		addTarEntry(t, tw, key+".cls", []byte(strconv.Itoa(pair.label)))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf
}

type filePair struct {
	imageExt string
	image    []byte
	label    int
}

func addTarEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
