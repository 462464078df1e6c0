package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sample represents a paired record from a WebDataset shard.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read image %s", name)
					return
				}
				pendingPart(pending, key).image = data
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read label %s", name)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- errors.Wrapf(err, "parse label %s", name)
					return
				}
				pendingPart(pending, key).label = &label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part.ready() {
				sample := Sample{Key: key, Image: part.image, Label: *part.label}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image []byte
	label *int
}

func pendingPart(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}

// LoadShards decodes every sample of the given shards, in order, into
// size×size items. A sample that fails to decode aborts the load.
func LoadShards(ctx context.Context, shards []string, size int) (*InMemory, error) {
	if len(shards) == 0 {
		return nil, errors.New("webdataset: no shards")
	}
	var items []Item
	for _, shard := range shards {
		loaded, err := loadShard(ctx, shard, size)
		if err != nil {
			return nil, errors.Wrapf(err, "shard %s", shard)
		}
		items = append(items, loaded...)
		klog.V(2).InfoS("loaded shard", "path", shard, "items", len(loaded))
	}
	return NewInMemory(items), nil
}

func loadShard(ctx context.Context, shard string, size int) ([]Item, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, errCh := StreamShard(ctx, shard, defaultPendingCap)
	var items []Item
	for sample := range samples {
		img, err := DecodeImage(sample.Image, size)
		if err != nil {
			cancel()
			for range samples {
			}
			return nil, errors.Wrapf(err, "sample %s", sample.Key)
		}
		items = append(items, Item{Image: img, Height: size, Width: size, Label: sample.Label})
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return items, nil
}
