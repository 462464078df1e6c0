package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split names one half of the MNIST distribution.
type Split string

const (
	SplitTrain Split = "train"
	SplitTest  Split = "test"
)

const (
	imageMagic = 2051
	labelMagic = 2049
)

type idxImageHeader struct{ Magic, Num, Height, Width uint32 }

type idxLabelHeader struct{ Magic, Num uint32 }

func (s Split) files() (images, labels string, err error) {
	switch s {
	case SplitTrain:
		return "train-images-idx3-ubyte", "train-labels-idx1-ubyte", nil
	case SplitTest:
		return "t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte", nil
	}
	return "", "", errors.Errorf("dataset: unknown split %q", s)
}

// LoadIDX reads one MNIST split from dir. Each file may be stored gzipped
// (with a .gz suffix) or raw.
func LoadIDX(dir string, split Split) (*InMemory, error) {
	imageFile, labelFile, err := split.files()
	if err != nil {
		return nil, err
	}
	var images [][]float64
	var h, w int
	if err := readIDX(dir, imageFile, func(r io.Reader) error {
		images, h, w, err = readIDXImages(r)
		return err
	}); err != nil {
		return nil, err
	}
	var labels []int
	if err := readIDX(dir, labelFile, func(r io.Reader) error {
		labels, err = readIDXLabels(r)
		return err
	}); err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("dataset: %s has %d images but %d labels", split, len(images), len(labels))
	}
	items := make([]Item, len(images))
	for i := range items {
		items[i] = Item{Image: images[i], Height: h, Width: w, Label: labels[i]}
	}
	klog.V(1).InfoS("loaded idx split", "split", split, "items", len(items), "height", h, "width", w)
	return NewInMemory(items), nil
}

func readIDX(dir, name string, read func(io.Reader) error) error {
	path := filepath.Join(dir, name+".gz")
	f, err := os.Open(path)
	gzipped := err == nil
	if errors.Is(err, os.ErrNotExist) {
		path = filepath.Join(dir, name)
		f, err = os.Open(path)
	}
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if gzipped {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return errors.Wrapf(err, "gunzip %s", path)
		}
		defer zr.Close()
		r = zr
	}
	return errors.Wrapf(read(r), "read %s", path)
}

func readIDXImages(r io.Reader) ([][]float64, int, int, error) {
	var head idxImageHeader
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, 0, 0, errors.Wrap(err, "image header")
	}
	if head.Magic != imageMagic {
		return nil, 0, 0, errors.Errorf("bad image magic %d", head.Magic)
	}
	n, h, w := int(head.Num), int(head.Height), int(head.Width)
	images := make([][]float64, n)
	pixels := make([]byte, h*w)
	for i := range images {
		if _, err := io.ReadFull(r, pixels); err != nil {
			return nil, 0, 0, errors.Wrapf(err, "image %d", i)
		}
		img := make([]float64, len(pixels))
		for j, p := range pixels {
			img[j] = float64(p)
		}
		images[i] = img
	}
	return images, h, w, nil
}

func readIDXLabels(r io.Reader) ([]int, error) {
	var head idxLabelHeader
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, errors.Wrap(err, "label header")
	}
	if head.Magic != labelMagic {
		return nil, errors.Errorf("bad label magic %d", head.Magic)
	}
	raw := make([]byte, head.Num)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "labels")
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}
