package dataset

import (
	"github.com/pkg/errors"

	"mnist-forge/internal/model"
	"mnist-forge/internal/tensor"
)

// MNIST intensity statistics used for normalization.
const (
	mnistMean = 0.1307
	mnistStd  = 0.3081
)

var (
	// ErrInconsistentImage is returned when items in one batch differ in size.
	ErrInconsistentImage = errors.New("dataset: inconsistent image dimensions")
	// ErrLabelOutOfRange is returned for a label outside [0, classes).
	ErrLabelOutOfRange = errors.New("dataset: label out of range")
)

// Batcher turns a group of items into a model batch.
type Batcher interface {
	Batch(items []Item) (model.Batch, error)
}

// MnistBatcher stacks items into a normalized [B,H,W] tensor on a device.
type MnistBatcher struct {
	device  tensor.Device
	classes int
}

// NewBatcher returns a batcher allocating on device that accepts labels in
// [0, classes).
func NewBatcher(device tensor.Device, classes int) *MnistBatcher {
	return &MnistBatcher{device: device, classes: classes}
}

// Batch preserves item order. Intensities are scaled to [0,1] and standardized.
func (b *MnistBatcher) Batch(items []Item) (model.Batch, error) {
	if len(items) == 0 {
		return model.Batch{}, errors.New("dataset: empty batch")
	}
	h, w := items[0].Height, items[0].Width
	size := h * w
	data := make([]float64, 0, len(items)*size)
	targets := make([]int, len(items))
	for i, item := range items {
		if item.Height != h || item.Width != w || len(item.Image) != size {
			return model.Batch{}, errors.Wrapf(ErrInconsistentImage, "item %d is %dx%d (%d values), batch is %dx%d",
				i, item.Height, item.Width, len(item.Image), h, w)
		}
		if item.Label < 0 || item.Label >= b.classes {
			return model.Batch{}, errors.Wrapf(ErrLabelOutOfRange, "item %d has label %d, want [0,%d)", i, item.Label, b.classes)
		}
		for _, v := range item.Image {
			data = append(data, (v/255-mnistMean)/mnistStd)
		}
		targets[i] = item.Label
	}
	images := tensor.New(b.device, tensor.Shape{len(items), h, w}, data)
	return model.Batch{Images: images, Targets: targets}, nil
}
