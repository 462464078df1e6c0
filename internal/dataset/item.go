package dataset

import "mnist-forge/internal/model"

// ImageSize is the side length of MNIST digits, the size the model accepts.
const ImageSize = model.ImageSize

// Item is one raw dataset entry: a grayscale image with 0–255 intensities in
// row-major order and its class label.
type Item struct {
	Image  []float64
	Height int
	Width  int
	Label  int
}

// Dataset is a fixed-size, ordered collection of items.
type Dataset interface {
	Len() int
	Get(index int) (Item, bool)
}

// InMemory is a Dataset backed by a slice.
type InMemory struct {
	items []Item
}

// NewInMemory wraps items without copying.
func NewInMemory(items []Item) *InMemory {
	return &InMemory{items: items}
}

func (d *InMemory) Len() int { return len(d.items) }

func (d *InMemory) Get(index int) (Item, bool) {
	if index < 0 || index >= len(d.items) {
		return Item{}, false
	}
	return d.items[index], true
}
