package dataset

import "math/rand"

// Synthetic generates n deterministic 28×28 items with labels cycling 0–9.
// Each class lights a different horizontal band on top of uniform noise.
func Synthetic(n int, seed int64) *InMemory {
	rng := rand.New(rand.NewSource(seed))
	items := make([]Item, n)
	for i := range items {
		label := i % 10
		img := make([]float64, ImageSize*ImageSize)
		for p := range img {
			img[p] = float64(rng.Intn(64))
		}
		band := 2 + label*2
		for y := band; y < band+4 && y < ImageSize; y++ {
			for x := 4; x < ImageSize-4; x++ {
				img[y*ImageSize+x] = 255
			}
		}
		items[i] = Item{Image: img, Height: ImageSize, Width: ImageSize, Label: label}
	}
	return NewInMemory(items)
}
