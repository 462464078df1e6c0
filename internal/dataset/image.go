package dataset

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	"github.com/pkg/errors"
)

// DecodeImage decodes a PNG or JPEG and grid-samples it to a size×size
// grayscale image with 0–255 intensities.
func DecodeImage(raw []byte, size int) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	return Resample(img, size)
}

// ReadImage is DecodeImage for a reader.
func ReadImage(r io.Reader, size int) ([]float64, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	return DecodeImage(raw, size)
}

// Resample nearest-samples img onto a size×size grid.
func Resample(img image.Image, size int) ([]float64, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid sample size %d", size)
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	out := make([]float64, size*size)
	stepX := float64(width) / float64(size)
	stepY := float64(height) / float64(size)
	for gy := 0; gy < size; gy++ {
		for gx := 0; gx < size; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			g := color.GrayModel.Convert(img.At(px, py)).(color.Gray)
			out[gy*size+gx] = float64(g.Y)
		}
	}
	return out, nil
}
