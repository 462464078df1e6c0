package tensor

import (
	"fmt"
	"strings"

	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/floats"
)

// Shape lists the extent of every dimension, outermost first.
type Shape []int

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have identical dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Tensor gives an anyvec vector a row-major shape.
type Tensor struct {
	shape Shape
	vec   anyvec.Vector
}

// New copies data into a vector allocated by the device's creator. It panics
// when the element count does not match the shape.
func New(device Device, shape Shape, data []float64) *Tensor {
	if shape.NumElements() != len(data) {
		panic(fmt.Sprintf("tensor: shape %v needs %d elements, got %d", shape, shape.NumElements(), len(data)))
	}
	c := device.Creator()
	return &Tensor{shape: append(Shape(nil), shape...), vec: c.MakeVectorData(c.MakeNumericList(data))}
}

// FromVector wraps vec without copying it.
func FromVector(vec anyvec.Vector, shape ...int) *Tensor {
	s := Shape(shape)
	if s.NumElements() != vec.Len() {
		panic(fmt.Sprintf("tensor: shape %v needs %d elements, vector has %d", s, s.NumElements(), vec.Len()))
	}
	return &Tensor{shape: append(Shape(nil), s...), vec: vec}
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() Shape { return append(Shape(nil), t.shape...) }

// Dim returns the extent of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return t.vec.Len() }

// Vector exposes the backing vector.
func (t *Tensor) Vector() anyvec.Vector { return t.vec }

// Data returns a float64 copy of the elements.
func (t *Tensor) Data() []float64 { return Float64s(t.vec) }

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if t.vec.Len() != 1 {
		panic(fmt.Sprintf("tensor: Item on shape %v", t.shape))
	}
	return t.Data()[0]
}

// Rows splits a rank-2 tensor into float64 rows.
func (t *Tensor) Rows() [][]float64 {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: Rows on shape %v", t.shape))
	}
	data := t.Data()
	cols := t.shape[1]
	rows := make([][]float64, t.shape[0])
	for i := range rows {
		rows[i] = data[i*cols : (i+1)*cols]
	}
	return rows
}

// Row returns row i of a rank-2 tensor.
func (t *Tensor) Row(i int) []float64 { return t.Rows()[i] }

// ArgMax returns the index of the largest value in each row of a rank-2 tensor.
func (t *Tensor) ArgMax() []int {
	rows := t.Rows()
	out := make([]int, len(rows))
	for i, row := range rows {
		out[i] = floats.MaxIdx(row)
	}
	return out
}

// EqualApprox reports whether both tensors share a shape and all elements are
// within tol of each other.
func EqualApprox(a, b *Tensor, tol float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	return floats.EqualApprox(a.Data(), b.Data(), tol)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// Float64s copies the components of vec out as float64 values.
func Float64s(vec anyvec.Vector) []float64 {
	switch data := vec.Data().(type) {
	case []float32:
		out := make([]float64, len(data))
		for i, v := range data {
			out[i] = float64(v)
		}
		return out
	case []float64:
		return append([]float64(nil), data...)
	default:
		panic(fmt.Sprintf("tensor: unsupported numeric list %T", data))
	}
}
