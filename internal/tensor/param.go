package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
)

// Param is a named trainable variable of the autodiff graph.
type Param struct {
	Name  string
	Shape Shape
	Var   *anydiff.Var
}

// NewParam names v. It panics when v does not hold shape's element count.
func NewParam(name string, shape Shape, v *anydiff.Var) *Param {
	if v.Vector.Len() != shape.NumElements() {
		panic(fmt.Sprintf("tensor: param %s has %d elements, shape %v needs %d", name, v.Vector.Len(), shape, shape.NumElements()))
	}
	return &Param{Name: name, Shape: append(Shape(nil), shape...), Var: v}
}

// Len returns the number of scalars in the parameter.
func (p *Param) Len() int { return p.Var.Vector.Len() }

// Data returns a float64 copy of the parameter values.
func (p *Param) Data() []float64 { return Float64s(p.Var.Vector) }

// SetData overwrites the parameter values.
func (p *Param) SetData(data []float64) {
	if len(data) != p.Len() {
		panic(fmt.Sprintf("tensor: param %s has %d elements, got %d", p.Name, p.Len(), len(data)))
	}
	c := p.Var.Vector.Creator()
	p.Var.Vector.SetData(c.MakeNumericList(data))
}

// Initializer draws the initial values of a parameter.
type Initializer interface {
	Sample(n, fanIn, fanOut int, rng *rand.Rand) []float64
}

// KaimingUniform samples from U(-b, b) with b = Gain*sqrt(3/fan).
type KaimingUniform struct {
	Gain       float64
	FanOutOnly bool
}

// DefaultKaiming uses gain 1/sqrt(3) over fan-in, which reduces to
// U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func DefaultKaiming() KaimingUniform {
	return KaimingUniform{Gain: 1 / math.Sqrt(3)}
}

func (k KaimingUniform) Sample(n, fanIn, fanOut int, rng *rand.Rand) []float64 {
	fan := fanIn
	if k.FanOutOnly {
		fan = fanOut
	}
	bound := k.Gain * math.Sqrt(3/float64(fan))
	return Uniform{Low: -bound, High: bound}.Sample(n, fanIn, fanOut, rng)
}

// Uniform samples from U(Low, High).
type Uniform struct {
	Low, High float64
}

func (u Uniform) Sample(n, _, _ int, rng *rand.Rand) []float64 {
	out := make([]float64, n)
	span := u.High - u.Low
	for i := range out {
		out[i] = u.Low + rng.Float64()*span
	}
	return out
}

// Init overwrites p with values drawn by init.
func (p *Param) Init(init Initializer, fanIn, fanOut int, rng *rand.Rand) {
	p.SetData(init.Sample(p.Len(), fanIn, fanOut, rng))
}
