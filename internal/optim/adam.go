// Package optim applies Adam updates to model parameters from anydiff gradients.
package optim

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/unixpickle/anydiff"

	"mnist-forge/internal/checkpoint"
	"mnist-forge/internal/tensor"
)

// AdamConfig holds the Adam hyper-parameters. The learning rate is supplied
// per step by the learner.
type AdamConfig struct {
	Beta1       float64 `yaml:"beta_1" json:"beta_1"`
	Beta2       float64 `yaml:"beta_2" json:"beta_2"`
	Epsilon     float64 `yaml:"epsilon" json:"epsilon"`
	WeightDecay float64 `yaml:"weight_decay" json:"weight_decay"`
}

// DefaultAdamConfig returns beta1=0.9, beta2=0.999, epsilon=1e-5 and no weight
// decay.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-5}
}

// Validate checks the coefficient ranges.
func (c AdamConfig) Validate() error {
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return errors.Errorf("beta_1 must be in [0,1) (got %v)", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Errorf("beta_2 must be in [0,1) (got %v)", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return errors.Errorf("epsilon must be > 0 (got %v)", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight_decay must be >= 0 (got %v)", c.WeightDecay)
	}
	return nil
}

// Init builds an optimizer with empty moment state.
func (c AdamConfig) Init() *Adam {
	return &Adam{cfg: c, moments: map[string]*moment{}}
}

type moment struct {
	shape  tensor.Shape
	first  []float64
	second []float64
	time   int
}

// Adam keeps first and second moment estimates per parameter name.
type Adam struct {
	cfg     AdamConfig
	moments map[string]*moment
	steps   int
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.steps }

// Step applies one update with learning rate lr to every parameter that has a
// gradient in grads.
func (a *Adam) Step(lr float64, params []*tensor.Param, grads anydiff.Grad) {
	for _, p := range params {
		g, ok := grads[p.Var]
		if !ok {
			continue
		}
		a.update(lr, p, tensor.Float64s(g))
	}
	a.steps++
}

func (a *Adam) update(lr float64, p *tensor.Param, g []float64) {
	m, ok := a.moments[p.Name]
	if !ok {
		m = &moment{shape: p.Shape, first: make([]float64, p.Len()), second: make([]float64, p.Len())}
		a.moments[p.Name] = m
	}
	m.time++
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	bc1 := 1 - math.Pow(b1, float64(m.time))
	bc2 := 1 - math.Pow(b2, float64(m.time))

	w := p.Data()
	first, second := m.first, m.second
	for i, grad := range g {
		if a.cfg.WeightDecay != 0 {
			grad += a.cfg.WeightDecay * w[i]
		}
		first[i] = b1*first[i] + (1-b1)*grad
		second[i] = b2*second[i] + (1-b2)*grad*grad
		mHat := first[i] / bc1
		vHat := second[i] / bc2
		w[i] -= lr * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
	}
	p.SetData(w)
}

// Record captures the moment estimates for checkpointing.
func (a *Adam) Record() checkpoint.Record {
	rec := checkpoint.Record{
		Kind: "optim",
		Meta: map[string]string{"steps": strconv.Itoa(a.steps)},
	}
	for name, m := range a.moments {
		rec.Meta["time."+name] = strconv.Itoa(m.time)
		rec.Tensors = append(rec.Tensors,
			checkpoint.NamedTensor{Name: name + ".moment_1", Shape: m.shape, Data: append([]float64(nil), m.first...)},
			checkpoint.NamedTensor{Name: name + ".moment_2", Shape: m.shape, Data: append([]float64(nil), m.second...)},
		)
	}
	return rec
}

// LoadRecord restores moment estimates for params from rec.
func (a *Adam) LoadRecord(rec checkpoint.Record, params []*tensor.Param) error {
	steps, err := strconv.Atoi(rec.Meta["steps"])
	if err != nil {
		return errors.Wrap(err, "optimizer record: steps")
	}
	moments := map[string]*moment{}
	for _, p := range params {
		first, ok1 := rec.Tensor(p.Name + ".moment_1")
		second, ok2 := rec.Tensor(p.Name + ".moment_2")
		if !ok1 || !ok2 {
			continue
		}
		t, err := strconv.Atoi(rec.Meta["time."+p.Name])
		if err != nil {
			return errors.Wrapf(err, "optimizer record: time for %s", p.Name)
		}
		if !p.Shape.Equal(first.Shape) || !p.Shape.Equal(second.Shape) {
			return errors.Errorf("optimizer record: %s moment shape %v, parameter %v", p.Name, first.Shape, p.Shape)
		}
		moments[p.Name] = &moment{
			shape:  p.Shape,
			first:  append([]float64(nil), first.Data...),
			second: append([]float64(nil), second.Data...),
			time:   t,
		}
	}
	a.moments = moments
	a.steps = steps
	return nil
}
