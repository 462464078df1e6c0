package model

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/pkg/errors"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"

	"mnist-forge/internal/checkpoint"
	"mnist-forge/internal/tensor"
)

// ImageSize is the side of the square grayscale images the model accepts.
const ImageSize = 28

const (
	kernelSize    = 3
	conv1Channels = 8
	conv2Channels = 16
	conv2Size     = ImageSize - 2*(kernelSize-1)
	pooledSize    = 8
	poolSpan      = conv2Size / pooledSize
	flatFeatures  = conv2Channels * pooledSize * pooledSize
)

// Config describes the classifier head; the convolutional trunk is fixed.
type Config struct {
	NumClasses int     `yaml:"num_classes" json:"num_classes"`
	HiddenSize int     `yaml:"hidden_size" json:"hidden_size"`
	Dropout    float64 `yaml:"dropout" json:"dropout"`
}

// NewConfig returns a config with the default dropout of 0.5.
func NewConfig(numClasses, hiddenSize int) Config {
	return Config{NumClasses: numClasses, HiddenSize: hiddenSize, Dropout: 0.5}
}

// Validate verifies the config can build a model.
func (c Config) Validate() error {
	if c.NumClasses <= 0 {
		return errors.Errorf("num_classes must be > 0 (got %d)", c.NumClasses)
	}
	if c.HiddenSize <= 0 {
		return errors.Errorf("hidden_size must be > 0 (got %d)", c.HiddenSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0,1) (got %v)", c.Dropout)
	}
	return nil
}

// Model is a two-layer convolutional digit classifier. Activations flow
// through anyconv in row-major depth-minor layout, so flattened features are
// ordered height, width, channel.
type Model struct {
	cfg     Config
	device  tensor.Device
	conv1   *anyconv.Conv
	conv2   *anyconv.Conv
	pool    *anyconv.Conv
	linear1 *anynet.FC
	linear2 *anynet.FC
	params  []*tensor.Param
	rng     *rand.Rand
}

// Init allocates every layer on device. Parameters are drawn from rng, and the
// dropout stream is seeded from it afterwards, so equal seeds give equal models.
func (c Config) Init(device tensor.Device, rng *rand.Rand) *Model {
	cr := device.Creator()
	m := &Model{
		cfg:     c,
		device:  device,
		conv1:   newConv(cr, ImageSize, 1, conv1Channels, kernelSize, 1),
		conv2:   newConv(cr, ImageSize-kernelSize+1, conv1Channels, conv2Channels, kernelSize, 1),
		pool:    newMeanPool(cr, conv2Size, conv2Channels, poolSpan),
		linear1: anynet.NewFC(cr, flatFeatures, c.HiddenSize),
		linear2: anynet.NewFC(cr, c.HiddenSize, c.NumClasses),
	}

	convIn1 := kernelSize * kernelSize
	convIn2 := kernelSize * kernelSize * conv1Channels
	m.params = []*tensor.Param{
		tensor.NewParam("conv1.weight", tensor.Shape{conv1Channels, kernelSize, kernelSize, 1}, m.conv1.Filters),
		tensor.NewParam("conv1.bias", tensor.Shape{conv1Channels}, m.conv1.Biases),
		tensor.NewParam("conv2.weight", tensor.Shape{conv2Channels, kernelSize, kernelSize, conv1Channels}, m.conv2.Filters),
		tensor.NewParam("conv2.bias", tensor.Shape{conv2Channels}, m.conv2.Biases),
		tensor.NewParam("linear1.weight", tensor.Shape{c.HiddenSize, flatFeatures}, m.linear1.Weights),
		tensor.NewParam("linear1.bias", tensor.Shape{c.HiddenSize}, m.linear1.Biases),
		tensor.NewParam("linear2.weight", tensor.Shape{c.NumClasses, c.HiddenSize}, m.linear2.Weights),
		tensor.NewParam("linear2.bias", tensor.Shape{c.NumClasses}, m.linear2.Biases),
	}
	fanIn := []int{convIn1, convIn1, convIn2, convIn2, flatFeatures, flatFeatures, c.HiddenSize, c.HiddenSize}
	kaiming := tensor.DefaultKaiming()
	for i, p := range m.params {
		p.Init(kaiming, fanIn[i], p.Shape[0], rng)
	}

	m.rng = rand.New(rand.NewSource(rng.Int63()))
	return m
}

func newConv(c anyvec.Creator, inSize, inDepth, filters, kernel, stride int) *anyconv.Conv {
	conv := &anyconv.Conv{
		FilterCount:  filters,
		FilterWidth:  kernel,
		FilterHeight: kernel,
		StrideX:      stride,
		StrideY:      stride,
		InputWidth:   inSize,
		InputHeight:  inSize,
		InputDepth:   inDepth,
	}
	conv.InitZero(c)
	return conv
}

// newMeanPool averages span×span windows of every channel. With the input side
// a multiple of the output side this equals adaptive average pooling. The
// filters are fixed and never handed to the optimizer.
func newMeanPool(c anyvec.Creator, inSize, depth, span int) *anyconv.Conv {
	conv := newConv(c, inSize, depth, depth, span, span)
	weights := make([]float64, depth*span*span*depth)
	scale := 1 / float64(span*span)
	for k := 0; k < depth; k++ {
		for y := 0; y < span; y++ {
			for x := 0; x < span; x++ {
				weights[((k*span+y)*span+x)*depth+k] = scale
			}
		}
	}
	conv.Filters.Vector.SetData(c.MakeNumericList(weights))
	return conv
}

// Config returns the configuration the model was built from.
func (m *Model) Config() Config { return m.cfg }

// Device returns the device holding the parameters.
func (m *Model) Device() tensor.Device { return m.device }

// NumClasses returns the width of the output layer.
func (m *Model) NumClasses() int { return m.linear2.OutCount }

// Params lists every trainable parameter in a stable order.
func (m *Model) Params() []*tensor.Param { return m.params }

// NumParams counts scalar parameters.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += p.Len()
	}
	return n
}

func (m *Model) vars() []*anydiff.Var {
	out := make([]*anydiff.Var, len(m.params))
	for i, p := range m.params {
		out[i] = p.Var
	}
	return out
}

// Forward maps images [B,28,28] to logits [B,NumClasses]. Dropout is applied
// only when train is set. It panics on images of another size.
func (m *Model) Forward(images *tensor.Tensor, train bool) anydiff.Res {
	if images.Rank() != 3 || images.Dim(1) != ImageSize || images.Dim(2) != ImageSize {
		panic(fmt.Sprintf("model: images have shape %v, want [B,%d,%d]", images.Shape(), ImageSize, ImageSize))
	}
	b := images.Dim(0)
	var x anydiff.Res = anydiff.NewConst(images.Vector())

	x = m.conv1.Apply(x, b)
	x = m.dropout(x, train)
	x = m.conv2.Apply(x, b)
	x = m.dropout(x, train)
	x = anynet.ReLU.Apply(x, b)

	x = m.pool.Apply(x, b)
	x = m.linear1.Apply(x, b)
	x = m.dropout(x, train)
	x = anynet.ReLU.Apply(x, b)

	return m.linear2.Apply(x, b)
}

// dropout zeroes each activation with probability cfg.Dropout and rescales the
// survivors by 1/(1-p).
func (m *Model) dropout(x anydiff.Res, train bool) anydiff.Res {
	p := m.cfg.Dropout
	if !train || p == 0 {
		return x
	}
	mask := make([]float64, x.Output().Len())
	keep := 1 / (1 - p)
	for i := range mask {
		if m.rng.Float64() >= p {
			mask[i] = keep
		}
	}
	c := x.Output().Creator()
	return anydiff.Mul(x, anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(mask))))
}

// crossEntropy is the mean negative log-likelihood of targets under the
// softmax of logits.
func crossEntropy(logits anydiff.Res, targets []int, classes int) anydiff.Res {
	c := logits.Output().Creator()
	onehot := make([]float64, len(targets)*classes)
	for i, t := range targets {
		onehot[i*classes+t] = 1
	}
	logp := anydiff.LogSoftmax(logits, classes)
	picked := anydiff.Dot(logp, anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(onehot))))
	return anydiff.Scale(picked, c.MakeNumeric(-1/float64(len(targets))))
}

func (m *Model) forwardLoss(images *tensor.Tensor, targets []int, train bool) (loss, logits anydiff.Res) {
	logits = m.Forward(images, train)
	return crossEntropy(logits, targets, m.NumClasses()), logits
}

func (m *Model) classification(loss, logits anydiff.Res, targets []int) ClassificationOutput {
	return ClassificationOutput{
		Loss:    tensor.Float64s(loss.Output())[0],
		Output:  tensor.FromVector(logits.Output(), len(targets), m.NumClasses()),
		Targets: targets,
	}
}

// ForwardClassification runs Forward and scores the logits against targets
// with mean cross-entropy.
func (m *Model) ForwardClassification(images *tensor.Tensor, targets []int, train bool) ClassificationOutput {
	loss, logits := m.forwardLoss(images, targets, train)
	return m.classification(loss, logits, targets)
}

// TrainStep runs the forward pass with dropout and back-propagates the loss
// into a gradient for every parameter.
func (m *Model) TrainStep(batch Batch) TrainOutput {
	loss, logits := m.forwardLoss(batch.Images, batch.Targets, true)
	grads := anydiff.NewGrad(m.vars()...)
	c := loss.Output().Creator()
	loss.Propagate(c.MakeVectorData(c.MakeNumericList([]float64{1})), grads)
	return TrainOutput{Grads: grads, Item: m.classification(loss, logits, batch.Targets)}
}

// ValidStep evaluates the batch without gradients or dropout.
func (m *Model) ValidStep(batch Batch) ClassificationOutput {
	return m.ForwardClassification(batch.Images, batch.Targets, false)
}

// Predict returns the most likely class and the class probabilities for each
// image.
func (m *Model) Predict(images *tensor.Tensor) ([]int, *tensor.Tensor) {
	logits := m.Forward(images, false)
	probs := anydiff.Exp(anydiff.LogSoftmax(logits, m.NumClasses())).Output()
	out := tensor.FromVector(probs, images.Dim(0), m.NumClasses())
	return out.ArgMax(), out
}

// Record snapshots the parameters for checkpointing.
func (m *Model) Record() checkpoint.Record {
	rec := checkpoint.Record{
		Kind: "model",
		Meta: map[string]string{
			"num_classes": strconv.Itoa(m.cfg.NumClasses),
			"hidden_size": strconv.Itoa(m.cfg.HiddenSize),
			"dropout":     strconv.FormatFloat(m.cfg.Dropout, 'g', -1, 64),
		},
	}
	for _, p := range m.params {
		rec.Tensors = append(rec.Tensors, checkpoint.NamedTensor{
			Name:  p.Name,
			Shape: p.Shape,
			Data:  p.Data(),
		})
	}
	return rec
}

// LoadRecord overwrites the parameters with the values in rec.
func (m *Model) LoadRecord(rec checkpoint.Record) error {
	for _, p := range m.params {
		t, ok := rec.Tensor(p.Name)
		if !ok {
			return errors.Errorf("model record: missing %s", p.Name)
		}
		if !p.Shape.Equal(t.Shape) {
			return errors.Errorf("model record: %s has shape %v, model expects %v", p.Name, t.Shape, p.Shape)
		}
		p.SetData(t.Data)
	}
	return nil
}

// ConfigFromRecord recovers the model config stored in a model record.
func ConfigFromRecord(rec checkpoint.Record) (Config, error) {
	classes, err := strconv.Atoi(rec.Meta["num_classes"])
	if err != nil {
		return Config{}, errors.Wrap(err, "model record: num_classes")
	}
	hidden, err := strconv.Atoi(rec.Meta["hidden_size"])
	if err != nil {
		return Config{}, errors.Wrap(err, "model record: hidden_size")
	}
	dropout, err := strconv.ParseFloat(rec.Meta["dropout"], 64)
	if err != nil {
		return Config{}, errors.Wrap(err, "model record: dropout")
	}
	return Config{NumClasses: classes, HiddenSize: hidden, Dropout: dropout}, nil
}
