package model

import (
	"github.com/unixpickle/anydiff"

	"mnist-forge/internal/tensor"
)

// Batch represents a minibatch of images [B,H,W] and their class labels.
type Batch struct {
	Images  *tensor.Tensor
	Targets []int
}

// Len returns the number of items in the batch.
func (b Batch) Len() int { return len(b.Targets) }

// ClassificationOutput is what both training and validation steps produce.
// Output holds the logits [B,NumClasses].
type ClassificationOutput struct {
	Loss    float64
	Output  *tensor.Tensor
	Targets []int
}

// TrainOutput bundles the gradients of a training step with its output.
type TrainOutput struct {
	Grads anydiff.Grad
	Item  ClassificationOutput
}

// TrainStep is implemented by models that can be optimized on a batch.
type TrainStep interface {
	TrainStep(batch Batch) TrainOutput
}

// ValidStep is implemented by models that can be evaluated on a batch.
type ValidStep interface {
	ValidStep(batch Batch) ClassificationOutput
}
