package metrics

import "mnist-forge/internal/tensor"

// Accuracy is a running classification accuracy in percent.
type Accuracy struct {
	correct int
	total   int
}

// Update scores a batch of [B,C] outputs against targets and returns the
// number of correct predictions.
func (a *Accuracy) Update(output *tensor.Tensor, targets []int) int {
	preds := output.ArgMax()
	if len(preds) != len(targets) {
		panic("metrics: prediction and target counts differ")
	}
	correct := 0
	for i, p := range preds {
		if p == targets[i] {
			correct++
		}
	}
	a.correct += correct
	a.total += len(targets)
	return correct
}

// Value is the percentage of correct predictions so far, or 0 before any update.
func (a *Accuracy) Value() float64 {
	if a.total == 0 {
		return 0
	}
	return 100 * float64(a.correct) / float64(a.total)
}

func (a *Accuracy) Reset() { *a = Accuracy{} }

// Loss is a running mean of batch losses weighted by batch size.
type Loss struct {
	sum   float64
	count int
}

func (l *Loss) Update(loss float64, batchSize int) {
	l.sum += loss * float64(batchSize)
	l.count += batchSize
}

func (l *Loss) Value() float64 {
	if l.count == 0 {
		return 0
	}
	return l.sum / float64(l.count)
}

func (l *Loss) Reset() { *l = Loss{} }
