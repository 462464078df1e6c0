package metrics

import "time"

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	items   int
	correct int
	data    time.Duration
	compute time.Duration
	steps   int
	loss    float64
}

// Record adds a new step to the window. loss is the batch mean and correct
// the number of right predictions in the batch.
func (w *Window) Record(items int, dataTime, computeTime time.Duration, loss float64, correct int) {
	w.items += items
	w.correct += correct
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.loss += loss * float64(items)
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ItemsPerSec = float64(w.items) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.items > 0 {
		snap.Loss = w.loss / float64(w.items)
		snap.Accuracy = 100 * float64(w.correct) / float64(w.items)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	ItemsPerSec  float64
	AvgDataMS    float64
	AvgComputeMS float64
	Loss         float64
	Accuracy     float64
}
