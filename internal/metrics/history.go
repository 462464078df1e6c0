package metrics

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Metric names accepted by Series and the plot writers.
const (
	MetricLoss     = "loss"
	MetricAccuracy = "accuracy"
)

// EpochMetrics is the aggregate of one finished epoch.
type EpochMetrics struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValidLoss     float64 `json:"valid_loss"`
	ValidAccuracy float64 `json:"valid_accuracy"`
	Seconds       float64 `json:"seconds"`
	ItemsPerSec   float64 `json:"items_per_sec"`
}

// History is the per-epoch record of a run.
type History struct {
	RunID  string         `json:"run_id"`
	Epochs []EpochMetrics `json:"epochs"`
}

func NewHistory(runID string) *History {
	return &History{RunID: runID, Epochs: []EpochMetrics{}}
}

func (h *History) Append(m EpochMetrics) { h.Epochs = append(h.Epochs, m) }

// Last returns the most recent epoch.
func (h *History) Last() (EpochMetrics, bool) {
	if len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Best returns the epoch with the highest validation accuracy, earliest first on ties.
func (h *History) Best() (EpochMetrics, bool) {
	if len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	best := h.Epochs[0]
	for _, m := range h.Epochs[1:] {
		if m.ValidAccuracy > best.ValidAccuracy {
			best = m
		}
	}
	return best, true
}

// Series returns the train and valid values of metric in epoch order.
func (h *History) Series(metric string) (train, valid []float64, err error) {
	if metric != MetricLoss && metric != MetricAccuracy {
		return nil, nil, errors.Errorf("metrics: unknown metric %q", metric)
	}
	train = make([]float64, len(h.Epochs))
	valid = make([]float64, len(h.Epochs))
	for i, m := range h.Epochs {
		if metric == MetricLoss {
			train[i], valid[i] = m.TrainLoss, m.ValidLoss
		} else {
			train[i], valid[i] = m.TrainAccuracy, m.ValidAccuracy
		}
	}
	return train, valid, nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (h *History) Clone() *History {
	return &History{RunID: h.RunID, Epochs: append([]EpochMetrics{}, h.Epochs...)}
}

// Save writes the history as indented JSON.
func (h *History) Save(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return errors.Wrapf(os.WriteFile(path, append(data, '\n'), 0o644), "write history %s", path)
}

// LoadHistory reads a history written by Save.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read history %s", path)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errors.Wrapf(err, "decode history %s", path)
	}
	return &h, nil
}
