package metrics

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/plot/vg"

	"mnist-forge/internal/tensor"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2, 32)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8, 48)
	snap := w.Snapshot()
	if math.Abs(snap.ItemsPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ItemsPerSec)
	}
	if w.items != 0 || w.steps != 0 {
		t.Fatalf("window was not reset")
	}
	if math.Abs(snap.Loss-1.0) > 1e-12 {
		t.Fatalf("expected mean loss 1.0, got %.4f", snap.Loss)
	}
	if snap.Accuracy != 62.5 || snap.Steps != 2 {
		t.Fatalf("unexpected accuracy %.2f steps %d", snap.Accuracy, snap.Steps)
	}
}

func TestAccuracyAndLoss(t *testing.T) {
	out := tensor.New(tensor.CPU(), tensor.Shape{3, 2}, []float64{
		0.9, 0.1,
		0.2, 0.8,
		0.6, 0.4,
	})
	var acc Accuracy
	if got := acc.Update(out, []int{0, 1, 1}); got != 2 {
		t.Fatalf("correct = %d, want 2", got)
	}
	if math.Abs(acc.Value()-200.0/3) > 1e-9 {
		t.Fatalf("accuracy = %v", acc.Value())
	}
	acc.Reset()
	if acc.Value() != 0 {
		t.Fatalf("reset accuracy = %v", acc.Value())
	}

	var loss Loss
	loss.Update(2, 1)
	loss.Update(1, 3)
	if math.Abs(loss.Value()-1.25) > 1e-12 {
		t.Fatalf("loss = %v, want 1.25", loss.Value())
	}
}

func sampleHistory() *History {
	h := NewHistory("run")
	h.Append(EpochMetrics{Epoch: 1, TrainLoss: 2, ValidLoss: 1.5, TrainAccuracy: 40, ValidAccuracy: 55})
	h.Append(EpochMetrics{Epoch: 2, TrainLoss: 1, ValidLoss: 0.9, TrainAccuracy: 70, ValidAccuracy: 80})
	h.Append(EpochMetrics{Epoch: 3, TrainLoss: 0.8, ValidLoss: 1.0, TrainAccuracy: 75, ValidAccuracy: 78})
	return h
}

func TestHistoryQueries(t *testing.T) {
	h := sampleHistory()
	best, _ := h.Best()
	if best.Epoch != 2 {
		t.Fatalf("best epoch = %d", best.Epoch)
	}
	last, _ := h.Last()
	if last.Epoch != 3 {
		t.Fatalf("last epoch = %d", last.Epoch)
	}
	train, valid, err := h.Series(MetricLoss)
	if err != nil || train[1] != 1 || valid[2] != 1.0 {
		t.Fatalf("Series = %v %v %v", train, valid, err)
	}
	if _, _, err := h.Series("f1"); err == nil {
		t.Fatalf("expected unknown metric error")
	}
	if _, ok := NewHistory("x").Best(); ok {
		t.Fatalf("empty history has no best epoch")
	}
}

func TestHistorySaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	h := sampleHistory()
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := LoadHistory(path)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if back.RunID != "run" || len(back.Epochs) != 3 || back.Epochs[1] != h.Epochs[1] {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestWriteSVG(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSVG(&buf, sampleHistory(), MetricAccuracy, 4*vg.Inch, 3*vg.Inch); err != nil {
		t.Fatalf("WriteSVG: %v", err)
	}
	if !strings.Contains(buf.String(), "<svg") {
		t.Fatalf("output is not svg")
	}
	buf.Reset()
	if err := WriteSummarySVG(&buf, NewHistory("empty"), 8*vg.Inch, 3*vg.Inch); err != nil {
		t.Fatalf("WriteSummarySVG on empty history: %v", err)
	}
	if !strings.Contains(buf.String(), "<svg") {
		t.Fatalf("summary output is not svg")
	}
}
