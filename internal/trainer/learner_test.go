package trainer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"mnist-forge/internal/config"
	"mnist-forge/internal/dataset"
	"mnist-forge/internal/metrics"
)

func testConfig(t *testing.T, epochs int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ArtifactDir = filepath.Join(t.TempDir(), "guide")
	cfg.Dataset.Source = config.SourceSynthetic
	cfg.Training.NumEpochs = epochs
	cfg.Training.BatchSize = 16
	cfg.Training.NumWorkers = 2
	cfg.Training.Model.HiddenSize = 64
	cfg.LogEvery = 2
	return cfg
}

func synthetic() (dataset.Dataset, dataset.Dataset) {
	return dataset.Synthetic(100, 1), dataset.Synthetic(20, 2)
}

func TestTrainOneEpochWritesArtifacts(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.SaveFinalModel = true
	trainSet, validSet := synthetic()

	res, err := Train(context.Background(), cfg, trainSet, validSet)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	for _, name := range []string{ConfigFile, SummaryFile, HistoryFile, PlotFile, FinalModelFile,
		filepath.Join(CheckpointDir, "model-1.rec.gz"), filepath.Join(CheckpointDir, "optim-1.rec.gz")} {
		if _, err := os.Stat(filepath.Join(cfg.ArtifactDir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(cfg.ArtifactDir, ConfigFile))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var saved struct {
		Model struct {
			NumClasses int     `json:"num_classes"`
			HiddenSize int     `json:"hidden_size"`
			Dropout    float64 `json:"dropout"`
		} `json:"model"`
		Optimizer struct {
			Beta1   float64 `json:"beta_1"`
			Beta2   float64 `json:"beta_2"`
			Epsilon float64 `json:"epsilon"`
		} `json:"optimizer"`
		NumEpochs    int     `json:"num_epochs"`
		BatchSize    int     `json:"batch_size"`
		NumWorkers   int     `json:"num_workers"`
		Seed         int64   `json:"seed"`
		LearningRate float64 `json:"learning_rate"`
	}
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatalf("decode config.json: %v", err)
	}
	if saved.NumEpochs != 1 || saved.BatchSize != 16 || saved.NumWorkers != 2 || saved.Seed != 42 || saved.LearningRate != 1e-4 {
		t.Fatalf("unexpected config.json: %s", raw)
	}
	if saved.Model.NumClasses != 10 || saved.Model.HiddenSize != 64 || saved.Model.Dropout != 0.5 {
		t.Fatalf("unexpected model config: %s", raw)
	}
	if saved.Optimizer.Beta1 != 0.9 || saved.Optimizer.Beta2 != 0.999 || saved.Optimizer.Epsilon != 1e-5 {
		t.Fatalf("unexpected optimizer config: %s", raw)
	}

	if len(res.History.Epochs) != 1 {
		t.Fatalf("expected 1 epoch of history, got %d", len(res.History.Epochs))
	}
	m := res.History.Epochs[0]
	if m.TrainAccuracy <= 0 || m.TrainAccuracy >= 100 {
		t.Fatalf("train accuracy %.2f not strictly between 0 and 100", m.TrainAccuracy)
	}
	if m.ValidAccuracy < 0 || m.ValidAccuracy > 100 || m.TrainLoss <= 0 || m.ValidLoss <= 0 {
		t.Fatalf("implausible metrics %+v", m)
	}

	summary, err := os.ReadFile(filepath.Join(cfg.ArtifactDir, SummaryFile))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.Contains(string(summary), res.RunID) || !strings.Contains(string(summary), "valid acc") {
		t.Fatalf("summary lacks run id or epoch table:\n%s", summary)
	}
}

func TestTrainMnistScenario(t *testing.T) {
	cfg := config.Default()
	cfg.ArtifactDir = filepath.Join(t.TempDir(), "guide")
	cfg.Dataset.Source = config.SourceSynthetic
	cfg.Training.Model.NumClasses = 10
	cfg.Training.Model.HiddenSize = 512
	cfg.Training.Model.Dropout = 0.5
	cfg.Training.BatchSize = 64
	cfg.Training.NumEpochs = 1
	cfg.Training.LearningRate = 1e-4
	cfg.Training.Seed = 42
	trainSet, validSet := dataset.Synthetic(100, 42), dataset.Synthetic(20, 43)

	res, err := Train(context.Background(), cfg, trainSet, validSet)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.ArtifactDir, ConfigFile))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var saved map[string]interface{}
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatalf("decode config.json: %v", err)
	}
	modelCfg, ok := saved["model"].(map[string]interface{})
	if !ok {
		t.Fatalf("config.json has no model object: %s", raw)
	}
	for key, want := range map[string]float64{"num_classes": 10, "hidden_size": 512, "dropout": 0.5} {
		if got, ok := modelCfg[key].(float64); !ok || got != want {
			t.Fatalf("config.json model.%s = %v, want %v", key, modelCfg[key], want)
		}
	}
	for key, want := range map[string]float64{"batch_size": 64, "num_epochs": 1, "learning_rate": 1e-4, "seed": 42} {
		if got, ok := saved[key].(float64); !ok || got != want {
			t.Fatalf("config.json %s = %v, want %v", key, saved[key], want)
		}
	}

	if len(res.History.Epochs) != 1 {
		t.Fatalf("expected 1 epoch of history, got %d", len(res.History.Epochs))
	}
	if acc := res.History.Epochs[0].TrainAccuracy; acc <= 0 || acc >= 100 {
		t.Fatalf("train accuracy %.2f not strictly between 0 and 100", acc)
	}
}

func TestTrainZeroEpochs(t *testing.T) {
	cfg := testConfig(t, 0)
	trainSet, validSet := synthetic()
	res, err := Train(context.Background(), cfg, trainSet, validSet)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(res.History.Epochs) != 0 {
		t.Fatalf("expected empty history")
	}
	summary, err := os.ReadFile(filepath.Join(cfg.ArtifactDir, SummaryFile))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.Contains(string(summary), "no epochs were run") || !strings.Contains(string(summary), "optimizer steps  0") {
		t.Fatalf("unexpected summary:\n%s", summary)
	}
	entries, err := os.ReadDir(filepath.Join(cfg.ArtifactDir, CheckpointDir))
	if err != nil {
		t.Fatalf("read checkpoint dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no checkpoints, found %d", len(entries))
	}
}

func TestTrainIsDeterministic(t *testing.T) {
	run := func() metrics.EpochMetrics {
		cfg := testConfig(t, 1)
		cfg.Training.NumWorkers = 3
		trainSet, validSet := synthetic()
		res, err := Train(context.Background(), cfg, trainSet, validSet)
		if err != nil {
			t.Fatalf("Train: %v", err)
		}
		return res.History.Epochs[0]
	}
	a, b := run(), run()
	if a.TrainLoss != b.TrainLoss || a.ValidLoss != b.ValidLoss || a.ValidAccuracy != b.ValidAccuracy {
		t.Fatalf("same seed diverged: %+v vs %+v", a, b)
	}
}

func TestNewLearnerClearsPreviousArtifacts(t *testing.T) {
	cfg := testConfig(t, 0)
	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(cfg.ArtifactDir, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	trainSet, validSet := synthetic()
	if _, err := NewLearner(cfg, trainSet, validSet); err != nil {
		t.Fatalf("NewLearner: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale artifact survived initialization: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.ArtifactDir, ConfigFile)); err != nil {
		t.Fatalf("config.json not written: %v", err)
	}
}

func TestPrepareArtifactDirPolicies(t *testing.T) {
	orig := removeAll
	defer func() { removeAll = orig }()
	removeAll = func(string) error { return errors.New("device busy") }

	dir := filepath.Join(t.TempDir(), "guide")
	err := PrepareArtifactDir(dir, config.CleanupStrict)
	if !errors.Is(err, ErrArtifactCleanup) {
		t.Fatalf("strict: expected ErrArtifactCleanup, got %v", err)
	}
	if err := PrepareArtifactDir(dir, config.CleanupLenient); err != nil {
		t.Fatalf("lenient: %v", err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("lenient run should still create the dir: %v", err)
	}
}

func TestFitHonoursCancellation(t *testing.T) {
	cfg := testConfig(t, 2)
	trainSet, validSet := synthetic()
	l, err := NewLearner(cfg, trainSet, validSet)
	if err != nil {
		t.Fatalf("NewLearner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Fit(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if l.State() != StateTraining {
		t.Fatalf("state = %v, want training", l.State())
	}
}

func TestResumeContinuesHistory(t *testing.T) {
	cfg := testConfig(t, 2)
	var seen []int
	observer := ObserverFunc(func(h *metrics.History) {
		last, _ := h.Last()
		seen = append(seen, last.Epoch)
	})
	trainSet, validSet := synthetic()
	first, err := Train(context.Background(), cfg, trainSet, validSet, observer)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("observer saw epochs %v", seen)
	}

	cfg.ResumeEpoch = 1
	resumed, err := Train(context.Background(), cfg, trainSet, validSet)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.RunID != first.RunID {
		t.Fatalf("resume should keep run id %s, got %s", first.RunID, resumed.RunID)
	}
	if len(resumed.History.Epochs) != 2 || resumed.History.Epochs[0] != first.History.Epochs[0] {
		t.Fatalf("resumed history %+v does not extend %+v", resumed.History.Epochs, first.History.Epochs)
	}
}

func TestResumeRemovesLaterCheckpoints(t *testing.T) {
	cfg := testConfig(t, 3)
	cfg.CheckpointsKept = 0
	trainSet, validSet := synthetic()
	if _, err := Train(context.Background(), cfg, trainSet, validSet); err != nil {
		t.Fatalf("Train: %v", err)
	}

	cfg.ResumeEpoch = 1
	l, err := NewLearner(cfg, trainSet, validSet)
	if err != nil {
		t.Fatalf("NewLearner: %v", err)
	}
	for _, kind := range []string{"model", "optim"} {
		epochs, err := l.ckpt.Epochs(kind)
		if err != nil {
			t.Fatalf("Epochs: %v", err)
		}
		if len(epochs) != 1 || epochs[0] != 1 {
			t.Fatalf("%s checkpoints after resuming at 1: %v", kind, epochs)
		}
	}
}

func TestNewLearnerRejectsOtherImageSizes(t *testing.T) {
	cfg := testConfig(t, 1)
	small := dataset.NewInMemory([]dataset.Item{{Image: make([]float64, 16*16), Height: 16, Width: 16}})
	_, validSet := synthetic()
	if _, err := NewLearner(cfg, small, validSet); err == nil || !strings.Contains(err.Error(), "16x16") {
		t.Fatalf("NewLearner() = %v, want image size error", err)
	}
}

func TestResumeMissingCheckpoint(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.ResumeEpoch = 1
	trainSet, validSet := synthetic()
	if _, err := NewLearner(cfg, trainSet, validSet); err == nil {
		t.Fatalf("expected error resuming without checkpoints")
	}
}
