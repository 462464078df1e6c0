package trainer

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mnist-forge/internal/checkpoint"
	"mnist-forge/internal/config"
	"mnist-forge/internal/dataset"
	"mnist-forge/internal/metrics"
	"mnist-forge/internal/model"
	"mnist-forge/internal/optim"
	"mnist-forge/internal/tensor"
)

// Artifact file names relative to the artifact directory.
const (
	ConfigFile     = "config.json"
	SummaryFile    = "summary.txt"
	HistoryFile    = "history.json"
	PlotFile       = "metrics.svg"
	FinalModelFile = "model.rec.gz"
	CheckpointDir  = "checkpoint"
)

// Observer is notified after every finished epoch with a private copy of the
// history so far.
type Observer interface {
	OnEpoch(history *metrics.History)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(history *metrics.History)

func (f ObserverFunc) OnEpoch(history *metrics.History) { f(history) }

// Result is what a finished fit returns.
type Result struct {
	RunID   string
	Model   *model.Model
	History *metrics.History
}

// Learner drives a model through the configured number of epochs.
type Learner struct {
	cfg    *config.Config
	device tensor.Device

	model   *model.Model
	optim   *optim.Adam
	train   *dataset.DataLoader
	valid   *dataset.DataLoader
	ckpt    *checkpoint.FileCheckpointer
	history *metrics.History

	observers  []Observer
	startEpoch int

	mu    sync.Mutex
	state State
}

// NewLearner performs initialization: it prepares the artifact directory,
// writes config.json, and builds the model, optimizer and loaders from the
// configured seed. With a non-zero resume epoch the artifact directory is kept
// and model and optimizer state are restored from that epoch's checkpoint.
func NewLearner(cfg *config.Config, trainSet, validSet dataset.Dataset, observers ...Observer) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	device, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	for name, ds := range map[string]dataset.Dataset{"train": trainSet, "valid": validSet} {
		if err := checkImageSize(name, ds); err != nil {
			return nil, err
		}
	}
	l := &Learner{cfg: cfg, device: device, observers: observers, state: StateInitializing}

	if cfg.ResumeEpoch > 0 {
		if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create artifact dir %s", cfg.ArtifactDir)
		}
	} else if err := PrepareArtifactDir(cfg.ArtifactDir, cfg.Cleanup); err != nil {
		return nil, err
	}

	tc := cfg.Training
	if err := tc.Save(l.path(ConfigFile)); err != nil {
		return nil, errors.Wrap(err, "save config")
	}

	rng := rand.New(rand.NewSource(tc.Seed))
	l.model = tc.Model.Init(device, rng)
	l.optim = tc.Optimizer.Init()

	batcher := dataset.NewBatcher(device, tc.Model.NumClasses)
	opts := dataset.LoaderOptions{BatchSize: tc.BatchSize, NumWorkers: tc.NumWorkers, Seed: tc.Seed, Shuffle: true}
	if l.train, err = dataset.NewDataLoader(trainSet, batcher, opts); err != nil {
		return nil, errors.Wrap(err, "train loader")
	}
	if l.valid, err = dataset.NewDataLoader(validSet, batcher, opts); err != nil {
		return nil, errors.Wrap(err, "valid loader")
	}

	l.ckpt, err = checkpoint.NewFileCheckpointer(l.path(CheckpointDir), checkpoint.CompactRecorder(), cfg.CheckpointsKept)
	if err != nil {
		return nil, err
	}

	l.history = metrics.NewHistory(uuid.NewString())
	if cfg.ResumeEpoch > 0 {
		if err := l.resume(cfg.ResumeEpoch); err != nil {
			return nil, err
		}
	}

	klog.InfoS("learner initialized",
		"run_id", l.history.RunID,
		"device", device.Describe(),
		"params", l.model.NumParams(),
		"train_items", l.train.NumItems(),
		"valid_items", l.valid.NumItems(),
		"start_epoch", l.startEpoch+1,
		"num_epochs", tc.NumEpochs,
	)
	return l, nil
}

// checkImageSize rejects datasets whose images the model cannot consume.
func checkImageSize(name string, ds dataset.Dataset) error {
	item, ok := ds.Get(0)
	if !ok {
		return nil
	}
	if item.Height != model.ImageSize || item.Width != model.ImageSize {
		return errors.Errorf("%s dataset has %dx%d images, the model takes %dx%d",
			name, item.Height, item.Width, model.ImageSize, model.ImageSize)
	}
	return nil
}

func (l *Learner) resume(epoch int) error {
	rec, err := l.ckpt.Load("model", epoch)
	if err != nil {
		return err
	}
	if err := l.model.LoadRecord(rec); err != nil {
		return err
	}
	rec, err = l.ckpt.Load("optim", epoch)
	if err != nil {
		return err
	}
	if err := l.optim.LoadRecord(rec, l.model.Params()); err != nil {
		return err
	}
	if err := l.ckpt.PruneAfter(epoch); err != nil {
		return err
	}
	if h, err := metrics.LoadHistory(l.path(HistoryFile)); err == nil {
		kept := h.Epochs[:0]
		for _, m := range h.Epochs {
			if m.Epoch <= epoch {
				kept = append(kept, m)
			}
		}
		h.Epochs = kept
		l.history = h
	} else {
		klog.Warningf("no usable history to resume from, starting a new one: %v", err)
	}
	l.train.SkipEpochs(epoch)
	l.valid.SkipEpochs(epoch)
	l.startEpoch = epoch
	klog.InfoS("resumed from checkpoint", "epoch", epoch, "optimizer_steps", l.optim.Steps())
	return nil
}

// Model returns the model being trained.
func (l *Learner) Model() *model.Model { return l.model }

// State reports the current phase.
func (l *Learner) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Learner) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	klog.V(3).InfoS("learner state", "state", s)
}

func (l *Learner) path(name string) string {
	return filepath.Join(l.cfg.ArtifactDir, name)
}

// Fit runs the remaining epochs and writes the run artifacts. Cancelling ctx
// stops the run between batches and returns ctx.Err().
func (l *Learner) Fit(ctx context.Context) (*Result, error) {
	for epoch := l.startEpoch + 1; epoch <= l.cfg.Training.NumEpochs; epoch++ {
		started := time.Now()

		l.setState(StateTraining)
		trainLoss, trainAcc, itemsPerSec, err := l.trainEpoch(ctx, epoch)
		if err != nil {
			return nil, errors.Wrapf(err, "train epoch %d", epoch)
		}

		l.setState(StateValidating)
		validLoss, validAcc, err := l.validEpoch(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "valid epoch %d", epoch)
		}

		em := metrics.EpochMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValidLoss:     validLoss,
			ValidAccuracy: validAcc,
			Seconds:       time.Since(started).Seconds(),
			ItemsPerSec:   itemsPerSec,
		}
		l.history.Append(em)
		klog.InfoS("epoch finished",
			"epoch", epoch,
			"train_loss", em.TrainLoss,
			"train_accuracy", em.TrainAccuracy,
			"valid_loss", em.ValidLoss,
			"valid_accuracy", em.ValidAccuracy,
			"seconds", em.Seconds,
		)

		l.setState(StateCheckpointing)
		if err := l.checkpoint(epoch); err != nil {
			return nil, err
		}
		for _, o := range l.observers {
			o.OnEpoch(l.history.Clone())
		}
	}

	l.setState(StateFinished)
	if err := l.finish(); err != nil {
		return nil, err
	}
	return &Result{RunID: l.history.RunID, Model: l.model, History: l.history}, nil
}

func (l *Learner) trainEpoch(ctx context.Context, epoch int) (loss, accuracy, itemsPerSec float64, err error) {
	var (
		lossMetric metrics.Loss
		accMetric  metrics.Accuracy
		window     metrics.Window
		items      int
	)
	lr := l.cfg.Training.LearningRate
	params := l.model.Params()
	epochStart := time.Now()

	batches, errs := l.train.Iter(ctx)
	step := 0
	waitStart := time.Now()
	for batch := range batches {
		if ctx.Err() != nil {
			break
		}
		dataTime := time.Since(waitStart)

		computeStart := time.Now()
		out := l.model.TrainStep(batch)
		l.optim.Step(lr, params, out.Grads)
		computeTime := time.Since(computeStart)

		batchLoss := out.Item.Loss
		lossMetric.Update(batchLoss, batch.Len())
		correct := accMetric.Update(out.Item.Output, batch.Targets)
		window.Record(batch.Len(), dataTime, computeTime, batchLoss, correct)
		items += batch.Len()

		step++
		if step%l.cfg.LogEvery == 0 {
			snap := window.Snapshot()
			klog.InfoS("train",
				"epoch", epoch,
				"step", step,
				"of", l.train.NumBatches(),
				"images_per_sec", snap.ItemsPerSec,
				"data_ms", snap.AvgDataMS,
				"compute_ms", snap.AvgComputeMS,
				"loss", snap.Loss,
				"accuracy", snap.Accuracy,
			)
		}
		waitStart = time.Now()
	}
	if err := <-errs; err != nil {
		return 0, 0, 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, err
	}
	if elapsed := time.Since(epochStart).Seconds(); elapsed > 0 {
		itemsPerSec = float64(items) / elapsed
	}
	return lossMetric.Value(), accMetric.Value(), itemsPerSec, nil
}

func (l *Learner) validEpoch(ctx context.Context) (loss, accuracy float64, err error) {
	var (
		lossMetric metrics.Loss
		accMetric  metrics.Accuracy
	)
	batches, errs := l.valid.Iter(ctx)
	for batch := range batches {
		if ctx.Err() != nil {
			break
		}
		out := l.model.ValidStep(batch)
		lossMetric.Update(out.Loss, batch.Len())
		accMetric.Update(out.Output, batch.Targets)
	}
	if err := <-errs; err != nil {
		return 0, 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	return lossMetric.Value(), accMetric.Value(), nil
}

func (l *Learner) checkpoint(epoch int) error {
	if err := l.ckpt.Save(epoch, l.model.Record()); err != nil {
		return err
	}
	if err := l.ckpt.Save(epoch, l.optim.Record()); err != nil {
		return err
	}
	if err := l.ckpt.Prune(epoch); err != nil {
		return err
	}
	return l.history.Save(l.path(HistoryFile))
}

func (l *Learner) finish() error {
	if err := l.history.Save(l.path(HistoryFile)); err != nil {
		return err
	}
	if err := writeSummary(l.path(SummaryFile), l.summary()); err != nil {
		return err
	}
	if err := writePlot(l.path(PlotFile), l.history); err != nil {
		return err
	}
	if l.cfg.SaveFinalModel {
		path := l.path(FinalModelFile)
		if err := checkpoint.CompactRecorder().Save(path, l.model.Record()); err != nil {
			return errors.Wrap(err, "save final model")
		}
		klog.InfoS("final model written", "path", path)
	}
	klog.InfoS("training finished", "run_id", l.history.RunID, "epochs", len(l.history.Epochs), "artifact_dir", l.cfg.ArtifactDir)
	return nil
}

func (l *Learner) summary() summary {
	return summary{
		RunID:       l.history.RunID,
		Device:      l.device.Describe(),
		NumParams:   l.model.NumParams(),
		TrainItems:  l.train.NumItems(),
		ValidItems:  l.valid.NumItems(),
		Steps:       l.optim.Steps(),
		Training:    l.cfg.Training,
		History:     l.history,
		ArtifactDir: l.cfg.ArtifactDir,
	}
}

// Train initializes a Learner and runs it to completion.
func Train(ctx context.Context, cfg *config.Config, trainSet, validSet dataset.Dataset, observers ...Observer) (*Result, error) {
	l, err := NewLearner(cfg, trainSet, validSet, observers...)
	if err != nil {
		return nil, err
	}
	return l.Fit(ctx)
}
