package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mnist-forge/internal/checkpoint"
	"mnist-forge/internal/config"
	"mnist-forge/internal/dataset"
	"mnist-forge/internal/model"
	"mnist-forge/internal/monitor"
	"mnist-forge/internal/tensor"
	"mnist-forge/internal/trainer"
)

const usage = `usage: mnist-forge [train] [flags]
       mnist-forge predict [flags] image...`

func main() {
	args := os.Args[1:]
	cmd := "train"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "train":
		runTrain(args)
	case "predict":
		runPredict(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
	klog.Flush()
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usage)
		fs.PrintDefaults()
	}
	klog.InitFlags(fs)
	return fs
}

func runTrain(args []string) {
	fs := newFlagSet("train")
	cfgPath := fs.String("config", "", "Path to YAML config (defaults apply when empty)")
	artifactDir := fs.String("artifact-dir", "", "Override artifact directory")
	device := fs.String("device", "", "Compute device (only cpu is supported)")
	source := fs.String("source", "", "Dataset source: mnist, idx, webdataset or synthetic")
	dataDir := fs.String("data-dir", "", "Directory holding the MNIST idx files")
	cleanup := fs.String("cleanup", "", "Artifact cleanup policy: strict or lenient")
	monitorAddr := fs.String("monitor", "", "Serve a live monitor on this address")
	epochs := fs.Int("epochs", 0, "Number of epochs")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	numWorkers := fs.Int("num-workers", 0, "Number of data loader workers")
	seed := fs.Int64("seed", 0, "PRNG seed")
	lr := fs.Float64("lr", 0, "Learning rate")
	logEvery := fs.Int("log-every", 0, "Log every N steps")
	resumeEpoch := fs.Int("resume-epoch", 0, "Resume from the checkpoint of this epoch")
	saveModel := fs.Bool("save-model", false, "Write the final model to the artifact directory")
	fs.Parse(args)

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			klog.Fatalf("failed to load config: %v", err)
		}
	}

	overrides := config.Overrides{
		ArtifactDir: *artifactDir,
		Device:      *device,
		Source:      *source,
		DataDir:     *dataDir,
		Cleanup:     *cleanup,
		MonitorAddr: *monitorAddr,
	}
	// Numeric flags apply only when given, so an explicit 0 still overrides.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "epochs":
			overrides.Epochs = epochs
		case "batch-size":
			overrides.BatchSize = batchSize
		case "num-workers":
			overrides.NumWorkers = numWorkers
		case "seed":
			overrides.Seed = seed
		case "lr":
			overrides.LearningRate = lr
		case "log-every":
			overrides.LogEvery = logEvery
		}
	})
	cfg.ApplyOverrides(overrides)
	if *resumeEpoch > 0 {
		cfg.ResumeEpoch = *resumeEpoch
	}
	if *saveModel {
		cfg.SaveFinalModel = true
	}

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trainSet, testSet, err := dataset.Open(ctx, cfg.Dataset, cfg.Training.Seed)
	if err != nil {
		klog.Fatalf("open dataset: %v", err)
	}
	klog.InfoS("dataset ready", "source", cfg.Dataset.Source, "train", trainSet.Len(), "test", testSet.Len())

	var observers []trainer.Observer
	if cfg.MonitorAddr != "" {
		mon := monitor.New(cfg.Training)
		observers = append(observers, mon)
		go func() {
			if err := mon.ListenAndServe(ctx, cfg.MonitorAddr); err != nil {
				klog.ErrorS(err, "monitor stopped")
			}
		}()
	}

	res, err := trainer.Train(ctx, cfg, trainSet, testSet, observers...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			klog.Warning("training interrupted")
			klog.Flush()
			os.Exit(130)
		}
		klog.Fatalf("training failed: %v", err)
	}
	if best, ok := res.History.Best(); ok {
		klog.InfoS("best epoch", "epoch", best.Epoch, "valid_accuracy", best.ValidAccuracy)
	}
	fmt.Println(filepath.Join(cfg.ArtifactDir, trainer.SummaryFile))
}

func runPredict(args []string) {
	fs := newFlagSet("predict")
	modelPath := fs.String("model", filepath.Join("/tmp/guide", trainer.FinalModelFile), "Model record to load")
	artifactDir := fs.String("artifact-dir", "", "Load a checkpoint from this artifact directory instead of -model")
	epoch := fs.Int("epoch", 0, "Checkpoint epoch to load with -artifact-dir")
	device := fs.String("device", "cpu", "Compute device (only cpu is supported)")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	dev, err := tensor.ParseDevice(*device)
	if err != nil {
		klog.Fatalf("%v", err)
	}
	mdl, err := loadModel(dev, *modelPath, *artifactDir, *epoch)
	if err != nil {
		klog.Fatalf("load model: %v", err)
	}

	items := make([]dataset.Item, 0, fs.NArg())
	for _, path := range fs.Args() {
		f, err := os.Open(path)
		if err != nil {
			klog.Fatalf("open image: %v", err)
		}
		pixels, err := dataset.ReadImage(f, dataset.ImageSize)
		f.Close()
		if err != nil {
			klog.Fatalf("%s: %v", path, err)
		}
		items = append(items, dataset.Item{Image: pixels, Height: dataset.ImageSize, Width: dataset.ImageSize})
	}
	batch, err := dataset.NewBatcher(dev, mdl.NumClasses()).Batch(items)
	if err != nil {
		klog.Fatalf("batch images: %v", err)
	}

	classes, probs := mdl.Predict(batch.Images)
	for i, path := range fs.Args() {
		row := probs.Row(i)
		fmt.Printf("%s\t%d\t%.4f\n", path, classes[i], row[classes[i]])
		klog.V(1).InfoS("probabilities", "image", path, "p", row)
	}
}

func loadModel(dev tensor.Device, modelPath, artifactDir string, epoch int) (*model.Model, error) {
	var rec checkpoint.Record
	var err error
	if artifactDir != "" {
		dir := filepath.Join(artifactDir, trainer.CheckpointDir)
		ckpt, cerr := checkpoint.NewFileCheckpointer(dir, checkpoint.CompactRecorder(), 0)
		if cerr != nil {
			return nil, cerr
		}
		if epoch <= 0 {
			epochs, lerr := ckpt.Epochs("model")
			if lerr != nil {
				return nil, lerr
			}
			if len(epochs) == 0 {
				return nil, errors.Errorf("no model checkpoints in %s", dir)
			}
			epoch = epochs[len(epochs)-1]
		}
		rec, err = ckpt.Load("model", epoch)
	} else {
		rec, err = checkpoint.CompactRecorder().Load(modelPath)
	}
	if err != nil {
		return nil, err
	}
	cfg, err := model.ConfigFromRecord(rec)
	if err != nil {
		return nil, err
	}
	mdl := cfg.Init(dev, rand.New(rand.NewSource(0)))
	if err := mdl.LoadRecord(rec); err != nil {
		return nil, err
	}
	klog.V(1).InfoS("model loaded", "epoch", rec.Epoch, "params", mdl.NumParams())
	return mdl, nil
}
