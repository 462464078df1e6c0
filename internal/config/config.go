package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mnist-forge/internal/model"
	"mnist-forge/internal/optim"
)

// Dataset sources.
const (
	SourceMNIST      = "mnist"
	SourceIDX        = "idx"
	SourceWebDataset = "webdataset"
	SourceSynthetic  = "synthetic"
)

// Artifact directory cleanup policies.
const (
	CleanupStrict  = "strict"
	CleanupLenient = "lenient"
)

// TrainingConfig holds the hyper-parameters of a run. It is written verbatim to
// config.json in the artifact directory.
type TrainingConfig struct {
	Model        model.Config     `yaml:"model" json:"model"`
	Optimizer    optim.AdamConfig `yaml:"optimizer" json:"optimizer"`
	NumEpochs    int              `yaml:"num_epochs" json:"num_epochs"`
	BatchSize    int              `yaml:"batch_size" json:"batch_size"`
	NumWorkers   int              `yaml:"num_workers" json:"num_workers"`
	Seed         int64            `yaml:"seed" json:"seed"`
	LearningRate float64          `yaml:"learning_rate" json:"learning_rate"`
}

// NewTrainingConfig returns the defaults for the given model and optimizer.
func NewTrainingConfig(m model.Config, o optim.AdamConfig) TrainingConfig {
	return TrainingConfig{
		Model:        m,
		Optimizer:    o,
		NumEpochs:    10,
		BatchSize:    64,
		NumWorkers:   4,
		Seed:         42,
		LearningRate: 1.0e-4,
	}
}

// Validate verifies the hyper-parameters are runnable. Zero epochs is allowed.
func (c TrainingConfig) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return errors.Wrap(err, "model")
	}
	if err := c.Optimizer.Validate(); err != nil {
		return errors.Wrap(err, "optimizer")
	}
	if c.NumEpochs < 0 {
		return errors.Errorf("num_epochs must be >= 0 (got %d)", c.NumEpochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate)
	}
	return nil
}

// Save writes the config as indented JSON.
func (c TrainingConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	return nil
}

// LoadTrainingConfig reads a config.json written by Save.
func LoadTrainingConfig(path string) (TrainingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TrainingConfig{}, errors.Wrapf(err, "read config %s", path)
	}
	var c TrainingConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return TrainingConfig{}, errors.Wrapf(err, "decode config %s", path)
	}
	return c, nil
}

// DatasetConfig selects where items come from.
type DatasetConfig struct {
	Source         string `yaml:"source"`
	Dir            string `yaml:"dir"`
	TrainRoot      string `yaml:"train_root"`
	TestRoot       string `yaml:"test_root"`
	SyntheticItems int    `yaml:"synthetic_items"`
}

// Config captures the runtime knobs for a training run.
type Config struct {
	ArtifactDir     string         `yaml:"artifact_dir"`
	Device          string         `yaml:"device"`
	Cleanup         string         `yaml:"cleanup"`
	CheckpointsKept int            `yaml:"checkpoints_kept"`
	SaveFinalModel  bool           `yaml:"save_final_model"`
	ResumeEpoch     int            `yaml:"resume_epoch"`
	LogEvery        int            `yaml:"log_every"`
	MonitorAddr     string         `yaml:"monitor_addr"`
	Dataset         DatasetConfig  `yaml:"dataset"`
	Training        TrainingConfig `yaml:"training"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ArtifactDir:     "/tmp/guide",
		Device:          "cpu",
		Cleanup:         CleanupStrict,
		CheckpointsKept: 2,
		LogEvery:        50,
		Dataset: DatasetConfig{
			Source:         SourceMNIST,
			Dir:            filepath.Join(os.TempDir(), "mnist"),
			SyntheticItems: 1000,
		},
		Training: NewTrainingConfig(model.NewConfig(10, 512), optim.DefaultAdamConfig()),
	}
}

// Overrides captures CLI supplied values. Empty strings and nil pointers leave
// the config untouched; a non-nil pointer is applied even when it points at
// zero.
type Overrides struct {
	ArtifactDir  string
	Device       string
	Source       string
	DataDir      string
	Cleanup      string
	MonitorAddr  string
	Epochs       *int
	BatchSize    *int
	NumWorkers   *int
	Seed         *int64
	LearningRate *float64
	LogEvery     *int
}

// Load reads a YAML config on top of Default and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg with every override that was set.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ArtifactDir != "" {
		c.ArtifactDir = o.ArtifactDir
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Source != "" {
		c.Dataset.Source = o.Source
	}
	if o.DataDir != "" {
		c.Dataset.Dir = o.DataDir
	}
	if o.Cleanup != "" {
		c.Cleanup = o.Cleanup
	}
	if o.MonitorAddr != "" {
		c.MonitorAddr = o.MonitorAddr
	}
	if o.Epochs != nil {
		c.Training.NumEpochs = *o.Epochs
	}
	if o.BatchSize != nil {
		c.Training.BatchSize = *o.BatchSize
	}
	if o.NumWorkers != nil {
		c.Training.NumWorkers = *o.NumWorkers
	}
	if o.Seed != nil {
		c.Training.Seed = *o.Seed
	}
	if o.LearningRate != nil {
		c.Training.LearningRate = *o.LearningRate
	}
	if o.LogEvery != nil {
		c.LogEvery = *o.LogEvery
	}
}

// Validate verifies the config is runnable. It never modifies c.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ArtifactDir == "" {
		return errors.New("artifact_dir must be set")
	}
	switch c.Cleanup {
	case CleanupStrict, CleanupLenient:
	default:
		return errors.Errorf("cleanup must be %q or %q (got %q)", CleanupStrict, CleanupLenient, c.Cleanup)
	}
	switch c.Dataset.Source {
	case SourceMNIST:
	case SourceIDX:
		if c.Dataset.Dir == "" {
			return errors.New("dataset.dir must be set for idx source")
		}
	case SourceWebDataset:
		if c.Dataset.TrainRoot == "" || c.Dataset.TestRoot == "" {
			return errors.New("dataset.train_root and dataset.test_root must be set for webdataset source")
		}
	case SourceSynthetic:
		if c.Dataset.SyntheticItems <= 0 {
			return errors.Errorf("dataset.synthetic_items must be > 0 (got %d)", c.Dataset.SyntheticItems)
		}
	default:
		return errors.Errorf("unknown dataset source %q", c.Dataset.Source)
	}
	if c.CheckpointsKept < 0 {
		return errors.Errorf("checkpoints_kept must be >= 0 (got %d)", c.CheckpointsKept)
	}
	if c.ResumeEpoch < 0 || c.ResumeEpoch > c.Training.NumEpochs {
		return errors.Errorf("resume_epoch must be in [0,%d] (got %d)", c.Training.NumEpochs, c.ResumeEpoch)
	}
	if c.LogEvery <= 0 {
		return errors.Errorf("log_every must be > 0 (got %d)", c.LogEvery)
	}
	return c.Training.Validate()
}
