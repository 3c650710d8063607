package pkg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rainwangphy/AutoDL-Projects/pkg/io"
	"github.com/rainwangphy/AutoDL-Projects/pkg/model"
)

// TaskConfig is the typed task description consumed by the experiment
// driver: which model to train, where its data lives and which records
// to generate afterwards. Device and market are explicit fields, so
// swapping them is a copy with one field changed instead of key-probing
// a nested mapping.
type TaskConfig struct {
	Model   ModelTask      `json:"model"`
	Dataset DatasetTask    `json:"dataset"`
	Record  []RecordConfig `json:"record"`
}

type ModelTask struct {
	Net model.NetConfig `json:"net"`
	Opt OptConfig       `json:"opt"`
}

type DatasetTask struct {
	Dir    string `json:"dir"`
	Market string `json:"market"`
}

func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Model: ModelTask{
			Net: model.DefaultNetConfig(),
			Opt: DefaultOptConfig(),
		},
	}
}

// LoadTaskConfig reads a JSON task file over the defaults, so a file
// only needs the fields it overrides.
func LoadTaskConfig(path string) (TaskConfig, error) {
	config := DefaultTaskConfig()
	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("error reading task config %s: %w", path, err)
	}
	if err := json.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("error parsing task config %s: %w", path, err)
	}
	return config, nil
}

func (c TaskConfig) WithGPU(gpu int) TaskConfig {
	c.Model.Opt.GPU = gpu
	return c
}

func (c TaskConfig) WithMarket(market string) TaskConfig {
	c.Dataset.Market = market
	return c
}

// Open resolves the dataset directory, with the market as an optional
// subdirectory, and returns a CSV-backed dataset over it.
func (t DatasetTask) Open() *io.CSVDataset {
	dir := t.Dir
	if t.Market != "" {
		dir = filepath.Join(dir, t.Market)
	}
	return io.NewCSVDataset(dir)
}

// Recorder owns one run directory under the experiment storage URI; the
// trained model, log file and generated records land there.
type Recorder struct {
	Experiment string
	Run        string
	dir        string
}

func NewRecorder(uri, experiment, run string) (*Recorder, error) {
	dir := filepath.Join(uri, experiment, run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating recorder directory %s: %w", dir, err)
	}
	return &Recorder{Experiment: experiment, Run: run, dir: dir}, nil
}

func (r *Recorder) Dir() string {
	return r.dir
}

func (r *Recorder) ModelPath() string {
	return filepath.Join(r.dir, "model.gob")
}

// RunExperiment wires a task configuration to a full training run:
// recorder setup, log teeing, fit, parameter persistence and record
// generation.
func RunExperiment(config TaskConfig, dataset io.Dataset, experiment, run, uri string) error {
	recorder, err := NewRecorder(uri, experiment, run)
	if err != nil {
		return err
	}

	logPath := filepath.Join(recorder.Dir(), experiment+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("error creating log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	previousLogger := log.Logger
	log.Logger = log.Output(zerolog.MultiLevelWriter(os.Stderr, logFile))
	defer func() { log.Logger = previousLogger }()

	taskJSON, err := json.Marshal(config)
	if err != nil {
		return err
	}
	log.Info().Str("experiment", experiment).Str("run", run).Str("uri", uri).Msg("experiment started")
	log.Info().RawJSON("task_config", taskJSON).Msg("task parameters")

	m, err := NewQuantModel(config.Model.Net, config.Model.Opt)
	if err != nil {
		return err
	}

	evals := &EvalsResult{}
	if err := m.Fit(dataset, evals, true, recorder.ModelPath()); err != nil {
		return err
	}
	log.Info().Int("epochs_run", len(evals.Valid)).Str("model", recorder.ModelPath()).Msg("fit completed")

	for _, recordConfig := range config.Record {
		record, err := NewRecord(recordConfig, m, dataset, recorder)
		if err != nil {
			return err
		}
		if err := record.Generate(); err != nil {
			return fmt.Errorf("error generating record %q: %w", recordConfig.Class, err)
		}
	}
	return nil
}
