package pkg

// OptConfig controls the training loop. GPU selects a device index;
// spago computes on the CPU, so any non-negative index is reported and
// ignored rather than mutating process-global device state. Seed, when
// set, makes initialization and training deterministic; when unset a
// distinct seed is derived per run and logged.
type OptConfig struct {
	Epochs         int     `json:"epochs"`
	LR             float64 `json:"lr"`
	BatchSize      int     `json:"batch_size"`
	InferBatchSize int     `json:"infer_batch_size"`
	EarlyStop      int     `json:"early_stop"`
	Loss           string  `json:"loss"`
	Optimizer      string  `json:"optimizer"`
	Metric         string  `json:"metric"`
	NumWorkers     int     `json:"num_workers"`
	GPU            int     `json:"GPU"`
	Seed           *uint64 `json:"seed"`
}

func DefaultOptConfig() OptConfig {
	return OptConfig{
		Epochs:     200,
		LR:         0.001,
		BatchSize:  2000,
		EarlyStop:  20,
		Loss:       "mse",
		Optimizer:  "adam",
		NumWorkers: 4,
		GPU:        -1,
	}
}
