package pkg

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/stretchr/testify/require"

	"github.com/rainwangphy/AutoDL-Projects/pkg/io"
	"github.com/rainwangphy/AutoDL-Projects/pkg/model"
)

func tinyNetConfig() model.NetConfig {
	return model.NetConfig{
		DFeat:     2,
		EmbedDim:  8,
		Depth:     1,
		NumHeads:  2,
		MLPRatio:  2.0,
		QKVBias:   true,
		MaxSeqLen: 65,
	}
}

func tinyOptConfig(seed uint64) OptConfig {
	return OptConfig{
		Epochs:     2,
		LR:         0.01,
		BatchSize:  25,
		EarlyStop:  2,
		Loss:       "mse",
		Optimizer:  "adam",
		NumWorkers: 2,
		GPU:        -1,
		Seed:       &seed,
	}
}

// syntheticTable builds rows of flattened 2x3 feature sequences with a
// label that is a smooth function of the features, so a few epochs of
// training have something to latch onto.
func syntheticTable(offset, rows int) *io.Table {
	table := &io.Table{}
	for i := 0; i < rows; i++ {
		features := make([]float64, 6)
		sum := 0.0
		for j := range features {
			features[j] = math.Sin(float64(offset+i)*0.1 + float64(j))
			sum += features[j]
		}
		table.Index = append(table.Index, "row-"+string(rune('0'+i/10))+string(rune('0'+i%10)))
		table.Features = append(table.Features, mat.NewVecDense(features))
		table.Labels = append(table.Labels, sum/6.0)
	}
	return table
}

func syntheticDataset() *io.MemDataset {
	return &io.MemDataset{Partitions: map[string]*io.Table{
		"train": syntheticTable(0, 60),
		"valid": syntheticTable(60, 20),
		"test":  syntheticTable(80, 20),
	}}
}

func TestNewQuantModelConfigErrors(t *testing.T) {
	var configErr *model.ConfigurationError

	opt := tinyOptConfig(1)
	opt.Optimizer = "rmsprop"
	_, err := NewQuantModel(tinyNetConfig(), opt)
	require.Error(t, err)
	require.True(t, errors.As(err, &configErr))

	opt = tinyOptConfig(1)
	opt.Loss = "mae"
	_, err = NewQuantModel(tinyNetConfig(), opt)
	require.Error(t, err)
	require.True(t, errors.As(err, &configErr))

	opt = tinyOptConfig(1)
	opt.Metric = "ic"
	_, err = NewQuantModel(tinyNetConfig(), opt)
	require.Error(t, err)
	require.True(t, errors.As(err, &configErr))

	opt = tinyOptConfig(1)
	opt.Optimizer = "sgd"
	_, err = NewQuantModel(tinyNetConfig(), opt)
	require.NoError(t, err)
}

func TestPredictBeforeFit(t *testing.T) {
	m, err := NewQuantModel(tinyNetConfig(), tinyOptConfig(1))
	require.NoError(t, err)

	_, err = m.Predict(syntheticDataset())
	require.Error(t, err)
	var stateErr *model.StateError
	require.True(t, errors.As(err, &stateErr))
}

func TestFitEarlyStopWithFrozenLearning(t *testing.T) {
	// With a zero learning rate the validation score improves once over
	// the -inf baseline at epoch 0 and then stays constant, so training
	// must stop after early_stop further epochs.
	opt := tinyOptConfig(3)
	opt.Epochs = 5
	opt.EarlyStop = 1
	opt.LR = 0.0

	m, err := NewQuantModel(tinyNetConfig(), opt)
	require.NoError(t, err)

	savePath := filepath.Join(t.TempDir(), "model.gob")
	evals := &EvalsResult{}
	require.NoError(t, m.Fit(syntheticDataset(), evals, false, savePath))

	require.Equal(t, 2, len(evals.Train))
	require.Equal(t, 2, len(evals.Valid))
	require.Equal(t, 2, len(evals.Test))
	require.Equal(t, evals.Valid[0], evals.Valid[1])

	_, err = os.Stat(savePath)
	require.NoError(t, err)
}

func TestFitRunRecordAndArtifact(t *testing.T) {
	opt := tinyOptConfig(5)
	opt.Epochs = 3
	opt.EarlyStop = 3

	m, err := NewQuantModel(tinyNetConfig(), opt)
	require.NoError(t, err)

	savePath := filepath.Join(t.TempDir(), "artifacts", "model.gob")
	evals := &EvalsResult{}
	require.NoError(t, m.Fit(syntheticDataset(), evals, false, savePath))

	require.Equal(t, 3, len(evals.Valid))
	for _, score := range evals.Valid {
		require.False(t, math.IsNaN(score))
	}

	// The persisted artifact must predict exactly like the restored
	// in-memory model.
	loaded, err := io.LoadModelFile(savePath)
	require.NoError(t, err)
	fromDisk := NewFittedModel(loaded, opt)

	inMemory, err := m.Predict(syntheticDataset())
	require.NoError(t, err)
	persisted, err := fromDisk.Predict(syntheticDataset())
	require.NoError(t, err)
	require.Equal(t, inMemory.Index, persisted.Index)
	require.Equal(t, inMemory.Values, persisted.Values)
}

func TestFitAllMissingLabels(t *testing.T) {
	blank := func(offset, rows int) *io.Table {
		table := syntheticTable(offset, rows)
		for i := range table.Labels {
			table.Labels[i] = math.NaN()
		}
		return table
	}
	dataset := &io.MemDataset{Partitions: map[string]*io.Table{
		"train": blank(0, 30),
		"valid": blank(30, 10),
		"test":  blank(40, 10),
	}}

	opt := tinyOptConfig(2)
	opt.Epochs = 1
	m, err := NewQuantModel(tinyNetConfig(), opt)
	require.NoError(t, err)

	evals := &EvalsResult{}
	savePath := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, m.Fit(dataset, evals, false, savePath))

	require.Equal(t, 1, len(evals.Valid))
	require.Equal(t, 0.0, evals.Train[0])
	require.Equal(t, 0.0, evals.Valid[0])
	require.Equal(t, 0.0, evals.Test[0])
}

func TestFitDeterminism(t *testing.T) {
	run := func() (*EvalsResult, []float64) {
		m, err := NewQuantModel(tinyNetConfig(), tinyOptConfig(9))
		require.NoError(t, err)
		evals := &EvalsResult{}
		savePath := filepath.Join(t.TempDir(), "model.gob")
		require.NoError(t, m.Fit(syntheticDataset(), evals, false, savePath))

		var flat []float64
		for _, param := range m.Network().Params() {
			flat = append(flat, param.Value().Data()...)
		}
		return evals, flat
	}

	firstEvals, firstParams := run()
	secondEvals, secondParams := run()
	require.Equal(t, firstEvals, secondEvals)
	require.Equal(t, firstParams, secondParams)
}

func TestUnseededModelsDiffer(t *testing.T) {
	build := func() []float64 {
		opt := tinyOptConfig(0)
		opt.Seed = nil
		m, err := NewQuantModel(tinyNetConfig(), opt)
		require.NoError(t, err)

		var flat []float64
		for _, param := range m.Network().Params() {
			flat = append(flat, param.Value().Data()...)
		}
		return flat
	}

	require.NotEqual(t, build(), build())
}

func TestPredictOrderInvariance(t *testing.T) {
	opt := tinyOptConfig(4)
	opt.Epochs = 1
	m, err := NewQuantModel(tinyNetConfig(), opt)
	require.NoError(t, err)
	require.NoError(t, m.Fit(syntheticDataset(), nil, false, filepath.Join(t.TempDir(), "model.gob")))

	dataset := syntheticDataset()
	wide, err := m.Predict(dataset)
	require.NoError(t, err)

	m.optConfig.InferBatchSize = 7
	narrow, err := m.Predict(dataset)
	require.NoError(t, err)

	require.Equal(t, dataset.Partitions["test"].Index, wide.Index)
	require.Equal(t, wide.Index, narrow.Index)
	require.Equal(t, wide.Values, narrow.Values)
}

func TestFitRejectsMisshapenRows(t *testing.T) {
	dataset := syntheticDataset()
	dataset.Partitions["train"].Features[0] = mat.NewVecDense([]float64{1, 2, 3, 4, 5})

	m, err := NewQuantModel(tinyNetConfig(), tinyOptConfig(1))
	require.NoError(t, err)
	err = m.Fit(dataset, nil, false, filepath.Join(t.TempDir(), "model.gob"))
	require.Error(t, err)
}
