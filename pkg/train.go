package pkg

import (
	"fmt"
	"math"
	mrand "math/rand"
	"sync/atomic"
	"time"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/sgd"
	"github.com/rs/zerolog/log"

	"github.com/rainwangphy/AutoDL-Projects/pkg/io"
	"github.com/rainwangphy/AutoDL-Projects/pkg/model"
)

// Gradient values are clipped elementwise to this magnitude before every
// optimizer step.
const gradientClipValue = 3.0

var seedCounter uint64

// freshSeed derives a distinct run seed when none is configured, so
// unseeded runs are not bit-identical to each other.
func freshSeed() uint64 {
	return uint64(time.Now().UnixNano()) + atomic.AddUint64(&seedCounter, 1)
}

// EvalsResult is the per-epoch training run record: one score per
// partition per completed epoch, append-only.
type EvalsResult struct {
	Train []float64
	Valid []float64
	Test  []float64
}

// QuantModel owns a transformer network together with its training
// state machine: fit, per-epoch evaluation, early stopping, best-epoch
// snapshot selection and persistence, and batched inference.
type QuantModel struct {
	netConfig model.NetConfig
	optConfig OptConfig
	net       *model.Transformer
	seed      uint64
	fitted    bool
}

func NewQuantModel(netConfig model.NetConfig, optConfig OptConfig) (*QuantModel, error) {
	switch optConfig.Optimizer {
	case "adam", "sgd":
	default:
		return nil, model.NewConfigurationError("optimizer %q is not supported", optConfig.Optimizer)
	}
	if optConfig.Loss != "mse" {
		return nil, model.NewConfigurationError("loss %q is not supported", optConfig.Loss)
	}
	if optConfig.Metric != "" && optConfig.Metric != "loss" {
		return nil, model.NewConfigurationError("metric %q is not supported", optConfig.Metric)
	}
	if optConfig.BatchSize <= 0 {
		return nil, model.NewConfigurationError("batch size must be positive, got %d", optConfig.BatchSize)
	}

	net, err := model.NewTransformer(netConfig)
	if err != nil {
		return nil, err
	}

	var seed uint64
	if optConfig.Seed != nil {
		seed = *optConfig.Seed
	} else {
		seed = freshSeed()
		log.Info().Uint64("seed", seed).Msg("no seed configured, derived one for this run")
	}
	net.Init(rand.NewLockedRand(seed))

	if optConfig.GPU >= 0 {
		log.Warn().Int("gpu", optConfig.GPU).Msg("accelerated compute is not available, running on cpu")
	}
	log.Debug().
		Interface("net_config", netConfig).
		Interface("opt_config", optConfig).
		Msg("quant transformer constructed")

	return &QuantModel{
		netConfig: netConfig,
		optConfig: optConfig,
		net:       net,
		seed:      seed,
	}, nil
}

// NewFittedModel wraps an already trained network, e.g. one restored
// from disk, for inference only.
func NewFittedModel(net *model.Transformer, optConfig OptConfig) *QuantModel {
	return &QuantModel{
		netConfig: net.NetConfig,
		optConfig: optConfig,
		net:       net,
		seed:      42,
		fitted:    true,
	}
}

func (m *QuantModel) Network() *model.Transformer {
	return m.net
}

func (m *QuantModel) newOptimizer() *gd.GradientDescent {
	iterator := nn.NewDefaultParamsIterator(m.net)
	clip := gd.ClipGradByValue(gradientClipValue)
	if m.optConfig.Optimizer == "sgd" {
		return gd.NewOptimizer(sgd.New(sgd.NewConfig(m.optConfig.LR, 0.0, false)), iterator, clip)
	}
	config := adam.NewDefaultConfig()
	config.StepSize = m.optConfig.LR
	return gd.NewOptimizer(adam.New(config), iterator, clip)
}

type partitionScores struct {
	train float64
	valid float64
	test  float64
}

func (s partitionScores) String() string {
	return fmt.Sprintf("train-score=%.6f, valid-score=%.6f, test-score=%.6f", s.train, s.valid, s.test)
}

// Fit trains the network until the epoch budget is exhausted or the
// validation score stops improving for EarlyStop consecutive epochs,
// then restores the best-validation snapshot, persists it to savePath
// and marks the model fitted.
func (m *QuantModel) Fit(dataset io.Dataset, evals *EvalsResult, verbose bool, savePath string) error {
	if savePath == "" {
		return model.NewConfigurationError("a save path for the trained parameters is required")
	}
	if evals == nil {
		evals = &EvalsResult{}
	}

	trainSet, err := m.prepareSet(dataset, "train")
	if err != nil {
		return err
	}
	validSet, err := m.prepareSet(dataset, "valid")
	if err != nil {
		return err
	}
	testSet, err := m.prepareSet(dataset, "test")
	if err != nil {
		return err
	}

	logf := func(format string, args ...interface{}) {
		if verbose {
			log.Info().Msgf(format, args...)
		} else {
			log.Debug().Msgf(format, args...)
		}
	}

	optimizer := m.newOptimizer()

	bestParams := m.snapshot()
	bestScore := math.Inf(-1)
	bestEpoch := -1
	stallSteps := 0
	earlyStopped := false
	step := 0

	logf("fit procedure started, save path=%s", savePath)
	logf("before training: %s", m.evaluateAll(trainSet, validSet, testSet))

	for epoch := 0; epoch < m.optConfig.Epochs; epoch++ {
		optimizer.IncEpoch()
		trainSet.ResetOrder(io.RandomOrder)

		epochSquaredError := 0.0
		epochRows := 0
		for batch := range trainSet.Batches(m.optConfig.NumWorkers) {
			batchLoss, rows := m.trainBatch(optimizer, batch, step)
			step++
			epochSquaredError += batchLoss * float64(rows)
			epochRows += rows
		}
		trainLoss := safeRatio(epochSquaredError, epochRows)
		logf("epoch %03d/%03d :: training loss=%.6f, score=%.6f",
			epoch, m.optConfig.Epochs, trainLoss, -trainLoss)

		scores := m.evaluateAll(trainSet, validSet, testSet)
		logf("epoch %03d/%03d :: evaluating %s", epoch, m.optConfig.Epochs, scores)
		evals.Train = append(evals.Train, scores.train)
		evals.Valid = append(evals.Valid, scores.valid)
		evals.Test = append(evals.Test, scores.test)

		if scores.valid > bestScore {
			bestScore = scores.valid
			bestEpoch = epoch
			stallSteps = 0
			bestParams = m.snapshot()
		} else {
			stallSteps++
			if stallSteps >= m.optConfig.EarlyStop {
				logf("early stop at epoch %d, best @%d", epoch, bestEpoch)
				earlyStopped = true
				break
			}
		}
	}

	if bestEpoch < 0 {
		log.Warn().Msg("validation score never improved, keeping the initial parameters")
	}
	if !earlyStopped {
		logf("epoch budget exhausted, best score %.6f @%d", bestScore, bestEpoch)
	}

	m.restore(bestParams)
	if err := io.SaveModelFile(m.net, savePath); err != nil {
		return err
	}
	m.fitted = true
	return nil
}

// prepareSet fetches one labeled partition, validates every row's shape
// against the network and wraps it in a batcher.
func (m *QuantModel) prepareSet(dataset io.Dataset, partition string) (*io.DataSet, error) {
	table, err := dataset.Prepare(partition, true)
	if err != nil {
		return nil, fmt.Errorf("error preparing partition %q: %w", partition, err)
	}
	if err := m.validateTable(table, partition); err != nil {
		return nil, err
	}
	shuffler := mrand.New(mrand.NewSource(int64(m.seed)))
	return io.NewDataSet(io.Records(table), m.optConfig.BatchSize, shuffler), nil
}

func (m *QuantModel) validateTable(table *io.Table, partition string) error {
	for i, features := range table.Features {
		if _, err := m.net.SeqLen(features.Rows()); err != nil {
			return fmt.Errorf("partition %q row %d: %w", partition, i, err)
		}
	}
	return nil
}

// trainBatch runs a forward/backward pass over the rows with a known
// label and applies one optimizer step. Rows with a NaN label are
// excluded from both the loss and the gradient; a batch with no valid
// row contributes nothing.
func (m *QuantModel) trainBatch(optimizer *gd.GradientDescent, batch io.DataBatch, step int) (float64, int) {
	optimizer.IncBatch()

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(m.seed + uint64(step) + 1)))
	defer g.Clear()

	inputs, labels := maskedInputs(g, batch)
	if len(inputs) == 0 {
		return 0, 0
	}

	proc := m.net.NewProc(g).(*model.TransformerProcessor)
	preds := proc.Forward(inputs...)

	var squaredError ag.Node
	for i := range preds {
		diff := g.Sub(preds[i], g.NewScalar(labels[i]))
		squaredError = g.Add(squaredError, g.Prod(diff, diff))
	}
	loss := g.DivScalar(squaredError, g.NewScalar(float64(len(inputs))))

	g.Backward(loss)
	optimizer.Optimize()
	return loss.ScalarValue(), len(inputs)
}

func (m *QuantModel) evaluateAll(trainSet, validSet, testSet *io.DataSet) partitionScores {
	return partitionScores{
		train: -m.evaluate(trainSet),
		valid: -m.evaluate(validSet),
		test:  -m.evaluate(testSet),
	}
}

// evaluate computes the masked mean squared error of one partition in
// its original order, without gradient tracking. A partition with no
// valid label yields 0 rather than NaN.
func (m *QuantModel) evaluate(set *io.DataSet) float64 {
	set.ResetOrder(io.OriginalOrder)
	totalSquaredError := 0.0
	rows := 0
	for batch := range set.Batches(m.optConfig.NumWorkers) {
		g := ag.NewGraph(ag.Rand(rand.NewLockedRand(m.seed)))
		inputs, labels := maskedInputs(g, batch)
		if len(inputs) == 0 {
			g.Clear()
			continue
		}
		proc := m.net.NewProc(g).(*model.TransformerProcessor)
		proc.SetMode(nn.Inference)
		preds := proc.Forward(inputs...)
		for i := range preds {
			diff := preds[i].ScalarValue() - labels[i]
			totalSquaredError += diff * diff
			rows++
		}
		g.Clear()
	}
	return safeRatio(totalSquaredError, rows)
}

// maskedInputs turns the rows of a batch with a known label into input
// nodes, dropping NaN-labeled rows.
func maskedInputs(g *ag.Graph, batch io.DataBatch) ([]ag.Node, []float64) {
	inputs := make([]ag.Node, 0, len(batch))
	labels := make([]float64, 0, len(batch))
	for _, record := range batch {
		if math.IsNaN(record.Label) {
			continue
		}
		inputs = append(inputs, g.NewVariable(record.Features, false))
		labels = append(labels, record.Label)
	}
	return inputs, labels
}

func safeRatio(total float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func (m *QuantModel) snapshot() []mat.Matrix {
	params := m.net.Params()
	values := make([]mat.Matrix, len(params))
	for i, param := range params {
		values[i] = param.Value().Clone()
	}
	return values
}

func (m *QuantModel) restore(values []mat.Matrix) {
	for i, param := range m.net.Params() {
		param.ReplaceValue(values[i].Clone())
	}
}
