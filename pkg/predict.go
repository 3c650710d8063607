package pkg

import (
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"

	"github.com/rainwangphy/AutoDL-Projects/pkg/io"
	"github.com/rainwangphy/AutoDL-Projects/pkg/model"
)

// Predict runs the fitted network over the test partition in fixed-size
// chunks and returns one score per row, aligned with the partition's
// identifiers in their original order.
func (m *QuantModel) Predict(dataset io.Dataset) (*io.Series, error) {
	if !m.fitted {
		return nil, model.NewStateError("model is not fitted yet")
	}

	table, err := dataset.Prepare("test", false)
	if err != nil {
		return nil, err
	}
	if err := m.validateTable(table, "test"); err != nil {
		return nil, err
	}

	chunkSize := m.optConfig.InferBatchSize
	if chunkSize <= 0 {
		chunkSize = m.optConfig.BatchSize
	}
	if chunkSize <= 0 {
		chunkSize = table.Size()
	}

	series := &io.Series{
		Index:  append([]string(nil), table.Index...),
		Values: make([]float64, table.Size()),
	}
	for begin := 0; begin < table.Size(); begin += chunkSize {
		end := begin + chunkSize
		if end > table.Size() {
			end = table.Size()
		}

		g := ag.NewGraph(ag.Rand(rand.NewLockedRand(m.seed)))
		proc := m.net.NewProc(g).(*model.TransformerProcessor)
		proc.SetMode(nn.Inference)

		inputs := make([]ag.Node, end-begin)
		for i := range inputs {
			inputs[i] = g.NewVariable(table.Features[begin+i], false)
		}
		for i, pred := range proc.Forward(inputs...) {
			series.Values[begin+i] = pred.ScalarValue()
		}
		g.Clear()
	}
	return series, nil
}
