package pkg

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/rainwangphy/AutoDL-Projects/pkg/io"
	"github.com/rainwangphy/AutoDL-Projects/pkg/model"
)

// Record is a post-training artifact generator attached to a recorder
// directory.
type Record interface {
	Generate() error
}

type RecordConfig struct {
	Class string `json:"class"`
}

// NewRecord builds the record named by the configuration. Unknown class
// names fail eagerly.
func NewRecord(config RecordConfig, m *QuantModel, dataset io.Dataset, recorder *Recorder) (Record, error) {
	switch config.Class {
	case "SignalRecord":
		return &SignalRecord{model: m, dataset: dataset, recorder: recorder}, nil
	case "SigAnaRecord":
		return &SigAnaRecord{model: m, dataset: dataset, recorder: recorder}, nil
	default:
		return nil, model.NewConfigurationError("record class %q is not supported", config.Class)
	}
}

// SignalRecord writes the model's test-partition predictions to
// pred.csv in the recorder directory.
type SignalRecord struct {
	model    *QuantModel
	dataset  io.Dataset
	recorder *Recorder
}

func (r *SignalRecord) Generate() error {
	series, err := r.model.Predict(r.dataset)
	if err != nil {
		return err
	}
	path := filepath.Join(r.recorder.Dir(), "pred.csv")
	outputFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating prediction file %s: %w", path, err)
	}
	defer outputFile.Close()
	if err := series.WriteCSV(outputFile); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("rows", len(series.Index)).Msg("signal record generated")
	return nil
}

// SigAnaRecord joins the predictions with the test labels and reports
// the information coefficient (Pearson) and its rank variant (Spearman)
// to sig_analysis.json.
type SigAnaRecord struct {
	model    *QuantModel
	dataset  io.Dataset
	recorder *Recorder
}

type SignalAnalysis struct {
	IC     float64 `json:"IC"`
	RankIC float64 `json:"Rank IC"`
	Rows   int     `json:"rows"`
}

func (r *SigAnaRecord) Generate() error {
	series, err := r.model.Predict(r.dataset)
	if err != nil {
		return err
	}
	table, err := r.dataset.Prepare("test", true)
	if err != nil {
		return err
	}
	if table.Size() != len(series.Values) {
		return fmt.Errorf("prediction length %d does not match test partition size %d",
			len(series.Values), table.Size())
	}

	preds := make([]float64, 0, table.Size())
	labels := make([]float64, 0, table.Size())
	for i := range series.Values {
		if math.IsNaN(table.Labels[i]) {
			continue
		}
		preds = append(preds, series.Values[i])
		labels = append(labels, table.Labels[i])
	}
	if len(preds) < 2 {
		return fmt.Errorf("not enough labeled test rows for signal analysis: %d", len(preds))
	}

	analysis := SignalAnalysis{
		IC:     stat.Correlation(preds, labels, nil),
		RankIC: stat.Correlation(ranks(preds), ranks(labels), nil),
		Rows:   len(preds),
	}

	path := filepath.Join(r.recorder.Dir(), "sig_analysis.json")
	encoded, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("error writing signal analysis %s: %w", path, err)
	}
	log.Info().Float64("IC", analysis.IC).Float64("RankIC", analysis.RankIC).Msg("signal analysis generated")
	return nil
}

// ranks maps each value to its ascending rank, averaging ties.
func ranks(values []float64) []float64 {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return values[order[i]] < values[order[j]]
	})
	result := make([]float64, len(values))
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && values[order[j+1]] == values[order[i]] {
			j++
		}
		avg := float64(i+j) / 2.0
		for k := i; k <= j; k++ {
			result[order[k]] = avg
		}
		i = j + 1
	}
	return result
}
