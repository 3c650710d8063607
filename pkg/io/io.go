package io

import (
	"encoding/csv"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nlpodyssey/spago/pkg/mat"

	"github.com/rainwangphy/AutoDL-Projects/pkg/model"
)

// Table is one prepared data partition: flattened per-row feature
// vectors aligned with their row identifiers and, optionally, labels.
// A label may be NaN when the target is unknown for that row.
type Table struct {
	Index    []string
	Features []*mat.Dense
	Labels   []float64
}

func (t *Table) Size() int {
	return len(t.Index)
}

// Dataset is the external collaborator that hands out prepared
// partitions. Implementations must return rows in a stable order.
type Dataset interface {
	Prepare(partition string, withLabels bool) (*Table, error)
}

// CSVDataset reads partitions from <dir>/<partition>.csv. The expected
// header is "id,<feature columns...>[,label]"; an empty or "nan" label
// cell parses to NaN.
type CSVDataset struct {
	Dir string
}

func NewCSVDataset(dir string) *CSVDataset {
	return &CSVDataset{Dir: dir}
}

func (d *CSVDataset) Prepare(partition string, withLabels bool) (*Table, error) {
	fileName := filepath.Join(d.Dir, partition+".csv")
	inputFile, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("error opening partition file: %w", err)
	}
	defer inputFile.Close()

	reader := csv.NewReader(inputFile)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading data header from %s: %w", fileName, err)
	}
	if len(header) < 2 || header[0] != "id" {
		return nil, fmt.Errorf("%s: first header column must be \"id\"", fileName)
	}
	hasLabel := header[len(header)-1] == "label"
	if withLabels && !hasLabel {
		return nil, fmt.Errorf("%s has no label column", fileName)
	}
	featureEnd := len(header)
	if hasLabel {
		featureEnd--
	}

	table := &Table{}
	if withLabels {
		table.Labels = []float64{}
	}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", fileName, err)
		}
		line++
		features := make([]float64, featureEnd-1)
		for i := 1; i < featureEnd; i++ {
			value, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: error parsing feature %s: %w", fileName, line, header[i], err)
			}
			features[i-1] = value
		}
		table.Index = append(table.Index, record[0])
		table.Features = append(table.Features, mat.NewVecDense(features))
		if withLabels {
			table.Labels = append(table.Labels, parseLabel(record[len(header)-1]))
		}
	}
	return table, nil
}

func parseLabel(value string) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "nan") {
		return math.NaN()
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return math.NaN()
	}
	return parsed
}

// MemDataset serves partitions from memory.
type MemDataset struct {
	Partitions map[string]*Table
}

func (d *MemDataset) Prepare(partition string, withLabels bool) (*Table, error) {
	table, ok := d.Partitions[partition]
	if !ok {
		return nil, fmt.Errorf("unknown partition %q", partition)
	}
	if withLabels {
		if table.Labels == nil {
			return nil, fmt.Errorf("partition %q has no labels", partition)
		}
		return table, nil
	}
	return &Table{Index: table.Index, Features: table.Features}, nil
}

// Series is a labeled prediction vector aligned with a table's row
// identifiers, in the table's original order.
type Series struct {
	Index  []string
	Values []float64
}

func (s *Series) WriteCSV(writer io.Writer) error {
	if _, err := fmt.Fprintln(writer, "id,score"); err != nil {
		return err
	}
	for i := range s.Index {
		if _, err := fmt.Fprintf(writer, "%s,%.8f\n", s.Index[i], s.Values[i]); err != nil {
			return err
		}
	}
	return nil
}

func SaveModel(net *model.Transformer, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	if err := encoder.Encode(net); err != nil {
		return fmt.Errorf("error encoding model: %w", err)
	}
	return nil
}

// SaveModelFile persists the network to path, creating missing parent
// directories.
func SaveModelFile(net *model.Transformer, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating model directory: %w", err)
		}
	}
	outputFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating model file %s: %w", path, err)
	}
	defer outputFile.Close()
	return SaveModel(net, outputFile)
}

func LoadModel(input io.Reader) (*model.Transformer, error) {
	decoder := gob.NewDecoder(input)
	net := model.Transformer{}
	if err := decoder.Decode(&net); err != nil {
		return nil, fmt.Errorf("error decoding model: %w", err)
	}
	return &net, nil
}

func LoadModelFile(path string) (*model.Transformer, error) {
	inputFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening model file %s: %w", path, err)
	}
	defer inputFile.Close()
	return LoadModel(inputFile)
}
