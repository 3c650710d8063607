package pkg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/stretchr/testify/require"

	"github.com/rainwangphy/AutoDL-Projects/pkg/model"
)

func fittedTinyModel(t *testing.T, seed uint64) *QuantModel {
	net, err := model.NewTransformer(tinyNetConfig())
	require.NoError(t, err)
	net.Init(rand.NewLockedRand(seed))
	return NewFittedModel(net, tinyOptConfig(seed))
}

func TestRanks(t *testing.T) {
	require.Equal(t, []float64{1, 0, 2}, ranks([]float64{0.2, 0.1, 0.3}))
	// Ties share the average of the positions they span.
	require.Equal(t, []float64{0.5, 0.5, 2}, ranks([]float64{1.0, 1.0, 2.0}))
	require.Equal(t, []float64{0}, ranks([]float64{42}))
}

func TestNewRecordUnknownClass(t *testing.T) {
	recorder, err := NewRecorder(t.TempDir(), "exp", "run")
	require.NoError(t, err)
	_, err = NewRecord(RecordConfig{Class: "PortAnaRecord"}, fittedTinyModel(t, 1), syntheticDataset(), recorder)
	require.Error(t, err)
}

func TestSignalRecordGenerate(t *testing.T) {
	recorder, err := NewRecorder(t.TempDir(), "exp", "run")
	require.NoError(t, err)

	record, err := NewRecord(RecordConfig{Class: "SignalRecord"}, fittedTinyModel(t, 1), syntheticDataset(), recorder)
	require.NoError(t, err)
	require.NoError(t, record.Generate())

	content, err := os.ReadFile(filepath.Join(recorder.Dir(), "pred.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Equal(t, 21, len(lines)) // header plus one row per test sample
	require.Equal(t, "id,score", lines[0])
}

func TestSigAnaRecordGenerate(t *testing.T) {
	recorder, err := NewRecorder(t.TempDir(), "exp", "run")
	require.NoError(t, err)

	record, err := NewRecord(RecordConfig{Class: "SigAnaRecord"}, fittedTinyModel(t, 1), syntheticDataset(), recorder)
	require.NoError(t, err)
	require.NoError(t, record.Generate())

	content, err := os.ReadFile(filepath.Join(recorder.Dir(), "sig_analysis.json"))
	require.NoError(t, err)
	analysis := SignalAnalysis{}
	require.NoError(t, json.Unmarshal(content, &analysis))
	require.Equal(t, 20, analysis.Rows)
	require.GreaterOrEqual(t, analysis.IC, -1.0)
	require.LessOrEqual(t, analysis.IC, 1.0)
	require.GreaterOrEqual(t, analysis.RankIC, -1.0)
	require.LessOrEqual(t, analysis.RankIC, 1.0)
}
