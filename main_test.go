package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePartition(t *testing.T, dir, partition string, rows int) {
	var b strings.Builder
	b.WriteString("id,f0,f1,f2,f3,f4,f5,label\n")
	for i := 0; i < rows; i++ {
		b.WriteString(fmt.Sprintf("%s%02d", partition, i))
		for j := 0; j < 6; j++ {
			b.WriteString(fmt.Sprintf(",%.4f", math.Sin(float64(i*6+j))))
		}
		b.WriteString(fmt.Sprintf(",%.4f\n", math.Cos(float64(i))))
	}
	path := filepath.Join(dir, partition+".csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestTrainAndPredict(t *testing.T) {
	dataDir := t.TempDir()
	writePartition(t, dataDir, "train", 30)
	writePartition(t, dataDir, "valid", 10)
	writePartition(t, dataDir, "test", 10)
	modelFile := filepath.Join(t.TempDir(), "quant.model")

	trainCmd := TrainCommand()
	trainCmd.SetArgs(strings.Split(
		"-i "+dataDir+" -o "+modelFile+" -f 2 -d 8 -s 1 --num-heads 2 -b 10 -n 2 -e 2 -x 7", " "))
	require.NoError(t, trainCmd.Execute())
	_, err := os.Stat(modelFile)
	require.NoError(t, err)

	predFile := filepath.Join(t.TempDir(), "pred.csv")
	predictCmd := PredictCommand()
	predictCmd.SetArgs(strings.Split("-m "+modelFile+" -i "+dataDir+" -o "+predFile, " "))
	require.NoError(t, predictCmd.Execute())

	content, err := os.ReadFile(predFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Equal(t, 11, len(lines))
	require.Equal(t, "id,score", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "test00,"))
}
