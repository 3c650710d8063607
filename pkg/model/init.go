package model

import (
	"math"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
)

// initTruncNormal fills m with draws from a normal distribution with the
// given standard deviation, resampling any value beyond two standard
// deviations.
func initTruncNormal(m mat.Matrix, std float64, generator *rand.LockedRand) {
	for i := 0; i < m.Rows(); i++ {
		for j := 0; j < m.Columns(); j++ {
			m.Set(i, j, truncatedNormal(std, generator))
		}
	}
}

func truncatedNormal(std float64, generator *rand.LockedRand) float64 {
	for {
		z := generator.NormFloat64()
		if math.Abs(z) <= 2.0 {
			return z * std
		}
	}
}
