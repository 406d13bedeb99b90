package dimred

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Standardizer removes the column mean and divides by the population
// standard deviation. Columns with zero spread keep scale 1.
type Standardizer struct {
	Mean  []float64
	Scale []float64
}

// FitStandardizer estimates per-column mean and scale of X.
func FitStandardizer(X mat.Matrix) *Standardizer {
	n, d := X.Dims()
	s := &Standardizer{Mean: make([]float64, d), Scale: make([]float64, d)}
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, X)
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}
	return s
}

// Transform returns a standardised copy of X.
func (s *Standardizer) Transform(X mat.Matrix) *mat.Dense {
	n, d := X.Dims()
	out := mat.NewDense(n, d, nil)
	out.Apply(func(i, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, X)
	return out
}

// Standardize fits a Standardizer on X and returns the transformed matrix.
func Standardize(X mat.Matrix) *mat.Dense {
	return FitStandardizer(X).Transform(X)
}
