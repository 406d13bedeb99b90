// Package diagnostics measures how well the probabilistic mapping reproduces
// the high-fidelity training data.
package diagnostics

import (
	"context"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/features"
	"github.com/copyleftdev/bmfmc/internal/uq/mapping"
)

const component = "diagnostics"

// Supported error measures.
const (
	SumSquared              = "sum_squared"
	MeanSquared             = "mean_squared"
	RootMeanSquared         = "root_mean_squared"
	SumAbs                  = "sum_abs"
	MeanAbs                 = "mean_abs"
	AbsMax                  = "abs_max"
	NashSutcliffeEfficiency = "nash_sutcliffe_efficiency"
)

type measureFunc func(observed, predicted stats.Float64Data) (float64, error)

var measures = map[string]measureFunc{
	SumSquared: func(o, p stats.Float64Data) (float64, error) {
		return stats.Sum(squaredResiduals(o, p))
	},
	MeanSquared: func(o, p stats.Float64Data) (float64, error) {
		return stats.Mean(squaredResiduals(o, p))
	},
	RootMeanSquared: func(o, p stats.Float64Data) (float64, error) {
		m, err := stats.Mean(squaredResiduals(o, p))
		return math.Sqrt(m), err
	},
	SumAbs: func(o, p stats.Float64Data) (float64, error) {
		return stats.Sum(absResiduals(o, p))
	},
	MeanAbs: func(o, p stats.Float64Data) (float64, error) {
		return stats.Mean(absResiduals(o, p))
	},
	AbsMax: func(o, p stats.Float64Data) (float64, error) {
		return stats.Max(absResiduals(o, p))
	},
	NashSutcliffeEfficiency: nashSutcliffe,
}

// Measures lists the supported measure names in sorted order.
func Measures() []string {
	names := make([]string, 0, len(measures))
	for name := range measures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateMeasures returns a configuration error for the first unknown name.
func ValidateMeasures(names []string) error {
	for _, name := range names {
		if _, ok := measures[name]; !ok {
			return apperrors.Config(component, "ValidateMeasures", "unknown error measure %q", name)
		}
	}
	return nil
}

func squaredResiduals(o, p stats.Float64Data) stats.Float64Data {
	out := make(stats.Float64Data, len(o))
	for i := range o {
		d := o[i] - p[i]
		out[i] = d * d
	}
	return out
}

func absResiduals(o, p stats.Float64Data) stats.Float64Data {
	out := make(stats.Float64Data, len(o))
	for i := range o {
		out[i] = math.Abs(o[i] - p[i])
	}
	return out
}

// nashSutcliffe is 1 - Σ(o-p)² / Σ(o-mean(o))².
func nashSutcliffe(o, p stats.Float64Data) (float64, error) {
	num, err := stats.Sum(squaredResiduals(o, p))
	if err != nil {
		return math.NaN(), err
	}
	mean, err := stats.Mean(o)
	if err != nil {
		return math.NaN(), err
	}
	den := 0.0
	for _, v := range o {
		den += (v - mean) * (v - mean)
	}
	if den == 0 {
		return math.NaN(), apperrors.Data(component, "nashSutcliffe", "efficiency is undefined for constant observations")
	}
	return 1 - num/den, nil
}

// ErrorMeasures evaluates the named measures on observed versus predicted.
func ErrorMeasures(observed, predicted []float64, names []string) (map[string]float64, error) {
	const op = "ErrorMeasures"
	if err := ValidateMeasures(names); err != nil {
		return nil, err
	}
	if len(observed) != len(predicted) {
		return nil, apperrors.Data(component, op, "got %d observations but %d predictions", len(observed), len(predicted))
	}
	if len(observed) == 0 {
		return nil, apperrors.Data(component, op, "no observations")
	}
	out := make(map[string]float64, len(names))
	for _, name := range names {
		v, err := measures[name](observed, predicted)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.KindData, "computing %s", name).
				WithComponent(component).WithOperation(op)
		}
		out[name] = v
	}
	return out, nil
}

// CrossValidate predicts every training output from a regressor trained on
// the other folds. Folds are contiguous and unshuffled; predictions use
// the latent support.
func CrossValidate(ctx context.Context, regressor mapping.Regressor, Z *mat.Dense, y []float64, folds int) ([]float64, error) {
	const op = "CrossValidate"
	n, _ := Z.Dims()
	if n != len(y) {
		return nil, apperrors.Data(component, op, "feature matrix has %d rows but %d outputs were given", n, len(y))
	}
	if folds < 2 || folds > n {
		return nil, apperrors.Config(component, op, "cross-validation needs between 2 and %d folds, got %d", n, folds)
	}

	out := make([]float64, n)
	for f := 0; f < folds; f++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lo, hi := foldBounds(n, folds, f)
		train := make([]int, 0, n-(hi-lo))
		test := make([]int, 0, hi-lo)
		for i := 0; i < n; i++ {
			if i >= lo && i < hi {
				test = append(test, i)
			} else {
				train = append(train, i)
			}
		}
		yTrain := make([]float64, len(train))
		for k, i := range train {
			yTrain[k] = y[i]
		}

		if err := regressor.Setup(features.SelectRows(Z, train), yTrain); err != nil {
			return nil, err
		}
		if err := regressor.Train(ctx); err != nil {
			return nil, err
		}
		pred, err := regressor.Predict(features.SelectRows(Z, test), mapping.SupportF, false)
		if err != nil {
			return nil, err
		}
		for k, i := range test {
			out[i] = pred.Mean[k]
		}
	}
	return out, nil
}

// foldBounds splits n rows into k contiguous folds, the first n%k one larger.
func foldBounds(n, k, f int) (int, int) {
	size, rem := n/k, n%k
	lo := f*size + min(f, rem)
	hi := lo + size
	if f < rem {
		hi++
	}
	return lo, hi
}
