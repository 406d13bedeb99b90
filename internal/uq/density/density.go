// Package density evaluates the Gaussian-mixture estimate of the
// high-fidelity output density and its posterior variance on a fixed support.
package density

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat/distuv"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
)

const component = "density"

// DefaultSupportPoints is the size of the support grid.
const DefaultSupportPoints = 200

// NewGrid returns n equally spaced points from min to max inclusive.
func NewGrid(min, max float64, n int) ([]float64, error) {
	if n < 2 {
		return nil, apperrors.Config(component, "NewGrid", "support needs at least 2 points, got %d", n)
	}
	if !(max > min) || math.IsInf(min, 0) || math.IsInf(max, 0) {
		return nil, apperrors.Config(component, "NewGrid", "invalid support range [%g, %g]", min, max)
	}
	return floats.Span(make([]float64, n), min, max), nil
}

// GaussianPDF evaluates the normal density with the given mean and standard
// deviation at every point of support.
func GaussianPDF(support []float64, mean, std float64) []float64 {
	out := make([]float64, len(support))
	n := distuv.Normal{Mu: mean, Sigma: std}
	for i, y := range support {
		out[i] = n.Prob(y)
	}
	return out
}

// MeanDensity averages the predictive Gaussians N(means[i], variances[i]) on
// support.
func MeanDensity(support, means, variances []float64) ([]float64, error) {
	const op = "MeanDensity"
	if len(means) == 0 {
		return nil, apperrors.Data(component, op, "no predictions given")
	}
	if len(means) != len(variances) {
		return nil, apperrors.Data(component, op, "got %d means but %d variances", len(means), len(variances))
	}

	out := make([]float64, len(support))
	for i, m := range means {
		if err := checkVariance(op, i, variances[i]); err != nil {
			return nil, err
		}
		floats.Add(out, GaussianPDF(support, m, math.Sqrt(variances[i])))
	}
	floats.Scale(1/float64(len(means)), out)
	return out, nil
}

func checkVariance(op string, i int, v float64) error {
	if !(v > 0) || math.IsInf(v, 0) {
		return apperrors.Errorf(apperrors.KindNumerical,
			"predictive variance of point %d is %g, expected a positive finite value", i, v).
			WithComponent(component).WithOperation(op)
	}
	return nil
}

// Trapezoid integrates values over support with the trapezoidal rule.
func Trapezoid(support, values []float64) float64 {
	if len(support) < 2 || len(support) != len(values) {
		return 0
	}
	return integrate.Trapezoidal(support, values)
}
