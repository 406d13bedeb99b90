// Package mapping adapts a trainable regression model into the probabilistic
// mapping between low-fidelity features and the high-fidelity output.
package mapping

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
)

const component = "mapping"

// Support selects which random variable a prediction describes.
type Support string

const (
	// SupportY is the noisy observation y = f + ε.
	SupportY Support = "y"
	// SupportF is the latent function f.
	SupportF Support = "f"
)

// ParseSupport validates a support name.
func ParseSupport(s string) (Support, error) {
	switch Support(s) {
	case SupportY, SupportF:
		return Support(s), nil
	case "":
		return SupportY, nil
	}
	return "", apperrors.Config(component, "ParseSupport", "unknown support %q, expected \"y\" or \"f\"", s)
}

// Prediction holds posterior moments for each evaluated row.
type Prediction struct {
	Mean     []float64
	Variance []float64
	// Covariance is only set when the full covariance was requested.
	Covariance *mat.SymDense
}

// Regressor is the trainable model behind the mapping.
type Regressor interface {
	Setup(X *mat.Dense, y []float64) error
	Train(ctx context.Context) error
	Predict(X *mat.Dense, support Support, fullCov bool) (*Prediction, error)
}

// Interface is the probabilistic mapping used by the BMFMC model. It owns the
// regressor state; every BuildApproximation retrains from scratch.
type Interface struct {
	regressor Regressor
	logger    *zap.Logger
	trained   bool
}

// New wraps regressor. A nil logger is replaced by a no-op logger.
func New(regressor Regressor, logger *zap.Logger) *Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interface{regressor: regressor, logger: logger.Named(component)}
}

// BuildApproximation sets up and trains the regressor on (Z, y).
func (m *Interface) BuildApproximation(ctx context.Context, Z *mat.Dense, y []float64) error {
	const op = "BuildApproximation"
	if m == nil || m.regressor == nil {
		return apperrors.New(apperrors.KindConfig, "probabilistic mapping has not been properly initialized").
			WithComponent(component).WithOperation(op)
	}
	if Z == nil {
		return apperrors.Data(component, op, "feature matrix is nil")
	}
	if r, _ := Z.Dims(); r != len(y) {
		return apperrors.Data(component, op, "feature matrix has %d rows but %d training outputs were given", r, len(y))
	}

	m.trained = false
	if err := m.regressor.Setup(Z, y); err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "setup failed").WithComponent(component).WithOperation(op)
	}
	if err := m.regressor.Train(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "training failed").WithComponent(component).WithOperation(op)
	}
	m.trained = true

	rows, cols := Z.Dims()
	m.logger.Info("Built probabilistic mapping", zap.Int("rows", rows), zap.Int("features", cols))
	return nil
}

// Evaluate returns posterior mean and variance at every row of Z, plus the
// full covariance when fullCov is set.
func (m *Interface) Evaluate(Z *mat.Dense, support Support, fullCov bool) (*Prediction, error) {
	const op = "Evaluate"
	if m == nil || m.regressor == nil {
		return nil, apperrors.New(apperrors.KindConfig, "probabilistic mapping has not been properly initialized").
			WithComponent(component).WithOperation(op)
	}
	if !m.trained {
		return nil, apperrors.New(apperrors.KindConfig, "probabilistic mapping has not been trained").
			WithComponent(component).WithOperation(op)
	}
	if _, err := ParseSupport(string(support)); err != nil {
		return nil, err
	}

	pred, err := m.regressor.Predict(Z, support, fullCov)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "prediction failed").WithComponent(component).WithOperation(op)
	}
	rows, _ := Z.Dims()
	if len(pred.Mean) != rows || len(pred.Variance) != rows {
		return nil, apperrors.New(apperrors.KindInternal,
			fmt.Sprintf("regressor returned %d means and %d variances for %d rows", len(pred.Mean), len(pred.Variance), rows)).
			WithComponent(component).WithOperation(op)
	}
	if fullCov && pred.Covariance == nil {
		return nil, apperrors.New(apperrors.KindInternal, "regressor did not return the requested covariance").
			WithComponent(component).WithOperation(op)
	}
	return pred, nil
}

// EvaluateGradient is not supported by the mapping.
func (m *Interface) EvaluateGradient(Z *mat.Dense, support Support) (*mat.Dense, error) {
	return nil, apperrors.NotImplemented(component, "EvaluateGradient", "gradient evaluation of the probabilistic mapping is not implemented")
}
