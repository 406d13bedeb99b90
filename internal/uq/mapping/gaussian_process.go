package mapping

import (
	"context"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/gp"
	"github.com/copyleftdev/bmfmc/internal/uq/kernels"
)

// GPSettings configures the Gaussian-process regressor.
type GPSettings struct {
	Kernel         string
	LengthScale    float64
	SignalVariance float64
	NoiseVariance  float64
	Optimize       bool
	Restarts       int
	Seed           int64
}

// DefaultGPSettings returns the settings used when an analysis does not
// configure the mapping.
func DefaultGPSettings() GPSettings {
	return GPSettings{
		Kernel:         "rbf",
		LengthScale:    1.0,
		SignalVariance: 1.0,
		NoiseVariance:  1e-4,
		Optimize:       true,
		Restarts:       3,
		Seed:           1,
	}
}

// GaussianProcess is a Regressor backed by gp.GP.
type GaussianProcess struct {
	settings GPSettings
	logger   *zap.Logger

	model *gp.GP
	X     *mat.Dense
	y     *mat.VecDense
}

// NewGaussianProcess validates settings and returns an untrained regressor.
func NewGaussianProcess(settings GPSettings, logger *zap.Logger) (*GaussianProcess, error) {
	if _, err := kernels.New(settings.Kernel, settings.LengthScale, settings.SignalVariance); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindConfig, "invalid mapping kernel").
			WithComponent(component).WithOperation("NewGaussianProcess")
	}
	if settings.NoiseVariance <= 0 {
		return nil, apperrors.Config(component, "NewGaussianProcess", "noise_variance must be positive, got %g", settings.NoiseVariance)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GaussianProcess{settings: settings, logger: logger}, nil
}

// Setup stores the training data and discards any previous model.
func (g *GaussianProcess) Setup(X *mat.Dense, y []float64) error {
	if X == nil || len(y) == 0 {
		return apperrors.Data(component, "Setup", "training data must not be empty")
	}
	g.X = mat.DenseCopyOf(X)
	g.y = mat.NewVecDense(len(y), append([]float64(nil), y...))
	g.model = nil
	return nil
}

// Train fits a fresh GP starting from the configured hyperparameters.
func (g *GaussianProcess) Train(ctx context.Context) error {
	if g.X == nil {
		return apperrors.New(apperrors.KindConfig, "regressor has not been set up").
			WithComponent(component).WithOperation("Train")
	}
	kernel, err := kernels.New(g.settings.Kernel, g.settings.LengthScale, g.settings.SignalVariance)
	if err != nil {
		return err
	}
	opts := []gp.Option{gp.WithLogger(g.logger)}
	if g.settings.Optimize {
		opts = append(opts, gp.WithHyperparameterOptimization(g.settings.Restarts, g.settings.Seed))
	}
	model := gp.NewGP(kernel, g.settings.NoiseVariance, opts...)
	if err := model.Fit(ctx, g.X, g.y); err != nil {
		return err
	}
	g.model = model
	return nil
}

// Predict evaluates the trained GP.
func (g *GaussianProcess) Predict(X *mat.Dense, support Support, fullCov bool) (*Prediction, error) {
	if g.model == nil {
		return nil, apperrors.New(apperrors.KindConfig, "regressor has not been trained").
			WithComponent(component).WithOperation("Predict")
	}
	p, err := g.model.Predict(X, support == SupportY, fullCov)
	if err != nil {
		return nil, err
	}
	return &Prediction{
		Mean:       mat.Col(nil, 0, p.Mean),
		Variance:   mat.Col(nil, 0, p.Variance),
		Covariance: p.Covariance,
	}, nil
}

// Hyperparameters returns the fitted kernel hyperparameters and noise variance.
func (g *GaussianProcess) Hyperparameters() []float64 {
	if g.model == nil {
		return nil
	}
	return g.model.Hyperparameters()
}
