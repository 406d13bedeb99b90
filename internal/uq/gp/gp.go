// Package gp implements Gaussian-process regression used as the BMFMC
// probabilistic mapping between low-fidelity features and high-fidelity output.
package gp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/kernels"
)

const component = "gaussian_process"

// bounds on log hyperparameters during marginal likelihood maximisation
const (
	minLogParam = -12.0
	maxLogParam = 8.0
)

// GP implements a Gaussian Process regression model
type GP struct {
	// Kernel function
	kernel kernels.Kernel

	// Noise variance in normalised output units
	noiseVar float64

	// Training data
	X *mat.Dense    // Input points (n_samples, n_features)
	y *mat.VecDense // Normalised target values (n_samples)

	// output normalisation
	yMean, yStd float64
	normalize   bool

	// Precomputed values
	alpha *mat.VecDense
	L     *mat.Cholesky

	// hyperparameter fitting
	optimizeHyper bool
	restarts      int
	rng           *rand.Rand

	// Matrix pool for reusing kernel matrices during fitting
	matrixPool *MatrixPool

	// Logger for structured logging
	logger *zap.Logger
}

// Option configures a GP.
type Option func(*GP)

// WithLogger sets the logger. The GP logs under the "gaussian_process" name.
func WithLogger(logger *zap.Logger) Option {
	return func(gp *GP) {
		if logger != nil {
			gp.logger = logger.Named(component)
		}
	}
}

// WithHyperparameterOptimization enables maximisation of the log marginal
// likelihood in Fit, starting from the current hyperparameters plus
// restarts random starting points drawn from seed.
func WithHyperparameterOptimization(restarts int, seed int64) Option {
	return func(gp *GP) {
		gp.optimizeHyper = true
		if restarts < 0 {
			restarts = 0
		}
		gp.restarts = restarts
		gp.rng = rand.New(rand.NewSource(seed))
	}
}

// WithoutNormalization disables the standardisation of training outputs.
func WithoutNormalization() Option {
	return func(gp *GP) { gp.normalize = false }
}

// NewGP creates a new Gaussian Process model
func NewGP(kernel kernels.Kernel, noiseVar float64, opts ...Option) *GP {
	gp := &GP{
		kernel:     kernel,
		noiseVar:   noiseVar,
		normalize:  true,
		yStd:       1,
		matrixPool: NewMatrixPool(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(gp)
	}
	return gp
}

func wrap(err error, op string) error {
	return apperrors.Wrap(err, apperrors.KindInternal, "").WithComponent(component).WithOperation(op)
}

func fail(op, msg string) error {
	return apperrors.New(apperrors.KindData, msg).WithComponent(component).WithOperation(op)
}

// Hyperparameters returns the kernel hyperparameters followed by the noise variance.
func (gp *GP) Hyperparameters() []float64 {
	return append(gp.kernel.Hyperparameters(), gp.noiseVar)
}

// Fit fits the GP model to the training data. Any previous fit is discarded.
func (gp *GP) Fit(ctx context.Context, X *mat.Dense, y *mat.VecDense) error {
	const op = "Fit"

	if X == nil || y == nil {
		return fail(op, "input matrices must not be nil")
	}
	if X.IsEmpty() || y.IsEmpty() {
		return fail(op, "input matrix X must not be empty")
	}

	nSamples, nFeatures := X.Dims()
	if nSamples != y.Len() {
		return fail(op, fmt.Sprintf("dimension mismatch: X has %d samples but y has length %d", nSamples, y.Len()))
	}

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", nSamples),
		zap.Int("features", nFeatures),
		zap.Float64("noise_var", gp.noiseVar),
		zap.String("kernel", gp.kernel.Name()),
	)

	gp.X = mat.DenseCopyOf(X)
	gp.y = gp.normalizeTargets(y)
	gp.alpha, gp.L = nil, nil

	if gp.optimizeHyper && nSamples > 1 {
		if err := gp.optimizeHyperparameters(ctx); err != nil {
			return wrap(err, op)
		}
	}

	if err := gp.factorize(); err != nil {
		return wrap(err, op)
	}

	gp.logger.Debug("Successfully fitted GP model",
		zap.Int("samples", nSamples),
		zap.Float64s("hyperparameters", gp.Hyperparameters()),
	)
	return nil
}

func (gp *GP) normalizeTargets(y *mat.VecDense) *mat.VecDense {
	raw := mat.Col(nil, 0, y)
	gp.yMean, gp.yStd = 0, 1
	if gp.normalize {
		mean, std := stat.PopMeanStdDev(raw, nil)
		gp.yMean = mean
		if std > 1e-12 {
			gp.yStd = std
		}
	}
	for i := range raw {
		raw[i] = (raw[i] - gp.yMean) / gp.yStd
	}
	return mat.NewVecDense(len(raw), raw)
}

// fillKernelMatrix writes k(X, X) + (noise+jitter)·I into K.
func (gp *GP) fillKernelMatrix(K *mat.SymDense, jitter float64) {
	n, _ := gp.X.Dims()
	for i := 0; i < n; i++ {
		xi := gp.X.RawRowView(i)
		K.SetSym(i, i, gp.kernel.Eval(xi, xi)+gp.noiseVar+jitter)
		for j := i + 1; j < n; j++ {
			K.SetSym(i, j, gp.kernel.Eval(xi, gp.X.RawRowView(j)))
		}
	}
}

// choleskyWithJitter factorises the training covariance, adding diagonal
// jitter in decades when the matrix is not numerically positive definite.
func (gp *GP) choleskyWithJitter(K *mat.SymDense) (*mat.Cholesky, float64, error) {
	jitter := 0.0
	const maxAttempts = 10

	for attempt := 0; attempt < maxAttempts; attempt++ {
		gp.fillKernelMatrix(K, jitter)
		var chol mat.Cholesky
		if ok := chol.Factorize(K); ok {
			return &chol, jitter, nil
		}
		if jitter == 0 {
			jitter = 1e-12
		} else {
			jitter *= 10
		}
		gp.logger.Debug("Cholesky factorization failed, increasing jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter))
	}
	return nil, jitter, errors.New("cholesky decomposition failed: matrix is not positive definite")
}

func (gp *GP) factorize() error {
	n, _ := gp.X.Dims()
	K := mat.NewSymDense(n, nil)

	chol, jitter, err := gp.choleskyWithJitter(K)
	if err != nil {
		return err
	}
	if jitter > 0 {
		gp.logger.Debug("Factorized with jitter", zap.Float64("jitter", jitter))
	}

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, gp.y); err != nil {
		if !gp.illConditioned(err) {
			return fmt.Errorf("failed to solve linear system: %w", err)
		}
	}

	gp.alpha = alpha
	gp.L = chol
	return nil
}

// negLogMarginalLikelihood evaluates -log p(y | X, θ) for the current hyperparameters.
func (gp *GP) negLogMarginalLikelihood() float64 {
	n, _ := gp.X.Dims()
	K := gp.matrixPool.GetSymDense(n)
	defer gp.matrixPool.PutSymDense(K)

	gp.fillKernelMatrix(K, 0)
	var chol mat.Cholesky
	if ok := chol.Factorize(K); !ok {
		return math.Inf(1)
	}
	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, gp.y); err != nil {
		return math.Inf(1)
	}
	dataFit := mat.Dot(gp.y, alpha)
	return 0.5*dataFit + 0.5*chol.LogDet() + 0.5*float64(n)*math.Log(2*math.Pi)
}

// setLogParams applies [log lengthScale, log signalVar, log noiseVar].
func (gp *GP) setLogParams(theta []float64) error {
	p := make([]float64, len(theta))
	for i, v := range theta {
		p[i] = math.Exp(math.Max(minLogParam, math.Min(v, maxLogParam)))
	}
	if err := gp.kernel.SetHyperparameters(p[:2]); err != nil {
		return err
	}
	gp.noiseVar = p[2]
	return nil
}

func (gp *GP) optimizeHyperparameters(ctx context.Context) error {
	start := gp.Hyperparameters()
	initial := make([]float64, len(start))
	for i, v := range start {
		initial[i] = math.Log(v)
	}

	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			if err := gp.setLogParams(theta); err != nil {
				return math.Inf(1)
			}
			return gp.negLogMarginalLikelihood()
		},
	}

	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 100,
		},
	}

	starts := [][]float64{initial}
	for i := 0; i < gp.restarts; i++ {
		s := make([]float64, len(initial))
		for j := range s {
			s[j] = initial[j] + 2*gp.rng.NormFloat64()
		}
		starts = append(starts, s)
	}

	best := append([]float64(nil), initial...)
	bestVal := problem.Func(best)
	for _, s := range starts {
		if err := ctx.Err(); err != nil {
			return err
		}
		method := &optimize.NelderMead{
			Reflection:  1.0,
			Expansion:   2.0,
			Contraction: 0.5,
			Shrink:      0.5,
			SimplexSize: 0.5,
		}
		result, err := optimize.Minimize(problem, s, settings, method)
		if err != nil || result == nil {
			gp.logger.Debug("Hyperparameter restart failed", zap.Error(err))
			continue
		}
		if !math.IsInf(result.F, 1) && result.F < bestVal {
			bestVal = result.F
			copy(best, result.X)
		}
	}

	if err := gp.setLogParams(best); err != nil {
		return err
	}
	gp.logger.Debug("Optimized hyperparameters",
		zap.Float64("neg_log_marginal_likelihood", bestVal),
		zap.Float64s("hyperparameters", gp.Hyperparameters()),
		zap.Int("starts", len(starts)),
	)
	return nil
}

// Prediction holds the posterior moments at a set of test points, in the
// units of the training outputs.
type Prediction struct {
	Mean *mat.VecDense
	// Variance is the diagonal of the posterior covariance.
	Variance *mat.VecDense
	// Covariance is only set when the full covariance was requested.
	Covariance *mat.SymDense
}

// Predict returns the posterior moments at the rows of X. With noisy set the
// moments describe the observation y = f + ε, otherwise the latent f.
func (gp *GP) Predict(X *mat.Dense, noisy, fullCov bool) (*Prediction, error) {
	const op = "Predict"

	if X == nil {
		return nil, fail(op, "input matrix X is nil")
	}
	if gp == nil || gp.X == nil || gp.alpha == nil || gp.L == nil {
		return nil, fail(op, "model not trained or no training data")
	}

	nTest, dTest := X.Dims()
	nTrain, nFeatures := gp.X.Dims()
	if dTest != nFeatures {
		return nil, fail(op, fmt.Sprintf("dimension mismatch: model has %d features, X has %d", nFeatures, dTest))
	}

	Kstar := mat.NewDense(nTest, nTrain, nil)
	for i := 0; i < nTest; i++ {
		xStar := X.RawRowView(i)
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(xStar, gp.X.RawRowView(j)))
		}
	}

	// mean = K* α, rescaled
	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Kstar, gp.alpha)
	scale2 := gp.yStd * gp.yStd
	for i := 0; i < nTest; i++ {
		mean.SetVec(i, mean.AtVec(i)*gp.yStd+gp.yMean)
	}

	// W = L⁻¹ K*ᵀ so that K* K⁻¹ K*ᵀ = WᵀW
	var Ltri mat.TriDense
	gp.L.LTo(&Ltri)
	var W mat.Dense
	if err := W.Solve(&Ltri, Kstar.T()); err != nil && !gp.illConditioned(err) {
		return nil, wrap(fmt.Errorf("failed to solve triangular system: %w", err), op)
	}

	noise := 0.0
	if noisy {
		noise = gp.noiseVar
	}

	pred := &Prediction{Mean: mean, Variance: mat.NewVecDense(nTest, nil)}
	if fullCov {
		var reduction mat.SymDense
		reduction.SymOuterK(1, W.T())
		cov := mat.NewSymDense(nTest, nil)
		for i := 0; i < nTest; i++ {
			xi := X.RawRowView(i)
			for j := i; j < nTest; j++ {
				v := gp.kernel.Eval(xi, X.RawRowView(j)) - reduction.At(i, j)
				if i == j {
					v = gp.clampVariance(v+noise, i)
				}
				cov.SetSym(i, j, v*scale2)
			}
			pred.Variance.SetVec(i, cov.At(i, i))
		}
		pred.Covariance = cov
		return pred, nil
	}

	col := make([]float64, nTrain)
	for i := 0; i < nTest; i++ {
		xi := X.RawRowView(i)
		mat.Col(col, i, &W)
		v := gp.kernel.Eval(xi, xi) - floats.Dot(col, col)
		pred.Variance.SetVec(i, gp.clampVariance(v+noise, i)*scale2)
	}
	return pred, nil
}

// illConditioned reports whether err only signals a poorly conditioned
// system, in which case gonum still returns a usable solution.
func (gp *GP) illConditioned(err error) bool {
	var cond mat.Condition
	if errors.As(err, &cond) {
		gp.logger.Warn("Ill-conditioned kernel matrix", zap.Float64("condition", float64(cond)))
		return true
	}
	return false
}

func (gp *GP) clampVariance(v float64, i int) float64 {
	if v < 0 {
		gp.logger.Warn("Negative variance detected, clamping to zero",
			zap.Float64("variance", v),
			zap.Int("test_point", i),
		)
		return 0
	}
	return v
}
