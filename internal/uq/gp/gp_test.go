package gp

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/kernels"
)

func lineData(n int) (*mat.Dense, *mat.VecDense) {
	X := mat.NewDense(n, 1, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1) * 4
		X.Set(i, 0, x)
		y.SetVec(i, math.Sin(x)+0.5*x)
	}
	return X, y
}

func TestGPFitAndPredict(t *testing.T) {
	X, y := lineData(8)

	gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), 1e-8)
	require.NoError(t, gp.Fit(context.Background(), X, y))

	// Prediction at training points interpolates
	pred, err := gp.Predict(X, false, false)
	require.NoError(t, err)
	require.Equal(t, 8, pred.Mean.Len())
	assert.Nil(t, pred.Covariance)
	for i := 0; i < 8; i++ {
		assert.InDelta(t, y.AtVec(i), pred.Mean.AtVec(i), 1e-3, "point %d", i)
		assert.GreaterOrEqual(t, pred.Variance.AtVec(i), 0.0)
		assert.Less(t, pred.Variance.AtVec(i), 1e-3)
	}

	// Far away from the data the posterior reverts to the prior
	far := mat.NewDense(1, 1, []float64{50})
	pred, err = gp.Predict(far, false, false)
	require.NoError(t, err)
	mean, std := 0.0, 0.0
	for i := 0; i < 8; i++ {
		mean += y.AtVec(i) / 8
	}
	for i := 0; i < 8; i++ {
		d := y.AtVec(i) - mean
		std += d * d / 8
	}
	assert.InDelta(t, mean, pred.Mean.AtVec(0), 1e-6)
	assert.InDelta(t, std, pred.Variance.AtVec(0), 1e-6)
}

func TestGPWithNoise(t *testing.T) {
	// Test that noise is handled correctly
	X := mat.NewDense(3, 1, []float64{-1, 0, 1})
	y := mat.NewVecDense(3, []float64{1, 0, 1})

	gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), 0.1, WithoutNormalization())
	require.NoError(t, gp.Fit(context.Background(), X, y))

	latent, err := gp.Predict(X, false, false)
	require.NoError(t, err)
	observed, err := gp.Predict(X, true, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, y.AtVec(i), latent.Mean.AtVec(i), 0.5, "prediction should be close to training data")
		assert.Greater(t, latent.Variance.AtVec(i), 0.0, "variance should be positive")
		assert.InDelta(t, 0.1, observed.Variance.AtVec(i)-latent.Variance.AtVec(i), 1e-12)
		assert.Equal(t, latent.Mean.AtVec(i), observed.Mean.AtVec(i))
	}
}

func TestGPFullCovariance(t *testing.T) {
	X, y := lineData(6)
	gp := NewGP(kernels.NewMatern52Kernel(1.5, 1.0), 1e-4)
	require.NoError(t, gp.Fit(context.Background(), X, y))

	test := mat.NewDense(4, 1, []float64{0.3, 1.1, 2.5, 3.9})
	diag, err := gp.Predict(test, true, false)
	require.NoError(t, err)
	full, err := gp.Predict(test, true, true)
	require.NoError(t, err)
	require.NotNil(t, full.Covariance)

	assert.Equal(t, 4, full.Covariance.SymmetricDim())
	for i := 0; i < 4; i++ {
		assert.InDelta(t, diag.Mean.AtVec(i), full.Mean.AtVec(i), 1e-12)
		assert.InDelta(t, diag.Variance.AtVec(i), full.Covariance.At(i, i), 1e-10)
		assert.InDelta(t, full.Variance.AtVec(i), full.Covariance.At(i, i), 0)
		for j := 0; j < 4; j++ {
			assert.Equal(t, full.Covariance.At(i, j), full.Covariance.At(j, i))
		}
	}
}

func TestGPHyperparameterOptimization(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	X := mat.NewDense(15, 1, nil)
	y := mat.NewVecDense(15, nil)
	for i := 0; i < 15; i++ {
		x := float64(i) * 0.4
		X.Set(i, 0, x)
		y.SetVec(i, math.Sin(x)+0.05*rng.NormFloat64())
	}

	fixed := NewGP(kernels.NewRBFKernel(0.05, 1.0), 1e-2)
	require.NoError(t, fixed.Fit(context.Background(), X, y))
	before := fixed.negLogMarginalLikelihood()

	tuned := NewGP(kernels.NewRBFKernel(0.05, 1.0), 1e-2, WithHyperparameterOptimization(2, 1))
	require.NoError(t, tuned.Fit(context.Background(), X, y))
	after := tuned.negLogMarginalLikelihood()

	assert.LessOrEqual(t, after, before)
	params := tuned.Hyperparameters()
	require.Len(t, params, 3)
	for _, p := range params {
		assert.Greater(t, p, 0.0)
	}
	assert.Greater(t, params[0], 0.05, "length scale should grow for a smooth signal")
}

func TestGPHyperparameterOptimizationIsSeeded(t *testing.T) {
	X, y := lineData(10)
	fit := func() []float64 {
		gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), 1e-3, WithHyperparameterOptimization(3, 42))
		require.NoError(t, gp.Fit(context.Background(), X, y))
		return gp.Hyperparameters()
	}
	assert.Equal(t, fit(), fit())
}

func TestGPFitHonoursContext(t *testing.T) {
	X, y := lineData(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), 1e-3, WithHyperparameterOptimization(1, 1))
	err := gp.Fit(ctx, X, y)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGPErrorHandling(t *testing.T) {
	kernel := kernels.NewRBFKernel(1.0, 1.0)
	gp := NewGP(kernel, 1e-6)

	t.Run("empty input", func(t *testing.T) {
		var emptyX *mat.Dense
		var emptyY *mat.VecDense

		err := gp.Fit(context.Background(), emptyX, emptyY)
		require.Error(t, err, "should error on nil input")
		assert.Contains(t, err.Error(), "input matrices must not be nil")
		assert.ErrorIs(t, err, apperrors.ErrData)

		err = gp.Fit(context.Background(), &mat.Dense{}, &mat.VecDense{})
		require.Error(t, err, "should error on zero-length input")
		assert.Contains(t, err.Error(), "input matrix X must not be empty")
	})

	t.Run("mismatched dimensions", func(t *testing.T) {
		X := mat.NewDense(3, 1, []float64{1, 2, 3})
		y := mat.NewVecDense(2, []float64{1, 2})
		err := gp.Fit(context.Background(), X, y)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch: X has 3 samples but y has length 2")
	})

	t.Run("predict before fit", func(t *testing.T) {
		fresh := NewGP(kernel, 1e-6)
		_, err := fresh.Predict(mat.NewDense(1, 1, []float64{0}), true, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not trained or no training data")
	})

	t.Run("predict with wrong width", func(t *testing.T) {
		X, y := lineData(4)
		require.NoError(t, gp.Fit(context.Background(), X, y))
		_, err := gp.Predict(mat.NewDense(1, 2, []float64{0, 0}), true, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model has 1 features, X has 2")
	})
}

func TestGPDuplicatePointsNeedJitter(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{1, 1, 1, 2})
	y := mat.NewVecDense(4, []float64{1, 1, 1, 2})

	gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), 0)
	require.NoError(t, gp.Fit(context.Background(), X, y))

	pred, err := gp.Predict(X, false, false)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.False(t, math.IsNaN(pred.Mean.AtVec(i)))
		assert.InDelta(t, y.AtVec(i), pred.Mean.AtVec(i), 1e-3)
	}
}

func TestGPLogsUnderComponentName(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	X, y := lineData(5)

	gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), 1e-6, WithLogger(zap.New(core)))
	require.NoError(t, gp.Fit(context.Background(), X, y))

	entries := logs.FilterMessage("Successfully fitted GP model").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "gaussian_process", entries[0].LoggerName)
	assert.EqualValues(t, 5, entries[0].ContextMap()["samples"])
}

func BenchmarkGPFit(b *testing.B) {
	nSamples, nFeatures := 100, 5
	X := mat.NewDense(nSamples, nFeatures, nil)
	y := mat.NewVecDense(nSamples, nil)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < nSamples; i++ {
		for j := 0; j < nFeatures; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
		y.SetVec(i, rng.NormFloat64())
	}

	gp := NewGP(kernels.NewMatern52Kernel(1.0, 1.0), 1e-6)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gp.Fit(context.Background(), X, y)
	}
}

func BenchmarkGPPredictFullCovariance(b *testing.B) {
	X, y := lineData(50)
	gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), 1e-6)
	require.NoError(b, gp.Fit(context.Background(), X, y))

	test := mat.NewDense(200, 1, nil)
	for i := 0; i < 200; i++ {
		test.Set(i, 0, float64(i)*0.02)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = gp.Predict(test, true, true)
	}
}
