package mapping

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
)

// recordingRegressor counts calls and predicts the first column of X.
type recordingRegressor struct {
	setups, trains int
	trainErr       error
	lastSupport    Support
}

func (r *recordingRegressor) Setup(X *mat.Dense, y []float64) error {
	r.setups++
	return nil
}

func (r *recordingRegressor) Train(ctx context.Context) error {
	r.trains++
	return r.trainErr
}

func (r *recordingRegressor) Predict(X *mat.Dense, support Support, fullCov bool) (*Prediction, error) {
	r.lastSupport = support
	n, _ := X.Dims()
	p := &Prediction{Mean: mat.Col(nil, 0, X), Variance: make([]float64, n)}
	for i := range p.Variance {
		p.Variance[i] = 0.01
	}
	if fullCov {
		p.Covariance = mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			p.Covariance.SetSym(i, i, 0.01)
		}
	}
	return p, nil
}

func TestBuildApproximationRetrainsEveryCall(t *testing.T) {
	r := &recordingRegressor{}
	m := New(r, nil)
	Z := mat.NewDense(3, 1, []float64{1, 2, 3})

	require.NoError(t, m.BuildApproximation(context.Background(), Z, []float64{1, 2, 3}))
	require.NoError(t, m.BuildApproximation(context.Background(), Z, []float64{1, 2, 3}))
	assert.Equal(t, 2, r.setups)
	assert.Equal(t, 2, r.trains)
}

func TestUninitializedMapping(t *testing.T) {
	m := New(nil, nil)
	err := m.BuildApproximation(context.Background(), mat.NewDense(1, 1, nil), []float64{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probabilistic mapping has not been properly initialized")

	_, err = m.Evaluate(mat.NewDense(1, 1, nil), SupportY, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probabilistic mapping has not been properly initialized")
}

func TestEvaluateBeforeTraining(t *testing.T) {
	m := New(&recordingRegressor{}, nil)
	_, err := m.Evaluate(mat.NewDense(1, 1, nil), SupportY, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfig))
}

func TestFailedTrainingInvalidatesState(t *testing.T) {
	r := &recordingRegressor{}
	m := New(r, nil)
	Z := mat.NewDense(2, 1, []float64{1, 2})
	require.NoError(t, m.BuildApproximation(context.Background(), Z, []float64{1, 2}))

	r.trainErr = errors.New("boom")
	require.Error(t, m.BuildApproximation(context.Background(), Z, []float64{1, 2}))
	_, err := m.Evaluate(Z, SupportY, false)
	require.Error(t, err)
}

func TestBuildApproximationRowMismatch(t *testing.T) {
	m := New(&recordingRegressor{}, nil)
	err := m.BuildApproximation(context.Background(), mat.NewDense(3, 1, nil), []float64{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrData)
}

func TestEvaluateSupportAndCovariance(t *testing.T) {
	r := &recordingRegressor{}
	m := New(r, nil)
	Z := mat.NewDense(3, 1, []float64{1, 2, 3})
	require.NoError(t, m.BuildApproximation(context.Background(), Z, []float64{1, 2, 3}))

	p, err := m.Evaluate(Z, SupportF, true)
	require.NoError(t, err)
	assert.Equal(t, SupportF, r.lastSupport)
	assert.Equal(t, []float64{1, 2, 3}, p.Mean)
	require.NotNil(t, p.Covariance)

	_, err = m.Evaluate(Z, Support("z"), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestEvaluateGradientNotImplemented(t *testing.T) {
	m := New(&recordingRegressor{}, nil)
	_, err := m.EvaluateGradient(mat.NewDense(1, 1, nil), SupportY)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotImplemented)
}

func TestParseSupport(t *testing.T) {
	tests := []struct {
		in      string
		want    Support
		wantErr bool
	}{
		{"y", SupportY, false},
		{"f", SupportF, false},
		{"", SupportY, false},
		{"x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSupport(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGaussianProcessRegressor(t *testing.T) {
	settings := DefaultGPSettings()
	settings.Optimize = false
	settings.NoiseVariance = 1e-6
	g, err := NewGaussianProcess(settings, nil)
	require.NoError(t, err)

	m := New(g, nil)
	Z := mat.NewDense(5, 1, []float64{1, 2, 3, 4, 5})
	y := []float64{1.1, 2.0, 3.2, 3.9, 5.1}
	require.NoError(t, m.BuildApproximation(context.Background(), Z, y))

	p, err := m.Evaluate(Z, SupportY, true)
	require.NoError(t, err)
	for i := range y {
		assert.InDelta(t, y[i], p.Mean[i], 1e-2)
		assert.InDelta(t, p.Variance[i], p.Covariance.At(i, i), 1e-12)
	}
	assert.Len(t, g.Hyperparameters(), 3)
}

func TestNewGaussianProcessRejectsBadSettings(t *testing.T) {
	settings := DefaultGPSettings()
	settings.Kernel = "periodic"
	_, err := NewGaussianProcess(settings, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfig)

	for _, optimize := range []bool{true, false} {
		for _, noise := range []float64{-1, 0} {
			settings = DefaultGPSettings()
			settings.NoiseVariance = noise
			settings.Optimize = optimize
			_, err = NewGaussianProcess(settings, nil)
			assert.ErrorIs(t, err, apperrors.ErrConfig, "noise %g optimize %v", noise, optimize)
		}
	}
}
