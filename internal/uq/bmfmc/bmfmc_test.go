package bmfmc

import (
	"context"
	"encoding/json"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/dataset"
	"github.com/copyleftdev/bmfmc/internal/uq/density"
	"github.com/copyleftdev/bmfmc/internal/uq/diagnostics"
	"github.com/copyleftdev/bmfmc/internal/uq/features"
	"github.com/copyleftdev/bmfmc/internal/uq/mapping"
)

var (
	xMC  = [][]float64{{0.1, 5}, {0.2, 3}, {0.3, 4}, {0.4, 1}, {0.5, 2}}
	yLF  = []float64{1, 2, 3, 4, 5}
	yHF  = []float64{1.1, 2.0, 3.2, 3.9, 5.1}
	rows = [][]float64{{0.1, 5}, {0.3, 4}, {0.5, 2}}
)

// identityRegressor predicts the first feature with a fixed variance.
type identityRegressor struct {
	variance float64
	setups   int
}

func (r *identityRegressor) Setup(X *mat.Dense, y []float64) error {
	r.setups++
	return nil
}

func (r *identityRegressor) Train(ctx context.Context) error { return ctx.Err() }

func (r *identityRegressor) Predict(X *mat.Dense, support mapping.Support, fullCov bool) (*mapping.Prediction, error) {
	n, _ := X.Dims()
	p := &mapping.Prediction{Mean: mat.Col(nil, 0, X), Variance: make([]float64, n)}
	for i := range p.Variance {
		p.Variance[i] = r.variance
	}
	if fullCov {
		p.Covariance = mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			p.Covariance.SetSym(i, i, r.variance)
		}
	}
	return p, nil
}

func identityFactory() (mapping.Regressor, error) {
	return &identityRegressor{variance: 0.01}, nil
}

func column(v []float64) [][]float64 {
	out := make([][]float64, len(v))
	for i, x := range v {
		out[i] = []float64{x}
	}
	return out
}

func writeDataset(t *testing.T, name string, doc *dataset.Document) *dataset.Iterator {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	raw, err := dataset.Encode(doc, filepath.Ext(path))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return dataset.NewIterator(path)
}

func lfData(t *testing.T) *dataset.Iterator {
	return writeDataset(t, "lf.yaml", &dataset.Document{InputData: xMC, Output: column(yLF)})
}

func hfData(t *testing.T) *dataset.Iterator {
	return writeDataset(t, "hf.json", &dataset.Document{InputData: xMC, Output: column(yHF)})
}

func baseSettings() Settings {
	return Settings{
		Features:           features.Config{Name: features.NoFeatures},
		PredictiveVariance: true,
		SupportMin:         0,
		SupportMax:         6,
	}
}

func newModel(t *testing.T, settings Settings, opts ...Option) *Model {
	t.Helper()
	base := []Option{
		WithLowFidelityData(lfData(t)),
		WithHighFidelityReference(hfData(t)),
		WithTrainingDesign(ExplicitDesign{XTrain: mat.NewDense(3, 2, []float64{0.1, 5, 0.3, 4, 0.5, 2})}),
		WithRegressorFactory(identityFactory),
	}
	m, err := New(settings, append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func TestRunEndToEnd(t *testing.T) {
	settings := baseSettings()
	settings.ErrorMeasures = []string{diagnostics.RootMeanSquared, diagnostics.AbsMax}
	settings.CrossValidationFolds = 3
	m := newModel(t, settings)

	out, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, yLF, out.MFMC)
	assert.Len(t, out.VarYMC, 5)
	assert.Equal(t, []float64{1.1, 3.2, 5.1}, out.YHFTrain)
	assert.Equal(t, rows, out.XTrain)
	assert.Equal(t, [][]float64{{1}, {3}, {5}}, out.ZTrain)
	assert.Equal(t, []float64{1, 3, 5}, out.FMeanTrain)

	require.Len(t, out.YPDFSupport, density.DefaultSupportPoints)
	assert.Equal(t, 0.0, out.YPDFSupport[0])
	assert.Equal(t, 6.0, out.YPDFSupport[len(out.YPDFSupport)-1])
	assert.InDelta(t, 1.0, density.Trapezoid(out.YPDFSupport, out.PYHFMean), 1e-3)

	require.Len(t, out.PYHFVar, density.DefaultSupportPoints)
	for _, v := range out.PYHFVar {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	assert.Len(t, out.PYHFMC, density.DefaultSupportPoints)
	assert.Len(t, out.PYLFMC, density.DefaultSupportPoints)
	assert.Nil(t, out.PYHFMeanBMFMC)
	assert.Nil(t, out.FeatureRanking)

	require.NotNil(t, out.ErrorMeasures)
	assert.InDelta(t, math.Sqrt(0.02), out.ErrorMeasures.Training[diagnostics.RootMeanSquared], 1e-12)
	assert.InDelta(t, 0.2, out.ErrorMeasures.Training[diagnostics.AbsMax], 1e-12)
	assert.Contains(t, out.ErrorMeasures.CrossValidation, diagnostics.RootMeanSquared)
}

func TestOutputEncodesMissingFieldsAsNull(t *testing.T) {
	settings := baseSettings()
	settings.PredictiveVariance = false
	out, err := newModel(t, settings).Run(context.Background())
	require.NoError(t, err)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	for _, key := range []string{"p_yhf_var", "p_yhf_mean_BMFMC", "p_yhf_var_BMFMC", "feature_ranking", "error_measures"} {
		v, ok := decoded[key]
		assert.True(t, ok, key)
		assert.Nil(t, v, key)
	}
	assert.NotNil(t, decoded["p_yhf_mean"])
	assert.NotNil(t, decoded["Z_mc"])
}

func TestRunWithOptimalFeatures(t *testing.T) {
	settings := baseSettings()
	settings.Features = features.Config{Name: features.OptFeatures, NumFeatures: 1}
	out, err := newModel(t, settings).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, out.ZMC, 5)
	assert.Len(t, out.ZMC[0], 2)
	assert.Len(t, out.FeatureRanking, 2)
	// the first column stays Y_LF
	for i, row := range out.ZMC {
		assert.Equal(t, yLF[i], row[0])
	}
}

func TestComparisonWithoutFeaturesLeavesMainResultUntouched(t *testing.T) {
	settings := baseSettings()
	settings.Features = features.Config{Name: features.ManFeatures, XCols: []int{1}}
	plain, err := newModel(t, settings).Run(context.Background())
	require.NoError(t, err)

	settings.CompareWithoutFeatures = true
	compared, err := newModel(t, settings).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, plain.ZMC, compared.ZMC)
	assert.Equal(t, plain.PYHFMean, compared.PYHFMean)
	assert.Equal(t, plain.PYHFVar, compared.PYHFVar)
	require.NotNil(t, compared.PYHFMeanBMFMC)
	require.NotNil(t, compared.PYHFVarBMFMC)

	noFeat := baseSettings()
	reference, err := newModel(t, noFeat).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reference.PYHFMean, compared.PYHFMeanBMFMC)
}

// doublingModel returns 2·x₀ for every input row.
type doublingModel struct{ calls int }

func (d *doublingModel) Evaluate(ctx context.Context, X *mat.Dense) (*Response, error) {
	d.calls++
	n, _ := X.Dims()
	out := make([]float64, n)
	for i := range out {
		out[i] = 2 * X.At(i, 0)
	}
	return &Response{Result: out}, nil
}

func TestRunWithSimulatedHighFidelityModel(t *testing.T) {
	hf := &doublingModel{}
	m, err := New(baseSettings(),
		WithLowFidelityData(lfData(t)),
		WithHighFidelityModel(hf),
		WithTrainingDesign(RandomDesign{Size: 3, Seed: 3}),
		WithRegressorFactory(identityFactory),
	)
	require.NoError(t, err)

	out, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, hf.calls)
	require.Len(t, out.XTrain, 3)
	for k, row := range out.XTrain {
		assert.InDelta(t, 2*row[0], out.YHFTrain[k], 1e-15)
	}
	assert.Nil(t, out.PYHFMC)
}

func TestNewValidatesWiring(t *testing.T) {
	design := WithTrainingDesign(RandomDesign{Size: 2})
	factory := WithRegressorFactory(identityFactory)

	tests := []struct {
		name string
		opts []Option
	}{
		{"no high-fidelity data", []Option{WithLowFidelityData(lfData(t)), design, factory}},
		{"both high-fidelity sources", []Option{WithLowFidelityData(lfData(t)), WithHighFidelityReference(hfData(t)),
			WithHighFidelityModel(&doublingModel{}), design, factory}},
		{"no low-fidelity data", []Option{WithHighFidelityReference(hfData(t)), design, factory}},
		{"no design", []Option{WithLowFidelityData(lfData(t)), WithHighFidelityReference(hfData(t)), factory}},
		{"no regressor", []Option{WithLowFidelityData(lfData(t)), WithHighFidelityReference(hfData(t)), design}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(baseSettings(), tt.opts...)
			assert.ErrorIs(t, err, apperrors.ErrConfig)
		})
	}

	settings := baseSettings()
	settings.SupportMin, settings.SupportMax = 1, 1
	_, err := New(settings, WithLowFidelityData(lfData(t)), WithHighFidelityReference(hfData(t)), design, factory)
	assert.ErrorIs(t, err, apperrors.ErrConfig)

	settings = baseSettings()
	settings.ErrorMeasures = []string{"bogus"}
	_, err = New(settings, WithLowFidelityData(lfData(t)), WithHighFidelityReference(hfData(t)), design, factory)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestResolveSource(t *testing.T) {
	_, err := ResolveSource(nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
	_, err = ResolveSource(&doublingModel{}, yHF)
	assert.ErrorIs(t, err, apperrors.ErrConfig)

	s, err := ResolveSource(nil, yHF)
	require.NoError(t, err)
	assert.Equal(t, "precomputed", s.String())
	s, err = ResolveSource(&doublingModel{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "simulated", s.String())
}

func TestMatchRows(t *testing.T) {
	X := mat.NewDense(4, 2, []float64{0, 1, 2, 3, 0, 1, 4, 5})

	idx, err := MatchRows(X, mat.NewDense(2, 2, []float64{4, 5, 0, 1}))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 0}, idx)

	idx, err = MatchRows(X, mat.NewDense(1, 2, []float64{math.Copysign(0, -1), 1}))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, idx)

	_, err = MatchRows(X, mat.NewDense(1, 2, []float64{2, 3.0000001}))
	assert.ErrorIs(t, err, apperrors.ErrData)
	_, err = MatchRows(X, mat.NewDense(1, 1, []float64{2}))
	assert.ErrorIs(t, err, apperrors.ErrData)
}

func TestRandomDesignIsSeeded(t *testing.T) {
	X := mat.NewDense(10, 1, nil)
	d := RandomDesign{Size: 4, Seed: 11}

	a, err := d.Indices(X)
	require.NoError(t, err)
	b, err := d.Indices(X)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	seen := map[int]bool{}
	for _, i := range a {
		assert.False(t, seen[i])
		assert.True(t, i >= 0 && i < 10)
		seen[i] = true
	}

	_, err = RandomDesign{Size: 11}.Indices(X)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
	_, err = RandomDesign{Size: 0}.Indices(X)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestRunFailsOnMissingHighFidelityFile(t *testing.T) {
	m, err := New(baseSettings(),
		WithLowFidelityData(lfData(t)),
		WithHighFidelityReference(dataset.NewIterator(filepath.Join(t.TempDir(), "missing.json"))),
		WithTrainingDesign(RandomDesign{Size: 2}),
		WithRegressorFactory(identityFactory),
	)
	require.NoError(t, err)

	_, err = m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, err, apperrors.ErrData)
}

func TestRunFailsOnUnmatchedTrainingRow(t *testing.T) {
	m := newModel(t, baseSettings(),
		WithTrainingDesign(ExplicitDesign{XTrain: mat.NewDense(1, 2, []float64{9, 9})}))
	_, err := m.Run(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrData)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newModel(t, baseSettings()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGradIsNotImplemented(t *testing.T) {
	_, err := newModel(t, baseSettings()).Grad(mat.NewDense(1, 1, nil), mat.NewDense(1, 1, nil))
	assert.ErrorIs(t, err, apperrors.ErrNotImplemented)
}

func TestRunLogsProgress(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := newModel(t, baseSettings(), WithLogger(zap.New(core)))

	_, err := m.Run(context.Background())
	require.NoError(t, err)

	finished := logs.FilterMessage("Finished BMFMC analysis").All()
	require.Len(t, finished, 1)
	assert.Equal(t, "bmfmc", finished[0].LoggerName)
	assert.Equal(t, int64(5), finished[0].ContextMap()["mc_points"])
}
