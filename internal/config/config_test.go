package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/dataset"
	"github.com/copyleftdev/bmfmc/internal/uq/density"
	"github.com/copyleftdev/bmfmc/internal/uq/features"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "data", cfg.Analysis.DataDir)
	assert.Equal(t, 2, cfg.Analysis.MaxConcurrent)
}

func TestLoadReadsEnvironmentAndDotenv(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("BMFMC_DATA_DIR=/srv/bmfmc\n"), 0o600))
	t.Setenv("BMFMC_HTTP_PORT", "9090")
	t.Setenv("BMFMC_MAX_CONCURRENT", "0")
	t.Cleanup(func() { os.Unsetenv("BMFMC_DATA_DIR") })

	cfg, err := Load(dotenv)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "/srv/bmfmc", cfg.Analysis.DataDir)
	assert.Equal(t, 1, cfg.Analysis.MaxConcurrent)
}

const analysisYAML = `
features_config: man_features
x_cols: [1]
predictive_var: true
y_pdf_support_min: 0
y_pdf_support_max: 6
error_measures: [root_mean_squared]
lf_data: [lf.yaml]
hf_data: hf.yaml
training:
  num_training: 3
  seed: 4
mapping:
  optimize: false
`

func TestDecodeAnalysisKeepsDefaults(t *testing.T) {
	a, err := DecodeAnalysis([]byte(analysisYAML))
	require.NoError(t, err)

	assert.Equal(t, features.ManFeatures, a.FeaturesConfig)
	assert.Equal(t, []int{1}, a.XCols)
	assert.Equal(t, density.DefaultSupportPoints, a.SupportPoints)
	assert.Equal(t, "rbf", a.Mapping.Kernel)
	assert.False(t, a.Mapping.Optimize)
	assert.Equal(t, 1e-4, a.Mapping.NoiseVariance)
	assert.Equal(t, 3, a.Training.NumTraining)
	require.NoError(t, a.Validate())
}

func TestDecodeAnalysisAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("BMFMC_WORKERS", "3")
	t.Setenv("BMFMC_PREDICTIVE_VAR", "false")
	t.Setenv("BMFMC_KERNEL", "matern52")

	a, err := DecodeAnalysis([]byte(analysisYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, a.Workers)
	assert.False(t, a.PredictiveVar)
	assert.Equal(t, "matern52", a.Mapping.Kernel)
}

func TestDecodeAnalysisRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeAnalysis([]byte("features_config: no_features\nnum_featurs: 2\n"))
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestValidate(t *testing.T) {
	valid := func() *Analysis {
		a, err := DecodeAnalysis([]byte(analysisYAML))
		require.NoError(t, err)
		return a
	}

	tests := []struct {
		name   string
		mutate func(a *Analysis)
	}{
		{"no features config", func(a *Analysis) { a.FeaturesConfig = "" }},
		{"unknown strategy", func(a *Analysis) { a.FeaturesConfig = "pca_features" }},
		{"opt features without count", func(a *Analysis) { a.FeaturesConfig = features.OptFeatures }},
		{"no lf data", func(a *Analysis) { a.LFData = nil }},
		{"no hf data", func(a *Analysis) { a.HFData = "" }},
		{"both designs", func(a *Analysis) { a.Training.XTrain = "x.yaml" }},
		{"no design", func(a *Analysis) { a.Training.NumTraining = 0 }},
		{"empty support", func(a *Analysis) { a.SupportMax = a.SupportMin }},
		{"unknown measure", func(a *Analysis) { a.ErrorMeasures = []string{"r2"} }},
		{"one fold", func(a *Analysis) { a.CrossValidation = 1 }},
		{"unknown kernel", func(a *Analysis) { a.Mapping.Kernel = "periodic" }},
		{"negative noise", func(a *Analysis) { a.Mapping.NoiseVariance = -1 }},
		{"zero noise without optimisation", func(a *Analysis) {
			a.Mapping.NoiseVariance = 0
			a.Mapping.Optimize = false
		}},
		{"more folds than training rows", func(a *Analysis) { a.CrossValidation = a.Training.NumTraining + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			tt.mutate(a)
			assert.ErrorIs(t, a.Validate(), apperrors.ErrConfig)
		})
	}
}

func TestResolveAndConfinePaths(t *testing.T) {
	a := &Analysis{LFData: []string{"lf.yaml", "/abs/lf2.yaml"}, HFData: "sub/hf.yaml"}
	a.ResolvePaths("/cfg")
	assert.Equal(t, []string{"/cfg/lf.yaml", "/abs/lf2.yaml"}, a.LFData)
	assert.Equal(t, "/cfg/sub/hf.yaml", a.HFData)

	root := t.TempDir()
	b := &Analysis{LFData: []string{"lf.yaml"}, HFData: "sub/hf.yaml"}
	require.NoError(t, b.ConfinePaths(root))
	assert.Equal(t, filepath.Join(root, "lf.yaml"), b.LFData[0])

	for _, p := range []string{"../etc/passwd", "/etc/passwd", "sub/../../x.yaml"} {
		c := &Analysis{LFData: []string{p}}
		assert.ErrorIs(t, c.ConfinePaths(root), apperrors.ErrConfig, p)
	}
}

func writeDoc(t *testing.T, dir, name string, doc *dataset.Document) {
	t.Helper()
	raw, err := dataset.Encode(doc, filepath.Ext(name))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o600))
}

func TestLoadAnalysisBuildsRunnableModel(t *testing.T) {
	dir := t.TempDir()
	x := [][]float64{{0.1, 5}, {0.2, 3}, {0.3, 4}, {0.4, 1}, {0.5, 2}}
	writeDoc(t, dir, "lf.yaml", &dataset.Document{InputData: x, Output: [][]float64{{1}, {2}, {3}, {4}, {5}}})
	writeDoc(t, dir, "hf.yaml", &dataset.Document{InputData: x, Output: [][]float64{{1.1}, {2.0}, {3.2}, {3.9}, {5.1}}})
	path := filepath.Join(dir, "analysis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(analysisYAML), 0o600))

	a, err := LoadAnalysis(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "hf.yaml"), a.HFData)

	model, err := a.Model(nil)
	require.NoError(t, err)
	out, err := model.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.YHFTrain, 3)
	assert.Len(t, out.PYHFMean, density.DefaultSupportPoints)
	assert.Contains(t, out.ErrorMeasures.Training, "root_mean_squared")
}

func TestLoadAnalysisMissingFile(t *testing.T) {
	_, err := LoadAnalysis(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}
