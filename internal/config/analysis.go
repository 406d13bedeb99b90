package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/bmfmc"
	"github.com/copyleftdev/bmfmc/internal/uq/dataset"
	"github.com/copyleftdev/bmfmc/internal/uq/density"
	"github.com/copyleftdev/bmfmc/internal/uq/diagnostics"
	"github.com/copyleftdev/bmfmc/internal/uq/features"
	"github.com/copyleftdev/bmfmc/internal/uq/mapping"
)

const component = "config"

// Training selects the training design. Either XTrain or NumTraining is set.
type Training struct {
	// XTrain is a sampling data file whose input_data are the training inputs.
	XTrain      string `yaml:"x_train" json:"x_train"`
	NumTraining int    `yaml:"num_training" json:"num_training" env:"NUM_TRAINING"`
	Seed        int64  `yaml:"seed" json:"seed" env:"TRAINING_SEED"`
}

// Mapping configures the Gaussian-process mapping.
type Mapping struct {
	Kernel         string  `yaml:"kernel" json:"kernel" env:"KERNEL"`
	LengthScale    float64 `yaml:"length_scale" json:"length_scale"`
	SignalVariance float64 `yaml:"signal_variance" json:"signal_variance"`
	NoiseVariance  float64 `yaml:"noise_variance" json:"noise_variance"`
	Optimize       bool    `yaml:"optimize" json:"optimize" env:"GP_OPTIMIZE"`
	Restarts       int     `yaml:"restarts" json:"restarts" env:"GP_RESTARTS"`
	Seed           int64   `yaml:"seed" json:"seed"`
}

// Analysis is one BMFMC analysis definition.
type Analysis struct {
	FeaturesConfig    string  `yaml:"features_config" json:"features_config" env:"FEATURES_CONFIG"`
	NumFeatures       int     `yaml:"num_features" json:"num_features" env:"NUM_FEATURES"`
	XCols             []int   `yaml:"x_cols" json:"x_cols"`
	CoordCols         []int   `yaml:"coord_cols" json:"coord_cols"`
	ExplainedVariance float64 `yaml:"explained_variance" json:"explained_variance"`

	PredictiveVar   bool     `yaml:"predictive_var" json:"predictive_var" env:"PREDICTIVE_VAR"`
	BMFMCReference  bool     `yaml:"BMFMC_reference" json:"BMFMC_reference" env:"REFERENCE"`
	SupportMin      float64  `yaml:"y_pdf_support_min" json:"y_pdf_support_min"`
	SupportMax      float64  `yaml:"y_pdf_support_max" json:"y_pdf_support_max"`
	SupportPoints   int      `yaml:"support_points" json:"support_points"`
	Workers         int      `yaml:"workers" json:"workers" env:"WORKERS"`
	ErrorMeasures   []string `yaml:"error_measures" json:"error_measures"`
	CrossValidation int      `yaml:"cross_validation_folds" json:"cross_validation_folds" env:"CV_FOLDS"`

	LFData   []string `yaml:"lf_data" json:"lf_data"`
	HFData   string   `yaml:"hf_data" json:"hf_data"`
	Training Training `yaml:"training" json:"training"`
	Mapping  Mapping  `yaml:"mapping" json:"mapping"`
}

// DefaultAnalysis returns an analysis holding the defaults that a decoded
// definition overrides.
func DefaultAnalysis() *Analysis {
	gp := mapping.DefaultGPSettings()
	return &Analysis{
		SupportPoints: density.DefaultSupportPoints,
		Mapping: Mapping{
			Kernel:         gp.Kernel,
			LengthScale:    gp.LengthScale,
			SignalVariance: gp.SignalVariance,
			NoiseVariance:  gp.NoiseVariance,
			Optimize:       gp.Optimize,
			Restarts:       gp.Restarts,
			Seed:           gp.Seed,
		},
	}
}

// LoadAnalysis decodes the analysis file at path and applies BMFMC_*
// environment overrides. Relative data paths are resolved against the
// directory of the file.
func LoadAnalysis(path string) (*Analysis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindConfig, "reading analysis %s", path).
			WithComponent(component).WithOperation("LoadAnalysis")
	}
	a, err := DecodeAnalysis(raw)
	if err != nil {
		return nil, err
	}
	a.ResolvePaths(filepath.Dir(path))
	return a, nil
}

// DecodeAnalysis parses a YAML analysis definition. Unknown keys are
// rejected.
func DecodeAnalysis(raw []byte) (*Analysis, error) {
	const op = "DecodeAnalysis"
	a := DefaultAnalysis()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(a); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindConfig, "decoding analysis").
			WithComponent(component).WithOperation(op)
	}
	if err := env.ParseWithOptions(a, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindConfig, "applying environment overrides").
			WithComponent(component).WithOperation(op)
	}
	return a, nil
}

// ResolvePaths makes relative data paths relative to base.
func (a *Analysis) ResolvePaths(base string) {
	join := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i, p := range a.LFData {
		a.LFData[i] = join(p)
	}
	a.HFData = join(a.HFData)
	a.Training.XTrain = join(a.Training.XTrain)
}

// ConfinePaths resolves the data paths below root and rejects any path that
// leaves it.
func (a *Analysis) ConfinePaths(root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindConfig, "resolving data directory").WithComponent(component)
	}
	confine := func(p string) (string, error) {
		if p == "" {
			return p, nil
		}
		full := filepath.Join(root, p)
		if filepath.IsAbs(p) {
			full = filepath.Clean(p)
		}
		rel, err := filepath.Rel(root, full)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", apperrors.Config(component, "ConfinePaths", "data path %q is outside the data directory", p)
		}
		return full, nil
	}
	for i, p := range a.LFData {
		if a.LFData[i], err = confine(p); err != nil {
			return err
		}
	}
	if a.HFData, err = confine(a.HFData); err != nil {
		return err
	}
	a.Training.XTrain, err = confine(a.Training.XTrain)
	return err
}

func (a *Analysis) featuresConfig() features.Config {
	return features.Config{
		Name:              a.FeaturesConfig,
		XCols:             a.XCols,
		CoordCols:         a.CoordCols,
		NumFeatures:       a.NumFeatures,
		ExplainedVariance: a.ExplainedVariance,
	}
}

func (a *Analysis) gpSettings() mapping.GPSettings {
	m := a.Mapping
	return mapping.GPSettings{
		Kernel:         m.Kernel,
		LengthScale:    m.LengthScale,
		SignalVariance: m.SignalVariance,
		NoiseVariance:  m.NoiseVariance,
		Optimize:       m.Optimize,
		Restarts:       m.Restarts,
		Seed:           m.Seed,
	}
}

// Settings converts the analysis into the numerical settings of a run.
func (a *Analysis) Settings() bmfmc.Settings {
	return bmfmc.Settings{
		Features:               a.featuresConfig(),
		PredictiveVariance:     a.PredictiveVar,
		CompareWithoutFeatures: a.BMFMCReference,
		SupportMin:             a.SupportMin,
		SupportMax:             a.SupportMax,
		SupportPoints:          a.SupportPoints,
		Workers:                a.Workers,
		ErrorMeasures:          a.ErrorMeasures,
		CrossValidationFolds:   a.CrossValidation,
	}
}

// Validate checks the analysis without reading any data file.
func (a *Analysis) Validate() error {
	const op = "Validate"
	if _, err := features.New(a.featuresConfig()); err != nil {
		return err
	}
	if len(a.LFData) == 0 {
		return apperrors.Config(component, op, "lf_data must name at least one low-fidelity data file")
	}
	if a.HFData == "" {
		return apperrors.Config(component, op,
			"provide either a file with high-fidelity Monte-Carlo data or a high-fidelity model to compute the training data")
	}
	switch {
	case a.Training.XTrain != "" && a.Training.NumTraining != 0:
		return apperrors.Config(component, op, "training.x_train and training.num_training are mutually exclusive")
	case a.Training.XTrain == "" && a.Training.NumTraining < 1:
		return apperrors.Config(component, op, "training requires x_train or a positive num_training")
	}
	if _, err := density.NewGrid(a.SupportMin, a.SupportMax, a.SupportPoints); err != nil {
		return err
	}
	if err := diagnostics.ValidateMeasures(a.ErrorMeasures); err != nil {
		return err
	}
	if a.CrossValidation == 1 || a.CrossValidation < 0 {
		return apperrors.Config(component, op, "cross_validation_folds must be 0 or at least 2, got %d", a.CrossValidation)
	}
	if a.Training.NumTraining > 0 && a.CrossValidation > a.Training.NumTraining {
		return apperrors.Config(component, op, "cross_validation_folds (%d) exceeds num_training (%d)",
			a.CrossValidation, a.Training.NumTraining)
	}
	if _, err := mapping.NewGaussianProcess(a.gpSettings(), nil); err != nil {
		return err
	}
	return nil
}

func (a *Analysis) design() (bmfmc.TrainingDesign, error) {
	if a.Training.XTrain == "" {
		return bmfmc.RandomDesign{Size: a.Training.NumTraining, Seed: a.Training.Seed}, nil
	}
	doc, err := dataset.NewIterator(a.Training.XTrain).Read()
	if err != nil {
		return nil, err
	}
	X, err := doc.Input()
	if err != nil {
		return nil, err
	}
	return bmfmc.ExplicitDesign{XTrain: X}, nil
}

// Model validates the analysis and builds the BMFMC model with a Gaussian
// process mapping.
func (a *Analysis) Model(logger *zap.Logger) (*bmfmc.Model, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	design, err := a.design()
	if err != nil {
		return nil, err
	}

	lf := make([]*dataset.Iterator, len(a.LFData))
	for i, p := range a.LFData {
		lf[i] = dataset.NewIterator(p)
	}
	settings := a.gpSettings()
	return bmfmc.New(a.Settings(),
		bmfmc.WithLowFidelityData(lf...),
		bmfmc.WithHighFidelityReference(dataset.NewIterator(a.HFData)),
		bmfmc.WithTrainingDesign(design),
		bmfmc.WithRegressorFactory(func() (mapping.Regressor, error) {
			return mapping.NewGaussianProcess(settings, logger)
		}),
		bmfmc.WithLogger(logger),
	)
}
