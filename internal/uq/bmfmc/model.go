// Package bmfmc implements Bayesian multi-fidelity Monte-Carlo: a
// probabilistic mapping from low-fidelity output and input features to the
// high-fidelity output is trained on a small design and propagated over the
// full low-fidelity Monte-Carlo sample into a density estimate of the
// high-fidelity quantity of interest with credible bounds.
//
// A run is a linear pipeline
//
//	LoadedData → TrainingSet → FeatureSet → TrainedMapping → DensityStatistics
//
// in which every stage is computed from the previous ones only.
package bmfmc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/dataset"
	"github.com/copyleftdev/bmfmc/internal/uq/density"
	"github.com/copyleftdev/bmfmc/internal/uq/diagnostics"
	"github.com/copyleftdev/bmfmc/internal/uq/dimred"
	"github.com/copyleftdev/bmfmc/internal/uq/features"
	"github.com/copyleftdev/bmfmc/internal/uq/mapping"
)

const component = "bmfmc"

// Settings are the numerical options of a run.
type Settings struct {
	Features features.Config
	// PredictiveVariance enables the variance of the density.
	PredictiveVariance bool
	// CompareWithoutFeatures repeats the analysis with Z = Y_LF.
	CompareWithoutFeatures bool
	SupportMin             float64
	SupportMax             float64
	// SupportPoints defaults to density.DefaultSupportPoints.
	SupportPoints int
	// Workers bounds the goroutines of the variance reduction; <= 0 uses
	// one per CPU.
	Workers int
	// ErrorMeasures are evaluated on the training set when non-empty.
	ErrorMeasures []string
	// CrossValidationFolds enables k-fold cross-validation when >= 2.
	CrossValidationFolds int
}

// RegressorFactory returns a fresh untrained regressor.
type RegressorFactory func() (mapping.Regressor, error)

// Model runs the BMFMC analysis. A Model must not be run concurrently.
type Model struct {
	settings     Settings
	strategy     features.Strategy
	newRegressor RegressorFactory
	lf           []*dataset.Iterator
	hfReference  *dataset.Iterator
	hfModel      HighFidelityModel
	design       TrainingDesign
	logger       *zap.Logger
}

// Option configures a Model.
type Option func(*Model)

// WithLowFidelityData sets one iterator per low-fidelity model. The input
// samples and random-field descriptions are taken from the first.
func WithLowFidelityData(iterators ...*dataset.Iterator) Option {
	return func(m *Model) { m.lf = append(m.lf, iterators...) }
}

// WithHighFidelityReference sets the high-fidelity Monte-Carlo reference.
func WithHighFidelityReference(it *dataset.Iterator) Option {
	return func(m *Model) { m.hfReference = it }
}

// WithHighFidelityModel sets the model used to simulate training outputs.
func WithHighFidelityModel(model HighFidelityModel) Option {
	return func(m *Model) { m.hfModel = model }
}

// WithTrainingDesign sets how training rows are chosen.
func WithTrainingDesign(design TrainingDesign) Option {
	return func(m *Model) { m.design = design }
}

// WithRegressorFactory sets the probabilistic mapping backend.
func WithRegressorFactory(f RegressorFactory) Option {
	return func(m *Model) { m.newRegressor = f }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New validates the settings and wiring and returns a Model.
func New(settings Settings, opts ...Option) (*Model, error) {
	const op = "New"
	m := &Model{settings: settings, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named(component)

	strategy, err := features.New(settings.Features)
	if err != nil {
		return nil, err
	}
	m.strategy = strategy

	if len(m.lf) == 0 {
		return nil, apperrors.Config(component, op, "at least one low-fidelity data file is required")
	}
	if m.hfReference != nil && m.hfModel != nil {
		return nil, apperrors.Config(component, op,
			"both a high-fidelity model and high-fidelity Monte-Carlo data were provided; configure exactly one")
	}
	if m.hfReference == nil && m.hfModel == nil {
		return nil, apperrors.Config(component, op,
			"provide either a file with high-fidelity Monte-Carlo data or a high-fidelity model to compute the training data")
	}
	if m.design == nil {
		return nil, apperrors.Config(component, op, "no training design configured")
	}
	if m.newRegressor == nil {
		return nil, apperrors.Config(component, op, "no probabilistic mapping configured")
	}
	if m.settings.SupportPoints == 0 {
		m.settings.SupportPoints = density.DefaultSupportPoints
	}
	if _, err := density.NewGrid(m.settings.SupportMin, m.settings.SupportMax, m.settings.SupportPoints); err != nil {
		return nil, err
	}
	if err := diagnostics.ValidateMeasures(m.settings.ErrorMeasures); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadedData is the Monte-Carlo data of a run.
type LoadedData struct {
	XMC *mat.Dense
	// YLFMC holds one column per low-fidelity model.
	YLFMC *mat.Dense
	// YHFMC is nil without a high-fidelity reference.
	YHFMC       []float64
	Coordinates *mat.Dense
	Fields      []dimred.RandomField
}

// Load reads the sampling data. The output of each low-fidelity file
// contributes its first column.
func Load(lf []*dataset.Iterator, hf *dataset.Iterator) (*LoadedData, error) {
	const op = "Load"
	if len(lf) == 0 {
		return nil, apperrors.Config(component, op, "no low-fidelity data")
	}
	first, err := lf[0].Read()
	if err != nil {
		return nil, err
	}
	X, err := first.Input()
	if err != nil {
		return nil, err
	}
	n, _ := X.Dims()

	data := &LoadedData{XMC: X, YLFMC: mat.NewDense(n, len(lf), nil)}
	if data.Coordinates, err = first.CoordinateMatrix(); err != nil {
		return nil, err
	}
	if data.Fields, err = first.RandomFields(); err != nil {
		return nil, err
	}

	for j, it := range lf {
		doc, err := it.Read()
		if err != nil {
			return nil, err
		}
		y, err := doc.OutputColumn(0)
		if err != nil {
			return nil, err
		}
		if len(y) != n {
			return nil, apperrors.Data(component, op, "%s has %d outputs, expected %d", it.Path(), len(y), n)
		}
		data.YLFMC.SetCol(j, y)
	}

	if hf != nil {
		doc, err := hf.Read()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindData, "the file containing the high-fidelity Monte-Carlo data could not be read").
				WithComponent(component).WithOperation(op)
		}
		y, err := doc.OutputColumn(0)
		if err != nil {
			return nil, err
		}
		if len(y) != n {
			return nil, apperrors.Data(component, op, "high-fidelity reference has %d outputs, expected %d", len(y), n)
		}
		data.YHFMC = y
	}
	return data, nil
}

// TrainingSet is the high-fidelity training data.
type TrainingSet struct {
	Indices  []int
	XTrain   *mat.Dense
	YHFTrain []float64
	YLFTrain *mat.Dense
}

// ObtainTrainingData selects the training rows and produces their
// high-fidelity outputs from source.
func ObtainTrainingData(ctx context.Context, data *LoadedData, design TrainingDesign, source HFSource) (*TrainingSet, error) {
	indices, err := design.Indices(data.XMC)
	if err != nil {
		return nil, err
	}
	xTrain := trainingInputs(data.XMC, indices)
	y, err := source.trainingOutputs(ctx, xTrain, indices)
	if err != nil {
		return nil, err
	}
	return &TrainingSet{
		Indices:  indices,
		XTrain:   xTrain,
		YHFTrain: y,
		YLFTrain: features.SelectRows(data.YLFMC, indices),
	}, nil
}

// FeatureSet holds the feature matrices of one strategy.
type FeatureSet = features.Result

// BuildFeatures applies strategy to the loaded data.
func BuildFeatures(strategy features.Strategy, data *LoadedData, training *TrainingSet) (*FeatureSet, error) {
	return strategy.Extract(features.Input{
		X:               data.XMC,
		YLF:             data.YLFMC,
		Coordinates:     data.Coordinates,
		Fields:          data.Fields,
		TrainingIndices: training.Indices,
	})
}

// TrainedMapping is the mapping after training together with its
// predictions on the Monte-Carlo and training features.
type TrainedMapping struct {
	Mapping    *mapping.Interface
	MFMC       []float64
	VarYMC     []float64
	FMeanTrain []float64
}

// TrainMapping trains a fresh mapping on the features and evaluates it.
func TrainMapping(ctx context.Context, m *mapping.Interface, feats *FeatureSet, training *TrainingSet) (*TrainedMapping, error) {
	if err := m.BuildApproximation(ctx, feats.ZTrain, training.YHFTrain); err != nil {
		return nil, err
	}
	mc, err := m.Evaluate(feats.ZMC, mapping.SupportY, false)
	if err != nil {
		return nil, err
	}
	train, err := m.Evaluate(feats.ZTrain, mapping.SupportY, false)
	if err != nil {
		return nil, err
	}
	return &TrainedMapping{Mapping: m, MFMC: mc.Mean, VarYMC: mc.Variance, FMeanTrain: train.Mean}, nil
}

// DensityStatistics is the high-fidelity density estimate.
type DensityStatistics struct {
	Support []float64
	Mean    []float64
	// Variance is nil unless requested.
	Variance []float64
}

// ComputeStatistics evaluates the mean density and, if predictiveVariance is
// set, the variance of the density from the full posterior covariance.
func ComputeStatistics(ctx context.Context, trained *TrainedMapping, zMC *mat.Dense, support []float64, predictiveVariance bool, workers int) (*DensityStatistics, error) {
	mean, err := density.MeanDensity(support, trained.MFMC, trained.VarYMC)
	if err != nil {
		return nil, err
	}
	stats := &DensityStatistics{Support: support, Mean: mean}
	if !predictiveVariance {
		return stats, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := trained.Mapping.Evaluate(zMC, mapping.SupportY, true)
	if err != nil {
		return nil, err
	}
	stats.Variance, err = density.VarianceDensity(ctx, density.VarianceInput{
		Support:     support,
		Means:       trained.MFMC,
		Variances:   trained.VarYMC,
		Covariance:  full.Covariance,
		MeanDensity: mean,
	}, workers)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ReferenceDensities are kernel density estimates of the Monte-Carlo data.
type ReferenceDensities struct {
	Bandwidth float64
	// HF is nil without a high-fidelity reference.
	HF []float64
	// LF is nil with more than one low-fidelity model.
	LF []float64
}

// ComputeReference estimates the bandwidth from the first low-fidelity
// output and evaluates the reference densities on support.
func ComputeReference(data *LoadedData, support []float64) (*ReferenceDensities, error) {
	ylf := mat.Col(nil, 0, data.YLFMC)
	lo, hi := ylf[0], ylf[0]
	for _, v := range ylf {
		lo, hi = min(lo, v), max(hi, v)
	}
	h, err := density.EstimateBandwidth(ylf, lo, hi)
	if err != nil {
		return nil, err
	}
	ref := &ReferenceDensities{Bandwidth: h}
	if data.YHFMC != nil {
		if ref.HF, err = density.EstimatePDF(data.YHFMC, h, support); err != nil {
			return nil, err
		}
	}
	if _, k := data.YLFMC.Dims(); k == 1 {
		if ref.LF, err = density.EstimatePDF(ylf, h, support); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// Run executes the full analysis.
func (m *Model) Run(ctx context.Context) (*Output, error) {
	start := time.Now()
	m.logger.Info("Starting BMFMC analysis",
		zap.String("features", m.strategy.Name()),
		zap.Bool("predictive_var", m.settings.PredictiveVariance),
		zap.Int("lf_models", len(m.lf)),
	)

	data, err := Load(m.lf, m.hfReference)
	if err != nil {
		return nil, err
	}
	n, d := data.XMC.Dims()
	m.logger.Debug("Loaded sampling data", zap.Int("samples", n), zap.Int("dimensions", d),
		zap.Int("random_fields", len(data.Fields)))

	source, err := ResolveSource(m.hfModel, data.YHFMC)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	training, err := ObtainTrainingData(ctx, data, m.design, source)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Obtained high-fidelity training data",
		zap.String("source", source.String()), zap.Int("training_points", len(training.Indices)))

	support, err := density.NewGrid(m.settings.SupportMin, m.settings.SupportMax, m.settings.SupportPoints)
	if err != nil {
		return nil, err
	}
	reference, err := ComputeReference(data, support)
	if err != nil {
		return nil, err
	}

	out := &Output{
		YPDFSupport: support,
		PYLFMC:      reference.LF,
		PYHFMC:      reference.HF,
		XTrain:      denseRows(training.XTrain),
		YHFTrain:    training.YHFTrain,
	}

	if m.settings.CompareWithoutFeatures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plain, err := m.runWithoutFeatures(ctx, data, training, support)
		if err != nil {
			return nil, err
		}
		out.PYHFMeanBMFMC, out.PYHFVarBMFMC = plain.Mean, plain.Variance
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feats, err := BuildFeatures(m.strategy, data, training)
	if err != nil {
		return nil, err
	}
	trained, stats, err := m.analyse(ctx, feats, training, support)
	if err != nil {
		return nil, err
	}

	out.ZMC = denseRows(feats.ZMC)
	out.ZTrain = denseRows(feats.ZTrain)
	out.MFMC = trained.MFMC
	out.VarYMC = trained.VarYMC
	out.FMeanTrain = trained.FMeanTrain
	out.PYHFMean = stats.Mean
	out.PYHFVar = stats.Variance
	if feats.Ranking != nil {
		out.FeatureRanking = feats.Ranking.Scores
	}

	if len(m.settings.ErrorMeasures) > 0 {
		if out.ErrorMeasures, err = m.errorMeasures(ctx, feats, training, trained); err != nil {
			return nil, err
		}
	}

	m.logger.Info("Finished BMFMC analysis",
		zap.Duration("duration", time.Since(start)),
		zap.Int("mc_points", n),
	)
	return out, nil
}

func (m *Model) analyse(ctx context.Context, feats *FeatureSet, training *TrainingSet, support []float64) (*TrainedMapping, *DensityStatistics, error) {
	regressor, err := m.newRegressor()
	if err != nil {
		return nil, nil, err
	}
	trained, err := TrainMapping(ctx, mapping.New(regressor, m.logger), feats, training)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	stats, err := ComputeStatistics(ctx, trained, feats.ZMC, support, m.settings.PredictiveVariance, m.settings.Workers)
	if err != nil {
		return nil, nil, err
	}
	return trained, stats, nil
}

// runWithoutFeatures repeats the analysis with Z = Y_LF on a separate
// mapping so the main results are unaffected.
func (m *Model) runWithoutFeatures(ctx context.Context, data *LoadedData, training *TrainingSet, support []float64) (*DensityStatistics, error) {
	plain, err := BuildFeatures(noFeatures, data, training)
	if err != nil {
		return nil, err
	}
	_, stats, err := m.analyse(ctx, plain, training, support)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Computed reference density without features")
	return stats, nil
}

var noFeatures = mustStrategy(features.Config{Name: features.NoFeatures})

func mustStrategy(cfg features.Config) features.Strategy {
	s, err := features.New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func (m *Model) errorMeasures(ctx context.Context, feats *FeatureSet, training *TrainingSet, trained *TrainedMapping) (*ErrorMeasures, error) {
	out := &ErrorMeasures{}
	var err error
	out.Training, err = diagnostics.ErrorMeasures(training.YHFTrain, trained.FMeanTrain, m.settings.ErrorMeasures)
	if err != nil {
		return nil, err
	}
	if m.settings.CrossValidationFolds < 2 {
		return out, nil
	}
	regressor, err := m.newRegressor()
	if err != nil {
		return nil, err
	}
	predicted, err := diagnostics.CrossValidate(ctx, regressor, feats.ZTrain, training.YHFTrain, m.settings.CrossValidationFolds)
	if err != nil {
		return nil, err
	}
	out.CrossValidation, err = diagnostics.ErrorMeasures(training.YHFTrain, predicted, m.settings.ErrorMeasures)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Grad is not supported by the BMFMC model.
func (m *Model) Grad(samples, upstreamGradient *mat.Dense) (*mat.Dense, error) {
	return nil, apperrors.NotImplemented(component, "Grad", "gradient evaluation is not implemented for the BMFMC model")
}
