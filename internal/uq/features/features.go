// Package features builds the low-fidelity feature matrix Z that the
// probabilistic mapping is trained on. The strategy is selected once from
// the analysis configuration.
package features

import (
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/dimred"
)

const component = "features"

// Strategy names.
const (
	NoFeatures    = "no_features"
	ManFeatures   = "man_features"
	CoordFeatures = "coord_features"
	OptFeatures   = "opt_features"
)

// Config selects and parameterises a strategy.
type Config struct {
	Name        string
	XCols       []int
	CoordCols   []int
	NumFeatures int
	// ExplainedVariance is the random-field truncation threshold in percent
	// used by opt_features. Zero selects dimred.DefaultExplainedVariance.
	ExplainedVariance float64
}

// Input is the Monte-Carlo data a strategy draws from.
type Input struct {
	X           *mat.Dense
	YLF         *mat.Dense
	Coordinates *mat.Dense
	Fields      []dimred.RandomField
	// TrainingIndices are the rows of the Monte-Carlo set used for training.
	TrainingIndices []int
}

// Result holds the feature matrices. Ranking is only set by opt_features.
type Result struct {
	ZTrain  *mat.Dense
	ZMC     *mat.Dense
	Ranking *dimred.Ranking
}

// Strategy derives the feature matrices from the Monte-Carlo data.
type Strategy interface {
	Name() string
	Extract(in Input) (*Result, error)
}

// New validates cfg and returns its strategy.
func New(cfg Config) (Strategy, error) {
	const op = "New"
	switch cfg.Name {
	case NoFeatures:
		return noFeatures{}, nil
	case ManFeatures:
		if len(cfg.XCols) == 0 {
			return nil, apperrors.Config(component, op, "%s requires x_cols", ManFeatures)
		}
		if err := checkIndices(op, "x_cols", cfg.XCols); err != nil {
			return nil, err
		}
		return columnFeatures{name: ManFeatures, cols: append([]int(nil), cfg.XCols...), fromCoordinates: false}, nil
	case CoordFeatures:
		if len(cfg.CoordCols) == 0 {
			return nil, apperrors.Config(component, op, "%s requires coord_cols", CoordFeatures)
		}
		if err := checkIndices(op, "coord_cols", cfg.CoordCols); err != nil {
			return nil, err
		}
		return columnFeatures{name: CoordFeatures, cols: append([]int(nil), cfg.CoordCols...), fromCoordinates: true}, nil
	case OptFeatures:
		if cfg.NumFeatures < 1 {
			return nil, apperrors.Config(component, op,
				"%s requires num_features to be an integer greater than zero, got %d", OptFeatures, cfg.NumFeatures)
		}
		threshold := cfg.ExplainedVariance
		if threshold == 0 {
			threshold = dimred.DefaultExplainedVariance
		}
		return optFeatures{numFeatures: cfg.NumFeatures, threshold: threshold}, nil
	case "":
		return nil, apperrors.Config(component, op, "features_config is not set")
	}
	return nil, apperrors.Config(component, op, "unknown feature strategy %q", cfg.Name)
}

func checkIndices(op, key string, idx []int) error {
	for _, j := range idx {
		if j < 0 {
			return apperrors.Config(component, op, "%s contains negative column %d", key, j)
		}
	}
	return nil
}

func checkInput(op string, in Input) (int, error) {
	if in.YLF == nil || in.YLF.IsEmpty() {
		return 0, apperrors.Data(component, op, "low-fidelity output is empty")
	}
	n, _ := in.YLF.Dims()
	for _, i := range in.TrainingIndices {
		if i < 0 || i >= n {
			return 0, apperrors.Data(component, op, "training index %d outside the %d Monte-Carlo rows", i, n)
		}
	}
	if len(in.TrainingIndices) == 0 {
		return 0, apperrors.Data(component, op, "no training indices")
	}
	return n, nil
}

type noFeatures struct{}

func (noFeatures) Name() string { return NoFeatures }

func (noFeatures) Extract(in Input) (*Result, error) {
	if _, err := checkInput("Extract", in); err != nil {
		return nil, err
	}
	return &Result{
		ZTrain: SelectRows(in.YLF, in.TrainingIndices),
		ZMC:    mat.DenseCopyOf(in.YLF),
	}, nil
}

// columnFeatures appends selected columns of X or of the coordinates.
type columnFeatures struct {
	name            string
	cols            []int
	fromCoordinates bool
}

func (c columnFeatures) Name() string { return c.name }

func (c columnFeatures) Extract(in Input) (*Result, error) {
	const op = "Extract"
	n, err := checkInput(op, in)
	if err != nil {
		return nil, err
	}
	source, key := in.X, "x_cols"
	if c.fromCoordinates {
		source, key = in.Coordinates, "coord_cols"
		if source == nil {
			return nil, apperrors.Config(component, op, "%s requires coordinates in the sampling data", c.name)
		}
	}
	if source == nil {
		return nil, apperrors.Data(component, op, "input samples are missing")
	}
	rows, width := source.Dims()
	if rows != n {
		return nil, apperrors.Data(component, op, "%s source has %d rows, expected %d", c.name, rows, n)
	}
	for _, j := range c.cols {
		if j >= width {
			return nil, apperrors.Config(component, op, "%s column %d out of range for %d columns", key, j, width)
		}
	}
	zmc := HStack(in.YLF, SelectColumns(source, c.cols))
	return &Result{ZTrain: SelectRows(zmc, in.TrainingIndices), ZMC: zmc}, nil
}

// optFeatures ranks the reduced input and appends the leading features.
type optFeatures struct {
	numFeatures int
	threshold   float64
}

func (optFeatures) Name() string { return OptFeatures }

func (o optFeatures) Extract(in Input) (*Result, error) {
	const op = "Extract"
	if _, err := checkInput(op, in); err != nil {
		return nil, err
	}
	reduction, err := dimred.Reduce(in.X, in.Fields, o.threshold)
	if err != nil {
		return nil, err
	}
	ranking, err := dimred.ExtendedGammas(reduction.Reduced, in.YLF)
	if err != nil {
		return nil, err
	}
	_, pool := ranking.Gammas.Dims()
	if o.numFeatures > pool {
		return nil, apperrors.Config(component, op, "num_features is %d but only %d candidate features exist", o.numFeatures, pool)
	}
	n, _ := ranking.Gammas.Dims()
	gammas := ranking.Gammas.Slice(0, n, 0, o.numFeatures)
	zmc := HStack(in.YLF, gammas)
	return &Result{ZTrain: SelectRows(zmc, in.TrainingIndices), ZMC: zmc, Ranking: ranking}, nil
}

// SelectRows returns a copy of the given rows of m.
func SelectRows(m mat.Matrix, rows []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(r, j))
		}
	}
	return out
}

// SelectColumns returns a copy of the given columns of m.
func SelectColumns(m mat.Matrix, cols []int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, len(cols), nil)
	col := make([]float64, r)
	for j, c := range cols {
		mat.Col(col, c, m)
		out.SetCol(j, col)
	}
	return out
}

// HStack concatenates a and b column-wise.
func HStack(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Augment(a, b)
	return &out
}
