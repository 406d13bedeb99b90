// Package dimred reduces the input space of a BMFMC analysis. Random fields
// are projected onto a truncated Karhunen-Loève basis, the reduced input is
// standardised, and its columns are ranked by how informative they are about
// the low-fidelity output.
package dimred

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
)

const component = "dimred"

// DefaultExplainedVariance is the truncation threshold in percent.
const DefaultExplainedVariance = 95.0

// RandomField describes the columns of X that hold samples of one
// discretised random field together with its precomputed eigenbasis.
type RandomField struct {
	Name string
	// Offset is the first column of the field in X.
	Offset int
	// Dimension is the number of columns of the field in X.
	Dimension int
	// Basis holds one eigenmode per row, each of length Dimension, ordered
	// by decreasing eigenvalue.
	Basis *mat.Dense
	// Eigenvalues correspond to the rows of Basis.
	Eigenvalues []float64
}

// TruncationIndex returns the smallest number of leading modes whose
// cumulative share of the eigenvalue sum reaches threshold percent.
func TruncationIndex(eigenvalues []float64, threshold float64) (int, error) {
	if len(eigenvalues) == 0 {
		return 0, apperrors.Data(component, "TruncationIndex", "no eigenvalues given")
	}
	if threshold <= 0 || threshold > 100 {
		return 0, apperrors.Config(component, "TruncationIndex", "explained variance threshold must be in (0, 100], got %g", threshold)
	}
	total := floats.Sum(eigenvalues)
	if total <= 0 {
		return 0, apperrors.Data(component, "TruncationIndex", "eigenvalues sum to %g", total)
	}
	cum := 0.0
	for i, v := range eigenvalues {
		cum += v
		// relative tolerance so that a threshold of 100 is reachable despite rounding
		if 100*cum/total >= threshold*(1-1e-12) {
			return i + 1, nil
		}
	}
	return len(eigenvalues), nil
}

// Reduction is the standardised reduced input together with the fitted
// transform that produced it.
type Reduction struct {
	// Reduced is the standardised reduced input, N × (uncorrelated + Σ modes).
	Reduced *mat.Dense
	// Uncorrelated is the number of leading pass-through columns.
	Uncorrelated int
	// Modes holds the number of kept modes per random field.
	Modes map[string]int

	fields       []RandomField
	standardizer *Standardizer
}

// Reduce projects the random-field columns of X onto their truncated bases,
// prepends the uncorrelated columns [0, first field offset) and standardises
// the result.
func Reduce(X *mat.Dense, fields []RandomField, threshold float64) (*Reduction, error) {
	const op = "Reduce"
	if X == nil || X.IsEmpty() {
		return nil, apperrors.Data(component, op, "input matrix must not be empty")
	}
	_, d := X.Dims()

	uncorrelated := d
	if len(fields) > 0 {
		uncorrelated = fields[0].Offset
	}

	r := &Reduction{Uncorrelated: uncorrelated, Modes: make(map[string]int, len(fields))}
	next := uncorrelated
	for _, f := range fields {
		if f.Offset != next {
			return nil, apperrors.Data(component, op, "random field %q starts at column %d, expected %d", f.Name, f.Offset, next)
		}
		if f.Basis == nil {
			return nil, apperrors.Data(component, op, "random field %q has no eigenbasis", f.Name)
		}
		modes, cols := f.Basis.Dims()
		if cols != f.Dimension {
			return nil, apperrors.Data(component, op, "eigenbasis of %q has %d columns, field dimension is %d", f.Name, cols, f.Dimension)
		}
		if len(f.Eigenvalues) != modes {
			return nil, apperrors.Data(component, op, "random field %q has %d modes but %d eigenvalues", f.Name, modes, len(f.Eigenvalues))
		}
		if f.Offset+f.Dimension > d {
			return nil, apperrors.Data(component, op, "random field %q exceeds the %d input columns", f.Name, d)
		}
		k, err := TruncationIndex(f.Eigenvalues, threshold)
		if err != nil {
			return nil, err
		}
		truncated := f.Basis.Slice(0, k, 0, f.Dimension).(*mat.Dense)
		r.fields = append(r.fields, RandomField{
			Name:        f.Name,
			Offset:      f.Offset,
			Dimension:   f.Dimension,
			Basis:       mat.DenseCopyOf(truncated),
			Eigenvalues: append([]float64(nil), f.Eigenvalues[:k]...),
		})
		r.Modes[f.Name] = k
		next += f.Dimension
	}

	raw, err := r.project(X)
	if err != nil {
		return nil, err
	}
	r.standardizer = FitStandardizer(raw)
	r.Reduced = r.standardizer.Transform(raw)
	return r, nil
}

// Width returns the number of reduced columns.
func (r *Reduction) Width() int {
	n := r.Uncorrelated
	for _, k := range r.Modes {
		n += k
	}
	return n
}

// project assembles [uncorrelated | coefficients of every field].
func (r *Reduction) project(X *mat.Dense) (*mat.Dense, error) {
	n, d := X.Dims()
	width := r.Width()
	if width == 0 {
		return nil, apperrors.Data(component, "Reduce", "reduced input has no columns")
	}
	out := mat.NewDense(n, width, nil)
	if r.Uncorrelated > 0 {
		if r.Uncorrelated > d {
			return nil, apperrors.Data(component, "Reduce", "expected at least %d input columns, got %d", r.Uncorrelated, d)
		}
		out.Slice(0, n, 0, r.Uncorrelated).(*mat.Dense).Copy(X.Slice(0, n, 0, r.Uncorrelated))
	}
	col := r.Uncorrelated
	for _, f := range r.fields {
		if f.Offset+f.Dimension > d {
			return nil, apperrors.Data(component, "Reduce", "random field %q exceeds the %d input columns", f.Name, d)
		}
		k, _ := f.Basis.Dims()
		samples := X.Slice(0, n, f.Offset, f.Offset+f.Dimension)
		coefs := out.Slice(0, n, col, col+k).(*mat.Dense)
		coefs.Mul(samples, f.Basis.T())
		col += k
	}
	return out, nil
}

// Transform applies the fitted projection and standardisation to new input
// samples with the same column layout.
func (r *Reduction) Transform(X *mat.Dense) (*mat.Dense, error) {
	if r == nil || r.standardizer == nil {
		return nil, apperrors.New(apperrors.KindConfig, "reduction has not been fitted").
			WithComponent(component).WithOperation("Transform")
	}
	raw, err := r.project(X)
	if err != nil {
		return nil, err
	}
	return r.standardizer.Transform(raw), nil
}

func checkColumns(op string, m *mat.Dense) error {
	if m == nil || m.IsEmpty() {
		return apperrors.Data(component, op, "matrix must not be empty")
	}
	return nil
}
