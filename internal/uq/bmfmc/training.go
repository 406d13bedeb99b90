package bmfmc

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/features"
)

// TrainingDesign chooses the Monte-Carlo rows that receive high-fidelity
// outputs.
type TrainingDesign interface {
	// Indices returns row indices into xMC.
	Indices(xMC *mat.Dense) ([]int, error)
}

// ExplicitDesign uses given training inputs that must appear as rows of the
// Monte-Carlo inputs.
type ExplicitDesign struct {
	XTrain *mat.Dense
}

// Indices matches every training row against the Monte-Carlo rows.
func (d ExplicitDesign) Indices(xMC *mat.Dense) ([]int, error) {
	return MatchRows(xMC, d.XTrain)
}

// RandomDesign draws Size distinct rows with a seeded generator.
type RandomDesign struct {
	Size int
	Seed int64
}

// Indices draws the training rows.
func (d RandomDesign) Indices(xMC *mat.Dense) ([]int, error) {
	n, _ := xMC.Dims()
	if d.Size < 1 || d.Size > n {
		return nil, apperrors.Config(component, "RandomDesign", "num_training must be between 1 and %d, got %d", n, d.Size)
	}
	rng := rand.New(rand.NewSource(d.Seed))
	return rng.Perm(n)[:d.Size], nil
}

type rowKey string

func keyOf(row []float64) rowKey {
	b := make([]byte, 0, 8*len(row))
	for _, v := range row {
		bits := math.Float64bits(v)
		if v == 0 {
			bits = 0 // -0 equals +0
		}
		for s := 0; s < 64; s += 8 {
			b = append(b, byte(bits>>s))
		}
	}
	return rowKey(b)
}

// MatchRows returns, for every row of xTrain, the index of the first
// identical row of xMC. A row without exact match is a data error.
func MatchRows(xMC, xTrain *mat.Dense) ([]int, error) {
	const op = "MatchRows"
	if xMC == nil || xTrain == nil {
		return nil, apperrors.Data(component, op, "input matrices must not be nil")
	}
	n, d := xMC.Dims()
	m, dt := xTrain.Dims()
	if d != dt {
		return nil, apperrors.Data(component, op, "training input has %d columns, Monte-Carlo input has %d", dt, d)
	}

	first := make(map[rowKey]int, n)
	for i := n - 1; i >= 0; i-- {
		first[keyOf(xMC.RawRowView(i))] = i
	}
	out := make([]int, m)
	for k := 0; k < m; k++ {
		i, ok := first[keyOf(xTrain.RawRowView(k))]
		if !ok {
			return nil, apperrors.Data(component, op, "training row %d %v has no matching Monte-Carlo row", k, xTrain.RawRowView(k))
		}
		out[k] = i
	}
	return out, nil
}

// trainingInputs returns the rows of xMC selected by indices.
func trainingInputs(xMC *mat.Dense, indices []int) *mat.Dense {
	return features.SelectRows(xMC, indices)
}
