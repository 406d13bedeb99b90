package dimred

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
)

// Ranking is the result of ExtendedGammas.
type Ranking struct {
	// Gammas holds the candidate columns rescaled to the LF output range,
	// ordered by decreasing informativeness.
	Gammas *mat.Dense
	// Order maps each column of Gammas to its column in the reduced input.
	Order []int
	// Scores are the unnormalised correlations of all candidates in the
	// first iteration, indexed by reduced input column.
	Scores []float64
}

// ExtendedGammas ranks the columns of the standardised reduced input xRed by
// the absolute projection onto the standardised LF output yLF. The best
// column is taken out of the pool, rescaled onto the range of yLF and
// appended, until the pool is empty. Ties go to the lowest column.
func ExtendedGammas(xRed, yLF *mat.Dense) (*Ranking, error) {
	const op = "ExtendedGammas"
	if err := checkColumns(op, xRed); err != nil {
		return nil, err
	}
	if err := checkColumns(op, yLF); err != nil {
		return nil, err
	}
	n, d := xRed.Dims()
	if rows, _ := yLF.Dims(); rows != n {
		return nil, apperrors.Data(component, op, "reduced input has %d rows but LF output has %d", n, rows)
	}

	yStd := Standardize(yLF)
	_, k := yLF.Dims()
	yRange := make([]float64, 0, n*k)
	for j := 0; j < k; j++ {
		yRange = append(yRange, mat.Col(nil, j, yLF)...)
	}

	// projections do not change as the pool shrinks
	var proj mat.Dense
	proj.Mul(yStd.T(), xRed)
	scores := make([]float64, d)
	for j := 0; j < d; j++ {
		for i := 0; i < k; i++ {
			scores[j] += math.Abs(proj.At(i, j))
		}
	}

	pool := make([]int, d)
	for j := range pool {
		pool[j] = j
	}

	ranking := &Ranking{
		Gammas: mat.NewDense(n, d, nil),
		Order:  make([]int, 0, d),
		Scores: scores,
	}
	col := make([]float64, n)
	for it := 0; it < d; it++ {
		best, bestPos := pool[0], 0
		for pos, j := range pool {
			if scores[j] > scores[best] {
				best, bestPos = j, pos
			}
		}
		pool = append(pool[:bestPos], pool[bestPos+1:]...)

		mat.Col(col, best, xRed)
		ranking.Gammas.SetCol(it, LinearScale(col, yRange))
		ranking.Order = append(ranking.Order, best)
	}
	return ranking, nil
}

// LinearScale maps the range [min(a), max(a)] linearly onto
// [min(b), max(b)]. A constant a maps onto min(b).
func LinearScale(a, b []float64) []float64 {
	out := make([]float64, len(a))
	if len(a) == 0 || len(b) == 0 {
		return out
	}
	minA, maxA := floats.Min(a), floats.Max(a)
	minB, maxB := floats.Min(b), floats.Max(b)
	if maxA == minA {
		for i := range out {
			out[i] = minB
		}
		return out
	}
	factor := (maxB - minB) / (maxA - minA)
	for i, v := range a {
		out[i] = minB + (v-minA)*factor
	}
	return out
}
