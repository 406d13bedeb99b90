package density

import (
	"context"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
)

// Calibrated constants of the variance-of-density estimate. They are
// empirical and must stay fixed for results to be comparable.
const (
	// VarianceDiscount weights the squared mean density.
	VarianceDiscount = 0.9995
	// MaxExponent caps the log-density of a pair before exponentiation.
	MaxExponent = 40.0
	// DetFloor replaces the determinant of a non positive definite pair.
	DetFloor = 1e-6
	// CovarianceShrink scales the covariance of a non positive definite pair.
	CovarianceShrink = 0.95
)

// blockRows is the number of outer-loop rows reduced by one task.
const blockRows = 16

// VarianceInput bundles the posterior quantities of the Monte-Carlo points.
type VarianceInput struct {
	Support []float64
	Means   []float64
	// Variances are the marginal predictive variances.
	Variances []float64
	// Covariance is the full posterior covariance between the points.
	Covariance mat.Symmetric
	// MeanDensity is the result of MeanDensity on the same support.
	MeanDensity []float64
}

// VarianceDensity estimates the posterior variance of the density on the
// support. Every unordered pair of points contributes the bivariate normal
// density of their joint prediction evaluated at (y, y).
//
// Rows of the outer loop are split into fixed blocks that are reduced by up
// to workers goroutines. Block sums are merged in block order so the result
// does not depend on the number of workers. workers <= 0 uses one per CPU.
func VarianceDensity(ctx context.Context, in VarianceInput, workers int) ([]float64, error) {
	const op = "VarianceDensity"
	n := len(in.Means)
	if n < 2 {
		return nil, apperrors.Data(component, op, "variance of the density needs at least 2 points, got %d", n)
	}
	if len(in.Variances) != n {
		return nil, apperrors.Data(component, op, "got %d means but %d variances", n, len(in.Variances))
	}
	if in.Covariance == nil || in.Covariance.SymmetricDim() != n {
		return nil, apperrors.Data(component, op, "covariance must be %d×%d", n, n)
	}
	if len(in.MeanDensity) != len(in.Support) {
		return nil, apperrors.Data(component, op, "mean density has %d values for %d support points", len(in.MeanDensity), len(in.Support))
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	numBlocks := (n - 1 + blockRows - 1) / blockRows
	if workers > numBlocks {
		workers = numBlocks
	}

	partials := make([][]float64, numBlocks)
	blocks := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range blocks {
				if ctx.Err() != nil {
					continue
				}
				partials[b] = reduceBlock(in, b*blockRows, min((b+1)*blockRows, n-1))
			}
		}()
	}

feed:
	for b := 0; b < numBlocks; b++ {
		select {
		case blocks <- b:
		case <-ctx.Done():
			break feed
		}
	}
	close(blocks)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := make([]float64, len(in.Support))
	for _, p := range partials {
		for k, v := range p {
			sum[k] += v
		}
	}

	pairs := float64(n) * float64(n-1) / 2
	out := make([]float64, len(sum))
	for k := range out {
		out[k] = sum[k]/pairs - VarianceDiscount*in.MeanDensity[k]*in.MeanDensity[k]
	}
	return out, nil
}

// reduceBlock sums the contributions of all pairs (i, j) with lo <= i < hi
// and j > i.
func reduceBlock(in VarianceInput, lo, hi int) []float64 {
	acc := make([]float64, len(in.Support))
	n := len(in.Means)
	for i := lo; i < hi; i++ {
		for j := i + 1; j < n; j++ {
			AddPairDensity(acc, in.Support,
				in.Means[i], in.Means[j],
				in.Variances[i], in.Variances[j],
				in.Covariance.At(i, j))
		}
	}
	return acc
}

// AddPairDensity adds the bivariate normal density of one pair, evaluated at
// (y, y) for every y in support, to acc. A non positive determinant is
// replaced by DetFloor and the covariance shrunk by CovarianceShrink; the
// log-density is capped at MaxExponent.
func AddPairDensity(acc, support []float64, mean1, mean2, var1, var2, cov float64) {
	det := var1*var2 - cov*cov
	if det <= 0 {
		det = DetFloor
		cov *= CovarianceShrink
	}
	logNorm := -math.Log(2 * math.Pi * math.Sqrt(det))
	for k, y := range support {
		d1, d2 := y-mean1, y-mean2
		quad := (var2*d1*d1 - 2*cov*d1*d2 + var1*d2*d2) / det
		arg := -0.5*quad + logNorm
		if arg > MaxExponent {
			arg = MaxExponent
		}
		acc[k] += math.Exp(arg)
	}
}
