package density

import (
	"math"

	"github.com/aclements/go-moremath/stats"
	"gonum.org/v1/gonum/floats"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
)

// bandwidth search grid
const (
	bandwidthCandidates = 40
	maxFolds            = 20
)

// EstimateBandwidth selects the Gaussian KDE bandwidth for samples. The
// candidates are log-spaced between (hi-lo)/30 and (hi-lo)/2; each is
// scored by the held-out log-likelihood of k contiguous folds with
// k = min(20, len(samples)). The first best candidate wins. Degenerate input
// falls back to Scott's rule.
func EstimateBandwidth(samples []float64, lo, hi float64) (float64, error) {
	const op = "EstimateBandwidth"
	if len(samples) == 0 {
		return 0, apperrors.Data(component, op, "no samples given")
	}
	span := hi - lo
	if len(samples) < 2 || !(span > 0) {
		return scott(samples), nil
	}

	candidates := make([]float64, bandwidthCandidates)
	floats.LogSpan(candidates, span/30, span/2)

	folds := min(len(samples), maxFolds)

	best, bestScore := candidates[0], math.Inf(-1)
	for _, h := range candidates {
		score := crossValidatedLogLikelihood(samples, h, folds)
		if score > bestScore {
			best, bestScore = h, score
		}
	}
	if math.IsInf(bestScore, -1) {
		return scott(samples), nil
	}
	return best, nil
}

// crossValidatedLogLikelihood sums the log-density of each held-out fold
// under a KDE fitted on the remaining samples.
func crossValidatedLogLikelihood(samples []float64, h float64, folds int) float64 {
	n := len(samples)
	total := 0.0
	train := make([]float64, 0, n)
	for f := 0; f < folds; f++ {
		lo, hi := foldBounds(n, folds, f)
		train = append(train[:0], samples[:lo]...)
		train = append(train, samples[hi:]...)
		kde := newKDE(train, h)
		for _, x := range samples[lo:hi] {
			p := kde.PDF(x)
			if p <= 0 {
				return math.Inf(-1)
			}
			total += math.Log(p)
		}
	}
	return total
}

// foldBounds returns the half-open range of fold f when n samples are split
// into k contiguous folds, the first n%k folds one sample larger.
func foldBounds(n, k, f int) (int, int) {
	size, rem := n/k, n%k
	lo := f*size + min(f, rem)
	hi := lo + size
	if f < rem {
		hi++
	}
	return lo, hi
}

func newKDE(samples []float64, h float64) *stats.KDE {
	return &stats.KDE{
		Sample:    stats.Sample{Xs: samples},
		Kernel:    stats.GaussianKernel,
		Bandwidth: h,
	}
}

func scott(samples []float64) float64 {
	h := stats.BandwidthScott(stats.Sample{Xs: samples})
	if !(h > 0) || math.IsNaN(h) {
		return 1
	}
	return h
}

// EstimatePDF evaluates a Gaussian KDE of samples with bandwidth on support.
func EstimatePDF(samples []float64, bandwidth float64, support []float64) ([]float64, error) {
	const op = "EstimatePDF"
	if len(samples) == 0 {
		return nil, apperrors.Data(component, op, "no samples given")
	}
	if !(bandwidth > 0) {
		return nil, apperrors.Config(component, op, "bandwidth must be positive, got %g", bandwidth)
	}
	kde := newKDE(samples, bandwidth)
	out := make([]float64, len(support))
	for i, y := range support {
		out[i] = kde.PDF(y)
	}
	return out, nil
}
