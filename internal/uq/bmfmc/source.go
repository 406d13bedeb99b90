package bmfmc

import (
	"context"

	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
)

// Response is the result of a high-fidelity model evaluation.
type Response struct {
	// Result holds one output per input row.
	Result []float64
}

// HighFidelityModel evaluates the expensive model on a batch of inputs.
type HighFidelityModel interface {
	Evaluate(ctx context.Context, X *mat.Dense) (*Response, error)
}

// HFSource yields the high-fidelity training outputs. It is either
// Simulated or Precomputed.
type HFSource interface {
	trainingOutputs(ctx context.Context, xTrain *mat.Dense, indices []int) ([]float64, error)
	String() string
}

// Simulated runs the high-fidelity model on the training inputs.
type Simulated struct {
	Model HighFidelityModel
}

// Precomputed looks the training outputs up in a high-fidelity Monte-Carlo
// reference aligned with the Monte-Carlo inputs.
type Precomputed struct {
	YHFMC []float64
}

// ResolveSource picks the source from what is available. Exactly one of a
// model and reference outputs must be given.
func ResolveSource(model HighFidelityModel, yHFMC []float64) (HFSource, error) {
	switch {
	case model != nil && yHFMC != nil:
		return nil, apperrors.Config(component, "ResolveSource",
			"both a high-fidelity model and high-fidelity Monte-Carlo data were provided; configure exactly one")
	case model != nil:
		return Simulated{Model: model}, nil
	case yHFMC != nil:
		return Precomputed{YHFMC: yHFMC}, nil
	}
	return nil, apperrors.Config(component, "ResolveSource",
		"provide either a file with high-fidelity Monte-Carlo data or a high-fidelity model to compute the training data")
}

func (s Simulated) String() string { return "simulated" }

func (s Simulated) trainingOutputs(ctx context.Context, xTrain *mat.Dense, _ []int) ([]float64, error) {
	resp, err := s.Model.Evaluate(ctx, xTrain)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "high-fidelity model evaluation failed").
			WithComponent(component).WithOperation("trainingOutputs")
	}
	n, _ := xTrain.Dims()
	if resp == nil || len(resp.Result) != n {
		got := 0
		if resp != nil {
			got = len(resp.Result)
		}
		return nil, apperrors.Data(component, "trainingOutputs", "high-fidelity model returned %d results for %d inputs", got, n)
	}
	return append([]float64(nil), resp.Result...), nil
}

func (p Precomputed) String() string { return "precomputed" }

func (p Precomputed) trainingOutputs(_ context.Context, _ *mat.Dense, indices []int) ([]float64, error) {
	out := make([]float64, len(indices))
	for k, i := range indices {
		if i < 0 || i >= len(p.YHFMC) {
			return nil, apperrors.Data(component, "trainingOutputs",
				"training row %d has no high-fidelity reference value (%d available)", i, len(p.YHFMC))
		}
		out[k] = p.YHFMC[i]
	}
	return out, nil
}
