// Package kernels provides covariance functions for the Gaussian-process
// probabilistic mapping.
package kernels

import (
	"fmt"
	"math"
	"strings"
)

// Kernel represents a stationary covariance function.
type Kernel interface {
	// Eval computes the kernel value between two points x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the current hyperparameters
	// as [lengthScale, signalVar].
	Hyperparameters() []float64

	// SetHyperparameters sets the kernel's hyperparameters
	SetHyperparameters(params []float64) error

	// Name identifies the kernel in logs and configuration.
	Name() string
}

// New returns the kernel registered under name ("rbf" or "matern52").
func New(name string, lengthScale, signalVar float64) (Kernel, error) {
	if lengthScale <= 0 || signalVar <= 0 {
		return nil, fmt.Errorf("hyperparameters must be positive, got [%v %v]", lengthScale, signalVar)
	}
	switch strings.ToLower(name) {
	case "", "rbf", "squared_exponential":
		return NewRBFKernel(lengthScale, signalVar), nil
	case "matern52", "matern_52":
		return NewMatern52Kernel(lengthScale, signalVar), nil
	default:
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
}

func squaredDistance(x1, x2 []float64) float64 {
	sumSq := 0.0
	for i := range x1 {
		diff := x1[i] - x2[i]
		sumSq += diff * diff
	}
	return sumSq
}

func setPositivePair(params []float64) (float64, float64, error) {
	if len(params) != 2 {
		return 0, 0, fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if params[0] <= 0 || params[1] <= 0 {
		return 0, 0, fmt.Errorf("hyperparameters must be positive, got %v", params)
	}
	return params[0], params[1], nil
}

// RBFKernel implements the Radial Basis Function (squared exponential) kernel
type RBFKernel struct {
	// Length scale parameter (larger = smoother function)
	lengthScale float64
	// Signal variance (controls the amplitude of the function)
	signalVar float64
}

// NewRBFKernel creates a new RBF kernel with the given parameters
func NewRBFKernel(lengthScale, signalVar float64) *RBFKernel {
	if lengthScale <= 0 {
		panic(fmt.Sprintf("lengthScale must be positive, got %v", lengthScale))
	}
	if signalVar <= 0 {
		panic(fmt.Sprintf("signalVar must be positive, got %v", signalVar))
	}
	return &RBFKernel{
		lengthScale: lengthScale,
		signalVar:   signalVar,
	}
}

// Eval computes the RBF kernel value between x1 and x2
func (k *RBFKernel) Eval(x1, x2 []float64) float64 {
	r2 := squaredDistance(x1, x2) / (2.0 * k.lengthScale * k.lengthScale)
	return k.signalVar * math.Exp(-r2)
}

// Hyperparameters returns the current hyperparameters
func (k *RBFKernel) Hyperparameters() []float64 {
	return []float64{k.lengthScale, k.signalVar}
}

// SetHyperparameters sets the kernel's hyperparameters
func (k *RBFKernel) SetHyperparameters(params []float64) error {
	ls, sv, err := setPositivePair(params)
	if err != nil {
		return err
	}
	k.lengthScale, k.signalVar = ls, sv
	return nil
}

// Name implements Kernel.
func (k *RBFKernel) Name() string { return "rbf" }

// Matern52Kernel implements the Matérn 5/2 kernel
type Matern52Kernel struct {
	lengthScale float64
	signalVar   float64
}

// NewMatern52Kernel creates a new Matérn 5/2 kernel with the given parameters
func NewMatern52Kernel(lengthScale, signalVar float64) *Matern52Kernel {
	if lengthScale <= 0 {
		panic(fmt.Sprintf("lengthScale must be positive, got %v", lengthScale))
	}
	if signalVar <= 0 {
		panic(fmt.Sprintf("signalVar must be positive, got %v", signalVar))
	}
	return &Matern52Kernel{
		lengthScale: lengthScale,
		signalVar:   signalVar,
	}
}

// Eval computes the Matérn 5/2 kernel value between x1 and x2
func (k *Matern52Kernel) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(squaredDistance(x1, x2)) / k.lengthScale
	polyTerm := 1.0 + math.Sqrt(5)*r + (5.0/3.0)*r*r
	return k.signalVar * polyTerm * math.Exp(-math.Sqrt(5)*r)
}

// Hyperparameters returns the current hyperparameters
func (k *Matern52Kernel) Hyperparameters() []float64 {
	return []float64{k.lengthScale, k.signalVar}
}

// SetHyperparameters sets the kernel's hyperparameters
func (k *Matern52Kernel) SetHyperparameters(params []float64) error {
	ls, sv, err := setPositivePair(params)
	if err != nil {
		return err
	}
	k.lengthScale, k.signalVar = ls, sv
	return nil
}

// Name implements Kernel.
func (k *Matern52Kernel) Name() string { return "matern52" }
