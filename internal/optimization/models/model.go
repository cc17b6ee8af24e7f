// Package models provides parametric curve models y = f(t; p) and turns
// sampled data into least-squares problems for the optimizer.
package models

import (
	"fmt"
	"math"

	"github.com/copyleftdev/lmfit/internal/optimization"
)

// Model represents a parametric curve y = f(t; params)
type Model interface {
	// Name identifies the model in requests and logs
	Name() string

	// NumParams returns the number of parameters the model takes
	NumParams() int

	// Eval computes the model value at t
	Eval(t float64, params []float64) float64

	// Gradient writes the partial derivatives of Eval with respect to each
	// parameter into dst, which has length NumParams.
	Gradient(dst []float64, t float64, params []float64)
}

// ExponentialModel implements y = a·exp(b·t)
type ExponentialModel struct{}

// NewExponentialModel creates a new exponential model
func NewExponentialModel() *ExponentialModel {
	return &ExponentialModel{}
}

// Name returns "exponential"
func (m *ExponentialModel) Name() string { return "exponential" }

// NumParams returns 2: amplitude a and rate b
func (m *ExponentialModel) NumParams() int { return 2 }

// Eval computes a·exp(b·t)
func (m *ExponentialModel) Eval(t float64, params []float64) float64 {
	return params[0] * math.Exp(params[1]*t)
}

// Gradient computes [exp(b·t), a·t·exp(b·t)]
func (m *ExponentialModel) Gradient(dst []float64, t float64, params []float64) {
	e := math.Exp(params[1] * t)
	dst[0] = e
	dst[1] = params[0] * t * e
}

// PolynomialModel implements y = c₀ + c₁·t + … + c_d·t^d
type PolynomialModel struct {
	degree int
}

// NewPolynomialModel creates a polynomial model of the given degree
func NewPolynomialModel(degree int) *PolynomialModel {
	if degree < 0 {
		panic(fmt.Sprintf("degree must be non-negative, got %d", degree))
	}
	return &PolynomialModel{degree: degree}
}

// Name returns "polynomial"
func (m *PolynomialModel) Name() string { return "polynomial" }

// NumParams returns degree+1
func (m *PolynomialModel) NumParams() int { return m.degree + 1 }

// Eval evaluates the polynomial with Horner's scheme
func (m *PolynomialModel) Eval(t float64, params []float64) float64 {
	y := 0.0
	for i := m.degree; i >= 0; i-- {
		y = y*t + params[i]
	}
	return y
}

// Gradient computes [1, t, t², …]
func (m *PolynomialModel) Gradient(dst []float64, t float64, params []float64) {
	p := 1.0
	for i := 0; i <= m.degree; i++ {
		dst[i] = p
		p *= t
	}
}

// GaussianModel implements a peak y = a·exp(−(t−μ)²/(2σ²))
type GaussianModel struct{}

// NewGaussianModel creates a new Gaussian peak model
func NewGaussianModel() *GaussianModel {
	return &GaussianModel{}
}

// Name returns "gaussian"
func (m *GaussianModel) Name() string { return "gaussian" }

// NumParams returns 3: amplitude a, center μ and width σ
func (m *GaussianModel) NumParams() int { return 3 }

// Eval computes the peak value at t
func (m *GaussianModel) Eval(t float64, params []float64) float64 {
	a, mu, sigma := params[0], params[1], params[2]
	d := t - mu
	return a * math.Exp(-d*d/(2*sigma*sigma))
}

// Gradient computes the derivatives with respect to a, μ and σ
func (m *GaussianModel) Gradient(dst []float64, t float64, params []float64) {
	a, mu, sigma := params[0], params[1], params[2]
	d := t - mu
	s2 := sigma * sigma
	e := math.Exp(-d * d / (2 * s2))
	dst[0] = e
	dst[1] = a * e * d / s2
	dst[2] = a * e * d * d / (s2 * sigma)
}

// New returns the model registered under name. degree is only used by
// the polynomial model.
func New(name string, degree int) (Model, error) {
	switch name {
	case "exponential":
		return NewExponentialModel(), nil
	case "polynomial":
		if degree < 0 {
			return nil, optimization.ConfigErrorf("models", "New", "degree must be non-negative, got %d", degree)
		}
		return NewPolynomialModel(degree), nil
	case "gaussian":
		return NewGaussianModel(), nil
	default:
		return nil, optimization.ConfigErrorf("models", "New", "unknown model %q", name)
	}
}
