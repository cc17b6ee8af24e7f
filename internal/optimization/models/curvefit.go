package models

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/lmfit/internal/optimization"
)

// CurveFit is the least-squares problem of fitting a Model to samples
// (t[i], y[i]). Residual i is Eval(t[i]) − y[i].
type CurveFit struct {
	model Model
	t, y  []float64
}

// NewCurveFit validates the samples and builds a CurveFit.
func NewCurveFit(model Model, t, y []float64) (*CurveFit, error) {
	const op = "NewCurveFit"
	if model == nil {
		return nil, optimization.ConfigErrorf("models", op, "model is required")
	}
	if len(t) == 0 {
		return nil, optimization.ConfigErrorf("models", op, "at least one sample is required")
	}
	if len(t) != len(y) {
		return nil, optimization.ConfigErrorf("models", op,
			"sample length mismatch: %d abscissae, %d ordinates", len(t), len(y))
	}
	for i := range t {
		if math.IsNaN(t[i]) || math.IsInf(t[i], 0) || math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return nil, optimization.ConfigErrorf("models", op, "sample %d is not finite", i)
		}
	}
	return &CurveFit{
		model: model,
		t:     append([]float64(nil), t...),
		y:     append([]float64(nil), y...),
	}, nil
}

// Model returns the fitted model.
func (c *CurveFit) Model() Model { return c.model }

// NumSamples returns the number of residuals.
func (c *CurveFit) NumSamples() int { return len(c.t) }

// Residuals implements optimization.ResidualFunc.
func (c *CurveFit) Residuals(params []float64) []float64 {
	r := make([]float64, len(c.t))
	for i, t := range c.t {
		r[i] = c.model.Eval(t, params) - c.y[i]
	}
	return r
}

// Jacobian implements optimization.JacobianFunc.
func (c *CurveFit) Jacobian(params []float64) *mat.Dense {
	n := c.model.NumParams()
	j := mat.NewDense(len(c.t), n, nil)
	for i, t := range c.t {
		c.model.Gradient(j.RawRowView(i), t, params)
	}
	return j
}

// Problem returns the fit as an optimizer model.
func (c *CurveFit) Problem() optimization.Model {
	return optimization.Model{
		Residuals: c.Residuals,
		Jacobian:  c.Jacobian,
	}
}

// RMS converts a sum of squared residuals into a root-mean-square error.
func (c *CurveFit) RMS(f float64) float64 {
	return math.Sqrt(f / float64(len(c.t)))
}
