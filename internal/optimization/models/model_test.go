package models

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/copyleftdev/lmfit/internal/optimization"
	"github.com/copyleftdev/lmfit/internal/optimization/levenberg"
)

func TestModelEval(t *testing.T) {
	tests := []struct {
		name     string
		model    Model
		t        float64
		params   []float64
		expected float64
	}{
		{
			name:     "exponential at origin",
			model:    NewExponentialModel(),
			t:        0,
			params:   []float64{2, 0.5},
			expected: 2,
		},
		{
			name:     "exponential growth",
			model:    NewExponentialModel(),
			t:        2,
			params:   []float64{2, 0.5},
			expected: 2 * math.E,
		},
		{
			name:     "quadratic",
			model:    NewPolynomialModel(2),
			t:        3,
			params:   []float64{1, -2, 0.5},
			expected: 1 - 6 + 4.5,
		},
		{
			name:     "constant",
			model:    NewPolynomialModel(0),
			t:        100,
			params:   []float64{7},
			expected: 7,
		},
		{
			name:     "gaussian peak",
			model:    NewGaussianModel(),
			t:        1,
			params:   []float64{3, 1, 0.5},
			expected: 3,
		},
		{
			name:     "gaussian one sigma",
			model:    NewGaussianModel(),
			t:        1.5,
			params:   []float64{3, 1, 0.5},
			expected: 3 * math.Exp(-0.5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.model.Eval(tt.t, tt.params)
			if math.Abs(result-tt.expected) > 1e-12 {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestModelGradientMatchesFiniteDifferences(t *testing.T) {
	tests := []struct {
		model  Model
		params []float64
	}{
		{model: NewExponentialModel(), params: []float64{1.5, -0.3}},
		{model: NewPolynomialModel(3), params: []float64{1, -1, 0.25, 0.1}},
		{model: NewGaussianModel(), params: []float64{2, 0.4, 0.8}},
	}

	for _, tt := range tests {
		t.Run(tt.model.Name(), func(t *testing.T) {
			for _, x := range []float64{-1, 0, 0.7, 2} {
				got := make([]float64, tt.model.NumParams())
				tt.model.Gradient(got, x, tt.params)

				want := fd.Gradient(nil, func(p []float64) float64 {
					return tt.model.Eval(x, p)
				}, tt.params, &fd.Settings{Formula: fd.Central})

				for i := range want {
					assert.InDelta(t, want[i], got[i], 1e-6, "t=%v param %d", x, i)
				}
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"exponential", "polynomial", "gaussian"} {
		m, err := New(name, 2)
		require.NoError(t, err)
		assert.Equal(t, name, m.Name())
	}

	m, err := New("polynomial", 4)
	require.NoError(t, err)
	assert.Equal(t, 5, m.NumParams())

	_, err = New("polynomial", -1)
	assert.True(t, optimization.IsConfigurationError(err))

	_, err = New("spline", 0)
	assert.True(t, optimization.IsConfigurationError(err))
}

func TestNewCurveFitValidation(t *testing.T) {
	model := NewExponentialModel()

	tests := []struct {
		name  string
		model Model
		t, y  []float64
	}{
		{name: "nil model", model: nil, t: []float64{1}, y: []float64{1}},
		{name: "no samples", model: model},
		{name: "length mismatch", model: model, t: []float64{1, 2}, y: []float64{1}},
		{name: "NaN sample", model: model, t: []float64{1, math.NaN()}, y: []float64{1, 2}},
		{name: "infinite sample", model: model, t: []float64{1, 2}, y: []float64{1, math.Inf(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCurveFit(tt.model, tt.t, tt.y)
			require.Error(t, err)
			assert.True(t, optimization.IsConfigurationError(err))
		})
	}
}

func TestCurveFitResidualsAndJacobian(t *testing.T) {
	fit, err := NewCurveFit(NewPolynomialModel(1), []float64{0, 1, 2}, []float64{1, 3, 5})
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 0, 0}, fit.Residuals([]float64{1, 2}))
	assert.Equal(t, []float64{-1, -2, -3}, fit.Residuals([]float64{0, 1}))

	j := fit.Jacobian([]float64{1, 2})
	rows, cols := j.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, []float64{1, 0, 1, 1, 1, 2}, j.RawMatrix().Data)

	assert.InDelta(t, 1.0, fit.RMS(3), 1e-12)
}

func TestCurveFitWithOptimizer(t *testing.T) {
	gaussianT := make([]float64, 41)
	for i := range gaussianT {
		gaussianT[i] = -1 + 0.1*float64(i)
	}
	polyT := make([]float64, 10)
	for i := range polyT {
		polyT[i] = 0.5 * float64(i)
	}

	tests := []struct {
		name  string
		model Model
		t     []float64
		truth []float64
		guess []float64
	}{
		{
			name:  "gaussian",
			model: NewGaussianModel(),
			t:     gaussianT,
			truth: []float64{3, 1, 0.5},
			guess: []float64{2, 0.8, 0.7},
		},
		{
			name:  "quadratic",
			model: NewPolynomialModel(2),
			t:     polyT,
			truth: []float64{1, -2, 0.5},
			guess: []float64{0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y := make([]float64, len(tt.t))
			for i, x := range tt.t {
				y[i] = tt.model.Eval(x, tt.truth)
			}
			fit, err := NewCurveFit(tt.model, tt.t, y)
			require.NoError(t, err)

			opt, err := levenberg.New(fit.Problem())
			require.NoError(t, err)

			result, err := opt.Run(context.Background(), optimization.Settings{
				MinError:           1e-8,
				MinErrorDifference: 1e-14,
				MaxIterations:      200,
			}, tt.guess)
			require.NoError(t, err)
			require.True(t, result.Converged())

			for i := range tt.truth {
				assert.InDelta(t, tt.truth[i], result.Best.X[i], 1e-6, "param %d", i)
			}
		})
	}
}
