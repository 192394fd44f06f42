package lsq

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

// linearProblem builds a problem fitting y = p0 + p1*x to exact samples
func linearProblem() *Problem {
	xs := []float64{0, 1, 2, 3, 4}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 1.0 + 2.0*x
	}

	model := func(point mat.Vector) (*mat.VecDense, *mat.Dense, error) {
		r := mat.NewVecDense(len(xs), nil)
		j := mat.NewDense(len(xs), 2, nil)
		for i, x := range xs {
			r.SetVec(i, ys[i]-point.AtVec(0)-point.AtVec(1)*x)
			j.Set(i, 0, -1)
			j.Set(i, 1, -x)
		}
		return r, j, nil
	}

	return &Problem{
		Start:          mat.NewVecDense(2, []float64{0, 0}),
		Model:          model,
		Checker:        NewRMSChecker(1e-12, 1e-14).Converged,
		MaxIterations:  50,
		MaxEvaluations: 200,
	}
}

// rosenbrockProblem builds the classic Rosenbrock valley as residuals
func rosenbrockProblem(start []float64) *Problem {
	model := func(point mat.Vector) (*mat.VecDense, *mat.Dense, error) {
		x, y := point.AtVec(0), point.AtVec(1)

		r := mat.NewVecDense(2, []float64{10 * (y - x*x), 1 - x})
		j := mat.NewDense(2, 2, []float64{-20 * x, 10, -1, 0})

		return r, j, nil
	}

	return &Problem{
		Start:          mat.NewVecDense(2, start),
		Model:          model,
		Checker:        NewRMSChecker(1e-14, 1e-15).Converged,
		MaxIterations:  500,
		MaxEvaluations: 2000,
	}
}

func TestCounter(t *testing.T) {
	assert := assert.New(t)

	c := NewCounter(2)
	assert.Equal(0, c.Count())
	assert.NoError(c.Increment())
	assert.NoError(c.Increment())
	assert.Equal(2, c.Count())
	assert.Error(c.Increment())
	assert.Equal(2, c.Count())

	// non-positive max means unlimited
	unlimited := NewCounter(0)
	for i := 0; i < 100; i++ {
		assert.NoError(unlimited.Increment())
	}
}

func TestRMSChecker(t *testing.T) {
	assert := assert.New(t)

	ev := func(res []float64) *Evaluation {
		point := mat.NewVecDense(1, []float64{0})
		return NewEvaluation(point, mat.NewVecDense(len(res), res), mat.NewDense(len(res), 1, nil))
	}

	checker := NewRMSChecker(1e-3, 1e-6)

	assert.False(checker.Converged(1, nil, ev([]float64{1})))
	assert.False(checker.Converged(1, ev([]float64{1}), ev([]float64{0.5})))
	assert.True(checker.Converged(2, ev([]float64{1}), ev([]float64{1 + 1e-4})))
	assert.True(checker.Converged(3, ev([]float64{0}), ev([]float64{1e-7})))
}

func TestEvaluation(t *testing.T) {
	assert := assert.New(t)

	point := mat.NewVecDense(2, []float64{1, 2})
	residuals := mat.NewVecDense(2, []float64{3, 4})
	jacobian := mat.NewDense(2, 2, []float64{2, 0, 0, 4})

	e := NewEvaluation(point, residuals, jacobian)
	assert.InDelta(5.0, e.Cost(), 1e-12)
	assert.InDelta(5.0/1.4142135623730951, e.RMS(), 1e-12)

	cov, err := e.Covariance()
	assert.NoError(err)
	assert.InDelta(0.25, cov.At(0, 0), 1e-12)
	assert.InDelta(0.0625, cov.At(1, 1), 1e-12)
	assert.InDelta(0.0, cov.At(0, 1), 1e-12)

	// singular Jacobian has no covariance
	singular := NewEvaluation(point, residuals, mat.NewDense(2, 2, nil))
	_, err = singular.Covariance()
	assert.Error(err)
}

func TestLevenbergMarquardtLinear(t *testing.T) {
	assert := assert.New(t)

	p := linearProblem()
	ev, err := NewLevenbergMarquardt().Optimize(p)
	assert.NoError(err)
	assert.NotNil(ev)

	assert.InDelta(1.0, ev.Point().AtVec(0), 1e-6)
	assert.InDelta(2.0, ev.Point().AtVec(1), 1e-6)
	assert.Less(ev.Cost(), 1e-6)
	assert.Greater(p.IterationCounter().Count(), 0)
	assert.Greater(p.EvaluationCounter().Count(), 0)
}

func TestLevenbergMarquardtRosenbrock(t *testing.T) {
	assert := assert.New(t)

	ev, err := NewLevenbergMarquardt().Optimize(rosenbrockProblem([]float64{-1.2, 1.0}))
	assert.NoError(err)

	assert.InDelta(1.0, ev.Point().AtVec(0), 1e-6)
	assert.InDelta(1.0, ev.Point().AtVec(1), 1e-6)
}

func TestLevenbergMarquardtValidator(t *testing.T) {
	assert := assert.New(t)

	// steps wandering into the forbidden half-plane are rejected and
	// retried, not fatal
	p := rosenbrockProblem([]float64{0.5, 0.5})
	p.Validator = func(point *mat.VecDense) error {
		if point.AtVec(0) < 0 {
			return fmt.Errorf("negative x")
		}
		return nil
	}

	ev, err := NewLevenbergMarquardt().Optimize(p)
	assert.NoError(err)
	assert.InDelta(1.0, ev.Point().AtVec(0), 1e-6)

	// an invalid start point is fatal
	p = rosenbrockProblem([]float64{-1.0, 1.0})
	p.Validator = func(point *mat.VecDense) error {
		if point.AtVec(0) < 0 {
			return fmt.Errorf("negative x")
		}
		return nil
	}
	ev, err = NewLevenbergMarquardt().Optimize(p)
	assert.Nil(ev)
	assert.Error(err)
}

func TestLevenbergMarquardtLimits(t *testing.T) {
	assert := assert.New(t)

	p := rosenbrockProblem([]float64{-1.2, 1.0})
	p.MaxIterations = 2
	p.MaxEvaluations = 0

	ev, err := NewLevenbergMarquardt().Optimize(p)
	assert.Nil(ev)
	assert.Error(err)

	p = rosenbrockProblem([]float64{-1.2, 1.0})
	p.MaxEvaluations = 3

	ev, err = NewLevenbergMarquardt().Optimize(p)
	assert.Nil(ev)
	assert.Error(err)
}

func TestLevenbergMarquardtModelError(t *testing.T) {
	assert := assert.New(t)

	p := &Problem{
		Start: mat.NewVecDense(1, []float64{0}),
		Model: func(point mat.Vector) (*mat.VecDense, *mat.Dense, error) {
			return nil, nil, fmt.Errorf("propagation blew up")
		},
		MaxIterations:  10,
		MaxEvaluations: 10,
	}

	ev, err := NewLevenbergMarquardt().Optimize(p)
	assert.Nil(ev)
	assert.Error(err)
	assert.Contains(err.Error(), "propagation blew up")

	// incomplete problems are rejected outright
	ev, err = NewLevenbergMarquardt().Optimize(&Problem{})
	assert.Nil(ev)
	assert.Error(err)
}

func TestLevenbergMarquardtZeroResidualStart(t *testing.T) {
	assert := assert.New(t)

	// starting exactly at the optimum converges immediately
	p := linearProblem()
	p.Start = mat.NewVecDense(2, []float64{1, 2})

	ev, err := NewLevenbergMarquardt().Optimize(p)
	assert.NoError(err)
	assert.InDelta(0.0, ev.Cost(), 1e-12)
	assert.LessOrEqual(p.IterationCounter().Count(), 2)
}
