// Package lsq provides a small nonlinear least-squares toolbox: a problem
// abstraction bridging a vector model function to an optimizer, bounded
// iteration/evaluation counters, an RMS based convergence checker and a
// Levenberg-Marquardt optimizer.
package lsq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ModelFunc evaluates the model at a point: it returns the residual vector
// and its Jacobian with respect to the point.
type ModelFunc func(point mat.Vector) (residuals *mat.VecDense, jacobian *mat.Dense, err error)

// ValidatorFunc checks a candidate point before it is scored.
// A non-nil error makes the optimizer reject the step instead of
// aborting the optimization.
type ValidatorFunc func(point *mat.VecDense) error

// ConvergenceChecker decides whether the optimization has converged after
// an accepted iteration, given the previous and current evaluations.
type ConvergenceChecker func(iteration int, previous, current *Evaluation) bool

// Optimizer solves least squares problems
type Optimizer interface {
	// Optimize runs the optimization and returns the final evaluation
	Optimize(p *Problem) (*Evaluation, error)
}

// Problem is a least squares problem definition
type Problem struct {
	// Start is the initial point
	Start *mat.VecDense
	// Target is the nominal observation vector the model residuals are
	// measured against; a zero target means the model already forms residuals
	Target *mat.VecDense
	// Model evaluates residuals and Jacobian at a point
	Model ModelFunc
	// Checker decides convergence after each accepted iteration
	Checker ConvergenceChecker
	// Validator rejects invalid candidate points, may be nil
	Validator ValidatorFunc
	// MaxIterations caps the number of accepted iterations
	MaxIterations int
	// MaxEvaluations caps the number of model evaluations
	MaxEvaluations int

	evaluationCounter *Counter
	iterationCounter  *Counter
}

// EvaluationCounter returns the counter tracking model evaluations.
// The counter is shared: callers holding it observe the optimizer progress.
func (p *Problem) EvaluationCounter() *Counter {
	if p.evaluationCounter == nil {
		p.evaluationCounter = NewCounter(p.MaxEvaluations)
	}

	return p.evaluationCounter
}

// IterationCounter returns the counter tracking accepted iterations.
// The counter is shared: callers holding it observe the optimizer progress.
func (p *Problem) IterationCounter() *Counter {
	if p.iterationCounter == nil {
		p.iterationCounter = NewCounter(p.MaxIterations)
	}

	return p.iterationCounter
}

// Counter is a bounded incrementor
type Counter struct {
	count int
	max   int
}

// NewCounter creates a counter limited to max increments.
// A non-positive max means no limit.
func NewCounter(max int) *Counter {
	return &Counter{max: max}
}

// Count returns the current count
func (c *Counter) Count() int { return c.count }

// Increment increments the counter.
// It returns error if the configured limit is exceeded.
func (c *Counter) Increment() error {
	if c.max > 0 && c.count >= c.max {
		return fmt.Errorf("maximum count exceeded: %d", c.max)
	}
	c.count++

	return nil
}

// Evaluation is the state of a least squares problem at one point
type Evaluation struct {
	point     *mat.VecDense
	residuals *mat.VecDense
	jacobian  *mat.Dense
}

// NewEvaluation creates an evaluation from a point, the residuals and the
// Jacobian of the residuals at that point
func NewEvaluation(point, residuals *mat.VecDense, jacobian *mat.Dense) *Evaluation {
	p := &mat.VecDense{}
	p.CloneFromVec(point)

	r := &mat.VecDense{}
	r.CloneFromVec(residuals)

	j := &mat.Dense{}
	j.CloneFrom(jacobian)

	return &Evaluation{point: p, residuals: r, jacobian: j}
}

// Point returns the evaluated point
func (e *Evaluation) Point() mat.Vector {
	p := &mat.VecDense{}
	p.CloneFromVec(e.point)

	return p
}

// Residuals returns the residual vector
func (e *Evaluation) Residuals() mat.Vector {
	r := &mat.VecDense{}
	r.CloneFromVec(e.residuals)

	return r
}

// Jacobian returns the Jacobian of the residuals
func (e *Evaluation) Jacobian() mat.Matrix {
	j := &mat.Dense{}
	j.CloneFrom(e.jacobian)

	return j
}

// Cost returns the residual norm
func (e *Evaluation) Cost() float64 {
	return mat.Norm(e.residuals, 2)
}

// RMS returns the root mean square of the residuals
func (e *Evaluation) RMS() float64 {
	n := e.residuals.Len()
	if n == 0 {
		return 0
	}
	cost := e.Cost()

	return math.Sqrt(cost * cost / float64(n))
}

// Covariance returns the covariance matrix of the estimated point,
// the inverse of the residual Jacobian normal matrix.
// It returns error if the normal matrix is singular.
func (e *Evaluation) Covariance() (*mat.SymDense, error) {
	_, n := e.jacobian.Dims()

	jtj := mat.NewDense(n, n, nil)
	jtj.Mul(e.jacobian.T(), e.jacobian)

	inv := mat.NewDense(n, n, nil)
	if err := inv.Inverse(jtj); err != nil {
		return nil, fmt.Errorf("failed to invert normal matrix: %v", err)
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, (inv.At(i, j)+inv.At(j, i))/2)
		}
	}

	return cov, nil
}

// RMSChecker checks convergence on the relative and absolute change of the
// residual RMS between two consecutive iterations
type RMSChecker struct {
	relTol float64
	absTol float64
}

// NewRMSChecker creates a checker converging when the RMS change between
// consecutive evaluations falls under the relative or absolute tolerance
func NewRMSChecker(relTol, absTol float64) *RMSChecker {
	return &RMSChecker{relTol: relTol, absTol: absTol}
}

// Converged returns true when |rms(cur) - rms(prev)| <= max(relTol*rms(prev), absTol)
func (c *RMSChecker) Converged(iteration int, previous, current *Evaluation) bool {
	if previous == nil || current == nil {
		return false
	}

	prevRMS := previous.RMS()
	curRMS := current.RMS()

	return math.Abs(curRMS-prevRMS) <= math.Max(c.relTol*prevRMS, c.absTol)
}
