package lsq

import (
	"fmt"
	"math"

	"github.com/milosgajdos/matrix"
	"gonum.org/v1/gonum/mat"
)

const (
	defaultInitialDamping = 1e-3
	defaultDampingFactor  = 10.0
	defaultMaxDamping     = 1e16
	minDamping            = 1e-12
)

// LevenbergMarquardt is a damped Gauss-Newton least squares optimizer.
// Steps are computed from column-equilibrated normal equations damped with
// a diagonal term; steps that increase the cost or fail the problem
// validator are rejected and retried with a larger damping.
type LevenbergMarquardt struct {
	// InitialDamping is the damping applied to the first step
	InitialDamping float64
	// DampingFactor is the multiplier applied on step rejection and
	// its inverse on step acceptance
	DampingFactor float64
	// MaxDamping is the damping above which the optimizer gives up
	MaxDamping float64
}

// NewLevenbergMarquardt creates a new optimizer with default damping settings
func NewLevenbergMarquardt() *LevenbergMarquardt {
	return &LevenbergMarquardt{
		InitialDamping: defaultInitialDamping,
		DampingFactor:  defaultDampingFactor,
		MaxDamping:     defaultMaxDamping,
	}
}

// Optimize runs the optimization on the given problem and returns the
// evaluation at the optimum.
// It returns error if either of the following conditions is met:
// - the problem definition is incomplete or its start point is invalid
// - a model evaluation fails
// - the normal equations stay singular at maximum damping
// - the iteration or evaluation limits are exceeded before convergence
func (lm *LevenbergMarquardt) Optimize(p *Problem) (*Evaluation, error) {
	if p == nil || p.Start == nil || p.Model == nil {
		return nil, fmt.Errorf("incomplete least squares problem")
	}

	evaluations := p.EvaluationCounter()
	iterations := p.IterationCounter()

	x := &mat.VecDense{}
	x.CloneFromVec(p.Start)

	if p.Validator != nil {
		if err := p.Validator(x); err != nil {
			return nil, fmt.Errorf("invalid start point: %w", err)
		}
	}

	current, err := lm.evaluate(p, x, evaluations)
	if err != nil {
		return nil, err
	}

	lambda := lm.InitialDamping
	for {
		if err := iterations.Increment(); err != nil {
			return nil, fmt.Errorf("no convergence after %d iterations", iterations.Count())
		}

		// search for an acceptable step, inflating the damping on rejection
		var next *Evaluation
		for next == nil {
			delta, sErr := lm.step(current, lambda)
			if sErr != nil {
				lambda *= lm.DampingFactor
				if lambda > lm.MaxDamping {
					return nil, fmt.Errorf("singular normal equations: %v", sErr)
				}
				continue
			}

			candidate := &mat.VecDense{}
			candidate.AddVec(current.point, delta)

			if p.Validator != nil {
				if vErr := p.Validator(candidate); vErr != nil {
					lambda *= lm.DampingFactor
					if lambda > lm.MaxDamping {
						return nil, fmt.Errorf("failed to find a valid step: %w", vErr)
					}
					continue
				}
			}

			candidateEval, eErr := lm.evaluate(p, candidate, evaluations)
			if eErr != nil {
				return nil, eErr
			}

			if candidateEval.Cost() <= current.Cost() {
				next = candidateEval
				lambda = math.Max(lambda/lm.DampingFactor, minDamping)
				continue
			}

			lambda *= lm.DampingFactor
			if lambda > lm.MaxDamping {
				return nil, fmt.Errorf("failed to find a descent step at damping %g", lambda)
			}
		}

		previous := current
		current = next

		if p.Checker != nil && p.Checker(iterations.Count(), previous, current) {
			return current, nil
		}
	}
}

// evaluate runs the model at point x and forms the residuals against the
// problem target
func (lm *LevenbergMarquardt) evaluate(p *Problem, x *mat.VecDense, evaluations *Counter) (*Evaluation, error) {
	if err := evaluations.Increment(); err != nil {
		return nil, fmt.Errorf("maximum evaluations (%d) exceeded", evaluations.Count())
	}

	value, jacobian, err := p.Model(x)
	if err != nil {
		return nil, fmt.Errorf("model evaluation failed: %w", err)
	}

	residuals := value
	if p.Target != nil {
		residuals = &mat.VecDense{}
		residuals.SubVec(value, p.Target)
	}

	return NewEvaluation(x, residuals, jacobian), nil
}

// step solves the damped normal equations for the Gauss-Newton step.
// The Jacobian columns are equilibrated first so the damping term acts
// uniformly across parameters of very different magnitudes.
func (lm *LevenbergMarquardt) step(e *Evaluation, lambda float64) (*mat.VecDense, error) {
	m, n := e.jacobian.Dims()

	scales := make([]float64, n)
	scaled := mat.NewDense(m, n, nil)
	for j := 0; j < n; j++ {
		s := mat.Norm(e.jacobian.ColView(j), 2)
		if s == 0 {
			s = 1
		}
		scales[j] = s
		for i := 0; i < m; i++ {
			scaled.Set(i, j, e.jacobian.At(i, j)/s)
		}
	}

	a := mat.NewDense(n, n, nil)
	a.Mul(scaled.T(), scaled)

	damping, err := matrix.NewDenseValIdentity(n, lambda)
	if err != nil {
		return nil, err
	}
	a.Add(a, damping)

	b := mat.NewVecDense(n, nil)
	b.MulVec(scaled.T(), e.residuals)
	b.ScaleVec(-1, b)

	delta := mat.NewVecDense(n, nil)
	if err := delta.SolveVec(a, b); err != nil {
		return nil, err
	}

	for j := 0; j < n; j++ {
		delta.SetVec(j, delta.AtVec(j)/scales[j])
	}

	return delta, nil
}
