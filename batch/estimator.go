package batch

import (
	"fmt"

	orbfit "github.com/orbfit/orbfit"
	"github.com/orbfit/orbfit/lsq"
	"github.com/orbfit/orbfit/param"
	"gonum.org/v1/gonum/mat"
)

const (
	defaultMaxIterations  = 25
	defaultMaxEvaluations = 35
	defaultRelTol         = 1e-10
	defaultAbsTol         = 1e-12
)

// Observer is notified once per accepted solver iteration with the
// iteration and evaluation counts, the orbit and measurement evaluations
// of the latest model call and the latest least squares evaluation.
type Observer func(iterations, evaluations int, o orbfit.Orbit,
	measurements map[orbfit.Measurement]*orbfit.MeasurementEvaluation,
	lspEvaluation *lsq.Evaluation)

// Estimator is a batch least squares estimator for orbit determination.
// Measurements and limits are configured first, then Estimate runs the
// whole iterative fit on the caller goroutine and returns the fitted
// orbit; diagnostics from the last run stay available afterwards.
type Estimator struct {
	builder   orbfit.PropagatorBuilder
	optimizer lsq.Optimizer

	measurements          []orbfit.Measurement
	measurementParameters *param.List

	observer       Observer
	maxIterations  int
	maxEvaluations int
	checker        *lsq.RMSChecker

	// diagnostics from the last estimation
	evaluations   map[orbfit.Measurement]*orbfit.MeasurementEvaluation
	orbit         orbfit.Orbit
	lspEvaluation *lsq.Evaluation

	evaluationsCounter *lsq.Counter
	iterationsCounter  *lsq.Counter
}

// NewEstimator creates an estimator using the given propagator builder and
// least squares optimizer.
func NewEstimator(builder orbfit.PropagatorBuilder, optimizer lsq.Optimizer) (*Estimator, error) {
	if builder == nil {
		return nil, fmt.Errorf("nil propagator builder")
	}
	if optimizer == nil {
		return nil, fmt.Errorf("nil optimizer")
	}

	return &Estimator{
		builder:               builder,
		optimizer:             optimizer,
		measurementParameters: param.NewList(),
		maxIterations:         defaultMaxIterations,
		maxEvaluations:        defaultMaxEvaluations,
		checker:               lsq.NewRMSChecker(defaultRelTol, defaultAbsTol),
	}, nil
}

// AddMeasurement adds a measurement to the estimation set and links its
// parameter drivers, including those of attached modifiers, with the
// same-named parameters of the measurements already added.
// It returns a ConfigError if a driver with an already used name cannot be
// reconciled with the existing ones.
func (e *Estimator) AddMeasurement(m orbfit.Measurement) error {
	e.measurements = append(e.measurements, m)

	for _, d := range m.ParameterDrivers() {
		if err := e.measurementParameters.Add(d); err != nil {
			return &orbfit.ConfigError{Name: d.Name(), Cause: err}
		}
	}

	return nil
}

// SetObserver registers an observer notified at the end of each iteration
func (e *Estimator) SetObserver(o Observer) {
	e.observer = o
}

// SetMaxIterations sets the maximum number of solver iterations
func (e *Estimator) SetMaxIterations(n int) {
	e.maxIterations = n
}

// SetMaxEvaluations sets the maximum number of model evaluations
func (e *Estimator) SetMaxEvaluations(n int) {
	e.maxEvaluations = n
}

// SetConvergenceThreshold installs an RMS convergence checker: the fit
// stops once the relative and absolute residual RMS change between two
// consecutive iterations falls under the given tolerances.
func (e *Estimator) SetConvergenceThreshold(relTol, absTol float64) {
	e.checker = lsq.NewRMSChecker(relTol, absTol)
}

// SupportedParameters returns the measurement parameters supported by this
// estimator, including modifier parameters, one delegating driver per
// distinct parameter name.
func (e *Estimator) SupportedParameters() []*param.DelegatingDriver {
	return e.measurementParameters.Drivers()
}

// Estimate fits the orbit and the selected parameters to the measurements,
// starting from the given initial orbit guess.
// The fitted values of the propagator and measurement parameters are read
// back off their drivers after the call returns.
// It returns an EstimationError if the propagation, the measurement
// evaluation or the solver fails; the diagnostics accessors then still
// expose the state of the last model call before the failure.
func (e *Estimator) Estimate(initialGuess orbfit.Orbit) (orbfit.Orbit, error) {
	propagatorParameters := e.builder.ParameterDrivers()
	measurementParameters := e.measurementParameters.Drivers()

	start, err := e.buildStart(initialGuess, propagatorParameters, measurementParameters)
	if err != nil {
		return orbfit.Orbit{}, &orbfit.EstimationError{Cause: err}
	}

	// the target is all zero: the model computes weighted residuals itself,
	// so outliers can be down-weighted between iterations without resizing
	// the problem
	rows := 0
	for _, m := range e.measurements {
		if m.Enabled() {
			rows += m.Dimension()
		}
	}
	target := mat.NewVecDense(rows, nil)

	measurementDrivers := make([]*param.Driver, len(measurementParameters))
	for i, d := range measurementParameters {
		measurementDrivers[i] = d.Driver
	}

	model, err := NewModel(e.builder, propagatorParameters, e.measurements,
		measurementDrivers, initialGuess.Date,
		func(o orbfit.Orbit, evaluations map[orbfit.Measurement]*orbfit.MeasurementEvaluation) {
			e.orbit = o
			e.evaluations = evaluations
		})
	if err != nil {
		return orbfit.Orbit{}, &orbfit.EstimationError{Cause: err}
	}

	orbitType := e.builder.OrbitType()
	problem := &lsq.Problem{
		Start:  start,
		Target: target,
		Model:  model.Value,
		Checker: func(iteration int, previous, current *lsq.Evaluation) bool {
			return e.converged(iteration, previous, current)
		},
		Validator: func(point *mat.VecDense) error {
			orbital := make([]float64, 6)
			for i := 0; i < 6; i++ {
				orbital[i] = point.AtVec(i)
			}
			return orbitType.Validate(orbital)
		},
		MaxIterations:  e.maxIterations,
		MaxEvaluations: e.maxEvaluations,
	}

	// tap the solver counters so progress can be reported without
	// coupling to the optimizer
	e.evaluationsCounter = problem.EvaluationCounter()
	e.iterationsCounter = problem.IterationCounter()
	model.SetEvaluationsCounter(e.evaluationsCounter)
	model.SetIterationsCounter(e.iterationsCounter)

	lspEvaluation, err := e.optimizer.Optimize(problem)
	if err != nil {
		return orbfit.Orbit{}, &orbfit.EstimationError{Cause: err}
	}
	e.lspEvaluation = lspEvaluation

	return e.orbit, nil
}

// LastEvaluations returns the measurement evaluations of the last model
// call performed
func (e *Estimator) LastEvaluations() map[orbfit.Measurement]*orbfit.MeasurementEvaluation {
	evaluations := make(map[orbfit.Measurement]*orbfit.MeasurementEvaluation, len(e.evaluations))
	for m, ev := range e.evaluations {
		evaluations[m] = ev
	}

	return evaluations
}

// LastLSPEvaluation returns the last least squares problem evaluation
func (e *Estimator) LastLSPEvaluation() *lsq.Evaluation {
	return e.lspEvaluation
}

// IterationsCount returns the number of iterations used by the last estimation
func (e *Estimator) IterationsCount() int {
	if e.iterationsCounter == nil {
		return 0
	}

	return e.iterationsCounter.Count()
}

// EvaluationsCount returns the number of model evaluations used by the last estimation
func (e *Estimator) EvaluationsCount() int {
	if e.evaluationsCounter == nil {
		return 0
	}

	return e.evaluationsCounter.Count()
}

// buildStart assembles the start vector: the initial guess mapped through
// the orbit type convention, followed by the current values of the
// estimated propagator and measurement parameters in list order.
func (e *Estimator) buildStart(initialGuess orbfit.Orbit,
	propagatorParameters []*param.Driver,
	measurementParameters []*param.DelegatingDriver) (*mat.VecDense, error) {

	dimension := 6
	for _, d := range propagatorParameters {
		if d.Selected() {
			dimension += d.Dimension()
		}
	}
	for _, d := range measurementParameters {
		if d.Selected() {
			dimension += d.Dimension()
		}
	}

	start := make([]float64, dimension)
	if err := e.builder.OrbitType().MapOrbitToArray(initialGuess, start[:6]); err != nil {
		return nil, err
	}

	index := 6
	for _, d := range propagatorParameters {
		if d.Selected() {
			copy(start[index:], d.Value())
			index += d.Dimension()
		}
	}
	for _, d := range measurementParameters {
		if d.Selected() {
			copy(start[index:], d.Value())
			index += d.Dimension()
		}
	}

	return mat.NewVecDense(dimension, start), nil
}

// converged snapshots the latest least squares evaluation, notifies the
// observer and delegates the actual convergence decision to the RMS checker
func (e *Estimator) converged(iteration int, previous, current *lsq.Evaluation) bool {
	e.lspEvaluation = current

	if e.observer != nil {
		e.observer(e.iterationsCounter.Count(), e.evaluationsCounter.Count(),
			e.orbit, e.LastEvaluations(), e.lspEvaluation)
	}

	return e.checker.Converged(iteration, previous, current)
}
