// Package batch implements batch least-squares orbit determination: an
// estimator orchestrating an iterative fit of orbital, propagator and
// measurement parameters against a set of tracking measurements.
package batch

import (
	"fmt"
	"sort"
	"time"

	orbfit "github.com/orbfit/orbfit"
	"github.com/orbfit/orbfit/lsq"
	"github.com/orbfit/orbfit/param"
	"gonum.org/v1/gonum/mat"
)

// ModelObserver is notified after every model evaluation with the orbit
// and the measurement evaluations computed for the candidate parameters,
// whether or not the solver accepts the corresponding step.
type ModelObserver func(o orbfit.Orbit, evaluations map[orbfit.Measurement]*orbfit.MeasurementEvaluation)

// Model is the multivariate function bridging the least squares solver and
// the propagation/measurement layer. It maps an estimation parameter vector
// laid out as [6 orbital | estimated propagator | estimated measurement]
// parameters to the stacked weighted residuals and their Jacobian, running
// the propagator once per evaluation.
type Model struct {
	builder               orbfit.PropagatorBuilder
	propagatorParameters  []*param.Driver
	measurements          []orbfit.Measurement
	measurementParameters []*param.Driver
	epoch                 time.Time
	observer              ModelObserver

	evaluationsCounter *lsq.Counter
	iterationsCounter  *lsq.Counter
}

// NewModel creates a model bound to a propagator builder, its dynamical
// parameter drivers, the measurements (re-ordered chronologically) and the
// measurement parameter drivers.
func NewModel(builder orbfit.PropagatorBuilder, propagatorParameters []*param.Driver,
	measurements []orbfit.Measurement, measurementParameters []*param.Driver,
	epoch time.Time, observer ModelObserver) (*Model, error) {

	if builder == nil {
		return nil, fmt.Errorf("nil propagator builder")
	}

	sorted := make([]orbfit.Measurement, len(measurements))
	copy(sorted, measurements)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date().Before(sorted[j].Date())
	})

	return &Model{
		builder:               builder,
		propagatorParameters:  propagatorParameters,
		measurements:          sorted,
		measurementParameters: measurementParameters,
		epoch:                 epoch,
		observer:              observer,
	}, nil
}

// SetEvaluationsCounter taps the solver evaluations counter
func (m *Model) SetEvaluationsCounter(c *lsq.Counter) {
	m.evaluationsCounter = c
}

// SetIterationsCounter taps the solver iterations counter
func (m *Model) SetIterationsCounter(c *lsq.Counter) {
	m.iterationsCounter = c
}

// EvaluationsCount returns the number of model evaluations performed so far
func (m *Model) EvaluationsCount() int {
	if m.evaluationsCounter == nil {
		return 0
	}

	return m.evaluationsCounter.Count()
}

// IterationsCount returns the number of solver iterations performed so far
func (m *Model) IterationsCount() int {
	if m.iterationsCounter == nil {
		return 0
	}

	return m.iterationsCounter.Count()
}

// Value evaluates the model at the given estimation parameter vector.
// It maps the orbital segment to an orbit, resets the estimated drivers
// from the remaining segments, propagates the orbit to every enabled
// measurement date in chronological order and stacks the weighted
// residuals and the Jacobian rows of each measurement.
func (m *Model) Value(point mat.Vector) (*mat.VecDense, *mat.Dense, error) {
	cols := point.Len()

	orbital := make([]float64, 6)
	for i := 0; i < 6; i++ {
		orbital[i] = point.AtVec(i)
	}

	// reset the estimated drivers from the parameter vector and record
	// the column each one occupies
	index := 6
	propagatorColumns := make(map[string]int)
	for _, d := range m.propagatorParameters {
		if !d.Selected() {
			continue
		}
		if err := m.setDriver(d, point, index); err != nil {
			return nil, nil, err
		}
		propagatorColumns[d.Name()] = index
		index += d.Dimension()
	}

	measurementColumns := make(map[string]int)
	for _, d := range m.measurementParameters {
		if !d.Selected() {
			continue
		}
		if err := m.setDriver(d, point, index); err != nil {
			return nil, nil, err
		}
		measurementColumns[d.Name()] = index
		index += d.Dimension()
	}

	if index != cols {
		return nil, nil, fmt.Errorf("invalid parameter vector length %d: expected %d", cols, index)
	}

	orbit, err := m.builder.OrbitType().MapArrayToOrbit(orbital, m.epoch, m.builder.Mu())
	if err != nil {
		return nil, nil, err
	}

	propagator, err := m.builder.Build(orbital)
	if err != nil {
		return nil, nil, err
	}

	rows := 0
	for _, meas := range m.measurements {
		if meas.Enabled() {
			rows += meas.Dimension()
		}
	}

	residuals := mat.NewVecDense(rows, nil)
	jacobian := mat.NewDense(rows, cols, nil)
	evaluations := make(map[orbfit.Measurement]*orbfit.MeasurementEvaluation, len(m.measurements))

	row := 0
	for _, meas := range m.measurements {
		if !meas.Enabled() {
			continue
		}

		state, pErr := propagator.Propagate(meas.Date())
		if pErr != nil {
			return nil, nil, fmt.Errorf("propagation to %v failed: %w", meas.Date(), pErr)
		}

		evaluation, eErr := meas.Theoretical(state)
		if eErr != nil {
			return nil, nil, fmt.Errorf("measurement evaluation at %v failed: %w", meas.Date(), eErr)
		}
		evaluations[meas] = evaluation

		observed := meas.Observed()
		weight := meas.Weight()

		for k := 0; k < meas.Dimension(); k++ {
			residuals.SetVec(row+k, weight[k]*(observed[k]-evaluation.Value[k]))

			// orbital columns: chain the measurement state partials
			// through the state transition matrix
			for j := 0; j < 6; j++ {
				var sum float64
				for q := 0; q < 6; q++ {
					sum += evaluation.StateJacobian.At(k, q) * state.Transition.At(q, j)
				}
				jacobian.Set(row+k, j, -weight[k]*sum)
			}

			// propagator parameter columns: chain the state partials
			// through the parameter sensitivities
			for _, d := range m.propagatorParameters {
				col, ok := propagatorColumns[d.Name()]
				if !ok {
					continue
				}
				for q := 0; q < d.Dimension(); q++ {
					sens := state.Sensitivities[sensitivityKey(d.Name(), q, d.Dimension())]
					if sens == nil {
						continue
					}
					var sum float64
					for s := 0; s < 6; s++ {
						sum += evaluation.StateJacobian.At(k, s) * sens.AtVec(s)
					}
					jacobian.Set(row+k, col+q, -weight[k]*sum)
				}
			}

			// measurement parameter columns: direct partials
			for _, d := range m.measurementParameters {
				col, ok := measurementColumns[d.Name()]
				if !ok {
					continue
				}
				pj := evaluation.ParameterJacobian[d.Name()]
				if pj == nil {
					continue
				}
				for q := 0; q < d.Dimension(); q++ {
					jacobian.Set(row+k, col+q, -weight[k]*pj.At(k, q))
				}
			}
		}

		row += meas.Dimension()
	}

	if m.observer != nil {
		m.observer(orbit, evaluations)
	}

	return residuals, jacobian, nil
}

// setDriver resets a driver value from its segment of the parameter vector
func (m *Model) setDriver(d *param.Driver, point mat.Vector, index int) error {
	value := make([]float64, d.Dimension())
	for k := range value {
		value[k] = point.AtVec(index + k)
	}

	return d.SetValue(value)
}

// sensitivityKey is the key a propagator stores the state sensitivity of
// one scalar parameter component under: the driver name for scalar
// parameters, an indexed name for vector ones.
func sensitivityKey(name string, component, dimension int) string {
	if dimension == 1 {
		return name
	}

	return fmt.Sprintf("%s[%d]", name, component)
}
