package orbfit

import (
	"time"

	"github.com/orbfit/orbfit/param"
	"gonum.org/v1/gonum/mat"
)

// State is a propagated spacecraft state at a given date.
type State struct {
	// Date is the state epoch
	Date time.Time
	// PV stacks position (m) and velocity (m/s) into a 6-vector
	PV *mat.VecDense
	// Transition is the state transition matrix: partial derivatives
	// of PV with respect to the 6 orbital parameters at the propagation epoch
	Transition *mat.Dense
	// Sensitivities maps propagator parameter names to the partial
	// derivatives of PV with respect to that parameter
	Sensitivities map[string]*mat.VecDense
}

// Propagator propagates a spacecraft trajectory forward from its epoch
type Propagator interface {
	// Propagate returns the spacecraft state at time t
	Propagate(t time.Time) (*State, error)
}

// PropagatorBuilder builds runnable propagators from orbital parameter vectors
type PropagatorBuilder interface {
	// OrbitType returns the orbital parameter convention used by Build
	OrbitType() OrbitType
	// Epoch returns the epoch of the orbital parameters
	Epoch() time.Time
	// Mu returns the central attraction coefficient (m^3/s^2)
	Mu() float64
	// ParameterDrivers returns the drivers for the propagator dynamical parameters
	ParameterDrivers() []*param.Driver
	// Build constructs a propagator from 6 orbital parameters laid out
	// according to OrbitType, reading dynamical parameters off the drivers
	Build(orbital []float64) (Propagator, error)
}

// Measurement is a single observation of the spacecraft
type Measurement interface {
	// Date returns the observation date
	Date() time.Time
	// Dimension returns the number of scalar observables
	Dimension() int
	// Enabled returns true if the measurement takes part in the estimation
	Enabled() bool
	// SetEnabled enables or disables the measurement
	SetEnabled(enabled bool)
	// Observed returns the observed values
	Observed() []float64
	// Weight returns the weight of each observable, typically the inverse
	// of the observation standard deviation; a zero weight excludes the
	// observable without resizing the problem
	Weight() []float64
	// ParameterDrivers returns the measurement calibration parameter drivers,
	// including those of attached modifiers
	ParameterDrivers() []*param.Driver
	// Theoretical predicts the measurement value and its partial
	// derivatives for the given spacecraft state
	Theoretical(s *State) (*MeasurementEvaluation, error)
}

// MeasurementEvaluation is the prediction of one measurement against
// one specific orbit and parameter hypothesis
type MeasurementEvaluation struct {
	// Measurement is the evaluated measurement
	Measurement Measurement
	// State is the spacecraft state the prediction was computed against
	State *State
	// Value is the predicted measurement value
	Value []float64
	// StateJacobian holds the partial derivatives of Value with respect
	// to the spacecraft position/velocity, one row per observable
	StateJacobian *mat.Dense
	// ParameterJacobian maps a driver name to the partial derivatives of
	// Value with respect to that measurement parameter, one row per
	// observable and one column per parameter component
	ParameterJacobian map[string]*mat.Dense
}

// Residuals returns the weighted observed-minus-predicted residuals
func (e *MeasurementEvaluation) Residuals() []float64 {
	observed := e.Measurement.Observed()
	weight := e.Measurement.Weight()

	res := make([]float64, len(e.Value))
	for i := range res {
		res[i] = weight[i] * (observed[i] - e.Value[i])
	}

	return res
}
