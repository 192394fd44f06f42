package sim

import (
	"fmt"
	"time"

	orbfit "github.com/orbfit/orbfit"
	"github.com/orbfit/orbfit/param"
	"gonum.org/v1/gonum/mat"
)

// Station is a tracking ground station.
// The sim substrate keeps stations fixed in the inertial frame: it trades
// Earth rotation for deterministic, self-consistent geometry.
type Station struct {
	// Name identifies the station
	Name string
	// Position is the station position in the inertial frame (m)
	Position []float64
}

// NewStation creates a station at the given inertial position
func NewStation(name string, position []float64) (*Station, error) {
	if len(position) != 3 {
		return nil, fmt.Errorf("invalid station position dimension: %d", len(position))
	}

	pos := make([]float64, 3)
	copy(pos, position)

	return &Station{Name: name, Position: pos}, nil
}

// RangeMeasurement is a one-way range observable between a station and the
// spacecraft, optionally calibrated by a shared range bias parameter.
type RangeMeasurement struct {
	station  *Station
	date     time.Time
	observed float64
	sigma    float64
	weight   float64
	enabled  bool
	bias     *param.Driver
}

// NewRangeMeasurement creates a range measurement.
// The observed value is in meters, sigma is the observation standard
// deviation and weight the base weight of the observable. A nil bias
// driver means the measurement carries no calibration parameter.
func NewRangeMeasurement(station *Station, date time.Time, observed, sigma, weight float64, bias *param.Driver) (*RangeMeasurement, error) {
	if station == nil {
		return nil, fmt.Errorf("nil station")
	}
	if sigma <= 0 {
		return nil, fmt.Errorf("invalid measurement sigma: %f", sigma)
	}

	return &RangeMeasurement{
		station:  station,
		date:     date,
		observed: observed,
		sigma:    sigma,
		weight:   weight,
		enabled:  true,
		bias:     bias,
	}, nil
}

// Date returns the observation date
func (m *RangeMeasurement) Date() time.Time { return m.date }

// Dimension returns the number of scalar observables
func (m *RangeMeasurement) Dimension() int { return 1 }

// Enabled returns true if the measurement takes part in the estimation
func (m *RangeMeasurement) Enabled() bool { return m.enabled }

// SetEnabled enables or disables the measurement
func (m *RangeMeasurement) SetEnabled(enabled bool) { m.enabled = enabled }

// Observed returns the observed range
func (m *RangeMeasurement) Observed() []float64 { return []float64{m.observed} }

// Weight returns the observable weight scaled by the inverse sigma
func (m *RangeMeasurement) Weight() []float64 { return []float64{m.weight / m.sigma} }

// SetWeight resets the base weight; a zero weight excludes the measurement
// from the fit without resizing the problem
func (m *RangeMeasurement) SetWeight(weight float64) { m.weight = weight }

// ParameterDrivers returns the measurement calibration parameter drivers
func (m *RangeMeasurement) ParameterDrivers() []*param.Driver {
	if m.bias == nil {
		return nil
	}

	return []*param.Driver{m.bias}
}

// Theoretical predicts the range for the given spacecraft state
func (m *RangeMeasurement) Theoretical(s *orbfit.State) (*orbfit.MeasurementEvaluation, error) {
	rho, rhoN := m.station.lineOfSight(s)
	if rhoN <= 0 {
		return nil, fmt.Errorf("degenerate geometry: station %s coincides with the spacecraft", m.station.Name)
	}

	value := rhoN
	parameters := make(map[string]*mat.Dense)
	if m.bias != nil {
		value += m.bias.Value()[0]
		parameters[m.bias.Name()] = mat.NewDense(1, 1, []float64{1})
	}

	jac := mat.NewDense(1, 6, nil)
	for j := 0; j < 3; j++ {
		jac.Set(0, j, rho[j]/rhoN)
	}

	return &orbfit.MeasurementEvaluation{
		Measurement:       m,
		State:             s,
		Value:             []float64{value},
		StateJacobian:     jac,
		ParameterJacobian: parameters,
	}, nil
}

// RangeRateMeasurement is a range-rate observable between a station and
// the spacecraft.
type RangeRateMeasurement struct {
	station  *Station
	date     time.Time
	observed float64
	sigma    float64
	weight   float64
	enabled  bool
}

// NewRangeRateMeasurement creates a range-rate measurement.
// The observed value is in m/s, sigma the observation standard deviation
// and weight the base weight of the observable.
func NewRangeRateMeasurement(station *Station, date time.Time, observed, sigma, weight float64) (*RangeRateMeasurement, error) {
	if station == nil {
		return nil, fmt.Errorf("nil station")
	}
	if sigma <= 0 {
		return nil, fmt.Errorf("invalid measurement sigma: %f", sigma)
	}

	return &RangeRateMeasurement{
		station:  station,
		date:     date,
		observed: observed,
		sigma:    sigma,
		weight:   weight,
		enabled:  true,
	}, nil
}

// Date returns the observation date
func (m *RangeRateMeasurement) Date() time.Time { return m.date }

// Dimension returns the number of scalar observables
func (m *RangeRateMeasurement) Dimension() int { return 1 }

// Enabled returns true if the measurement takes part in the estimation
func (m *RangeRateMeasurement) Enabled() bool { return m.enabled }

// SetEnabled enables or disables the measurement
func (m *RangeRateMeasurement) SetEnabled(enabled bool) { m.enabled = enabled }

// Observed returns the observed range rate
func (m *RangeRateMeasurement) Observed() []float64 { return []float64{m.observed} }

// Weight returns the observable weight scaled by the inverse sigma
func (m *RangeRateMeasurement) Weight() []float64 { return []float64{m.weight / m.sigma} }

// SetWeight resets the base weight
func (m *RangeRateMeasurement) SetWeight(weight float64) { m.weight = weight }

// ParameterDrivers returns the measurement calibration parameter drivers
func (m *RangeRateMeasurement) ParameterDrivers() []*param.Driver { return nil }

// Theoretical predicts the range rate for the given spacecraft state
func (m *RangeRateMeasurement) Theoretical(s *orbfit.State) (*orbfit.MeasurementEvaluation, error) {
	rho, rhoN := m.station.lineOfSight(s)
	if rhoN <= 0 {
		return nil, fmt.Errorf("degenerate geometry: station %s coincides with the spacecraft", m.station.Name)
	}

	v := []float64{s.PV.AtVec(3), s.PV.AtVec(4), s.PV.AtVec(5)}
	rhoDot := dot3(rho, v) / rhoN

	jac := mat.NewDense(1, 6, nil)
	for j := 0; j < 3; j++ {
		jac.Set(0, j, v[j]/rhoN-rhoDot*rho[j]/(rhoN*rhoN))
		jac.Set(0, 3+j, rho[j]/rhoN)
	}

	return &orbfit.MeasurementEvaluation{
		Measurement:       m,
		State:             s,
		Value:             []float64{rhoDot},
		StateJacobian:     jac,
		ParameterJacobian: map[string]*mat.Dense{},
	}, nil
}

// lineOfSight returns the station-to-spacecraft vector and its norm
func (st *Station) lineOfSight(s *orbfit.State) ([]float64, float64) {
	rho := make([]float64, 3)
	for j := 0; j < 3; j++ {
		rho[j] = s.PV.AtVec(j) - st.Position[j]
	}

	return rho, norm3(rho)
}
