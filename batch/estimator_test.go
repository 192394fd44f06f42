package batch

import (
	"math"
	"testing"
	"time"

	orbfit "github.com/orbfit/orbfit"
	"github.com/orbfit/orbfit/lsq"
	"github.com/orbfit/orbfit/param"
	"github.com/orbfit/orbfit/sim"
	"github.com/stretchr/testify/assert"
)

const endToEndMu = 3.986004418e14

var endToEndEpoch = time.Date(2016, 2, 14, 12, 0, 0, 0, time.UTC)

func endToEndStations(t *testing.T) []*sim.Station {
	t.Helper()

	positions := map[string][]float64{
		"goldstone": {6378e3, 0, 0},
		"madrid":    {-3212e3, 5510e3, 0},
		"canberra":  {-4462e3, -2683e3, -3674e3},
	}

	var stations []*sim.Station
	for _, name := range []string{"goldstone", "madrid", "canberra"} {
		st, err := sim.NewStation(name, positions[name])
		assert.NoError(t, err)
		stations = append(stations, st)
	}

	return stations
}

func truthOrbit(t *testing.T) orbfit.Orbit {
	t.Helper()

	elements := []float64{7000e3, 0.001, 0.7, 0.3, 0.2, 0.1}
	o, err := orbfit.Keplerian.MapArrayToOrbit(elements, endToEndEpoch, endToEndMu)
	assert.NoError(t, err)

	return o
}

// rangeObservations propagates the truth orbit and turns the exact geometric
// ranges, shifted by bias, into range measurements cycling over the stations
func rangeObservations(t *testing.T, builder *sim.KeplerianBuilder, truth orbfit.Orbit,
	stations []*sim.Station, count int, bias float64, biasDriver *param.Driver) []orbfit.Measurement {
	t.Helper()

	array := make([]float64, 6)
	assert.NoError(t, orbfit.Cartesian.MapOrbitToArray(truth, array))

	propagator, err := builder.Build(array)
	assert.NoError(t, err)

	measurements := make([]orbfit.Measurement, 0, count)
	for i := 0; i < count; i++ {
		date := endToEndEpoch.Add(time.Duration(i*3) * time.Minute)
		st := stations[i%len(stations)]

		s, pErr := propagator.Propagate(date)
		assert.NoError(t, pErr)

		var rho2 float64
		for j := 0; j < 3; j++ {
			d := s.PV.AtVec(j) - st.Position[j]
			rho2 += d * d
		}

		m, mErr := sim.NewRangeMeasurement(st, date, math.Sqrt(rho2)+bias, 1.0, 1.0, biasDriver)
		assert.NoError(t, mErr)
		measurements = append(measurements, m)
	}

	return measurements
}

func newRangeEstimator(t *testing.T, measurements []orbfit.Measurement) (*Estimator, *sim.KeplerianBuilder) {
	t.Helper()

	builder, err := sim.NewKeplerianBuilder(orbfit.Cartesian, endToEndEpoch, endToEndMu)
	assert.NoError(t, err)

	estimator, err := NewEstimator(builder, lsq.NewLevenbergMarquardt())
	assert.NoError(t, err)

	for _, m := range measurements {
		assert.NoError(t, estimator.AddMeasurement(m))
	}

	return estimator, builder
}

func TestNewEstimator(t *testing.T) {
	assert := assert.New(t)

	builder, err := sim.NewKeplerianBuilder(orbfit.Cartesian, endToEndEpoch, endToEndMu)
	assert.NoError(err)

	e, err := NewEstimator(builder, lsq.NewLevenbergMarquardt())
	assert.NoError(err)
	assert.NotNil(e)

	e, err = NewEstimator(nil, lsq.NewLevenbergMarquardt())
	assert.Error(err)
	assert.Nil(e)

	e, err = NewEstimator(builder, nil)
	assert.Error(err)
	assert.Nil(e)
}

func TestEstimatorStartVectorDimension(t *testing.T) {
	assert := assert.New(t)

	// 2 estimated dynamical parameters
	builder := &stubBuilder{
		drivers: []*param.Driver{
			newStubDriver(t, "drag coefficient", 2.0, true),
			newStubDriver(t, "reflection coefficient", 1.5, true),
		},
	}

	e, err := NewEstimator(builder, lsq.NewLevenbergMarquardt())
	assert.NoError(err)

	// 3 estimated measurement parameters, one shared between measurements
	a := newStubDriver(t, "bias a", 0, true)
	b := newStubDriver(t, "bias b", 0, true)
	c := newStubDriver(t, "bias c", 0, true)
	assert.NoError(e.AddMeasurement(newStubMeasurement(1*time.Minute, 1, 10, a, b)))
	assert.NoError(e.AddMeasurement(newStubMeasurement(2*time.Minute, 1, 20, b, c)))

	guess := orbfit.Orbit{
		Date: stubEpoch,
		R:    []float64{7000e3, 0, 0},
		V:    []float64{0, 7500, 0},
		Mu:   builder.Mu(),
	}

	start, err := e.buildStart(guess, builder.ParameterDrivers(), e.SupportedParameters())
	assert.NoError(err)
	assert.Equal(11, start.Len())
	assert.Equal(7000e3, start.AtVec(0))
	assert.Equal(2.0, start.AtVec(6))
	assert.Equal(1.5, start.AtVec(7))

	// deselecting one measurement parameter shrinks the vector by one
	for _, d := range e.SupportedParameters() {
		if d.Name() == "bias c" {
			d.SetSelected(false)
		}
	}

	start, err = e.buildStart(guess, builder.ParameterDrivers(), e.SupportedParameters())
	assert.NoError(err)
	assert.Equal(10, start.Len())
}

func TestEstimatorSupportedParameters(t *testing.T) {
	assert := assert.New(t)

	e, err := NewEstimator(&stubBuilder{}, lsq.NewLevenbergMarquardt())
	assert.NoError(err)

	shared := newStubDriver(t, "range bias", 0, false)
	assert.NoError(e.AddMeasurement(newStubMeasurement(1*time.Minute, 1, 10, shared)))
	assert.NoError(e.AddMeasurement(newStubMeasurement(2*time.Minute, 1, 20, shared)))

	supported := e.SupportedParameters()
	assert.Len(supported, 1)
	assert.Equal("range bias", supported[0].Name())
	assert.Len(supported[0].RawDrivers(), 1)
}

func TestEstimatorAddMeasurementConflict(t *testing.T) {
	assert := assert.New(t)

	e, err := NewEstimator(&stubBuilder{}, lsq.NewLevenbergMarquardt())
	assert.NoError(err)

	bounded, err := param.NewDriver("range bias", []float64{5}, 1.0, 0, 10)
	assert.NoError(err)
	assert.NoError(e.AddMeasurement(newStubMeasurement(1*time.Minute, 1, 10, bounded)))

	// same parameter name with a value the first driver bounds cannot hold
	conflicting := newStubDriver(t, "range bias", 100, false)
	err = e.AddMeasurement(newStubMeasurement(2*time.Minute, 1, 20, conflicting))
	assert.Error(err)

	var cfgErr *orbfit.ConfigError
	assert.ErrorAs(err, &cfgErr)
	assert.Equal("range bias", cfgErr.Name)
}

func TestEstimatorZeroResidualFixedPoint(t *testing.T) {
	assert := assert.New(t)

	truth := truthOrbit(t)
	builder, err := sim.NewKeplerianBuilder(orbfit.Cartesian, endToEndEpoch, endToEndMu)
	assert.NoError(err)

	measurements := rangeObservations(t, builder, truth, endToEndStations(t), 20, 0, nil)

	estimator, _ := newRangeEstimator(t, measurements)
	estimator.SetConvergenceThreshold(1e-8, 1e-8)

	// the truth itself is a fixed point of the fit
	fitted, err := estimator.Estimate(truth)
	assert.NoError(err)
	assert.LessOrEqual(estimator.IterationsCount(), 2)
	assert.InDelta(0, estimator.LastLSPEvaluation().Cost(), 1e-6)
	for i := 0; i < 3; i++ {
		assert.InDelta(truth.R[i], fitted.R[i], 1e-6)
		assert.InDelta(truth.V[i], fitted.V[i], 1e-9)
	}
}

func TestEstimatorEndToEndRangeFit(t *testing.T) {
	assert := assert.New(t)

	truth := truthOrbit(t)
	builder, err := sim.NewKeplerianBuilder(orbfit.Cartesian, endToEndEpoch, endToEndMu)
	assert.NoError(err)

	measurements := rangeObservations(t, builder, truth, endToEndStations(t), 20, 0, nil)

	estimator, _ := newRangeEstimator(t, measurements)
	estimator.SetMaxIterations(20)
	estimator.SetMaxEvaluations(50)
	estimator.SetConvergenceThreshold(1e-8, 1e-8)

	guess := orbfit.Orbit{
		Date: truth.Date,
		R:    []float64{truth.R[0] + 800, truth.R[1] - 500, truth.R[2] + 300},
		V:    []float64{truth.V[0] + 0.5, truth.V[1], truth.V[2]},
		Mu:   truth.Mu,
	}

	fitted, err := estimator.Estimate(guess)
	assert.NoError(err)
	assert.Less(estimator.IterationsCount(), 10)
	assert.Less(estimator.LastLSPEvaluation().Cost(), 1e-6)
	for i := 0; i < 3; i++ {
		assert.InDelta(truth.R[i], fitted.R[i], 1e-3)
		assert.InDelta(truth.V[i], fitted.V[i], 1e-6)
	}

	assert.Len(estimator.LastEvaluations(), 20)
	assert.Greater(estimator.EvaluationsCount(), 0)
}

func TestEstimatorBiasRecovery(t *testing.T) {
	assert := assert.New(t)

	truth := truthOrbit(t)
	builder, err := sim.NewKeplerianBuilder(orbfit.Cartesian, endToEndEpoch, endToEndMu)
	assert.NoError(err)

	const trueBias = 30.0
	biasDriver, err := param.NewDriver("range bias", []float64{0}, 1.0, -1000, 1000)
	assert.NoError(err)
	biasDriver.SetSelected(true)

	measurements := rangeObservations(t, builder, truth, endToEndStations(t), 20, trueBias, biasDriver)

	estimator, _ := newRangeEstimator(t, measurements)
	estimator.SetMaxIterations(20)
	estimator.SetMaxEvaluations(50)
	estimator.SetConvergenceThreshold(1e-8, 1e-8)

	guess := orbfit.Orbit{
		Date: truth.Date,
		R:    []float64{truth.R[0] + 800, truth.R[1] - 500, truth.R[2] + 300},
		V:    []float64{truth.V[0] + 0.5, truth.V[1], truth.V[2]},
		Mu:   truth.Mu,
	}

	fitted, err := estimator.Estimate(guess)
	assert.NoError(err)

	// the fitted bias is read back off its driver
	assert.InDelta(trueBias, biasDriver.Value()[0], 1e-3)
	for i := 0; i < 3; i++ {
		assert.InDelta(truth.R[i], fitted.R[i], 1e-2)
	}
}

func TestEstimatorObserverPerIteration(t *testing.T) {
	assert := assert.New(t)

	truth := truthOrbit(t)
	builder, err := sim.NewKeplerianBuilder(orbfit.Cartesian, endToEndEpoch, endToEndMu)
	assert.NoError(err)

	measurements := rangeObservations(t, builder, truth, endToEndStations(t), 12, 0, nil)

	estimator, _ := newRangeEstimator(t, measurements)
	estimator.SetConvergenceThreshold(1e-8, 1e-8)

	var calls int
	var lastIterations int
	estimator.SetObserver(func(iterations, evaluations int, o orbfit.Orbit,
		m map[orbfit.Measurement]*orbfit.MeasurementEvaluation, lsp *lsq.Evaluation) {
		calls++
		lastIterations = iterations
		assert.NotNil(lsp)
		assert.Len(m, 12)
		assert.GreaterOrEqual(evaluations, iterations)
	})

	guess := orbfit.Orbit{
		Date: truth.Date,
		R:    []float64{truth.R[0] + 800, truth.R[1] - 500, truth.R[2] + 300},
		V:    append([]float64(nil), truth.V...),
		Mu:   truth.Mu,
	}

	_, err = estimator.Estimate(guess)
	assert.NoError(err)

	// notified exactly once per accepted iteration
	assert.Equal(estimator.IterationsCount(), calls)
	assert.Equal(estimator.IterationsCount(), lastIterations)
}

func TestEstimatorMaxIterationsExceeded(t *testing.T) {
	assert := assert.New(t)

	truth := truthOrbit(t)
	builder, err := sim.NewKeplerianBuilder(orbfit.Cartesian, endToEndEpoch, endToEndMu)
	assert.NoError(err)

	measurements := rangeObservations(t, builder, truth, endToEndStations(t), 12, 0, nil)

	estimator, _ := newRangeEstimator(t, measurements)
	estimator.SetMaxIterations(1)
	estimator.SetConvergenceThreshold(0, 0)

	guess := orbfit.Orbit{
		Date: truth.Date,
		R:    []float64{truth.R[0] + 800, truth.R[1] - 500, truth.R[2] + 300},
		V:    append([]float64(nil), truth.V...),
		Mu:   truth.Mu,
	}

	_, err = estimator.Estimate(guess)
	assert.Error(err)

	var estErr *orbfit.EstimationError
	assert.ErrorAs(err, &estErr)
}
