package orbfit

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testMu = 3.986004418e14

var testEpoch = time.Date(2016, 2, 14, 12, 0, 0, 0, time.UTC)

func TestCartesianMapping(t *testing.T) {
	assert := assert.New(t)

	src := []float64{7000e3, 100e3, -200e3, 10.0, 7500.0, 100.0}
	o, err := Cartesian.MapArrayToOrbit(src, testEpoch, testMu)
	assert.NoError(err)
	assert.Equal(testEpoch, o.Date)
	assert.Equal(src[:3], o.R)
	assert.Equal(src[3:], o.V)

	dst := make([]float64, 6)
	assert.NoError(Cartesian.MapOrbitToArray(o, dst))
	assert.Equal(src, dst)

	// short arrays rejected
	_, err = Cartesian.MapArrayToOrbit(src[:5], testEpoch, testMu)
	assert.Error(err)
	assert.Error(Cartesian.MapOrbitToArray(o, dst[:5]))
}

func TestKeplerianRoundTrip(t *testing.T) {
	assert := assert.New(t)

	cases := [][]float64{
		{7000e3, 0.01, 0.7, 0.3, 0.2, 0.1},
		{26560e3, 0.2, 0.9, 2.5, 4.0, 3.1},
		{7178e3, 0.001, 1.5, 5.9, 1.0, 6.0},
	}

	for _, elements := range cases {
		o, err := Keplerian.MapArrayToOrbit(elements, testEpoch, testMu)
		assert.NoError(err)

		back := make([]float64, 6)
		assert.NoError(Keplerian.MapOrbitToArray(o, back))

		assert.InEpsilon(elements[0], back[0], 1e-9)
		assert.InDelta(elements[1], back[1], 1e-10)
		for k := 2; k < 6; k++ {
			assert.InDelta(elements[k], back[k], 1e-8)
		}
	}
}

func TestKeplerianEnergyAndMomentum(t *testing.T) {
	assert := assert.New(t)

	a := 7000e3
	o, err := Keplerian.MapArrayToOrbit([]float64{a, 0.01, 0.7, 0.3, 0.2, 0.1}, testEpoch, testMu)
	assert.NoError(err)

	rn := norm(o.R)
	vn := norm(o.V)

	// vis-viva
	assert.InEpsilon(-testMu/(2*a), vn*vn/2-testMu/rn, 1e-10)

	// momentum matches p = a(1-e^2)
	h := norm(cross(o.R, o.V))
	assert.InEpsilon(math.Sqrt(testMu*a*(1-0.01*0.01)), h, 1e-10)
}

func TestSolveKepler(t *testing.T) {
	assert := assert.New(t)

	for _, e := range []float64{0.0, 0.1, 0.7, 0.95} {
		for _, m := range []float64{0.0, 0.5, math.Pi, 5.0} {
			E := solveKepler(m, e)
			assert.InDelta(m, E-e*math.Sin(E), 1e-12)
		}
	}
}

func TestOrbitTypeValidate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(Cartesian.Validate([]float64{7000e3, 0, 0, 0, 7500, 0}))
	assert.NoError(Keplerian.Validate([]float64{7000e3, 0.01, 0.7, 0.3, 0.2, 0.1}))

	var vErr *ValidationError

	// non finite entries
	err := Cartesian.Validate([]float64{math.NaN(), 0, 0, 0, 7500, 0})
	assert.Error(err)
	assert.ErrorAs(err, &vErr)

	// degenerate position
	err = Cartesian.Validate([]float64{0, 0, 0, 0, 7500, 0})
	assert.Error(err)
	assert.ErrorAs(err, &vErr)

	// negative semi-major axis
	err = Keplerian.Validate([]float64{-7000e3, 0.01, 0.7, 0.3, 0.2, 0.1})
	assert.Error(err)
	assert.ErrorAs(err, &vErr)

	// hyperbolic eccentricity
	err = Keplerian.Validate([]float64{7000e3, 1.5, 0.7, 0.3, 0.2, 0.1})
	assert.Error(err)

	// short array
	assert.Error(Keplerian.Validate([]float64{7000e3}))
}
