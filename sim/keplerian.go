// Package sim provides a small orbit determination substrate for tests and
// examples: an analytic two-body propagator with numerically differentiated
// partials, ground stations with range and range-rate observables, and
// residual plotting helpers.
package sim

import (
	"fmt"
	"math"
	"time"

	orbfit "github.com/orbfit/orbfit"
	"github.com/orbfit/orbfit/param"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// MuDriverName is the name of the central attraction coefficient driver
const MuDriverName = "central attraction coefficient"

// fdStep is the relative step of the finite difference partials
const fdStep = 1e-6

// KeplerianBuilder builds analytic two-body propagators
type KeplerianBuilder struct {
	orbitType orbfit.OrbitType
	epoch     time.Time
	mu        float64
	muDriver  *param.Driver
}

// NewKeplerianBuilder creates a builder for two-body propagators around a
// central body with attraction coefficient mu, producing orbital parameter
// vectors laid out according to the given orbit type.
// It returns error if mu is not positive.
func NewKeplerianBuilder(t orbfit.OrbitType, epoch time.Time, mu float64) (*KeplerianBuilder, error) {
	if mu <= 0 {
		return nil, fmt.Errorf("invalid central attraction coefficient: %f", mu)
	}

	muDriver, err := param.NewDriver(MuDriverName, []float64{mu}, mu, 0, math.Inf(1))
	if err != nil {
		return nil, err
	}

	return &KeplerianBuilder{
		orbitType: t,
		epoch:     epoch,
		mu:        mu,
		muDriver:  muDriver,
	}, nil
}

// OrbitType returns the orbital parameter convention used by Build
func (b *KeplerianBuilder) OrbitType() orbfit.OrbitType { return b.orbitType }

// Epoch returns the epoch of the orbital parameters
func (b *KeplerianBuilder) Epoch() time.Time { return b.epoch }

// Mu returns the central attraction coefficient the builder was created with
func (b *KeplerianBuilder) Mu() float64 { return b.mu }

// ParameterDrivers returns the propagator dynamical parameter drivers:
// a single driver for the central attraction coefficient
func (b *KeplerianBuilder) ParameterDrivers() []*param.Driver {
	return []*param.Driver{b.muDriver}
}

// Build constructs a two-body propagator from 6 orbital parameters,
// reading the effective attraction coefficient off its driver
func (b *KeplerianBuilder) Build(orbital []float64) (orbfit.Propagator, error) {
	if len(orbital) < 6 {
		return nil, fmt.Errorf("invalid orbital array length: %d", len(orbital))
	}
	if err := b.orbitType.Validate(orbital); err != nil {
		return nil, err
	}

	array := make([]float64, 6)
	copy(array, orbital[:6])

	return &KeplerianPropagator{
		orbitType: b.orbitType,
		epoch:     b.epoch,
		array:     array,
		mu:        b.muDriver.Value()[0],
	}, nil
}

// KeplerianPropagator propagates a two-body trajectory analytically using
// the universal variable formulation. State partials are computed by
// central finite differences of the whole epoch-to-date mapping.
type KeplerianPropagator struct {
	orbitType orbfit.OrbitType
	epoch     time.Time
	array     []float64
	mu        float64
}

// Propagate returns the spacecraft state at time t together with the state
// transition matrix with respect to the epoch orbital parameters and the
// sensitivity to the attraction coefficient
func (p *KeplerianPropagator) Propagate(t time.Time) (*orbfit.State, error) {
	dt := t.Sub(p.epoch).Seconds()

	pv, err := p.stateAt(p.array, p.mu, dt)
	if err != nil {
		return nil, err
	}

	// differentiate against normalized parameters so one finite
	// difference step suits components of very different magnitudes
	scales := make([]float64, 6)
	for j := range scales {
		scales[j] = math.Max(math.Abs(p.array[j]), 1)
	}

	transition := mat.NewDense(6, 6, nil)
	fd.Jacobian(transition, func(out, u []float64) {
		array := make([]float64, 6)
		for j := range array {
			array[j] = p.array[j] + u[j]*scales[j]
		}
		res, sErr := p.stateAt(array, p.mu, dt)
		if sErr != nil {
			for i := range out {
				out[i] = math.NaN()
			}
			return
		}
		copy(out, res)
	}, make([]float64, 6), &fd.JacobianSettings{
		Formula: fd.Central,
		Step:    fdStep,
	})
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			transition.Set(i, j, transition.At(i, j)/scales[j])
		}
	}

	muSens := mat.NewDense(6, 1, nil)
	fd.Jacobian(muSens, func(out, u []float64) {
		res, sErr := p.stateAt(p.array, p.mu*(1+u[0]), dt)
		if sErr != nil {
			for i := range out {
				out[i] = math.NaN()
			}
			return
		}
		copy(out, res)
	}, []float64{0}, &fd.JacobianSettings{
		Formula: fd.Central,
		Step:    fdStep,
	})

	sensitivity := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		sensitivity.SetVec(i, muSens.At(i, 0)/p.mu)
	}

	return &orbfit.State{
		Date:       t,
		PV:         mat.NewVecDense(6, pv),
		Transition: transition,
		Sensitivities: map[string]*mat.VecDense{
			MuDriverName: sensitivity,
		},
	}, nil
}

// stateAt maps epoch orbital parameters to the Cartesian state dt seconds later
func (p *KeplerianPropagator) stateAt(array []float64, mu, dt float64) ([]float64, error) {
	o, err := p.orbitType.MapArrayToOrbit(array, p.epoch, mu)
	if err != nil {
		return nil, err
	}

	pv := make([]float64, 6)
	copy(pv[:3], o.R)
	copy(pv[3:], o.V)

	return propagateUniversal(pv, mu, dt)
}

// propagateUniversal advances a Cartesian state dt seconds along a two-body
// trajectory using the universal variable formulation of Kepler's equation.
func propagateUniversal(pv []float64, mu, dt float64) ([]float64, error) {
	out := make([]float64, 6)
	copy(out, pv)
	if dt == 0 {
		return out, nil
	}

	r0 := pv[:3]
	v0 := pv[3:6]
	r0n := norm3(r0)
	if r0n <= 0 {
		return nil, fmt.Errorf("degenerate state: zero position")
	}

	sqrtMu := math.Sqrt(mu)
	rv := dot3(r0, v0)
	alpha := 2/r0n - dot3(v0, v0)/mu

	chi := sqrtMu * dt / r0n
	if alpha > 1e-12 {
		// elliptical motion
		chi = sqrtMu * dt * alpha
	}

	converged := false
	for k := 0; k < 100; k++ {
		z := alpha * chi * chi
		c, s := stumpffC(z), stumpffS(z)

		f := rv/sqrtMu*chi*chi*c + (1-alpha*r0n)*chi*chi*chi*s + r0n*chi - sqrtMu*dt
		fPrime := rv/sqrtMu*chi*(1-z*s) + (1-alpha*r0n)*chi*chi*c + r0n

		d := f / fPrime
		chi -= d
		if math.Abs(d) < 1e-12*math.Max(1, math.Abs(chi)) {
			converged = true
			break
		}
	}
	if !converged {
		return nil, fmt.Errorf("universal Kepler equation did not converge")
	}

	z := alpha * chi * chi
	c, s := stumpffC(z), stumpffS(z)

	// Lagrange coefficients
	f := 1 - chi*chi*c/r0n
	g := dt - chi*chi*chi*s/sqrtMu

	for i := 0; i < 3; i++ {
		out[i] = f*r0[i] + g*v0[i]
	}
	rn := norm3(out[:3])

	fDot := sqrtMu / (rn * r0n) * chi * (z*s - 1)
	gDot := 1 - chi*chi*c/rn

	for i := 0; i < 3; i++ {
		out[3+i] = fDot*r0[i] + gDot*v0[i]
	}

	return out, nil
}

// stumpffC is the Stumpff function C(z)
func stumpffC(z float64) float64 {
	switch {
	case z > 1e-8:
		sz := math.Sqrt(z)
		return (1 - math.Cos(sz)) / z
	case z < -1e-8:
		sz := math.Sqrt(-z)
		return (math.Cosh(sz) - 1) / (-z)
	default:
		return 1.0/2 - z/24
	}
}

// stumpffS is the Stumpff function S(z)
func stumpffS(z float64) float64 {
	switch {
	case z > 1e-8:
		sz := math.Sqrt(z)
		return (sz - math.Sin(sz)) / (sz * sz * sz)
	case z < -1e-8:
		sz := math.Sqrt(-z)
		return (math.Sinh(sz) - sz) / (sz * sz * sz)
	default:
		return 1.0/6 - z/120
	}
}

func norm3(a []float64) float64 {
	return math.Sqrt(dot3(a, a))
}

func dot3(a, b []float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
