package orbfit

import (
	"fmt"
	"math"
	"time"
)

// OrbitType is the convention used to lay an orbit out as 6 parameters
type OrbitType int

const (
	// Cartesian lays an orbit out as [x y z vx vy vz] (m, m/s)
	Cartesian OrbitType = iota
	// Keplerian lays an orbit out as [a e i raan argp M]
	// (semi-major axis in m, angles in radians, mean anomaly)
	Keplerian
)

// Orbit is a spacecraft orbit expressed as a Cartesian state at an epoch
type Orbit struct {
	// Date is the orbit epoch
	Date time.Time
	// R is the position vector (m)
	R []float64
	// V is the velocity vector (m/s)
	V []float64
	// Mu is the central attraction coefficient (m^3/s^2)
	Mu float64
}

// String implements the Stringer interface
func (t OrbitType) String() string {
	switch t {
	case Cartesian:
		return "cartesian"
	case Keplerian:
		return "keplerian"
	default:
		return "unknown"
	}
}

// MapOrbitToArray lays orbit o out as 6 parameters into dst according to
// the orbit type convention.
// It returns error if dst does not have at least 6 entries or if the
// orbit cannot be expressed in this convention.
func (t OrbitType) MapOrbitToArray(o Orbit, dst []float64) error {
	if len(dst) < 6 {
		return fmt.Errorf("invalid orbital array length: %d", len(dst))
	}

	switch t {
	case Cartesian:
		copy(dst[:3], o.R)
		copy(dst[3:6], o.V)
		return nil
	case Keplerian:
		a, e, i, raan, argp, anomaly, err := cartesianToKeplerian(o.R, o.V, o.Mu)
		if err != nil {
			return err
		}
		dst[0], dst[1], dst[2], dst[3], dst[4], dst[5] = a, e, i, raan, argp, anomaly
		return nil
	default:
		return fmt.Errorf("unknown orbit type: %d", t)
	}
}

// MapArrayToOrbit builds an orbit from 6 parameters laid out according to
// the orbit type convention.
func (t OrbitType) MapArrayToOrbit(src []float64, date time.Time, mu float64) (Orbit, error) {
	if len(src) < 6 {
		return Orbit{}, fmt.Errorf("invalid orbital array length: %d", len(src))
	}

	switch t {
	case Cartesian:
		r := make([]float64, 3)
		v := make([]float64, 3)
		copy(r, src[:3])
		copy(v, src[3:6])
		return Orbit{Date: date, R: r, V: v, Mu: mu}, nil
	case Keplerian:
		r, v, err := keplerianToCartesian(src[0], src[1], src[2], src[3], src[4], src[5], mu)
		if err != nil {
			return Orbit{}, err
		}
		return Orbit{Date: date, R: r, V: v, Mu: mu}, nil
	default:
		return Orbit{}, fmt.Errorf("unknown orbit type: %d", t)
	}
}

// Validate checks whether 6 orbital parameters laid out according to the
// orbit type convention map to a physically meaningful orbit.
// It returns a ValidationError describing the defect if they do not.
func (t OrbitType) Validate(orbital []float64) error {
	if len(orbital) < 6 {
		return &ValidationError{Reason: fmt.Sprintf("invalid orbital array length: %d", len(orbital))}
	}

	for i := 0; i < 6; i++ {
		if math.IsNaN(orbital[i]) || math.IsInf(orbital[i], 0) {
			return &ValidationError{Reason: fmt.Sprintf("orbital parameter %d is not finite", i)}
		}
	}

	switch t {
	case Cartesian:
		r := math.Sqrt(orbital[0]*orbital[0] + orbital[1]*orbital[1] + orbital[2]*orbital[2])
		if r <= 0 {
			return &ValidationError{Reason: "degenerate orbit: zero position"}
		}
	case Keplerian:
		if orbital[0] <= 0 {
			return &ValidationError{Reason: fmt.Sprintf("degenerate orbit: semi-major axis %f", orbital[0])}
		}
		if orbital[1] < 0 || orbital[1] >= 1 {
			return &ValidationError{Reason: fmt.Sprintf("degenerate orbit: eccentricity %f", orbital[1])}
		}
	}

	return nil
}

// solveKepler solves Kepler's equation M = E - e*sin(E) for the
// eccentric anomaly E using Newton iterations.
func solveKepler(meanAnomaly, e float64) float64 {
	E := meanAnomaly
	if e > 0.8 {
		E = math.Pi
	}

	for k := 0; k < 50; k++ {
		f := E - e*math.Sin(E) - meanAnomaly
		fPrime := 1 - e*math.Cos(E)
		dE := f / fPrime
		E -= dE
		if math.Abs(dE) < 1e-14 {
			break
		}
	}

	return E
}

// keplerianToCartesian converts classical orbital elements to a Cartesian state.
func keplerianToCartesian(a, e, i, raan, argp, meanAnomaly, mu float64) (r, v []float64, err error) {
	if a <= 0 {
		return nil, nil, fmt.Errorf("invalid semi-major axis: %f", a)
	}
	if e < 0 || e >= 1 {
		return nil, nil, fmt.Errorf("invalid eccentricity: %f", e)
	}

	E := solveKepler(meanAnomaly, e)
	cosE, sinE := math.Cos(E), math.Sin(E)

	// true anomaly
	denom := 1 - e*cosE
	cosNu := (cosE - e) / denom
	sinNu := math.Sqrt(1-e*e) * sinE / denom

	p := a * (1 - e*e)
	rn := p / (1 + e*cosNu)

	// perifocal position and velocity
	rPF := []float64{rn * cosNu, rn * sinNu, 0}
	vScale := math.Sqrt(mu / p)
	vPF := []float64{-vScale * sinNu, vScale * (e + cosNu), 0}

	// perifocal to inertial rotation
	cO, sO := math.Cos(raan), math.Sin(raan)
	ci, si := math.Cos(i), math.Sin(i)
	cw, sw := math.Cos(argp), math.Sin(argp)

	rot := [3][2]float64{
		{cO*cw - sO*sw*ci, -cO*sw - sO*cw*ci},
		{sO*cw + cO*sw*ci, -sO*sw + cO*cw*ci},
		{sw * si, cw * si},
	}

	r = make([]float64, 3)
	v = make([]float64, 3)
	for k := 0; k < 3; k++ {
		r[k] = rot[k][0]*rPF[0] + rot[k][1]*rPF[1]
		v[k] = rot[k][0]*vPF[0] + rot[k][1]*vPF[1]
	}

	return r, v, nil
}

// cartesianToKeplerian converts a Cartesian state to classical orbital elements.
func cartesianToKeplerian(r, v []float64, mu float64) (a, e, i, raan, argp, meanAnomaly float64, err error) {
	rn := norm(r)
	vn := norm(v)
	if rn <= 0 {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("degenerate orbit: zero position")
	}

	// specific angular momentum
	h := cross(r, v)
	hn := norm(h)
	if hn <= 0 {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("degenerate orbit: rectilinear trajectory")
	}

	// node vector
	node := []float64{-h[1], h[0], 0}
	nn := norm(node)

	// eccentricity vector
	rv := dot(r, v)
	eVec := make([]float64, 3)
	for k := 0; k < 3; k++ {
		eVec[k] = ((vn*vn-mu/rn)*r[k] - rv*v[k]) / mu
	}
	e = norm(eVec)

	energy := vn*vn/2 - mu/rn
	if energy >= 0 {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("orbit is not elliptical: energy %f", energy)
	}
	a = -mu / (2 * energy)

	i = math.Acos(clamp(h[2]/hn, -1, 1))

	if nn > 0 {
		raan = math.Atan2(node[1], node[0])
		if raan < 0 {
			raan += 2 * math.Pi
		}
	}

	var nu float64
	if e > smallEccentricity {
		if nn > 0 {
			argp = math.Acos(clamp(dot(node, eVec)/(nn*e), -1, 1))
			if eVec[2] < 0 {
				argp = 2*math.Pi - argp
			}
		} else {
			// equatorial orbit: measure the perigee from the x axis
			argp = math.Atan2(eVec[1], eVec[0])
			if argp < 0 {
				argp += 2 * math.Pi
			}
		}
		nu = math.Acos(clamp(dot(eVec, r)/(e*rn), -1, 1))
		if rv < 0 {
			nu = 2*math.Pi - nu
		}
	} else {
		// near-circular orbit: fold the anomaly into the argument of latitude
		argp = 0
		if nn > 0 {
			nu = math.Acos(clamp(dot(node, r)/(nn*rn), -1, 1))
			if r[2] < 0 {
				nu = 2*math.Pi - nu
			}
		} else {
			nu = math.Atan2(r[1], r[0])
			if nu < 0 {
				nu += 2 * math.Pi
			}
		}
	}

	// eccentric and mean anomaly
	E := 2 * math.Atan2(math.Sqrt(1-e)*math.Sin(nu/2), math.Sqrt(1+e)*math.Cos(nu/2))
	meanAnomaly = E - e*math.Sin(E)
	if meanAnomaly < 0 {
		meanAnomaly += 2 * math.Pi
	}

	return a, e, i, raan, argp, meanAnomaly, nil
}

// smallEccentricity is the threshold under which an orbit is treated as circular
const smallEccentricity = 1e-11

func norm(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}

func dot(a, b []float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b []float64) []float64 {
	return []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
