// Package proj converts geographic coordinates to planar equidistant conic
// coordinates (meters) and back.
package proj

import (
	"fmt"
	"math"

	"github.com/rotisserie/eris"
)

// Projector maps a geographic coordinate to planar coordinates.
type Projector interface {
	Project(lon, lat float64) (x, y float64, err error)
}

// Ellipsoid describes a reference ellipsoid by semi-major axis and flattening.
type Ellipsoid struct {
	A float64
	F float64
}

// GRS80 is the ellipsoid used by the NAD83 datum.
var GRS80 = Ellipsoid{A: 6378137.0, F: 1 / 298.257222101}

// InvalidCoordinateError reports a coordinate outside the geographic domain.
type InvalidCoordinateError struct {
	Lon float64
	Lat float64
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("proj: invalid coordinate lon=%v lat=%v", e.Lon, e.Lat)
}

// ValidateGeographic returns an *InvalidCoordinateError when lon/lat are not
// finite or fall outside [-180, 180] x [-90, 90].
func ValidateGeographic(lon, lat float64) error {
	if !finite(lon) || !finite(lat) || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return &InvalidCoordinateError{Lon: lon, Lat: lat}
	}
	return nil
}

// EquidistantConic is an ellipsoidal equidistant conic projection with two
// standard parallels. The zero value is not usable; use NewEquidistantConic.
type EquidistantConic struct {
	ellipsoid Ellipsoid
	lon0      float64 // radians
	falseE    float64
	falseN    float64

	e2   float64
	c    [4]float64 // meridian arc series coefficients
	n    float64
	g    float64
	rho0 float64
}

// USAContiguous is the USA Contiguous Equidistant Conic (ESRI:102005) on NAD83.
var USAContiguous = MustEquidistantConic(39, -96, 33, 45, 0, 0, GRS80)

// NewEquidistantConic builds a projection. Angles are in degrees, false
// easting/northing in meters.
func NewEquidistantConic(lat0, lon0, lat1, lat2, falseEasting, falseNorthing float64, ell Ellipsoid) (*EquidistantConic, error) {
	if ell.A <= 0 || ell.F < 0 || ell.F >= 1 {
		return nil, eris.Errorf("proj: invalid ellipsoid a=%v f=%v", ell.A, ell.F)
	}
	for _, lat := range []float64{lat0, lat1, lat2} {
		if !finite(lat) || math.Abs(lat) >= 90 {
			return nil, eris.Errorf("proj: invalid parallel %v", lat)
		}
	}
	if math.Abs(lat1+lat2) < 1e-10 {
		return nil, eris.New("proj: standard parallels symmetric about the equator")
	}
	if !finite(lon0) || math.Abs(lon0) > 180 {
		return nil, eris.Errorf("proj: invalid central meridian %v", lon0)
	}

	p := &EquidistantConic{
		ellipsoid: ell,
		lon0:      radians(lon0),
		falseE:    falseEasting,
		falseN:    falseNorthing,
	}
	p.e2 = ell.F * (2 - ell.F)
	e4 := p.e2 * p.e2
	e6 := e4 * p.e2
	p.c = [4]float64{
		1 - p.e2/4 - 3*e4/64 - 5*e6/256,
		3*p.e2/8 + 3*e4/32 + 45*e6/1024,
		15*e4/256 + 45*e6/1024,
		35 * e6 / 3072,
	}

	phi1, phi2 := radians(lat1), radians(lat2)
	m1, m2 := p.smallM(phi1), p.smallM(phi2)
	M1, M2 := p.meridian(phi1), p.meridian(phi2)
	if math.Abs(phi1-phi2) < 1e-10 {
		p.n = math.Sin(phi1)
	} else {
		p.n = ell.A * (m1 - m2) / (M2 - M1)
	}
	p.g = m1/p.n + M1/ell.A
	p.rho0 = ell.A*p.g - p.meridian(radians(lat0))
	return p, nil
}

// MustEquidistantConic is like NewEquidistantConic but panics on error.
func MustEquidistantConic(lat0, lon0, lat1, lat2, falseEasting, falseNorthing float64, ell Ellipsoid) *EquidistantConic {
	p, err := NewEquidistantConic(lat0, lon0, lat1, lat2, falseEasting, falseNorthing, ell)
	if err != nil {
		panic(err)
	}
	return p
}

// Project converts lon/lat degrees to planar meters.
func (p *EquidistantConic) Project(lon, lat float64) (x, y float64, err error) {
	if err := ValidateGeographic(lon, lat); err != nil {
		return 0, 0, err
	}
	rho := p.ellipsoid.A*p.g - p.meridian(radians(lat))
	theta := p.n * normalizeLon(radians(lon)-p.lon0)
	x = p.falseE + rho*math.Sin(theta)
	y = p.falseN + p.rho0 - rho*math.Cos(theta)
	return x, y, nil
}

// Unproject converts planar meters back to lon/lat degrees.
func (p *EquidistantConic) Unproject(x, y float64) (lon, lat float64, err error) {
	if !finite(x) || !finite(y) {
		return 0, 0, &InvalidCoordinateError{Lon: x, Lat: y}
	}
	dx := x - p.falseE
	dy := p.rho0 - (y - p.falseN)
	sign := 1.0
	if p.n < 0 {
		sign = -1.0
	}
	rho := sign * math.Hypot(dx, dy)
	theta := math.Atan2(sign*dx, sign*dy)

	phi, err := p.footpoint(p.ellipsoid.A*p.g - rho)
	if err != nil {
		return 0, 0, err
	}
	lambda := normalizeLon(p.lon0 + theta/p.n)
	lon, lat = degrees(lambda), degrees(phi)
	if err := ValidateGeographic(lon, lat); err != nil {
		return 0, 0, err
	}
	return lon, lat, nil
}

// meridian returns the meridian arc length from the equator to phi.
func (p *EquidistantConic) meridian(phi float64) float64 {
	return p.ellipsoid.A * (p.c[0]*phi -
		p.c[1]*math.Sin(2*phi) +
		p.c[2]*math.Sin(4*phi) -
		p.c[3]*math.Sin(6*phi))
}

func (p *EquidistantConic) smallM(phi float64) float64 {
	s := math.Sin(phi)
	return math.Cos(phi) / math.Sqrt(1-p.e2*s*s)
}

// footpoint inverts the meridian arc: a series estimate refined by Newton steps.
func (p *EquidistantConic) footpoint(arc float64) (float64, error) {
	mu := arc / (p.ellipsoid.A * p.c[0])
	r := math.Sqrt(1 - p.e2)
	e1 := (1 - r) / (1 + r)
	e12, e13 := e1*e1, e1*e1*e1
	e14 := e13 * e1
	phi := mu +
		(3*e1/2-27*e13/32)*math.Sin(2*mu) +
		(21*e12/16-55*e14/32)*math.Sin(4*mu) +
		(151*e13/96)*math.Sin(6*mu) +
		(1097*e14/512)*math.Sin(8*mu)

	for i := 0; i < 8; i++ {
		s := math.Sin(phi)
		w := 1 - p.e2*s*s
		deriv := p.ellipsoid.A * (1 - p.e2) / (w * math.Sqrt(w))
		step := (p.meridian(phi) - arc) / deriv
		phi -= step
		if math.Abs(step) < 1e-15 {
			break
		}
	}
	if !finite(phi) || math.Abs(phi) > math.Pi/2+1e-12 {
		return 0, eris.Errorf("proj: planar point outside projection domain (arc=%v)", arc)
	}
	return phi, nil
}

// Identity passes geographic coordinates through unchanged after validation.
// It serves boundary layers indexed in degrees.
type Identity struct{}

// Project returns lon, lat as x, y.
func (Identity) Project(lon, lat float64) (float64, float64, error) {
	if err := ValidateGeographic(lon, lat); err != nil {
		return 0, 0, err
	}
	return lon, lat, nil
}

func normalizeLon(lambda float64) float64 {
	for lambda > math.Pi {
		lambda -= 2 * math.Pi
	}
	for lambda < -math.Pi {
		lambda += 2 * math.Pi
	}
	return lambda
}

func radians(d float64) float64 { return d * math.Pi / 180 }
func degrees(r float64) float64 { return r * 180 / math.Pi }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
