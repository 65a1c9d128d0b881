// Package solar computes the sun's apparent position for an observer on Earth using
// the NOAA solar calculator equations. Accurate to well under a degree between 1900
// and 2100, which is far finer than a blind can move.
package solar

import (
	"fmt"
	"math"
	"time"
)

// Observer is a point on the Earth's surface. Latitude is positive north, longitude
// positive east, both in degrees.
type Observer struct {
	Latitude  float64
	Longitude float64
}

// Validate rejects coordinates that are not on the globe.
func (o Observer) Validate() error {
	if math.IsNaN(o.Latitude) || o.Latitude < -90 || o.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got %g", o.Latitude)
	}
	if math.IsNaN(o.Longitude) || o.Longitude < -180 || o.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got %g", o.Longitude)
	}
	return nil
}

// Position returns the sun's azimuth (clockwise from north, [0, 360)) and elevation
// (corrected for atmospheric refraction) in degrees at t.
func (o Observer) Position(t time.Time) (azimuth, elevation float64, err error) {
	if err := o.Validate(); err != nil {
		return 0, 0, err
	}

	t = t.UTC()
	jc := julianCentury(t)
	decl, eqTime := declination(jc)

	minutes := float64(t.Hour()*60+t.Minute()) + (float64(t.Second())+float64(t.Nanosecond())/1e9)/60
	trueSolar := math.Mod(minutes+eqTime+4*o.Longitude, 1440)
	if trueSolar < 0 {
		trueSolar += 1440
	}
	hourAngle := trueSolar/4 - 180

	lat := rad(o.Latitude)
	d := rad(decl)
	cosZenith := clamp(math.Sin(lat)*math.Sin(d)+math.Cos(lat)*math.Cos(d)*math.Cos(rad(hourAngle)), -1, 1)
	zenith := math.Acos(cosZenith)

	sinZenith := math.Sin(zenith)
	if math.Abs(math.Cos(lat)*sinZenith) < 1e-12 {
		// At a pole or straight overhead azimuth is meaningless; report due south/north.
		if o.Latitude >= decl {
			azimuth = 180
		}
	} else {
		cosAz := clamp((math.Sin(lat)*cosZenith-math.Sin(d))/(math.Cos(lat)*sinZenith), -1, 1)
		a := deg(math.Acos(cosAz))
		if hourAngle > 0 {
			azimuth = math.Mod(a+180, 360)
		} else {
			azimuth = math.Mod(540-a, 360)
		}
	}

	elevation = 90 - deg(zenith)
	elevation += refraction(elevation)
	return azimuth, elevation, nil
}

// julianCentury is the time since J2000.0 in Julian centuries.
func julianCentury(t time.Time) float64 {
	jd := float64(t.UnixNano())/float64(24*time.Hour) + 2440587.5
	return (jd - 2451545) / 36525
}

// declination returns the sun's declination in degrees and the equation of time in
// minutes.
func declination(jc float64) (float64, float64) {
	meanLong := math.Mod(280.46646+jc*(36000.76983+jc*0.0003032), 360)
	meanAnom := 357.52911 + jc*(35999.05029-0.0001537*jc)
	ecc := 0.016708634 - jc*(0.000042037+0.0000001267*jc)

	m := rad(meanAnom)
	center := math.Sin(m)*(1.914602-jc*(0.004817+0.000014*jc)) +
		math.Sin(2*m)*(0.019993-0.000101*jc) +
		math.Sin(3*m)*0.000289
	trueLong := meanLong + center

	omega := rad(125.04 - 1934.136*jc)
	apparentLong := trueLong - 0.00569 - 0.00478*math.Sin(omega)

	meanObliq := 23 + (26+(21.448-jc*(46.815+jc*(0.00059-jc*0.001813)))/60)/60
	obliq := rad(meanObliq + 0.00256*math.Cos(omega))

	decl := deg(math.Asin(math.Sin(obliq) * math.Sin(rad(apparentLong))))

	y := math.Pow(math.Tan(obliq/2), 2)
	l := rad(meanLong)
	eqTime := 4 * deg(y*math.Sin(2*l)-
		2*ecc*math.Sin(m)+
		4*ecc*y*math.Sin(m)*math.Cos(2*l)-
		0.5*y*y*math.Sin(4*l)-
		1.25*ecc*ecc*math.Sin(2*m))

	return decl, eqTime
}

// refraction is the apparent lift in degrees the atmosphere adds at a true elevation.
func refraction(elevation float64) float64 {
	if elevation > 85 {
		return 0
	}
	te := math.Tan(rad(elevation))
	var arcsec float64
	switch {
	case elevation > 5:
		arcsec = 58.1/te - 0.07/math.Pow(te, 3) + 0.000086/math.Pow(te, 5)
	case elevation > -0.575:
		arcsec = 1735 + elevation*(-518.2+elevation*(103.4+elevation*(-12.79+elevation*0.711)))
	default:
		arcsec = -20.772 / te
	}
	return arcsec / 3600
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
