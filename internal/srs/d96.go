package srs

import "math"

// D96/TM (EPSG:3794), the Slovene national grid: transverse Mercator
// on GRS80, central meridian 15°E, scale 0.9999, false easting
// 500 000 m, false northing -5 000 000 m. The series expansions are
// the standard Gauss-Krueger forms, accurate to well under a
// millimeter inside the projection's zone.

const (
	grs80A = 6378137.0
	grs80F = 1.0 / 298.257222101

	d96Lon0 = 15.0 * math.Pi / 180.0
	d96K0   = 0.9999
	d96FE   = 500000.0
	d96FN   = -5000000.0
)

// meridianArc returns the ellipsoidal distance from the equator to
// latitude phi along a meridian.
func meridianArc(phi float64) float64 {
	e2 := grs80F * (2 - grs80F)
	e4 := e2 * e2
	e6 := e4 * e2
	return grs80A * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

func d96Forward(lon, lat float64) (float64, float64) {
	e2 := grs80F * (2 - grs80F)
	ep2 := e2 / (1 - e2)
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180

	sinP, cosP := math.Sin(phi), math.Cos(phi)
	nu := grs80A / math.Sqrt(1-e2*sinP*sinP)
	tanP := sinP / cosP
	tt := tanP * tanP
	c := ep2 * cosP * cosP
	a := (lam - d96Lon0) * cosP
	a2 := a * a

	x := d96FE + d96K0*nu*(a+
		(1-tt+c)*a*a2/6+
		(5-18*tt+tt*tt+72*c-58*ep2)*a*a2*a2/120)
	y := d96FN + d96K0*(meridianArc(phi)+
		nu*tanP*(a2/2+
			(5-tt+9*c+4*c*c)*a2*a2/24+
			(61-58*tt+tt*tt+600*c-330*ep2)*a2*a2*a2/720))
	return x, y
}

func d96Inverse(x, y float64) (float64, float64) {
	e2 := grs80F * (2 - grs80F)
	ep2 := e2 / (1 - e2)
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	mu := (y - d96FN) / d96K0 /
		(grs80A * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))

	// footpoint latitude
	phi1 := mu +
		(3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*e1*e1*e1*e1/512)*math.Sin(8*mu)

	sin1, cos1 := math.Sin(phi1), math.Cos(phi1)
	tan1 := sin1 / cos1
	c1 := ep2 * cos1 * cos1
	t1 := tan1 * tan1
	nu1 := grs80A / math.Sqrt(1-e2*sin1*sin1)
	rho1 := grs80A * (1 - e2) / math.Pow(1-e2*sin1*sin1, 1.5)
	d := (x - d96FE) / (nu1 * d96K0)
	d2 := d * d

	phi := phi1 - (nu1*tan1/rho1)*(d2/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*d2*d2/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*d2*d2*d2/720)
	lam := d96Lon0 + (d-
		(1+2*t1+c1)*d*d2/6+
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*d*d2*d2/120)/cos1

	return lam * 180 / math.Pi, phi * 180 / math.Pi
}
