// Package srs names the spatial reference systems used by sources and
// outputs and converts coordinates between them.
//
// NAD83 is treated as coincident with WGS84: the datum offset is below
// the native resolution of every NAD83 source carried here, which is
// also what the reference implementation does without a datum grid.
package srs

import "math"

type SRS int

const (
	WGS84 SRS = iota
	NAD83
	WebMercator
	D96TM
)

const earthRadius = 6378137.0

func (s SRS) String() string {
	switch s {
	case WGS84:
		return "EPSG:4326"
	case NAD83:
		return "EPSG:4269"
	case WebMercator:
		return "EPSG:3857"
	case D96TM:
		return "EPSG:3794"
	}
	return "unknown"
}

// EPSG returns the numeric EPSG code for s.
func (s SRS) EPSG() int {
	switch s {
	case WGS84:
		return 4326
	case NAD83:
		return 4269
	case WebMercator:
		return 3857
	case D96TM:
		return 3794
	}
	return 0
}

// FromEPSG maps an EPSG code to an SRS. The legacy 900913 code is
// accepted as web mercator.
func FromEPSG(code int) (SRS, bool) {
	switch code {
	case 4326:
		return WGS84, true
	case 4269:
		return NAD83, true
	case 3857, 900913:
		return WebMercator, true
	case 3794:
		return D96TM, true
	}
	return WGS84, false
}

// Geographic reports whether coordinates in s are degrees.
func (s SRS) Geographic() bool {
	return s == WGS84 || s == NAD83
}

// ToWGS84 converts a coordinate in s to (lon, lat) degrees.
func (s SRS) ToWGS84(x, y float64) (float64, float64) {
	switch {
	case s.Geographic():
		return x, y
	case s == D96TM:
		return d96Inverse(x, y)
	default:
		lon := (x / earthRadius) * 180.0 / math.Pi
		lat := (math.Atan(math.Exp(y/earthRadius)) - math.Pi/4.0) * 2.0 * 180.0 / math.Pi
		return lon, lat
	}
}

// FromWGS84 converts (lon, lat) degrees to a coordinate in s.
func (s SRS) FromWGS84(lon, lat float64) (float64, float64) {
	switch {
	case s.Geographic():
		return lon, lat
	case s == D96TM:
		return d96Forward(lon, lat)
	default:
		x := earthRadius * lon * math.Pi / 180.0
		latRad := lat * math.Pi / 180.0
		y := earthRadius * math.Log(math.Tan(math.Pi/4.0+latRad/2.0))
		return x, y
	}
}

// Transform converts a coordinate from src to dst.
func Transform(src, dst SRS, x, y float64) (float64, float64) {
	if src == dst || (src.Geographic() && dst.Geographic()) {
		return x, y
	}
	lon, lat := src.ToWGS84(x, y)
	return dst.FromWGS84(lon, lat)
}
