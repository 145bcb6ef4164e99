// Package mercator implements spherical Mercator (EPSG:3857) tile math
// for the 256px Web-Mercator products.
package mercator

import (
	"fmt"
	"math"

	"github.com/tilezen/joerd/internal/geo"
)

const (
	// WorldSize is the extent of the Mercator plane in meters.
	WorldSize = 40075016.68

	// MaxLatitude is the highest latitude representable in spherical
	// Mercator. Anything beyond is clipped onto the edge tile row.
	MaxLatitude = 85.051129

	earthRadius = 6378137.0

	// TileSize is the pixel size of all Mercator products.
	TileSize = 256
)

// TileName formats the canonical z/x/y name used in product paths.
func TileName(z, x, y int) string {
	return fmt.Sprintf("%d/%d/%d", z, x, y)
}

// LonLatToMeters projects WGS84 degrees onto the Mercator plane.
func LonLatToMeters(lon, lat float64) (float64, float64) {
	x := earthRadius * lon * math.Pi / 180.0
	latRad := lat * math.Pi / 180.0
	y := earthRadius * math.Log(math.Tan(math.Pi/4.0+latRad/2.0))
	return x, y
}

// MetersToLonLat is the inverse of LonLatToMeters.
func MetersToLonLat(x, y float64) (float64, float64) {
	lon := (x / earthRadius) * 180.0 / math.Pi
	lat := (math.Atan(math.Exp(y/earthRadius)) - math.Pi/4.0) * 2.0 * 180.0 / math.Pi
	return lon, lat
}

// LonLatToXY returns the tile coordinate containing the given point at
// the given zoom. Latitude is clipped to the Mercator domain, and the
// result is clamped into [0, 2^z).
func LonLatToXY(zoom int, lon, lat float64) (int, int) {
	lat = math.Min(math.Max(lat, -MaxLatitude), MaxLatitude)
	x, y := LonLatToMeters(lon, lat)

	extent := 1 << uint(zoom)
	tx := int(math.Floor(float64(extent) * (x/WorldSize + 0.5)))
	ty := int(math.Floor(float64(extent) * (0.5 - y/WorldSize)))

	tx = min(max(0, tx), extent-1)
	ty = min(max(0, ty), extent-1)
	return tx, ty
}

// MercatorBbox returns the tile's extent in meters in the 3857 plane.
func MercatorBbox(z, x, y int) geo.BoundingBox {
	extent := float64(int64(1) << uint(z))
	return geo.NewBoundingBox(
		WorldSize*(float64(x)/extent-0.5),
		WorldSize*(0.5-float64(y+1)/extent),
		WorldSize*(float64(x+1)/extent-0.5),
		WorldSize*(0.5-float64(y)/extent))
}

// LatLonBbox returns the geographic extent of a Mercator tile.
func LatLonBbox(z, x, y int) geo.BoundingBox {
	m := MercatorBbox(z, x, y)
	left, bottom := MetersToLonLat(m.Left(), m.Bottom())
	right, top := MetersToLonLat(m.Right(), m.Top())
	return geo.NewBoundingBox(left, bottom, right, top)
}

// Resolution returns the ground resolution of a tile in degrees per
// pixel, the larger of the two axes.
func Resolution(z, x, y int, size int) float64 {
	b := LatLonBbox(z, x, y)
	return math.Max(
		(b.Right()-b.Left())/float64(size),
		(b.Top()-b.Bottom())/float64(size))
}
