package raster

import "github.com/tilezen/joerd/internal/srs"

// Reproject paints the mosaic onto dst, resampling with the given
// filter. Each destination pixel center is transformed into the
// mosaic's coordinate system and sampled there; pixels the mosaic
// cannot supply are left untouched, so dst keeps its prior values
// (normally nodata) wherever the mosaic has no coverage.
func Reproject(m *Mosaic, dst *Raster, f Filter) {
	srcSRS := m.SRS()
	same := srcSRS == dst.SRS ||
		(srcSRS.Geographic() && dst.SRS.Geographic())

	for row := 0; row < dst.Height; row++ {
		for col := 0; col < dst.Width; col++ {
			x, y := dst.Transform.Apply(float64(col)+0.5, float64(row)+0.5)
			if !same {
				x, y = srs.Transform(dst.SRS, srcSRS, x, y)
			}
			if v, ok := m.Sample(x, y, f); ok {
				dst.Set(col, row, v)
			}
		}
	}
}
