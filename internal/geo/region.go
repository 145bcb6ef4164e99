package geo

// Region is a spatial extent plus a half-open zoom range [Min, Max).
// Output tiles intersecting any region must be rendered.
//
// Zoom is used as the scale even for non-Mercator outputs, which map
// their native resolution onto a nominal zoom for intersection tests.
type Region struct {
	BBox      BoundingBox
	ZoomRange ZoomRange
}

// ZoomRange is half-open: Max itself is excluded.
type ZoomRange struct {
	Min int
	Max int
}

// Contains reports whether zoom falls inside the half-open range.
// The zoom is a float so that outputs with fractional nominal zooms
// (Skadi sits at 12.3) can be tested directly.
func (z ZoomRange) Contains(zoom float64) bool {
	return zoom >= float64(z.Min) && zoom < float64(z.Max)
}

// Intersects reports whether a tile with the given bbox and zoom falls
// inside this region.
func (r Region) Intersects(bbox BoundingBox, zoom float64) bool {
	return r.BBox.Intersects(bbox) && r.ZoomRange.Contains(zoom)
}
