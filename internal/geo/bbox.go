// Package geo holds the spatial primitives shared by sources, outputs
// and the planner: WGS84 bounding boxes and render regions.
package geo

import (
	"fmt"

	"github.com/paulmach/orb"
)

// BoundingBox is an immutable (left, bottom, right, top) box in WGS84
// degrees. Equality is by exact bounds.
type BoundingBox struct {
	bound orb.Bound
}

// NewBoundingBox creates a box from (left, bottom, right, top).
func NewBoundingBox(left, bottom, right, top float64) BoundingBox {
	return BoundingBox{bound: orb.Bound{
		Min: orb.Point{left, bottom},
		Max: orb.Point{right, top},
	}}
}

func (b BoundingBox) Left() float64   { return b.bound.Min[0] }
func (b BoundingBox) Bottom() float64 { return b.bound.Min[1] }
func (b BoundingBox) Right() float64  { return b.bound.Max[0] }
func (b BoundingBox) Top() float64    { return b.bound.Max[1] }

// Bound returns the underlying orb bound.
func (b BoundingBox) Bound() orb.Bound { return b.bound }

// Center returns the (lon, lat) midpoint.
func (b BoundingBox) Center() (float64, float64) {
	c := b.bound.Center()
	return c[0], c[1]
}

// Intersects reports whether the two boxes share any point. Boxes
// touching only along an edge intersect.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.bound.Intersects(o.bound)
}

// Buffer grows the box by d on every side.
func (b BoundingBox) Buffer(d float64) BoundingBox {
	return NewBoundingBox(
		b.Left()-d, b.Bottom()-d, b.Right()+d, b.Top()+d)
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("BBox(%g, %g, %g, %g)",
		b.Left(), b.Bottom(), b.Right(), b.Top())
}
