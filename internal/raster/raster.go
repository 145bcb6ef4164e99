// Package raster is the in-memory raster engine: single-band float32
// grids with a geotransform and a nodata value, readers and writers for
// the dataset formats that pass through the pipeline (GeoTIFF, SRTM
// HGT), mosaics, resampling and reprojection.
package raster

import (
	"fmt"
	"math"

	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/srs"
)

// FloatNoData is the nodata value used for float rasters throughout
// the pipeline. It is far outside any plausible elevation so encoders
// can test for it exactly.
const FloatNoData float32 = -3.0e38

// IntNoData is the nodata value for int16 products (HGT, int16 tif).
const IntNoData int16 = -32768

// GeoTransform maps pixel coordinates to georeferenced coordinates in
// the GDAL affine order: {originX, pixelWidth, rotX, originY, rotY,
// pixelHeight}. Pixel height is negative for north-up rasters. Only
// axis-aligned transforms are supported; the rotation terms exist so
// the array layout matches what GeoTIFF tags describe.
type GeoTransform [6]float64

// Apply maps a (column, row) pixel coordinate to georeferenced (x, y).
// Pixel (0, 0) maps to the raster origin (its top-left corner).
func (gt GeoTransform) Apply(px, py float64) (float64, float64) {
	x := gt[0] + px*gt[1] + py*gt[2]
	y := gt[3] + px*gt[4] + py*gt[5]
	return x, y
}

// PixelOf maps a georeferenced (x, y) back to fractional (column, row)
// pixel coordinates, assuming an axis-aligned transform.
func (gt GeoTransform) PixelOf(x, y float64) (float64, float64) {
	return (x - gt[0]) / gt[1], (y - gt[3]) / gt[5]
}

// TransformForBounds builds a north-up transform covering bbox with a
// w x h pixel grid.
func TransformForBounds(bbox geo.BoundingBox, w, h int) GeoTransform {
	return GeoTransform{
		bbox.Left(), (bbox.Right() - bbox.Left()) / float64(w), 0,
		bbox.Top(), 0, -(bbox.Top() - bbox.Bottom()) / float64(h),
	}
}

// Raster is a single-band float32 grid. Pix is stored row-major from
// the top-left corner.
type Raster struct {
	Width, Height int
	Transform     GeoTransform
	SRS           srs.SRS
	NoData        float32
	Pix           []float32
}

// New allocates a raster filled with its nodata value.
func New(w, h int, gt GeoTransform, s srs.SRS, nodata float32) *Raster {
	r := &Raster{
		Width:     w,
		Height:    h,
		Transform: gt,
		SRS:       s,
		NoData:    nodata,
		Pix:       make([]float32, w*h),
	}
	r.Fill(nodata)
	return r
}

// NewForBounds allocates a nodata-filled raster whose grid covers bbox.
func NewForBounds(w, h int, bbox geo.BoundingBox, s srs.SRS, nodata float32) *Raster {
	return New(w, h, TransformForBounds(bbox, w, h), s, nodata)
}

func (r *Raster) At(col, row int) float32 {
	return r.Pix[row*r.Width+col]
}

func (r *Raster) Set(col, row int, v float32) {
	r.Pix[row*r.Width+col] = v
}

// Valid reports whether the pixel at (col, row) holds data.
func (r *Raster) Valid(col, row int) bool {
	return r.At(col, row) != r.NoData
}

func (r *Raster) Fill(v float32) {
	for i := range r.Pix {
		r.Pix[i] = v
	}
}

// Bounds returns the georeferenced extent of the raster in its own SRS.
// The box is normalized so bottom < top regardless of row direction.
func (r *Raster) Bounds() geo.BoundingBox {
	x0, y0 := r.Transform.Apply(0, 0)
	x1, y1 := r.Transform.Apply(float64(r.Width), float64(r.Height))
	return geo.NewBoundingBox(
		math.Min(x0, x1), math.Min(y0, y1),
		math.Max(x0, x1), math.Max(y0, y1))
}

// Res returns the absolute pixel size (dx, dy) in SRS units.
func (r *Raster) Res() (float64, float64) {
	return math.Abs(r.Transform[1]), math.Abs(r.Transform[5])
}

// Resolution returns the finer of the two pixel dimensions.
func (r *Raster) Resolution() float64 {
	dx, dy := r.Res()
	return math.Min(dx, dy)
}

func (r *Raster) String() string {
	return fmt.Sprintf("Raster(%dx%d, %s)", r.Width, r.Height, r.SRS)
}
