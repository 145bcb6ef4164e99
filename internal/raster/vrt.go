package raster

import (
	"fmt"
	"math"

	"github.com/tilezen/joerd/internal/srs"
)

// Mosaic is a virtual raster over a group of files sharing one SRS and
// covering disjoint geographies, the moral equivalent of a GDAL VRT.
// Compositing between overlapping datasets happens across mosaics, not
// within one.
type Mosaic struct {
	members []*Raster
}

// OpenMosaic loads a VRT group of GeoTIFF paths. All sources store
// canonical GeoTIFFs, so no other member format arises.
func OpenMosaic(paths []string) (*Mosaic, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("mosaic: no members")
	}
	m := &Mosaic{members: make([]*Raster, 0, len(paths))}
	for _, p := range paths {
		r, err := ReadGeoTIFF(p)
		if err != nil {
			return nil, fmt.Errorf("mosaic member %s: %w", p, err)
		}
		m.members = append(m.members, r)
	}
	return m, nil
}

// NewMosaic wraps already-loaded rasters.
func NewMosaic(members ...*Raster) *Mosaic {
	return &Mosaic{members: members}
}

func (m *Mosaic) SRS() srs.SRS {
	return m.members[0].SRS
}

// Resolution returns the finest member pixel size, the mosaic's native
// resolution for filter selection.
func (m *Mosaic) Resolution() float64 {
	res := math.Inf(1)
	for _, r := range m.members {
		res = math.Min(res, r.Resolution())
	}
	return res
}

// Sample interpolates the mosaic at a georeferenced point in its SRS.
// Members cover disjoint areas, so the first one with data wins.
func (m *Mosaic) Sample(x, y float64, f Filter) (float32, bool) {
	for _, r := range m.members {
		fx, fy := r.Transform.PixelOf(x, y)
		// pixel centers: sample coordinates are offset half a pixel
		fx -= 0.5
		fy -= 0.5
		if fx < -0.5 || fy < -0.5 ||
			fx > float64(r.Width)-0.5 || fy > float64(r.Height)-0.5 {
			continue
		}
		if v, ok := Sample(r, fx, fy, f); ok {
			return v, true
		}
	}
	return FloatNoData, false
}
