package output

import (
	"math"

	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/mercator"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
)

// mercatorTile is the shared base of the 256 px Web-Mercator
// products.
type mercatorTile struct {
	z, x, y int
	sources []composite.Source
}

func (t *mercatorTile) TileName() string {
	return mercator.TileName(t.z, t.x, t.y)
}

func (t *mercatorTile) LatLonBbox() geo.BoundingBox {
	return mercator.LatLonBbox(t.z, t.x, t.y)
}

func (t *mercatorTile) MercatorBbox() geo.BoundingBox {
	return mercator.MercatorBbox(t.z, t.x, t.y)
}

func (t *mercatorTile) MaxResolution() float64 {
	return mercator.Resolution(t.z, t.x, t.y, mercator.TileSize)
}

func (t *mercatorTile) SetSources(sources []composite.Source) {
	t.sources = sources
}

// latLonResolution is the per-pixel resolution in degrees, the
// smaller of the two axes. Compositing compares this against source
// native resolutions, which are in degrees too.
func (t *mercatorTile) latLonResolution() float64 {
	b := t.LatLonBbox()
	return math.Min(
		(b.Right()-b.Left())/mercator.TileSize,
		(b.Top()-b.Bottom())/mercator.TileSize)
}

// compose fills a Mercator-plane raster over the given bounds. The
// size may be larger than the tile when the caller wants a bleed
// margin.
func (t *mercatorTile) compose(tile composite.Tile, w, h int, bounds geo.BoundingBox) (*raster.Raster, error) {
	dst := raster.NewForBounds(w, h, bounds, srs.WebMercator, raster.FloatNoData)
	if err := composite.Compose(tile, t.sources, dst, t.latLonResolution()); err != nil {
		return nil, err
	}
	return dst, nil
}

type tileCoord struct {
	z, x, y int
}

// mercatorCoverage enumerates the tile coordinates covering the
// regions, deduplicated across overlapping regions.
func mercatorCoverage(regions []geo.Region) []tileCoord {
	seen := map[tileCoord]bool{}
	var coords []tileCoord
	for _, r := range regions {
		for z := r.ZoomRange.Min; z < r.ZoomRange.Max; z++ {
			lx, ly := mercator.LonLatToXY(z, r.BBox.Left(), r.BBox.Top())
			ux, uy := mercator.LonLatToXY(z, r.BBox.Right(), r.BBox.Bottom())
			for x := lx; x <= ux; x++ {
				for y := ly; y <= uy; y++ {
					c := tileCoord{z, x, y}
					if !seen[c] {
						seen[c] = true
						coords = append(coords, c)
					}
				}
			}
		}
	}
	return coords
}

// expandMercator snaps a region to tile boundaries at each zoom and
// returns one extent per zoom, at that zoom's per-pixel resolution.
func expandMercator(bbox geo.BoundingBox, zr geo.ZoomRange) []Extent {
	var extents []Extent
	for z := zr.Min; z < zr.Max; z++ {
		lx, ly := mercator.LonLatToXY(z, bbox.Left(), bbox.Bottom())
		ux, uy := mercator.LonLatToXY(z, bbox.Right(), bbox.Top())
		ll := mercator.LatLonBbox(z, lx, ly)
		ur := mercator.LatLonBbox(z, ux, uy)
		res := math.Max(
			(ll.Right()-ll.Left())/mercator.TileSize,
			(ur.Right()-ur.Left())/mercator.TileSize)
		extents = append(extents, NewExtent(
			geo.NewBoundingBox(ll.Left(), ll.Bottom(), ur.Right(), ur.Top()), res))
	}
	return extents
}
