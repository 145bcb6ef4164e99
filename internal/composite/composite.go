// Package composite paints ordered elevation sources into a single
// float raster. Sources are painted least-detailed first; wherever a
// later source has data it fully overwrites earlier ones, with nodata
// acting as transparency.
package composite

import (
	"fmt"

	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
)

// Tile is the output tile being rendered, as the compositor sees it.
type Tile interface {
	LatLonBbox() geo.BoundingBox
	MaxResolution() float64
}

// Source supplies raster data for a render. The worker hands the
// compositor localized sources whose VRT groups point at files on
// disk.
type Source interface {
	SRS() srs.SRS
	// FilterType picks the resampling kernel given the source's native
	// resolution and the destination grid resolution.
	FilterType(srcRes, dstRes float64) raster.Filter
	// VRTsFor returns the ordered VRT groups covering the tile. Later
	// groups paint over earlier ones; paths within one group cover
	// disjoint geographies.
	VRTsFor(t Tile) ([][]string, error)
}

// Compose fills dst from the sources, in order. dst must carry its
// projection, geotransform and nodata value. It is cleared to nodata
// first, so a tile with no source coverage comes back entirely empty
// rather than failing.
func Compose(t Tile, sources []Source, dst *raster.Raster, dstRes float64) error {
	if len(sources) == 0 {
		return fmt.Errorf("compose: no sources for tile")
	}

	dst.Fill(dst.NoData)

	for _, src := range sources {
		groups, err := src.VRTsFor(t)
		if err != nil {
			return fmt.Errorf("compose: %w", err)
		}

		for _, group := range groups {
			if len(group) == 0 {
				continue
			}
			mosaic, err := raster.OpenMosaic(group)
			if err != nil {
				return fmt.Errorf("compose: %w", err)
			}

			// Reproject into a scratch raster on dst's grid, then
			// paint only the pixels the mosaic produced. Going through
			// the scratch keeps a group from erasing earlier data
			// where it has holes.
			mem := raster.New(dst.Width, dst.Height, dst.Transform, dst.SRS, dst.NoData)
			filter := src.FilterType(mosaic.Resolution(), dstRes)
			raster.Reproject(mosaic, mem, filter)

			for i, v := range mem.Pix {
				if v != mem.NoData {
					dst.Pix[i] = v
				}
			}
		}
	}
	return nil
}
