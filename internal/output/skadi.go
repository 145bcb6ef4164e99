package output

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
)

// Skadi cells are SRTM-shaped: 1°x1°, 3601 px square, padded half an
// arc-second on every side so neighboring cells share their edge row.
// The grid is indexed (x, y) = (lon+180, lat+90) over x in [0,360)
// and y in [0,180).

const (
	skadiSize = 3601

	halfArcSec = 0.5 / 3600.0

	// One arc-second is 1,296,000 px around the equator, which sits
	// between Mercator zooms 12 and 13. Used for region intersection.
	skadiNominalZoom = 12.3
)

var skadiNameRe = regexp.MustCompile(`^([NS])([0-9]{2})([EW])([0-9]{3})$`)

func init() {
	Register("skadi", func(regions []geo.Region, options map[string]any) (Output, error) {
		return &Skadi{
			regions:   regions,
			outputDir: optString(options, "output_dir", "skadi"),
			log:       slog.Default().With("component", "skadi"),
		}, nil
	})
}

type Skadi struct {
	regions   []geo.Region
	outputDir string
	log       *slog.Logger
}

type SkadiTile struct {
	outputDir string
	x, y      int
	sources   []composite.Source
}

func skadiBBox(x, y int) geo.BoundingBox {
	return geo.NewBoundingBox(
		float64(x-180)-halfArcSec,
		float64(y-90)-halfArcSec,
		float64(x-179)+halfArcSec,
		float64(y-89)+halfArcSec)
}

// skadiTileName formats a grid coordinate as the SRTM-style cell
// name, e.g. (120, 127) -> "N37W060".
func skadiTileName(x, y int) string {
	ns, ew := "N", "E"
	if y < 90 {
		ns = "S"
	}
	if x < 180 {
		ew = "W"
	}
	return fmt.Sprintf("%s%02d%s%03d", ns, abs(y-90), ew, abs(x-180))
}

// parseSkadiName is the inverse of skadiTileName.
func parseSkadiName(name string) (x, y int, ok bool) {
	m := skadiNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	y, _ = strconv.Atoi(m[2])
	x, _ = strconv.Atoi(m[4])
	if m[1] == "S" {
		y = -y
	}
	if m[3] == "W" {
		x = -x
	}
	return x + 180, y + 90, true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (o *Skadi) Name() string { return "skadi" }

func (o *Skadi) GenerateTiles() []Tile {
	var tiles []Tile
	for x := 0; x < 360; x++ {
		for y := 0; y < 180; y++ {
			if o.intersects(skadiBBox(x, y)) {
				tiles = append(tiles, o.tile(x, y))
			}
		}
	}
	o.log.Info("generated tile jobs", "count", len(tiles))
	return tiles
}

func (o *Skadi) intersects(bbox geo.BoundingBox) bool {
	for _, r := range o.regions {
		if r.Intersects(bbox, skadiNominalZoom) {
			return true
		}
	}
	return false
}

// ExpandTile snaps the region to whole cells. Skadi has a single
// resolution, so at most one extent comes back, and none when the
// zoom range does not straddle the nominal zoom.
func (o *Skadi) ExpandTile(bbox geo.BoundingBox, zr geo.ZoomRange) []Extent {
	if !zr.Contains(skadiNominalZoom) {
		return nil
	}
	return []Extent{NewExtent(geo.NewBoundingBox(
		math.Floor(bbox.Left())-halfArcSec,
		math.Floor(bbox.Bottom())-halfArcSec,
		math.Ceil(bbox.Right())+halfArcSec,
		math.Ceil(bbox.Top())+halfArcSec), 1.0/3600)}
}

func (o *Skadi) Rehydrate(data map[string]any) (Tile, error) {
	if data["type"] != "skadi" {
		return nil, errTileType("skadi", data)
	}
	x, okX := tileInt(data["x"])
	y, okY := tileInt(data["y"])
	if !okX || !okY || x < 0 || x >= 360 || y < 0 || y >= 180 {
		return nil, errTileType("skadi", data)
	}
	return o.tile(x, y), nil
}

func (o *Skadi) tile(x, y int) *SkadiTile {
	return &SkadiTile{outputDir: o.outputDir, x: x, y: y}
}

func (t *SkadiTile) TileName() string { return skadiTileName(t.x, t.y) }

func (t *SkadiTile) LatLonBbox() geo.BoundingBox { return skadiBBox(t.x, t.y) }

func (t *SkadiTile) MaxResolution() float64 { return 1.0 / 3600 }

func (t *SkadiTile) SetSources(sources []composite.Source) { t.sources = sources }

func (t *SkadiTile) FreezeDry() map[string]any {
	return map[string]any{"type": "skadi", "x": t.x, "y": t.y}
}

// Render composites the cell at one arc-second and writes it as a
// gzipped big-endian HGT under a per-row directory, e.g.
// skadi/N37/N37W060.hgt.gz.
func (t *SkadiTile) Render(tmpDir string) error {
	dst := raster.NewForBounds(skadiSize, skadiSize, t.LatLonBbox(), srs.WGS84, raster.FloatNoData)
	if err := composite.Compose(t, t.sources, dst, dst.Resolution()); err != nil {
		return err
	}

	name := t.TileName()
	dir := filepath.Join(tmpDir, t.outputDir, name[:3])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return raster.WriteHGTGz(filepath.Join(dir, name+".hgt.gz"), dst)
}
