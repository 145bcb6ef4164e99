package output

import (
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/mercator"
	"github.com/tilezen/joerd/internal/raster"
)

// The normal product encodes a unit surface-normal vector in RGB and
// a hypsometric tint index in alpha. The gradient is taken over a
// composited raster with a bleed margin so the filter does not see
// the tile edge.

// normalFilterSize is the bleed margin, in pixels, on every side of
// the tile. It is dropped at the edges of the Mercator plane instead
// of wrapping around the world.
const normalFilterSize = 10

func init() {
	Register("normal", func(regions []geo.Region, options map[string]any) (Output, error) {
		return &Normal{
			regions:   regions,
			outputDir: optString(options, "output_dir", "normal"),
			log:       slog.Default().With("component", "normal"),
		}, nil
	})
}

type Normal struct {
	regions   []geo.Region
	outputDir string
	log       *slog.Logger
}

type NormalTile struct {
	mercatorTile
	outputDir string
}

func (o *Normal) Name() string { return "normal" }

func (o *Normal) GenerateTiles() []Tile {
	coords := mercatorCoverage(o.regions)
	tiles := make([]Tile, 0, len(coords))
	for _, c := range coords {
		tiles = append(tiles, o.tile(c.z, c.x, c.y))
	}
	o.log.Info("generated tile jobs", "count", len(tiles))
	return tiles
}

func (o *Normal) ExpandTile(bbox geo.BoundingBox, zr geo.ZoomRange) []Extent {
	return expandMercator(bbox, zr)
}

func (o *Normal) Rehydrate(data map[string]any) (Tile, error) {
	z, x, y, err := mercatorCoord("normal", data)
	if err != nil {
		return nil, err
	}
	return o.tile(z, x, y), nil
}

func (o *Normal) tile(z, x, y int) *NormalTile {
	return &NormalTile{mercatorTile: mercatorTile{z: z, x: x, y: y}, outputDir: o.outputDir}
}

func (t *NormalTile) FreezeDry() map[string]any {
	return map[string]any{"type": "normal", "z": t.z, "x": t.x, "y": t.y}
}

func (t *NormalTile) Render(tmpDir string) error {
	mbox := t.MercatorBbox()
	xRes := (mbox.Right() - mbox.Left()) / mercator256
	yRes := (mbox.Top() - mbox.Bottom()) / mercator256

	// Expand the bbox for the bleed margin, clipping back to the
	// edges of the Mercator plane where the margin would leave it.
	left := mbox.Left() - normalFilterSize*xRes
	bottom := mbox.Bottom() - normalFilterSize*yRes
	right := mbox.Right() + normalFilterSize*xRes
	top := mbox.Top() + normalFilterSize*yRes
	lftMargin, botMargin, rgtMargin, topMargin := normalFilterSize, normalFilterSize, normalFilterSize, normalFilterSize
	if left < -0.5*mercator.WorldSize {
		left, lftMargin = mbox.Left(), 0
	}
	if bottom < -0.5*mercator.WorldSize {
		bottom, botMargin = mbox.Bottom(), 0
	}
	if right > 0.5*mercator.WorldSize {
		right, rgtMargin = mbox.Right(), 0
	}
	if top > 0.5*mercator.WorldSize {
		top, topMargin = mbox.Top(), 0
	}

	midW := mercator256 + lftMargin + rgtMargin
	midH := mercator256 + botMargin + topMargin
	mid, err := t.compose(t, midW, midH, geo.NewBoundingBox(left, bottom, right, top))
	if err != nil {
		return err
	}

	// Per-axis scale of one pixel in real meters, measured across a
	// small interior span of the tile so it stays stable at low
	// zooms. This keeps gradients comparable across zoom levels.
	llb := t.LatLonBbox()
	midLon := 0.5 * (llb.Left() + llb.Right())
	midLat := 0.5 * (llb.Bottom() + llb.Top())
	spanX := 0.5 * (llb.Right() - llb.Left()) / mercator256
	spanY := 0.5 * (llb.Top() - llb.Bottom()) / mercator256
	scaleX := -1.0 / orbgeo.Distance(
		orb.Point{midLon - spanX, midLat}, orb.Point{midLon + spanX, midLat})
	scaleY := 1.0 / orbgeo.Distance(
		orb.Point{midLon, midLat - spanY}, orb.Point{midLon, midLat + spanY})

	img := image.NewNRGBA(image.Rect(0, 0, mercator256, mercator256))
	for row := 0; row < mercator256; row++ {
		for col := 0; col < mercator256; col++ {
			mc, mr := col+lftMargin, row+topMargin
			nx := scaleX * gradientX(mid, mc, mr)
			ny := scaleY * gradientY(mid, mc, mr)
			norm := math.Sqrt(nx*nx + ny*ny + 1.0)

			i := img.PixOffset(col, row)
			img.Pix[i+0] = scaleChannel(nx / norm)
			img.Pix[i+1] = scaleChannel(ny / norm)
			img.Pix[i+2] = scaleChannel(1.0 / norm)
			img.Pix[i+3] = hypsometricIndex(float64(mid.At(mc, mr)))
		}
	}

	dir := filepath.Join(tmpDir, t.outputDir, strconv.Itoa(t.z), strconv.Itoa(t.x))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writePNG(filepath.Join(dir, strconv.Itoa(t.y)+".png"), img)
}

// gradientX is a central difference with sample spacing 2, one-sided
// at the raster edge.
func gradientX(r *raster.Raster, col, row int) float64 {
	switch {
	case r.Width < 2:
		return 0
	case col == 0:
		return float64(r.At(1, row)-r.At(0, row)) / 2
	case col == r.Width-1:
		return float64(r.At(col, row)-r.At(col-1, row)) / 2
	default:
		return float64(r.At(col+1, row)-r.At(col-1, row)) / 4
	}
}

func gradientY(r *raster.Raster, col, row int) float64 {
	switch {
	case r.Height < 2:
		return 0
	case row == 0:
		return float64(r.At(col, 1)-r.At(col, 0)) / 2
	case row == r.Height-1:
		return float64(r.At(col, row)-r.At(col, row-1)) / 2
	default:
		return float64(r.At(col, row+1)-r.At(col, row-1)) / 4
	}
}

// scaleChannel maps a normal component from (-1, 1) onto a PNG byte.
func scaleChannel(v float64) uint8 {
	return uint8(math.Min(math.Max(128.0*(v+1.0), 0.0), 255.0))
}

// heightTable is the hypsometric tint breakpoints: coarse below sea
// level, dense through 0-3000 m where most terrain people look at
// lives, coarser again above.
var heightTable = buildHeightTable()

func buildHeightTable() []int {
	var table []int
	for i := 0; i < 11; i++ {
		table = append(table, -11000+i*1000)
	}
	table = append(table, -100, -50, -20, -10, -1)
	for i := 0; i < 150; i++ {
		table = append(table, 20*i)
	}
	for i := 0; i < 60; i++ {
		table = append(table, 3000+50*i)
	}
	for i := 0; i < 29; i++ {
		table = append(table, 6000+100*i)
	}
	return table
}

// hypsometricIndex rounds the height down into the table and flips
// it, so low elevations near sea level get high (opaque) indices.
func hypsometricIndex(h float64) uint8 {
	i := sort.Search(len(heightTable), func(i int) bool {
		return float64(heightTable[i]) >= h
	})
	return uint8(255 - i)
}
