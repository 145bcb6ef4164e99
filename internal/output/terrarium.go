package output

import (
	"image"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
)

// Terrarium encodes elevations into RGB channels so that
//
//	height = (R*256 + G + B/256) - 32768
//
// recovers the value to 1/256 m. Heights are clamped to the
// representable [-32768, 32767] range; nodata clamps to R=0, which is
// below any real elevation.
func init() {
	Register("terrarium", func(regions []geo.Region, options map[string]any) (Output, error) {
		return &Terrarium{
			regions:   regions,
			outputDir: optString(options, "output_dir", "terrarium"),
			enablePNG: optBool(options, "enable_png", true),
			enableTIF: optBool(options, "enable_tif", true),
			log:       slog.Default().With("component", "terrarium"),
		}, nil
	})
}

type Terrarium struct {
	regions   []geo.Region
	outputDir string
	enablePNG bool
	enableTIF bool
	log       *slog.Logger
}

type TerrariumTile struct {
	mercatorTile
	outputDir string
	enablePNG bool
	enableTIF bool
}

func (o *Terrarium) Name() string { return "terrarium" }

func (o *Terrarium) GenerateTiles() []Tile {
	coords := mercatorCoverage(o.regions)
	tiles := make([]Tile, 0, len(coords))
	for _, c := range coords {
		tiles = append(tiles, o.tile(c.z, c.x, c.y))
	}
	o.log.Info("generated tile jobs", "count", len(tiles))
	return tiles
}

func (o *Terrarium) ExpandTile(bbox geo.BoundingBox, zr geo.ZoomRange) []Extent {
	return expandMercator(bbox, zr)
}

func (o *Terrarium) Rehydrate(data map[string]any) (Tile, error) {
	z, x, y, err := mercatorCoord("terrarium", data)
	if err != nil {
		return nil, err
	}
	return o.tile(z, x, y), nil
}

func (o *Terrarium) tile(z, x, y int) *TerrariumTile {
	return &TerrariumTile{
		mercatorTile: mercatorTile{z: z, x: x, y: y},
		outputDir:    o.outputDir,
		enablePNG:    o.enablePNG,
		enableTIF:    o.enableTIF,
	}
}

func (t *TerrariumTile) FreezeDry() map[string]any {
	return map[string]any{"type": "terrarium", "z": t.z, "x": t.x, "y": t.y}
}

func (t *TerrariumTile) Render(tmpDir string) error {
	dst, err := t.compose(t, mercator256, mercator256, t.MercatorBbox())
	if err != nil {
		return err
	}

	dir := filepath.Join(tmpDir, t.outputDir, strconv.Itoa(t.z), strconv.Itoa(t.x))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := filepath.Join(dir, strconv.Itoa(t.y))

	if t.enablePNG {
		if err := writePNG(base+".png", encodeTerrarium(dst)); err != nil {
			return err
		}
	}
	if t.enableTIF {
		if err := raster.WriteGeoTIFF(base+".tif", dst, raster.Int16); err != nil {
			return err
		}
	}
	return nil
}

const mercator256 = 256

// encodeTerrarium packs heights into RGB. uheight = height + 32768,
// clamped to [0, 65535]; R is the high byte, G the low byte, B the
// fraction. Nodata clamps to (0, 0, 0).
func encodeTerrarium(r *raster.Raster) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	for row := 0; row < r.Height; row++ {
		for col := 0; col < r.Width; col++ {
			u := float64(r.At(col, row)) + 32768.0
			u = math.Min(math.Max(u, 0.0), 65535.0)
			i := img.PixOffset(col, row)
			img.Pix[i+0] = uint8(u / 256)
			img.Pix[i+1] = uint8(math.Mod(u, 256))
			img.Pix[i+2] = uint8(math.Mod(u*256, 256))
			img.Pix[i+3] = 0xff
		}
	}
	return img
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// mercatorCoord pulls z/x/y out of a frozen Mercator tile payload.
func mercatorCoord(typ string, data map[string]any) (z, x, y int, err error) {
	if data["type"] != typ {
		return 0, 0, 0, errTileType(typ, data)
	}
	z, okZ := tileInt(data["z"])
	x, okX := tileInt(data["x"])
	y, okY := tileInt(data["y"])
	if !okZ || !okX || !okY {
		return 0, 0, 0, errTileType(typ, data)
	}
	return z, x, y, nil
}
