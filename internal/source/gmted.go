package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/tilezen/joerd/internal/check"
	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/download"
	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
	"github.com/tilezen/joerd/internal/store"
)

// GMTED 2010 mean-elevation tiles: a static 30°x20° grid, 7.5
// arc-second resolution except the antarctic row at y=-90, which only
// exists at 30 arc-seconds. The grid corners come from configuration
// (xs/ys lists) because the dataset is published as a fixed catalog,
// not a browsable index.

const gmtedBuffer = 0.1

func init() {
	Register("gmted", func(options map[string]any) (Source, error) {
		url, _ := options["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("gmted needs a url option")
		}
		xs, err := intList(options["xs"])
		if err != nil {
			return nil, fmt.Errorf("gmted xs: %w", err)
		}
		ys, err := intList(options["ys"])
		if err != nil {
			return nil, fmt.Errorf("gmted ys: %w", err)
		}
		if len(xs) == 0 || len(ys) == 0 {
			return nil, fmt.Errorf("gmted needs xs and ys grid lists")
		}
		return &GMTED{
			baseDir: optStr(options, "base_dir", "gmted"),
			url:     url,
			xs:      xs,
			ys:      ys,
			opts:    download.OptionsFromConfig(options),
		}, nil
	})
}

type GMTED struct {
	baseDir string
	url     string
	xs, ys  []int
	opts    download.Options
}

type GMTEDTile struct {
	baseDir string
	url     string
	opts    download.Options
	x, y    int
}

func (g *GMTED) Name() string { return "gmted" }

// GetIndex is a no-op: the grid is fixed by configuration.
func (g *GMTED) GetIndex() error { return nil }

func gmtedBBox(x, y int) geo.BoundingBox {
	return geo.NewBoundingBox(float64(x), float64(y),
		float64(x)+30, float64(y)+20)
}

func (g *GMTED) DownloadsFor(t composite.Tile) ([]Tile, error) {
	bbox := t.LatLonBbox().Buffer(gmtedBuffer)
	var tiles []Tile
	for _, y := range g.ys {
		for _, x := range g.xs {
			if gmtedBBox(x, y).Intersects(bbox) {
				tiles = append(tiles, g.tile(x, y))
			}
		}
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].Key() < tiles[j].Key() })
	return dedupe(tiles), nil
}

func (g *GMTED) tile(x, y int) *GMTEDTile {
	return &GMTEDTile{baseDir: g.baseDir, url: g.url, opts: g.opts, x: x, y: y}
}

func (g *GMTED) VRTsFor(t composite.Tile) ([][]string, error) {
	tiles, err := g.DownloadsFor(t)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, nil
	}
	return [][]string{outputFiles(tiles)}, nil
}

func (g *GMTED) SRS() srs.SRS { return srs.WGS84 }

func (g *GMTED) FilterType(srcRes, dstRes float64) raster.Filter {
	if srcRes < dstRes {
		return raster.Lanczos
	}
	return raster.Bicubic
}

func (g *GMTED) Rehydrate(data map[string]any) (Tile, error) {
	if data["type"] != "gmted" {
		return nil, fmt.Errorf("cannot rehydrate %v as gmted", data)
	}
	x, okX := jsonInt(data["x"])
	y, okY := jsonInt(data["y"])
	if !okX || !okY {
		return nil, fmt.Errorf("bad gmted coordinates in %v", data)
	}
	return g.tile(x, y), nil
}

func (g *GMTED) ExistingFiles() []string {
	files, _ := filepath.Glob(filepath.Join(g.baseDir, "*.tif"))
	return files
}

// res returns the arc-second grid code: the y=-90 row is only
// published at 30 arc-seconds.
func (t *GMTEDTile) res() string {
	if t.y == -90 {
		return "300"
	}
	return "075"
}

func (t *GMTEDTile) fileName() string {
	return fmt.Sprintf("%s%s_20101117_gmted_mea%s.tif",
		cardinal("%02d", t.y, "N", "S"), cardinal("%03d", t.x, "E", "W"), t.res())
}

// cardinal formats a signed degree value as magnitude plus hemisphere
// letter, e.g. (-123, "E", "W") -> "123W".
func cardinal(format string, v int, pos, neg string) string {
	suffix := pos
	if v < 0 {
		suffix = neg
		v = -v
	}
	return fmt.Sprintf(format, v) + suffix
}

func (t *GMTEDTile) Key() string { return fmt.Sprintf("gmted/%d/%d", t.x, t.y) }

func (t *GMTEDTile) URLs() []string {
	hemi := "E"
	x := t.x
	if x < 0 {
		hemi = "W"
		x = -x
	}
	return []string{fmt.Sprintf("%s/%sdarcsec/mea/%s%03d/%s",
		t.url, t.res(), hemi, x, t.fileName())}
}

func (t *GMTEDTile) Options() download.Options {
	return t.opts.WithVerifier(check.IsRaster)
}

func (t *GMTEDTile) OutputFile() string {
	return filepath.Join(t.baseDir, t.fileName())
}

func (t *GMTEDTile) FreezeDry() map[string]any {
	return map[string]any{"type": "gmted", "x": t.x, "y": t.y}
}

// Unpack canonicalizes the downloaded GeoTIFF: ocean cells (mean
// elevation at or below zero) become nodata so the bathymetry layer
// underneath shows through.
func (t *GMTEDTile) Unpack(s store.Store, tmps ...*download.Temp) error {
	if len(tmps) < 1 {
		return errors.New("gmted unpack: no downloaded files")
	}
	r, err := raster.ReadGeoTIFF(tmps[0].Name())
	if err != nil {
		return errors.Wrap(err, "gmted unpack")
	}
	raster.MaskNegative(r)

	return store.UploadDir(s, func(dir string) error {
		out := filepath.Join(dir, t.OutputFile())
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		return raster.WriteGeoTIFF(out, r, raster.Int16)
	})
}

// intList coerces a YAML/JSON-decoded list into ints.
func intList(v any) ([]int, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("want a list, got %T", v)
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, ok := jsonInt(item)
		if !ok {
			return nil, fmt.Errorf("want an integer, got %T", item)
		}
		out = append(out, n)
	}
	return out, nil
}

// jsonInt accepts the numeric types JSON and YAML decoders produce.
func jsonInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
