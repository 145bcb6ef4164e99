package source

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
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

// NOAA Great Lakes bathymetry: five fixed tar.gz datasets at 3
// arc-seconds. There is no catalog linking names to extents, so the
// bboxes are hard-coded, as are the vertical datums of each lake
// (IGLD85 low water datum heights from
// https://tidesandcurrents.noaa.gov/gldatums.html); depths are stored
// relative to the lake surface and shifted to meters above sea level
// at unpack time.

const (
	greatLakesBaseURL = "https://www.ngdc.noaa.gov/mgg/greatlakes"

	// 3 arc-seconds.
	greatLakesResolution = 3.0 / 3600
	greatLakesResFactor  = 20

	// 0.1 degrees, ~48 px of overlap.
	greatLakesBuffer = 0.1
)

type lakeInfo struct {
	bbox  geo.BoundingBox
	datum float32
}

var greatLakes = map[string]lakeInfo{
	"erie":     {geo.NewBoundingBox(-84.0004167, 41.0004166, -78.0004166, 43.0004167), 173.5},
	"huron":    {geo.NewBoundingBox(-84.5004167, 43.0004166, -79.6837500, 46.5004167), 176.0},
	"michigan": {geo.NewBoundingBox(-88.0004167, 41.6237499, -84.5004166, 46.0904167), 176.0},
	"ontario":  {geo.NewBoundingBox(-79.9004167, 43.1504166, -76.0504166, 44.2504167), 74.2},
	"superior": {geo.NewBoundingBox(-92.2004167, 46.0004166, -84.0004166, 49.5004167), 183.2},
}

func init() {
	Register("greatlakes", func(options map[string]any) (Source, error) {
		return &GreatLakes{
			baseDir: optStr(options, "base_dir", "greatlakes"),
			url:     optStr(options, "url", greatLakesBaseURL),
			opts:    download.OptionsFromConfig(options),
		}, nil
	})
}

type GreatLakes struct {
	baseDir string
	url     string
	opts    download.Options
}

type GreatLakeTile struct {
	baseDir string
	url     string
	opts    download.Options
	lake    string
}

func (g *GreatLakes) Name() string { return "greatlakes" }

// GetIndex is a no-op: the dataset list is static.
func (g *GreatLakes) GetIndex() error { return nil }

func (g *GreatLakes) DownloadsFor(t composite.Tile) ([]Tile, error) {
	if t.MaxResolution() > greatLakesResFactor*greatLakesResolution {
		return nil, nil
	}

	bbox := t.LatLonBbox().Buffer(greatLakesBuffer)
	var tiles []Tile
	for lake, info := range greatLakes {
		if info.bbox.Intersects(bbox) {
			tiles = append(tiles, g.tile(lake))
		}
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].Key() < tiles[j].Key() })
	return tiles, nil
}

func (g *GreatLakes) tile(lake string) *GreatLakeTile {
	return &GreatLakeTile{baseDir: g.baseDir, url: g.url, opts: g.opts, lake: lake}
}

func (g *GreatLakes) VRTsFor(t composite.Tile) ([][]string, error) {
	tiles, err := g.DownloadsFor(t)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, nil
	}
	return [][]string{outputFiles(tiles)}, nil
}

func (g *GreatLakes) SRS() srs.SRS { return srs.NAD83 }

// FilterType upsamples with bilinear instead of Lanczos: the lake
// edges are hard nodata boundaries and the windowed sinc rings there.
func (g *GreatLakes) FilterType(srcRes, dstRes float64) raster.Filter {
	if srcRes > dstRes {
		return raster.Bilinear
	}
	return raster.Bicubic
}

func (g *GreatLakes) Rehydrate(data map[string]any) (Tile, error) {
	if data["type"] != "greatlakes" {
		return nil, fmt.Errorf("cannot rehydrate %v as greatlakes", data)
	}
	lake, _ := data["lake"].(string)
	if _, ok := greatLakes[lake]; !ok {
		return nil, fmt.Errorf("unknown lake %q", lake)
	}
	return g.tile(lake), nil
}

func (g *GreatLakes) ExistingFiles() []string {
	files, _ := filepath.Glob(filepath.Join(g.baseDir, "*.tif"))
	return files
}

func (t *GreatLakeTile) Key() string { return "greatlakes/" + t.lake }

func (t *GreatLakeTile) URLs() []string {
	return []string{fmt.Sprintf("%s/%s/data/geotiff/%s_lld.geotiff.tar.gz",
		t.url, t.lake, t.lake)}
}

func (t *GreatLakeTile) Options() download.Options {
	return t.opts.WithVerifier(check.IsTarGzip)
}

func (t *GreatLakeTile) OutputFile() string {
	return filepath.Join(t.baseDir, t.lake+".tif")
}

func (t *GreatLakeTile) FreezeDry() map[string]any {
	return map[string]any{"type": "greatlakes", "lake": t.lake}
}

// Unpack extracts the GeoTIFF member, shifts heights from the lake
// datum to meters above sea level, and stores the canonical raster.
func (t *GreatLakeTile) Unpack(s store.Store, tmps ...*download.Temp) error {
	if len(tmps) < 1 {
		return errors.New("greatlakes unpack: no downloaded files")
	}
	member := fmt.Sprintf("%s_lld/%s_lld.tif", t.lake, t.lake)

	scratch, err := os.MkdirTemp("", "greatlakes-unpack")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	tifPath := filepath.Join(scratch, t.lake+".tif")
	if err := extractTarMember(tmps[0].Name(), member, tifPath); err != nil {
		return errors.Wrap(err, "greatlakes unpack")
	}
	r, err := raster.ReadGeoTIFF(tifPath)
	if err != nil {
		return errors.Wrap(err, "greatlakes unpack")
	}
	r.SRS = srs.NAD83
	raster.DatumShift(r, greatLakes[t.lake].datum)

	return store.UploadDir(s, func(dir string) error {
		out := filepath.Join(dir, t.OutputFile())
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		return raster.WriteGeoTIFF(out, r, raster.Float32)
	})
}

// extractTarMember pulls one member out of a tar.gz archive.
func extractTarMember(tarPath, member, dst string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Name != member {
			continue
		}
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
	return errors.Errorf("member %q not found in %s", member, tarPath)
}
