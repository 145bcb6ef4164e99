package source

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tilezen/joerd/internal/check"
	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/download"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
	"github.com/tilezen/joerd/internal/store"
)

// ETOPO1 bedrock relief: one global 1 arc-minute GeoTIFF inside a zip.
// It is the base layer under everything else, so it is never pruned by
// resolution and carries bathymetry (no negative masking).

const (
	etopo1URL = "https://www.ngdc.noaa.gov/mgg/global/relief/ETOPO1/data/" +
		"bedrock/grid_registered/georeferenced_tiff/ETOPO1_Bed_g_geotiff.zip"
	etopo1Member = "ETOPO1_Bed_g_geotiff.tif"
)

func init() {
	Register("etopo1", func(options map[string]any) (Source, error) {
		return &ETOPO1{
			baseDir: optStr(options, "base_dir", "etopo1"),
			url:     optStr(options, "url", etopo1URL),
			opts:    download.OptionsFromConfig(options),
		}, nil
	})
}

type ETOPO1 struct {
	baseDir string
	url     string
	opts    download.Options
}

type ETOPO1Tile ETOPO1

func (e *ETOPO1) Name() string { return "etopo1" }

// GetIndex is a no-op: there is exactly one file.
func (e *ETOPO1) GetIndex() error { return nil }

func (e *ETOPO1) DownloadsFor(composite.Tile) ([]Tile, error) {
	return []Tile{(*ETOPO1Tile)(e)}, nil
}

func (e *ETOPO1) VRTsFor(composite.Tile) ([][]string, error) {
	return [][]string{{(*ETOPO1Tile)(e).OutputFile()}}, nil
}

func (e *ETOPO1) SRS() srs.SRS { return srs.WGS84 }

func (e *ETOPO1) FilterType(srcRes, dstRes float64) raster.Filter {
	if srcRes < dstRes {
		return raster.Lanczos
	}
	return raster.Bicubic
}

func (e *ETOPO1) Rehydrate(data map[string]any) (Tile, error) {
	if data["type"] != "etopo1" {
		return nil, fmt.Errorf("cannot rehydrate %v as etopo1", data)
	}
	return (*ETOPO1Tile)(e), nil
}

func (e *ETOPO1) ExistingFiles() []string {
	files, _ := filepath.Glob(filepath.Join(e.baseDir, "*.tif"))
	return files
}

func (t *ETOPO1Tile) Key() string { return "etopo1" }

func (t *ETOPO1Tile) URLs() []string { return []string{t.url} }

func (t *ETOPO1Tile) Options() download.Options {
	return t.opts.WithVerifier(check.IsZip)
}

func (t *ETOPO1Tile) OutputFile() string {
	return filepath.Join(t.baseDir, "ETOPO1_Bed_g_geotiff.tif")
}

func (t *ETOPO1Tile) FreezeDry() map[string]any {
	return map[string]any{"type": "etopo1"}
}

func (t *ETOPO1Tile) Unpack(s store.Store, tmps ...*download.Temp) error {
	if len(tmps) < 1 {
		return errors.New("etopo1 unpack: no downloaded files")
	}

	scratch, err := os.MkdirTemp("", "etopo1-unpack")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	tifPath := filepath.Join(scratch, etopo1Member)
	if err := extractZipMember(tmps[0].Name(), etopo1Member, tifPath); err != nil {
		return errors.Wrap(err, "etopo1 unpack")
	}
	r, err := raster.ReadGeoTIFF(tifPath)
	if err != nil {
		return errors.Wrap(err, "etopo1 unpack")
	}

	return store.UploadDir(s, func(dir string) error {
		out := filepath.Join(dir, t.OutputFile())
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		return raster.WriteGeoTIFF(out, r, raster.Int16)
	})
}
