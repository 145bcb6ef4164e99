package source

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/tilezen/joerd/internal/check"
	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/download"
	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
	"github.com/tilezen/joerd/internal/store"
)

// SRTM 1 arc-second global, distributed as zipped HGT cells with
// companion SWBD water-body masks. The upstream is a plain directory
// listing, scraped into a YAML index.

const (
	srtmBaseURL = "https://e4ftl01.cr.usgs.gov/SRTM/SRTMGL1.003/2000.02.11/"
	srtmMaskURL = "https://e4ftl01.cr.usgs.gov/MEASURES/SRTMSWBD.003/2000.02.11/"

	// 1 arc-second. Renders more than 20x coarser skip SRTM entirely.
	srtmResolution = 1.0 / 3600
	srtmResFactor  = 20

	// ~27 px of overlap against neighbouring cells.
	srtmBuffer = 0.0075

	// SWBD raw masks flag water pixels with 255.
	swbdWaterValue = 255
)

var (
	srtmZipRe = regexp.MustCompile(`^([NS]\d{2}[EW]\d{3})\.SRTMGL1\.hgt\.zip$`)
	swbdZipRe = regexp.MustCompile(`^([NS]\d{2}[EW]\d{3})\.SRTMSWBD\.raw\.zip$`)
	cellRe    = regexp.MustCompile(`^([NS])(\d{2})([EW])(\d{3})$`)
	hrefRe    = regexp.MustCompile(`href="([^"?/]+)"`)
)

func init() {
	Register("srtm", func(options map[string]any) (Source, error) {
		s := &SRTM{
			baseDir: optStr(options, "base_dir", "srtm"),
			url:     optStr(options, "url", srtmBaseURL),
			maskURL: optStr(options, "mask_url", srtmMaskURL),
			opts:    download.OptionsFromConfig(options),
		}
		return s, nil
	})
}

type SRTM struct {
	baseDir string
	url     string
	maskURL string
	opts    download.Options

	index     *TileIndex
	maskNames map[string]bool
}

// SRTMTile is one 1°x1° cell, optionally with a water mask companion.
type SRTMTile struct {
	baseDir string
	url     string
	maskURL string
	opts    download.Options

	name    string // e.g. "N37W123"
	hasMask bool
}

// parseCell decodes a "N37W123" cell name to its 1°x1° bbox.
func parseCell(name string) (geo.BoundingBox, bool) {
	m := cellRe.FindStringSubmatch(name)
	if m == nil {
		return geo.BoundingBox{}, false
	}
	bottom, _ := strconv.Atoi(m[2])
	left, _ := strconv.Atoi(m[4])
	if m[1] == "S" {
		bottom = -bottom
	}
	if m[3] == "W" {
		left = -left
	}
	return geo.NewBoundingBox(float64(left), float64(bottom),
		float64(left)+1, float64(bottom)+1), true
}

func (s *SRTM) Name() string { return "srtm" }

func (s *SRTM) indexFile() string     { return filepath.Join(s.baseDir, "index.yaml") }
func (s *SRTM) maskIndexFile() string { return filepath.Join(s.baseDir, "mask_index.yaml") }

func (s *SRTM) GetIndex() error {
	if err := EnsureIndex(s.indexFile(), func() ([]string, error) {
		return scrapeListing(s.url, srtmZipRe)
	}); err != nil {
		return err
	}
	if err := EnsureIndex(s.maskIndexFile(), func() ([]string, error) {
		return scrapeListing(s.maskURL, swbdZipRe)
	}); err != nil {
		return err
	}
	return s.loadIndex()
}

func (s *SRTM) loadIndex() error {
	if s.index != nil {
		return nil
	}
	names, err := ReadIndex(s.indexFile())
	if err != nil {
		return err
	}
	s.index = NewTileIndex(names, func(name string) (geo.BoundingBox, bool) {
		m := srtmZipRe.FindStringSubmatch(name)
		if m == nil {
			return geo.BoundingBox{}, false
		}
		return parseCell(m[1])
	})

	maskNames, err := ReadIndex(s.maskIndexFile())
	if err != nil {
		return err
	}
	s.maskNames = make(map[string]bool, len(maskNames))
	for _, n := range maskNames {
		if m := swbdZipRe.FindStringSubmatch(n); m != nil {
			s.maskNames[m[1]] = true
		}
	}
	return nil
}

// scrapeListing pulls an apache-style directory listing and returns
// the link targets matching the pattern. Transient fetch errors are
// retried by the client.
func scrapeListing(url string, pattern *regexp.Regexp) ([]string, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil

	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var names []string
	for _, m := range hrefRe.FindAllStringSubmatch(string(body), -1) {
		name := m[1]
		if pattern.MatchString(name) && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *SRTM) DownloadsFor(t composite.Tile) ([]Tile, error) {
	if t.MaxResolution() > srtmResFactor*srtmResolution {
		return nil, nil
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}

	bbox := t.LatLonBbox().Buffer(srtmBuffer)
	var tiles []Tile
	for _, zipName := range s.index.Intersecting(bbox) {
		m := srtmZipRe.FindStringSubmatch(zipName)
		tiles = append(tiles, s.tile(m[1]))
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].Key() < tiles[j].Key() })
	return dedupe(tiles), nil
}

func (s *SRTM) tile(name string) *SRTMTile {
	return &SRTMTile{
		baseDir: s.baseDir,
		url:     s.url,
		maskURL: s.maskURL,
		opts:    s.opts,
		name:    name,
		hasMask: s.maskNames[name],
	}
}

func (s *SRTM) VRTsFor(t composite.Tile) ([][]string, error) {
	tiles, err := s.DownloadsFor(t)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, nil
	}
	return [][]string{outputFiles(tiles)}, nil
}

func (s *SRTM) SRS() srs.SRS { return srs.WGS84 }

func (s *SRTM) FilterType(srcRes, dstRes float64) raster.Filter {
	if srcRes < dstRes {
		return raster.Lanczos
	}
	return raster.Bicubic
}

func (s *SRTM) Rehydrate(data map[string]any) (Tile, error) {
	if data["type"] != "srtm" {
		return nil, fmt.Errorf("cannot rehydrate %v as srtm", data)
	}
	name, _ := data["name"].(string)
	if _, ok := parseCell(name); !ok {
		return nil, fmt.Errorf("bad srtm cell name %q", name)
	}
	t := s.tile(name)
	t.hasMask, _ = data["mask"].(bool)
	return t, nil
}

func (s *SRTM) ExistingFiles() []string {
	files, _ := filepath.Glob(filepath.Join(s.baseDir, "*.tif"))
	return files
}

func (t *SRTMTile) Key() string { return "srtm/" + t.name }

func (t *SRTMTile) URLs() []string {
	urls := []string{t.url + t.name + ".SRTMGL1.hgt.zip"}
	if t.hasMask {
		urls = append(urls, t.maskURL+t.name+".SRTMSWBD.raw.zip")
	}
	return urls
}

func (t *SRTMTile) Options() download.Options {
	return t.opts.WithVerifier(check.IsZip)
}

func (t *SRTMTile) OutputFile() string {
	return filepath.Join(t.baseDir, t.name+".tif")
}

func (t *SRTMTile) FreezeDry() map[string]any {
	return map[string]any{"type": "srtm", "name": t.name, "mask": t.hasMask}
}

// Unpack extracts the HGT cell, applies the water mask when present,
// masks non-positive voids, and writes the canonical int16 GeoTIFF.
func (t *SRTMTile) Unpack(s store.Store, tmps ...*download.Temp) error {
	if len(tmps) < 1 {
		return errors.New("srtm unpack: no downloaded files")
	}
	cell, ok := parseCell(t.name)
	if !ok {
		return errors.Errorf("srtm unpack: bad cell name %q", t.name)
	}

	scratch, err := os.MkdirTemp("", "srtm-unpack")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	hgtPath := filepath.Join(scratch, t.name+".hgt")
	if err := extractZipMember(tmps[0].Name(), t.name+".hgt", hgtPath); err != nil {
		return errors.Wrap(err, "srtm unpack")
	}
	r, err := raster.ReadHGT(hgtPath, cell)
	if err != nil {
		return errors.Wrap(err, "srtm unpack")
	}

	if t.hasMask && len(tmps) > 1 {
		rawPath := filepath.Join(scratch, t.name+".raw")
		if err := extractZipMember(tmps[1].Name(), t.name+".raw", rawPath); err != nil {
			return errors.Wrap(err, "srtm mask")
		}
		raw, err := os.ReadFile(rawPath)
		if err != nil {
			return errors.Wrap(err, "srtm mask")
		}
		if err := raster.MaskRaw(r, raw, swbdWaterValue); err != nil {
			return errors.Wrap(err, "srtm mask")
		}
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

// extractZipMember pulls a single member out of a zip archive. The
// member may sit at any directory depth; matching is by base name.
func extractZipMember(zipPath, member, dst string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if filepath.Base(f.Name) != member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()

		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
	return errors.Errorf("member %q not found in %s", member, zipPath)
}

func optStr(m map[string]any, key, dflt string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return dflt
}
