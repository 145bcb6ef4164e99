package source

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tilezen/joerd/internal/check"
	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/download"
	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
	"github.com/tilezen/joerd/internal/store"
)

// The NED family: USGS National Elevation Dataset tiles listed over
// FTP. Three variants share the machinery and differ in tile grid,
// file-name pattern and masking:
//
//   - ned: 1/9 arc-second project tiles on a quarter-degree grid
//   - ned_topobathy: like ned but merged topography/bathymetry, so
//     depths below zero are kept
//   - ned13: 1/3 arc-second tiles on a one-degree grid
//
// ned/ned_topobathy project areas overlap each other, so their VRT
// groups split by project; ned13 is a single non-overlapping layer.

const nedBuffer = 0.0075

var (
	ned19Re = regexp.MustCompile(
		`^ned19_([ns])(\d{2})x([0257][05])_([ew])(\d{3})x([0257][05])_` +
			`([a-z]{2}_[a-z]+_20\d{2})\.zip$`)
	ned19TopobathyRe = regexp.MustCompile(
		`^ned19_([ns])(\d{2})x([0257][05])_([ew])(\d{3})x([0257][05])_` +
			`([a-z]{2}_[a-z]+_topobathy_20\d{2})\.zip$`)
	ned13Re = regexp.MustCompile(
		`^(USGS_NED_13_)?([ns])(\d{2})([ew])(\d{3})(_IMG)?\.zip$`)
)

// nedVariant fixes the differences between the three plugins.
type nedVariant struct {
	name         string
	pattern      *regexp.Regexp
	resolution   float64 // native, in degrees
	resFactor    float64 // prune renders coarser than factor x native
	maskNegative bool
	oneDegree    bool // ned13 grid; false means quarter-degree ned19
}

var nedVariants = []nedVariant{
	{
		name:         "ned",
		pattern:      ned19Re,
		resolution:   1.0 / (3600 * 9),
		resFactor:    20,
		maskNegative: true,
	},
	{
		name:       "ned_topobathy",
		pattern:    ned19TopobathyRe,
		resolution: 1.0 / (3600 * 9),
		resFactor:  20,
	},
	{
		name:         "ned13",
		pattern:      ned13Re,
		resolution:   1.0 / (3600 * 3),
		resFactor:    20,
		maskNegative: true,
		oneDegree:    true,
	},
}

func init() {
	for _, v := range nedVariants {
		variant := v
		Register(variant.name, func(options map[string]any) (Source, error) {
			server, _ := options["ftp_server"].(string)
			basePath, _ := options["base_path"].(string)
			if server == "" || basePath == "" {
				return nil, fmt.Errorf("%s needs ftp_server and base_path", variant.name)
			}
			return &NED{
				variant:  variant,
				baseDir:  optStr(options, "base_dir", variant.name),
				server:   server,
				basePath: basePath,
				opts:     download.OptionsFromConfig(options),
			}, nil
		})
	}
}

type NED struct {
	variant  nedVariant
	baseDir  string
	server   string
	basePath string
	opts     download.Options

	index *TileIndex
}

type NEDTile struct {
	variant  nedVariant
	baseDir  string
	server   string
	basePath string
	opts     download.Options

	zipName string
}

// parseNedName extracts the tile bbox from an upstream file name, or
// ok=false when the name does not belong to this variant.
func (v nedVariant) parseNedName(name string) (geo.BoundingBox, bool) {
	m := v.pattern.FindStringSubmatch(name)
	if m == nil {
		return geo.BoundingBox{}, false
	}
	if v.oneDegree {
		y, _ := strconv.Atoi(m[3])
		x, _ := strconv.Atoi(m[5])
		if m[2] == "s" {
			y = -y
		}
		if m[4] == "w" {
			x = -x
		}
		return geo.NewBoundingBox(float64(x), float64(y)-1,
			float64(x)+1, float64(y)), true
	}

	// ned19_n38x00_w122x50: degrees plus hundredths, quarter-degree
	// cells hanging south-east from the named corner.
	yDeg, _ := strconv.Atoi(m[2])
	yFrac, _ := strconv.Atoi(m[3])
	xDeg, _ := strconv.Atoi(m[5])
	xFrac, _ := strconv.Atoi(m[6])
	y := float64(yDeg) + float64(yFrac)/100
	x := float64(xDeg) + float64(xFrac)/100
	if m[1] == "s" {
		y = -y
	}
	if m[4] == "w" {
		x = -x
	}
	return geo.NewBoundingBox(x, y-0.25, x+0.25, y), true
}

// projectKey groups overlapping ned19 tiles by their project suffix.
// ned13 tiles never overlap and share one group.
func (v nedVariant) projectKey(name string) string {
	if v.oneDegree {
		return ""
	}
	if m := v.pattern.FindStringSubmatch(name); m != nil {
		return m[7]
	}
	return ""
}

// memberName is the raster inside the zip. Modern USGS distributions
// carry GeoTIFF members mirroring the archive name.
func (v nedVariant) memberName(zipName string) string {
	base := strings.TrimSuffix(zipName, ".zip")
	if v.oneDegree {
		if strings.HasPrefix(base, "USGS_NED_13_") {
			return strings.TrimSuffix(base, "_IMG") + ".tif"
		}
		return "img" + base + "_13.tif"
	}
	return base + ".tif"
}

func (n *NED) Name() string { return n.variant.name }

func (n *NED) indexFile() string { return filepath.Join(n.baseDir, "index.yaml") }

func (n *NED) GetIndex() error {
	if err := EnsureIndex(n.indexFile(), n.listUpstream); err != nil {
		return err
	}
	return n.loadIndex()
}

// listUpstream NLSTs the FTP directory and keeps names matching this
// variant. ned13 publishes some tiles under both a legacy and a
// USGS_NED_13 name; the newer one wins.
func (n *NED) listUpstream() ([]string, error) {
	all, err := download.ListFTP(n.server, n.basePath, n.opts)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, name := range all {
		if _, ok := n.variant.parseNedName(name); ok {
			names = append(names, name)
		}
	}
	if n.variant.oneDegree {
		names = preferNewNed13(names)
	}
	sort.Strings(names)
	return names, nil
}

func preferNewNed13(names []string) []string {
	newNames := map[string]bool{}
	for _, name := range names {
		if strings.HasPrefix(name, "USGS_NED_13_") {
			old := strings.TrimSuffix(strings.TrimPrefix(name, "USGS_NED_13_"), ".zip")
			old = strings.TrimSuffix(old, "_IMG") + ".zip"
			newNames[old] = true
		}
	}
	out := names[:0]
	for _, name := range names {
		if !newNames[name] {
			out = append(out, name)
		}
	}
	return out
}

func (n *NED) loadIndex() error {
	if n.index != nil {
		return nil
	}
	names, err := ReadIndex(n.indexFile())
	if err != nil {
		return err
	}
	n.index = NewTileIndex(names, n.variant.parseNedName)
	return nil
}

func (n *NED) DownloadsFor(t composite.Tile) ([]Tile, error) {
	if t.MaxResolution() > n.variant.resFactor*n.variant.resolution {
		return nil, nil
	}
	if err := n.loadIndex(); err != nil {
		return nil, err
	}

	bbox := t.LatLonBbox().Buffer(nedBuffer)
	var tiles []Tile
	for _, name := range n.index.Intersecting(bbox) {
		tiles = append(tiles, n.tile(name))
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].Key() < tiles[j].Key() })
	return dedupe(tiles), nil
}

func (n *NED) tile(zipName string) *NEDTile {
	return &NEDTile{
		variant:  n.variant,
		baseDir:  n.baseDir,
		server:   n.server,
		basePath: n.basePath,
		opts:     n.opts,
		zipName:  zipName,
	}
}

// VRTsFor splits the needed tiles into per-project groups in stable
// alphabetical order, so overlapping projects composite rather than
// racing inside one mosaic.
func (n *NED) VRTsFor(t composite.Tile) ([][]string, error) {
	tiles, err := n.DownloadsFor(t)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, nil
	}

	byProject := map[string][]string{}
	var keys []string
	for _, tile := range tiles {
		key := n.variant.projectKey(tile.(*NEDTile).zipName)
		if _, ok := byProject[key]; !ok {
			keys = append(keys, key)
		}
		byProject[key] = append(byProject[key], tile.OutputFile())
	}
	sort.Strings(keys)

	groups := make([][]string, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, byProject[key])
	}
	return groups, nil
}

func (n *NED) SRS() srs.SRS { return srs.WGS84 }

func (n *NED) FilterType(srcRes, dstRes float64) raster.Filter {
	if srcRes < dstRes {
		return raster.Lanczos
	}
	return raster.Bicubic
}

func (n *NED) Rehydrate(data map[string]any) (Tile, error) {
	if data["type"] != n.variant.name {
		return nil, fmt.Errorf("cannot rehydrate %v as %s", data, n.variant.name)
	}
	fname, _ := data["fname"].(string)
	if _, ok := n.variant.parseNedName(fname); !ok {
		return nil, fmt.Errorf("bad %s file name %q", n.variant.name, fname)
	}
	return n.tile(fname), nil
}

func (n *NED) ExistingFiles() []string {
	files, _ := filepath.Glob(filepath.Join(n.baseDir, "*.tif"))
	return files
}

func (t *NEDTile) Key() string {
	return t.variant.name + "/" + t.zipName
}

func (t *NEDTile) URLs() []string {
	return []string{fmt.Sprintf("ftp://%s/%s/%s", t.server, t.basePath, t.zipName)}
}

func (t *NEDTile) Options() download.Options {
	return t.opts.WithVerifier(check.IsZip)
}

func (t *NEDTile) OutputFile() string {
	return filepath.Join(t.baseDir, t.variant.memberName(t.zipName))
}

func (t *NEDTile) FreezeDry() map[string]any {
	return map[string]any{"type": t.variant.name, "fname": t.zipName}
}

func (t *NEDTile) Unpack(s store.Store, tmps ...*download.Temp) error {
	if len(tmps) < 1 {
		return errors.New("ned unpack: no downloaded files")
	}
	member := t.variant.memberName(t.zipName)

	scratch, err := os.MkdirTemp("", "ned-unpack")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	tifPath := filepath.Join(scratch, member)
	if err := extractZipMember(tmps[0].Name(), member, tifPath); err != nil {
		return errors.Wrap(err, "ned unpack")
	}
	r, err := raster.ReadGeoTIFF(tifPath)
	if err != nil {
		return errors.Wrap(err, "ned unpack")
	}
	if t.variant.maskNegative {
		raster.MaskNegative(r)
	}

	return store.UploadDir(s, func(dir string) error {
		out := filepath.Join(dir, t.OutputFile())
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		return raster.WriteGeoTIFF(out, r, raster.Float32)
	})
}
