package source

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

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

// Slovenian national lidar DEM (DMR1): 1 m grids on the D96/TM plane,
// distributed as semicolon-separated x;y;z text files, one per
// kilometre square. The catalog is a fishnet shapefile whose attribute
// table links block directories to square names.

const (
	// 1 m is about 1/9 arc-second at these latitudes. Renders more
	// than 20x coarser skip DMR1 entirely.
	dmr1Resolution = 1.0 / (3600 * 9)
	dmr1ResFactor  = 20

	// ~2.7 px of overlap at skadi resolution, same buffer as the other
	// fine sources.
	dmr1Buffer = 0.0075

	// one km square at 1 m spacing, node-registered: both edges carry
	// a sample row.
	dmr1GridSize = 1001

	dmr1FishnetDBF = "LIDAR_FISHNET_D96.dbf"
)

// dmr1LinkRe matches catalog links like "b_35/D96TM/TM1_462_101.txt":
// block directory, then the square named by its km easting and
// northing on the national grid.
var dmr1LinkRe = regexp.MustCompile(`^b_(\d{2})/D96TM/TM1_(\d{2,3})_(\d{2,3})\.txt$`)

func init() {
	Register("dmr1", func(options map[string]any) (Source, error) {
		uri := optStr(options, "uri", "")
		fishnet := optStr(options, "fishnet_url", "")
		if uri == "" || fishnet == "" {
			return nil, fmt.Errorf("dmr1 source needs uri and fishnet_url")
		}
		return &DMR1{
			baseDir:    optStr(options, "base_dir", "dmr1"),
			uri:        uri,
			fishnetURL: fishnet,
			opts:       download.OptionsFromConfig(options),
		}, nil
	})
}

type DMR1 struct {
	baseDir    string
	uri        string
	fishnetURL string
	opts       download.Options

	index *TileIndex
}

// DMR1Tile is one kilometre square of the national grid.
type DMR1Tile struct {
	baseDir string
	uri     string
	opts    download.Options

	link  string // e.g. "b_35/D96TM/TM1_462_101.txt"
	name  string // e.g. "462_101"
	east  int    // km easting of the left edge
	north int    // km northing of the bottom edge
}

// parseDMR1Link decodes a catalog link to its square's WGS84 extent.
func parseDMR1Link(link string) (geo.BoundingBox, bool) {
	m := dmr1LinkRe.FindStringSubmatch(link)
	if m == nil {
		return geo.BoundingBox{}, false
	}
	east, _ := strconv.Atoi(m[2])
	north, _ := strconv.Atoi(m[3])

	left, bottom := srs.Transform(srs.D96TM, srs.WGS84,
		float64(east)*1000, float64(north)*1000)
	right, top := srs.Transform(srs.D96TM, srs.WGS84,
		float64(east+1)*1000, float64(north+1)*1000)
	return geo.NewBoundingBox(left, bottom, right, top), true
}

func (d *DMR1) Name() string { return "dmr1" }

func (d *DMR1) indexFile() string { return filepath.Join(d.baseDir, "index.yaml") }

func (d *DMR1) GetIndex() error {
	if err := EnsureIndex(d.indexFile(), d.fetchFishnet); err != nil {
		return err
	}
	return d.loadIndex()
}

// fetchFishnet downloads the fishnet shapefile zip and lists every
// square the survey distributes, reading the catalog out of the .dbf
// attribute table.
func (d *DMR1) fetchFishnet() ([]string, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil

	resp, err := client.Get(d.fishnetURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fishnet %s: HTTP %d", d.fishnetURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, errors.Wrap(err, "fishnet zip")
	}
	var raw []byte
	for _, f := range zr.File {
		if filepath.Base(f.Name) != dmr1FishnetDBF {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		raw, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		break
	}
	if raw == nil {
		return nil, errors.Errorf("fishnet zip has no %s member", dmr1FishnetDBF)
	}

	records, err := readDBF(raw)
	if err != nil {
		return nil, errors.Wrap(err, "fishnet dbf")
	}
	var links []string
	for _, rec := range records {
		block, name := rec["BLOK"], rec["NAME"]
		if block == "" || name == "" {
			continue
		}
		link := block + "/D96TM/TM1_" + name + ".txt"
		if dmr1LinkRe.MatchString(link) {
			links = append(links, link)
		}
	}
	sort.Strings(links)
	return links, nil
}

func (d *DMR1) loadIndex() error {
	if d.index != nil {
		return nil
	}
	links, err := ReadIndex(d.indexFile())
	if err != nil {
		return err
	}
	d.index = NewTileIndex(links, parseDMR1Link)
	return nil
}

func (d *DMR1) DownloadsFor(t composite.Tile) ([]Tile, error) {
	if t.MaxResolution() > dmr1ResFactor*dmr1Resolution {
		return nil, nil
	}
	if err := d.loadIndex(); err != nil {
		return nil, err
	}

	bbox := t.LatLonBbox().Buffer(dmr1Buffer)
	var tiles []Tile
	for _, link := range d.index.Intersecting(bbox) {
		tile, err := d.tile(link)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, tile)
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].Key() < tiles[j].Key() })
	return dedupe(tiles), nil
}

func (d *DMR1) tile(link string) (*DMR1Tile, error) {
	m := dmr1LinkRe.FindStringSubmatch(link)
	if m == nil {
		return nil, fmt.Errorf("bad dmr1 link %q", link)
	}
	east, _ := strconv.Atoi(m[2])
	north, _ := strconv.Atoi(m[3])
	return &DMR1Tile{
		baseDir: d.baseDir,
		uri:     d.uri,
		opts:    d.opts,
		link:    link,
		name:    m[2] + "_" + m[3],
		east:    east,
		north:   north,
	}, nil
}

// VRTsFor returns one group: the national grid is non-overlapping.
func (d *DMR1) VRTsFor(t composite.Tile) ([][]string, error) {
	tiles, err := d.DownloadsFor(t)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, nil
	}
	return [][]string{outputFiles(tiles)}, nil
}

func (d *DMR1) SRS() srs.SRS { return srs.D96TM }

func (d *DMR1) FilterType(srcRes, dstRes float64) raster.Filter {
	if srcRes < dstRes {
		return raster.Lanczos
	}
	return raster.Bicubic
}

func (d *DMR1) Rehydrate(data map[string]any) (Tile, error) {
	if data["type"] != "dmr1" {
		return nil, fmt.Errorf("cannot rehydrate %v as dmr1", data)
	}
	link, _ := data["link"].(string)
	return d.tile(link)
}

func (d *DMR1) ExistingFiles() []string {
	files, _ := filepath.Glob(filepath.Join(d.baseDir, "*.tif"))
	return files
}

func (t *DMR1Tile) Key() string { return "dmr1/" + t.name }

func (t *DMR1Tile) URLs() []string {
	return []string{strings.TrimSuffix(t.uri, "/") + "/" + t.link}
}

func (t *DMR1Tile) Options() download.Options {
	return t.opts.WithVerifier(check.IsXYZ)
}

func (t *DMR1Tile) OutputFile() string {
	return filepath.Join(t.baseDir, "TM1_"+t.name+".tif")
}

func (t *DMR1Tile) FreezeDry() map[string]any {
	return map[string]any{"type": "dmr1", "link": t.link}
}

// Unpack rasterizes the x;y;z point list onto the square's 1 m grid
// and stores the canonical GeoTIFF. The points are node-registered:
// the pixel grid is offset half a metre so each point lands on a pixel
// centre.
func (t *DMR1Tile) Unpack(s store.Store, tmps ...*download.Temp) error {
	if len(tmps) < 1 {
		return errors.New("dmr1 unpack: no downloaded files")
	}

	left := float64(t.east) * 1000
	top := float64(t.north+1) * 1000
	gt := raster.GeoTransform{left - 0.5, 1, 0, top + 0.5, 0, -1}
	r := raster.New(dmr1GridSize, dmr1GridSize, gt, srs.D96TM, raster.FloatNoData)

	f, err := os.Open(tmps[0].Name())
	if err != nil {
		return errors.Wrap(err, "dmr1 unpack")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ";")
		if len(fields) != 3 {
			return errors.Errorf("dmr1 unpack: bad record %q in %s", line, t.link)
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		z, errZ := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if errX != nil || errY != nil || errZ != nil {
			return errors.Errorf("dmr1 unpack: bad record %q in %s", line, t.link)
		}

		col := int(x - left + 0.5)
		row := int(top - y + 0.5)
		if col < 0 || col >= dmr1GridSize || row < 0 || row >= dmr1GridSize {
			continue
		}
		r.Set(col, row, float32(z))
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "dmr1 unpack")
	}

	return store.UploadDir(s, func(dir string) error {
		out := filepath.Join(dir, t.OutputFile())
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		return raster.WriteGeoTIFF(out, r, raster.Float32)
	})
}
