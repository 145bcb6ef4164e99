package source

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tilezen/joerd/internal/download"
	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/store"
)

// writeZip builds a zip at path whose members are named by the map
// keys, with contents read from the mapped files.
func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, src := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

// tempFromFile copies a file into a download.Temp, since closing a
// Temp removes its backing file.
func tempFromFile(t *testing.T, path string) *download.Temp {
	t.Helper()
	src, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "dl-")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	return &download.Temp{File: tmp}
}

func newTestStore(t *testing.T, dir string) store.Store {
	t.Helper()
	return store.NewFileStore(dir)
}

type fakeRenderTile struct {
	bbox geo.BoundingBox
	res  float64
}

func (t fakeRenderTile) LatLonBbox() geo.BoundingBox { return t.bbox }
func (t fakeRenderTile) MaxResolution() float64      { return t.res }

func TestParseCell(t *testing.T) {
	bbox, ok := parseCell("N37W123")
	if !ok {
		t.Fatal("N37W123 should parse")
	}
	want := geo.NewBoundingBox(-123, 37, -122, 38)
	if bbox != want {
		t.Fatalf("bbox %v, want %v", bbox, want)
	}

	bbox, ok = parseCell("S36E149")
	if !ok {
		t.Fatal("S36E149 should parse")
	}
	want = geo.NewBoundingBox(149, -36, 150, -35)
	if bbox != want {
		t.Fatalf("bbox %v, want %v", bbox, want)
	}

	if _, ok := parseCell("X37W123"); ok {
		t.Fatal("bad hemisphere letter should not parse")
	}
}

func TestSRTMZipNames(t *testing.T) {
	m := srtmZipRe.FindStringSubmatch("N37W123.SRTMGL1.hgt.zip")
	if m == nil {
		t.Fatal("data zip name should match")
	}
	bbox, _ := parseCell(m[1])
	if want := geo.NewBoundingBox(-123, 37, -122, 38); bbox != want {
		t.Fatalf("bbox %v, want %v", bbox, want)
	}

	m = swbdZipRe.FindStringSubmatch("N37W116.SRTMSWBD.raw.zip")
	if m == nil {
		t.Fatal("mask zip name should match")
	}
	bbox, _ = parseCell(m[1])
	if want := geo.NewBoundingBox(-116, 37, -115, 38); bbox != want {
		t.Fatalf("bbox %v, want %v", bbox, want)
	}

	if srtmZipRe.MatchString("N37W116.SRTMSWBD.raw.zip") {
		t.Fatal("mask zip must not match the data pattern")
	}
}

func TestNED19NameParsing(t *testing.T) {
	topo := nedVariants[1]
	normal := nedVariants[0]
	want := geo.NewBoundingBox(-122.5, 37.75, -122.25, 38.0)

	bbox, ok := topo.parseNedName("ned19_n38x00_w122x50_ca_sanfrancisco_topobathy_2010.zip")
	if !ok {
		t.Fatal("topobathy name should parse under the topobathy pattern")
	}
	if bbox != want {
		t.Fatalf("bbox %v, want %v", bbox, want)
	}

	bbox, ok = normal.parseNedName("ned19_n38x00_w122x50_ca_sanfrancisco_2010.zip")
	if !ok {
		t.Fatal("normal name should parse under the normal pattern")
	}
	if bbox != want {
		t.Fatalf("bbox %v, want %v", bbox, want)
	}

	if _, ok := topo.parseNedName("ned19_n38x00_w122x50_ca_sanfrancisco_2010.zip"); ok {
		t.Fatal("normal name must not parse under the topobathy pattern")
	}
	if _, ok := normal.parseNedName("ned19_n38x00_w122x50_ca_sanfrancisco_topobathy_2010.zip"); ok {
		t.Fatal("topobathy name must not parse under the normal pattern")
	}
}

func TestNED13NameParsing(t *testing.T) {
	v := nedVariants[2]
	want := geo.NewBoundingBox(-123, 37, -122, 38)

	for _, name := range []string{"n38w123.zip", "USGS_NED_13_n38w123_IMG.zip"} {
		bbox, ok := v.parseNedName(name)
		if !ok {
			t.Fatalf("%s should parse", name)
		}
		if bbox != want {
			t.Fatalf("%s: bbox %v, want %v", name, bbox, want)
		}
	}

	if got := v.memberName("USGS_NED_13_n38w123_IMG.zip"); got != "USGS_NED_13_n38w123.tif" {
		t.Fatalf("member %q", got)
	}
	if got := v.memberName("n38w123.zip"); got != "imgn38w123_13.tif" {
		t.Fatalf("member %q", got)
	}
}

func TestPreferNewNed13(t *testing.T) {
	got := preferNewNed13([]string{
		"n38w123.zip",
		"USGS_NED_13_n38w123_IMG.zip",
		"n39w123.zip",
	})
	if len(got) != 2 {
		t.Fatalf("got %v, want the legacy duplicate dropped", got)
	}
	for _, name := range got {
		if name == "n38w123.zip" {
			t.Fatal("legacy name should have been dropped")
		}
	}
}

func TestNEDVRTGroupsByProject(t *testing.T) {
	dir := t.TempDir()
	n := &NED{
		variant: nedVariants[0],
		baseDir: dir,
	}
	names := []string{
		"ned19_n38x00_w122x50_ca_sanfrancisco_2010.zip",
		"ned19_n38x00_w122x25_ca_sanfrancisco_2010.zip",
		"ned19_n38x00_w122x50_ca_bayarea_2012.zip",
	}
	n.index = NewTileIndex(names, n.variant.parseNedName)

	tile := fakeRenderTile{
		bbox: geo.NewBoundingBox(-122.45, 37.8, -122.4, 37.85),
		res:  1.0 / (3600 * 9),
	}
	groups, err := n.VRTsFor(tile)
	if err != nil {
		t.Fatalf("vrts: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want one per project", len(groups))
	}
	// alphabetical by project key: bayarea_2012 before sanfrancisco_2010
	if len(groups[0]) != 1 || len(groups[1]) != 1 {
		t.Fatalf("group sizes %d/%d, want 1/1", len(groups[0]), len(groups[1]))
	}
	if filepath.Base(groups[0][0]) != "ned19_n38x00_w122x50_ca_bayarea_2012.tif" {
		t.Fatalf("first group %v, want the bayarea project", groups[0])
	}
}

func TestResolutionPruning(t *testing.T) {
	n := &NED{variant: nedVariants[0]}
	coarse := fakeRenderTile{
		bbox: geo.NewBoundingBox(-123, 37, -122, 38),
		res:  1.0 / 100, // far coarser than 20x native
	}
	tiles, err := n.DownloadsFor(coarse)
	if err != nil {
		t.Fatalf("downloads: %v", err)
	}
	if len(tiles) != 0 {
		t.Fatal("coarse renders must not pull NED tiles")
	}

	g := &GreatLakes{baseDir: "greatlakes"}
	tiles, err = g.DownloadsFor(coarse)
	if err != nil {
		t.Fatalf("downloads: %v", err)
	}
	if len(tiles) != 0 {
		t.Fatal("coarse renders must not pull Great Lakes tiles")
	}
}

func TestGreatLakesSelection(t *testing.T) {
	g := &GreatLakes{baseDir: "greatlakes", url: greatLakesBaseURL}
	tile := fakeRenderTile{
		bbox: geo.NewBoundingBox(-83.5, 42.0, -83.0, 42.5), // Lake Erie
		res:  greatLakesResolution,
	}
	tiles, err := g.DownloadsFor(tile)
	if err != nil {
		t.Fatalf("downloads: %v", err)
	}
	if len(tiles) != 1 || tiles[0].Key() != "greatlakes/erie" {
		t.Fatalf("got %v, want just erie", tiles)
	}
	if url := tiles[0].URLs()[0]; url !=
		greatLakesBaseURL+"/erie/data/geotiff/erie_lld.geotiff.tar.gz" {
		t.Fatalf("url %q", url)
	}
}

func TestGMTEDTileNaming(t *testing.T) {
	tile := &GMTEDTile{baseDir: "gmted", url: "http://example.com/gmted", x: -90, y: 30}
	if got := tile.fileName(); got != "30N090W_20101117_gmted_mea075.tif" {
		t.Fatalf("file name %q", got)
	}
	if got := tile.URLs()[0]; got !=
		"http://example.com/gmted/075darcsec/mea/W090/30N090W_20101117_gmted_mea075.tif" {
		t.Fatalf("url %q", got)
	}

	antarctic := &GMTEDTile{x: 0, y: -90}
	if got := antarctic.fileName(); got != "90S000E_20101117_gmted_mea300.tif" {
		t.Fatalf("antarctic file name %q", got)
	}
}

func TestRehydrateRoundTrip(t *testing.T) {
	srtm := &SRTM{baseDir: "srtm", url: srtmBaseURL, maskURL: srtmMaskURL,
		maskNames: map[string]bool{"N37W123": true}}
	gmted := &GMTED{baseDir: "gmted", url: "http://example.com", xs: []int{-90}, ys: []int{30}}
	lakes := &GreatLakes{baseDir: "greatlakes", url: greatLakesBaseURL}
	ned := &NED{variant: nedVariants[0], baseDir: "ned", server: "ftp.example.com", basePath: "ned19"}

	sources := []Source{srtm, gmted, lakes, ned}
	tiles := []Tile{
		srtm.tile("N37W123"),
		gmted.tile(-90, 30),
		lakes.tile("erie"),
		ned.tile("ned19_n38x00_w122x50_ca_sanfrancisco_2010.zip"),
	}

	for _, tile := range tiles {
		got, err := Rehydrate(sources, tile.FreezeDry())
		if err != nil {
			t.Fatalf("rehydrate %v: %v", tile.FreezeDry(), err)
		}
		if got.Key() != tile.Key() {
			t.Fatalf("rehydrated key %q, want %q", got.Key(), tile.Key())
		}
		if got.OutputFile() != tile.OutputFile() {
			t.Fatalf("rehydrated output %q, want %q", got.OutputFile(), tile.OutputFile())
		}
	}

	if _, err := Rehydrate(sources, map[string]any{"type": "nonesuch"}); err == nil {
		t.Fatal("unknown type should fail to rehydrate")
	}
}

func TestSRTMRehydrateKeepsMask(t *testing.T) {
	s := &SRTM{baseDir: "srtm", url: srtmBaseURL, maskURL: srtmMaskURL}
	tile, err := s.Rehydrate(map[string]any{"type": "srtm", "name": "N37W123", "mask": true})
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	urls := tile.URLs()
	if len(urls) != 2 {
		t.Fatalf("urls %v, want data and mask", urls)
	}
}

func TestEnsureIndexRespectsTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.yaml")

	calls := 0
	fetch := func() ([]string, error) {
		calls++
		return []string{"N37W123.SRTMGL1.hgt.zip"}, nil
	}

	if err := EnsureIndex(path, fetch); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := EnsureIndex(path, fetch); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if calls != 1 {
		t.Fatalf("fetch called %d times, want 1 (fresh index reused)", calls)
	}

	// Stale index refetches.
	old := time.Now().Add(-2 * IndexTTL)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	if err := EnsureIndex(path, fetch); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if calls != 2 {
		t.Fatalf("fetch called %d times, want 2 after expiry", calls)
	}

	names, err := ReadIndex(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(names) != 1 || names[0] != "N37W123.SRTMGL1.hgt.zip" {
		t.Fatalf("index contents %v", names)
	}
}

func TestTileIndexIntersecting(t *testing.T) {
	names := []string{
		"N37W123.SRTMGL1.hgt.zip",
		"N37W122.SRTMGL1.hgt.zip",
		"S36E149.SRTMGL1.hgt.zip",
	}
	ix := NewTileIndex(names, func(name string) (geo.BoundingBox, bool) {
		m := srtmZipRe.FindStringSubmatch(name)
		if m == nil {
			return geo.BoundingBox{}, false
		}
		return parseCell(m[1])
	})
	if ix.Len() != 3 {
		t.Fatalf("index holds %d entries, want 3", ix.Len())
	}

	got := ix.Intersecting(geo.NewBoundingBox(-122.9, 37.2, -122.8, 37.3))
	if len(got) != 1 || got[0] != "N37W123.SRTMGL1.hgt.zip" {
		t.Fatalf("intersecting %v", got)
	}

	got = ix.Intersecting(geo.NewBoundingBox(10, 10, 11, 11))
	if len(got) != 0 {
		t.Fatalf("expected no hits, got %v", got)
	}
}

func TestSRTMUnpackWritesCanonicalTif(t *testing.T) {
	// zip up a synthetic HGT cell and run it through unpack.
	cell := geo.NewBoundingBox(-123, 37, -122, 38)
	r := raster.New(1201, 1201, raster.GeoTransform{}, 0, float32(raster.IntNoData))
	res := 1.0 / 1200
	r.Transform = raster.GeoTransform{
		cell.Left() - res/2, res, 0,
		cell.Top() + res/2, 0, -res,
	}
	r.Fill(100)
	r.Set(0, 0, -5) // masked as non-positive

	// write raw HGT bytes into a zip
	dir := t.TempDir()
	hgtPath := filepath.Join(dir, "N37W123.hgt")
	f, err := os.Create(hgtPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := raster.EncodeHGT(f, r); err != nil {
		t.Fatal(err)
	}
	f.Close()

	zipPath := filepath.Join(dir, "N37W123.SRTMGL1.hgt.zip")
	writeZip(t, zipPath, map[string]string{"N37W123.hgt": hgtPath})

	tmp := tempFromFile(t, zipPath)
	defer tmp.Close()

	storeDir := t.TempDir()
	st := newTestStore(t, storeDir)

	srtm := &SRTM{baseDir: "srtm"}
	tile := srtm.tile("N37W123")
	if err := tile.Unpack(st, tmp); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	if !st.Exists(tile.OutputFile()) {
		t.Fatal("canonical tif missing from store")
	}

	local := filepath.Join(t.TempDir(), "out.tif")
	if err := st.Get(tile.OutputFile(), local); err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := raster.ReadGeoTIFF(local)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Width != 1201 {
		t.Fatalf("width %d, want 1201", got.Width)
	}
	if got.At(5, 5) != 100 {
		t.Fatalf("sample %g, want 100", got.At(5, 5))
	}
	if got.Valid(0, 0) {
		t.Fatal("non-positive height should be nodata after unpack")
	}
}
