package source

import (
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
)

func TestDMR1LinkParsing(t *testing.T) {
	bbox, ok := parseDMR1Link("b_35/D96TM/TM1_462_101.txt")
	if !ok {
		t.Fatal("catalog link should parse")
	}

	// the 462/101 km square sits over Ljubljana
	if bbox.Left() < 14.4 || bbox.Left() > 14.6 {
		t.Fatalf("left edge %g, want ~14.5", bbox.Left())
	}
	if bbox.Bottom() < 45.95 || bbox.Bottom() > 46.15 {
		t.Fatalf("bottom edge %g, want ~46.05", bbox.Bottom())
	}

	// one km spans ~0.0129 degrees of longitude and ~0.009 of latitude
	// at this parallel.
	if w := bbox.Right() - bbox.Left(); w < 0.012 || w > 0.014 {
		t.Fatalf("square is %g degrees wide", w)
	}
	if h := bbox.Top() - bbox.Bottom(); h < 0.0085 || h > 0.0095 {
		t.Fatalf("square is %g degrees tall", h)
	}

	for _, bad := range []string{
		"TM1_462_101.txt",
		"b_3/D96TM/TM1_462_101.txt",
		"b_35/D96TM/TM1_462_101.laz",
		"b_35/TM1_462_101.txt",
	} {
		if _, ok := parseDMR1Link(bad); ok {
			t.Errorf("%q should not parse", bad)
		}
	}
}

// writeFishnetDBF builds a minimal dBase III attribute table with BLOK
// and NAME character fields, one record per pair.
func writeFishnetDBF(t *testing.T, path string, records [][2]string) {
	t.Helper()
	const fieldLen = 10
	headerSize := 32 + 2*32 + 1
	recordSize := 1 + 2*fieldLen

	buf := make([]byte, 32)
	buf[0] = 0x03
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(records)))
	binary.LittleEndian.PutUint16(buf[8:], uint16(headerSize))
	binary.LittleEndian.PutUint16(buf[10:], uint16(recordSize))

	for _, name := range []string{"BLOK", "NAME"} {
		desc := make([]byte, 32)
		copy(desc, name)
		desc[11] = 'C'
		desc[16] = fieldLen
		buf = append(buf, desc...)
	}
	buf = append(buf, 0x0d)

	pad := func(s string) []byte {
		b := make([]byte, fieldLen)
		for i := range b {
			b[i] = ' '
		}
		copy(b, s)
		return b
	}
	for _, rec := range records {
		buf = append(buf, ' ')
		buf = append(buf, pad(rec[0])...)
		buf = append(buf, pad(rec[1])...)
	}
	buf = append(buf, 0x1a)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadDBF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fishnet.dbf")
	writeFishnetDBF(t, path, [][2]string{
		{"b_35", "462_101"},
		{"b_35", "463_101"},
	})
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	records, err := readDBF(raw)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["BLOK"] != "b_35" || records[0]["NAME"] != "462_101" {
		t.Fatalf("first record %v", records[0])
	}

	if _, err := readDBF([]byte("not a dbf")); err == nil {
		t.Fatal("junk should not parse as a dbf")
	}
}

func TestDMR1IndexFromFishnet(t *testing.T) {
	dir := t.TempDir()
	dbfPath := filepath.Join(dir, "LIDAR_FISHNET_D96.dbf")
	writeFishnetDBF(t, dbfPath, [][2]string{
		{"b_35", "462_101"},
		{"b_36", "509_135"},
	})
	zipPath := filepath.Join(dir, "fishnet.zip")
	writeZip(t, zipPath, map[string]string{"LIDAR_FISHNET_D96.dbf": dbfPath})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, zipPath)
	}))
	defer srv.Close()

	d := &DMR1{
		baseDir:    filepath.Join(dir, "dmr1"),
		uri:        "http://example.com/lidar",
		fishnetURL: srv.URL,
	}
	if err := d.GetIndex(); err != nil {
		t.Fatalf("get index: %v", err)
	}
	if d.index.Len() != 2 {
		t.Fatalf("index holds %d squares, want 2", d.index.Len())
	}

	square, _ := parseDMR1Link("b_35/D96TM/TM1_462_101.txt")
	lon, lat := square.Center()
	fine := fakeRenderTile{
		bbox: geo.NewBoundingBox(lon-0.001, lat-0.001, lon+0.001, lat+0.001),
		res:  dmr1Resolution,
	}
	tiles, err := d.DownloadsFor(fine)
	if err != nil {
		t.Fatalf("downloads: %v", err)
	}
	if len(tiles) != 1 || tiles[0].Key() != "dmr1/462_101" {
		t.Fatalf("got %v, want just the Ljubljana square", tiles)
	}
	if url := tiles[0].URLs()[0]; url != "http://example.com/lidar/b_35/D96TM/TM1_462_101.txt" {
		t.Fatalf("url %q", url)
	}

	coarse := fakeRenderTile{bbox: fine.bbox, res: 1.0 / 100}
	tiles, err = d.DownloadsFor(coarse)
	if err != nil {
		t.Fatalf("downloads: %v", err)
	}
	if len(tiles) != 0 {
		t.Fatal("coarse renders must not pull DMR1 squares")
	}

	groups, err := d.VRTsFor(fine)
	if err != nil {
		t.Fatalf("vrts: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want one (the grid is non-overlapping)", len(groups))
	}
}

func TestDMR1RehydrateRoundTrip(t *testing.T) {
	d := &DMR1{baseDir: "dmr1", uri: "http://example.com/lidar"}
	tile, err := d.tile("b_35/D96TM/TM1_462_101.txt")
	if err != nil {
		t.Fatalf("tile: %v", err)
	}

	got, err := Rehydrate([]Source{d}, tile.FreezeDry())
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if got.Key() != tile.Key() {
		t.Fatalf("rehydrated key %q, want %q", got.Key(), tile.Key())
	}
	if got.OutputFile() != tile.OutputFile() {
		t.Fatalf("rehydrated output %q, want %q", got.OutputFile(), tile.OutputFile())
	}

	if _, err := d.Rehydrate(map[string]any{"type": "dmr1", "link": "junk"}); err == nil {
		t.Fatal("a garbage link should fail to rehydrate")
	}
}

func TestDMR1UnpackRasterizesPoints(t *testing.T) {
	txtPath := filepath.Join(t.TempDir(), "TM1_462_101.txt")
	// corners and centre of the square; everything else stays nodata
	body := "462000.0;102000.0;512.50\n" +
		"463000.0;101000.0;300.25\n" +
		"462500.0;101500.0;401.00\n"
	if err := os.WriteFile(txtPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	tmp := tempFromFile(t, txtPath)
	defer tmp.Close()

	st := newTestStore(t, t.TempDir())
	d := &DMR1{baseDir: "dmr1", uri: "http://example.com/lidar"}
	tile, err := d.tile("b_35/D96TM/TM1_462_101.txt")
	if err != nil {
		t.Fatalf("tile: %v", err)
	}
	if err := tile.Unpack(st, tmp); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	local := filepath.Join(t.TempDir(), "out.tif")
	if err := st.Get(tile.OutputFile(), local); err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := raster.ReadGeoTIFF(local)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if got.Width != 1001 || got.Height != 1001 {
		t.Fatalf("grid is %dx%d, want 1001x1001", got.Width, got.Height)
	}
	if got.SRS != srs.D96TM {
		t.Fatalf("srs %v, want the national grid", got.SRS)
	}
	// node registration: the first sample is centred on the corner point
	if got.Transform[0] != 461999.5 || got.Transform[3] != 102000.5 {
		t.Fatalf("origin (%g, %g)", got.Transform[0], got.Transform[3])
	}

	if v := got.At(0, 0); v != 512.5 {
		t.Fatalf("top-left %g, want 512.5", v)
	}
	if v := got.At(1000, 1000); v != 300.25 {
		t.Fatalf("bottom-right %g, want 300.25", v)
	}
	if v := got.At(500, 500); v != 401 {
		t.Fatalf("centre %g, want 401", v)
	}
	if got.Valid(10, 10) {
		t.Fatal("unsampled cells must stay nodata")
	}
}
