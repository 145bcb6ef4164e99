package store

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func writeBlob(t *testing.T, baseDir, path, content string) {
	t.Helper()
	full := filepath.Join(baseDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileStoreExists(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)

	if s.Exists("srtm/N37W123.tif") {
		t.Error("empty store claims a blob")
	}
	writeBlob(t, base, "srtm/N37W123.tif", "raster")
	if !s.Exists("srtm/N37W123.tif") {
		t.Error("stored blob reads as absent")
	}
	if s.Exists("srtm") {
		t.Error("a directory is not a blob")
	}
}

func TestFileStoreGet(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)
	writeBlob(t, base, "etopo1/ETOPO1.tif", "global raster")

	local := filepath.Join(t.TempDir(), "inputs", "ETOPO1.tif")
	if err := s.Get("etopo1/ETOPO1.tif", local); err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("read local copy: %v", err)
	}
	if string(data) != "global raster" {
		t.Errorf("got %q", data)
	}

	// no stray temp files in the destination directory
	entries, err := os.ReadDir(filepath.Dir(local))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("destination dir holds %d entries", len(entries))
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	s := NewFileStore(t.TempDir())
	local := filepath.Join(t.TempDir(), "out.tif")
	if err := s.Get("nope.tif", local); err == nil {
		t.Error("missing blob must fail")
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Error("failed get must not leave a local file")
	}
}

func TestFileStoreUploadAll(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)

	src := t.TempDir()
	writeBlob(t, src, "terrarium/8/41/99.png", "png")
	writeBlob(t, src, "terrarium/8/41/99.tif", "tif")

	if err := s.UploadAll(src); err != nil {
		t.Fatalf("upload: %v", err)
	}
	for _, p := range []string{"terrarium/8/41/99.png", "terrarium/8/41/99.tif"} {
		if !s.Exists(p) {
			t.Errorf("%s missing after upload", p)
		}
	}
}

func TestFileStoreListAndDelete(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)
	writeBlob(t, base, "a/one.tif", "1")
	writeBlob(t, base, "b/two.tif", "2")

	paths, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(paths)
	want := []string{"a/one.tif", "b/two.tif"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("list = %v, want %v", paths, want)
	}

	if err := s.Delete("a/one.tif"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Exists("a/one.tif") {
		t.Error("deleted blob still exists")
	}
	if err := s.Delete("a/one.tif"); err != nil {
		t.Errorf("deleting an absent blob: %v", err)
	}
}

func TestFileStoreFreeBytes(t *testing.T) {
	s := NewFileStore(t.TempDir())
	free, err := s.FreeBytes()
	if err != nil {
		t.Fatalf("free bytes: %v", err)
	}
	if free <= 0 {
		t.Errorf("free space is %d", free)
	}
}

func TestUploadDirDiscardsOnFailure(t *testing.T) {
	s := NewFileStore(t.TempDir())
	err := UploadDir(s, func(dir string) error {
		writeBlob(t, dir, "half/done.png", "partial")
		return fmt.Errorf("render failed")
	})
	if err == nil {
		t.Fatal("callback error must propagate")
	}
	if s.Exists("half/done.png") {
		t.Error("failed upload must not land blobs")
	}
}

// countingStore wraps a store, counting Gets, to observe cache hits.
type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(path, localPath string) error {
	c.gets++
	return c.Store.Get(path, localPath)
}

func TestCacheStoreFetchesOnce(t *testing.T) {
	base := t.TempDir()
	writeBlob(t, base, "etopo1/ETOPO1.tif", "big global raster")
	writeBlob(t, base, "srtm/N37W123.tif", "small tile")

	inner := &countingStore{Store: NewFileStore(base)}
	cache := NewCacheStore(inner, filepath.Join(t.TempDir(), "cache"), []string{"ETOPO1"})

	work := t.TempDir()
	for i := 0; i < 3; i++ {
		local := filepath.Join(work, fmt.Sprintf("job%d", i), "ETOPO1.tif")
		if err := cache.Get("etopo1/ETOPO1.tif", local); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		data, err := os.ReadFile(local)
		if err != nil || string(data) != "big global raster" {
			t.Fatalf("copy %d: %q, %v", i, data, err)
		}
	}
	if inner.gets != 1 {
		t.Errorf("cacheable blob fetched %d times, want 1", inner.gets)
	}

	// non-matching paths pass straight through every time
	for i := 0; i < 2; i++ {
		local := filepath.Join(work, fmt.Sprintf("srtm%d.tif", i))
		if err := cache.Get("srtm/N37W123.tif", local); err != nil {
			t.Fatalf("get srtm: %v", err)
		}
	}
	if inner.gets != 3 {
		t.Errorf("inner saw %d gets, want 3", inner.gets)
	}
}

func TestCacheStoreSurvivesLocalDeletion(t *testing.T) {
	base := t.TempDir()
	writeBlob(t, base, "etopo1/ETOPO1.tif", "raster")

	cache := NewCacheStore(NewFileStore(base), filepath.Join(t.TempDir(), "cache"),
		[]string{"ETOPO1"})

	work := t.TempDir()
	first := filepath.Join(work, "first.tif")
	if err := cache.Get("etopo1/ETOPO1.tif", first); err != nil {
		t.Fatalf("first get: %v", err)
	}
	// the worker's disk reclaim may remove the job copy; the cache
	// copy must still serve later jobs.
	if err := os.Remove(first); err != nil {
		t.Fatal(err)
	}
	second := filepath.Join(work, "second.tif")
	if err := cache.Get("etopo1/ETOPO1.tif", second); err != nil {
		t.Fatalf("second get: %v", err)
	}
	data, err := os.ReadFile(second)
	if err != nil || string(data) != "raster" {
		t.Errorf("second copy: %q, %v", data, err)
	}
}

func TestParseTilePath(t *testing.T) {
	cases := []struct {
		path    string
		z, x, y int
		ok      bool
	}{
		{"terrarium/8/41/99.png", 8, 41, 99, true},
		{"10/163/395.tif", 10, 163, 395, true},
		{"skadi/N37/N37W123.hgt.gz", 0, 0, 0, false},
		{"readme.txt", 0, 0, 0, false},
	}
	for _, c := range cases {
		z, x, y, ok := parseTilePath(c.path)
		if ok != c.ok {
			t.Errorf("%s: ok = %v, want %v", c.path, ok, c.ok)
			continue
		}
		if ok && (z != c.z || x != c.x || y != c.y) {
			t.Errorf("%s: got %d/%d/%d, want %d/%d/%d",
				c.path, z, x, y, c.z, c.x, c.y)
		}
	}
}

func TestMBTilesRoundTrip(t *testing.T) {
	s, err := NewMBTilesStore(filepath.Join(t.TempDir(), "tiles.mbtiles"), "png")
	if err != nil {
		t.Fatalf("open mbtiles: %v", err)
	}
	defer s.Close()

	src := t.TempDir()
	writeBlob(t, src, "terrarium/8/41/99.png", "tile bytes")
	writeBlob(t, src, "notes.txt", "skipped")

	if err := s.UploadAll(src); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if !s.Exists("terrarium/8/41/99.png") {
		t.Error("uploaded tile reads as absent")
	}
	if s.Exists("terrarium/8/41/100.png") {
		t.Error("phantom tile exists")
	}

	local := filepath.Join(t.TempDir(), "out.png")
	if err := s.Get("terrarium/8/41/99.png", local); err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := os.ReadFile(local)
	if err != nil || string(data) != "tile bytes" {
		t.Errorf("got %q, %v", data, err)
	}

	// the row must be stored TMS-flipped
	var row int
	err = s.db.QueryRow(
		`SELECT tile_row FROM tiles WHERE zoom_level = 8 AND tile_column = 41`).Scan(&row)
	if err != nil {
		t.Fatalf("query row: %v", err)
	}
	if want := (1 << 8) - 1 - 99; row != want {
		t.Errorf("tile_row = %d, want %d", row, want)
	}
}

func TestMBTilesExistsDistinguishesErrors(t *testing.T) {
	s, err := NewMBTilesStore(filepath.Join(t.TempDir(), "tiles.mbtiles"), "png")
	if err != nil {
		t.Fatalf("open mbtiles: %v", err)
	}

	src := t.TempDir()
	writeBlob(t, src, "terrarium/8/41/99.png", "tile bytes")
	if err := s.UploadAll(src); err != nil {
		t.Fatalf("upload: %v", err)
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	// a tile that is genuinely absent is quiet
	if s.Exists("terrarium/8/41/100.png") {
		t.Error("phantom tile exists")
	}
	if buf.Len() != 0 {
		t.Errorf("missing tile logged a warning: %s", buf.String())
	}

	// a failing query answers absent but says so
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.Exists("terrarium/8/41/99.png") {
		t.Error("closed store claims the tile exists")
	}
	if !strings.Contains(buf.String(), "treating as absent") {
		t.Errorf("query failure went unlogged: %q", buf.String())
	}
}

func TestMimeType(t *testing.T) {
	if got := MimeType("8/41/99.png"); got != "image/png" {
		t.Errorf("png: %q", got)
	}
	if got := MimeType("N37W123.hgt.gz"); got != "application/x-gzip" {
		t.Errorf("gz: %q", got)
	}
	if got := MimeType("data.bin"); got != "" {
		t.Errorf("unknown: %q", got)
	}
}

func TestCreateUnknownStore(t *testing.T) {
	if _, err := Create(map[string]any{"type": "carrier-pigeon"}); err == nil {
		t.Error("unknown store type must fail")
	}
}
