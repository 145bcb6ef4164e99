package composite

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/raster"
	"github.com/tilezen/joerd/internal/srs"
)

type fakeTile struct {
	bbox geo.BoundingBox
	res  float64
}

func (t fakeTile) LatLonBbox() geo.BoundingBox { return t.bbox }
func (t fakeTile) MaxResolution() float64      { return t.res }

type fakeSource struct {
	groups [][]string
	filter raster.Filter
}

func (s fakeSource) SRS() srs.SRS { return srs.WGS84 }

func (s fakeSource) FilterType(srcRes, dstRes float64) raster.Filter {
	return s.filter
}

func (s fakeSource) VRTsFor(Tile) ([][]string, error) {
	return s.groups, nil
}

func writeConstRaster(t *testing.T, dir, name string, bbox geo.BoundingBox, v float32) string {
	t.Helper()
	r := raster.NewForBounds(32, 32, bbox, srs.WGS84, raster.FloatNoData)
	r.Fill(v)
	path := filepath.Join(dir, name)
	if err := raster.WriteGeoTIFF(path, r, raster.Float32); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestComposeLaterSourcesOverwrite(t *testing.T) {
	dir := t.TempDir()
	bbox := geo.NewBoundingBox(0, 0, 1, 1)
	west := geo.NewBoundingBox(0, 0, 0.5, 1)

	coarse := writeConstRaster(t, dir, "coarse.tif", bbox, 10)
	fine := writeConstRaster(t, dir, "fine.tif", west, 99)

	tile := fakeTile{bbox: bbox, res: 1.0 / 256}
	dst := raster.NewForBounds(64, 64, bbox, srs.WGS84, raster.FloatNoData)

	sources := []Source{
		fakeSource{groups: [][]string{{coarse}}, filter: raster.Bilinear},
		fakeSource{groups: [][]string{{fine}}, filter: raster.Bilinear},
	}
	if err := Compose(tile, sources, dst, tile.res); err != nil {
		t.Fatalf("compose: %v", err)
	}

	// West half took the finer source, east half keeps the coarse one.
	if v := dst.At(10, 32); math.Abs(float64(v)-99) > 1e-3 {
		t.Fatalf("west pixel = %g, want 99", v)
	}
	if v := dst.At(54, 32); math.Abs(float64(v)-10) > 1e-3 {
		t.Fatalf("east pixel = %g, want 10", v)
	}
}

func TestComposeEmptyCoverageLeavesNoData(t *testing.T) {
	dir := t.TempDir()
	far := writeConstRaster(t, dir, "far.tif", geo.NewBoundingBox(50, 50, 51, 51), 5)

	bbox := geo.NewBoundingBox(0, 0, 1, 1)
	dst := raster.NewForBounds(16, 16, bbox, srs.WGS84, raster.FloatNoData)
	dst.Fill(123) // stale contents must be cleared

	sources := []Source{fakeSource{groups: [][]string{{far}}, filter: raster.Bilinear}}
	if err := Compose(fakeTile{bbox: bbox, res: 1.0 / 16}, sources, dst, 1.0/16); err != nil {
		t.Fatalf("compose: %v", err)
	}
	for i, v := range dst.Pix {
		if v != dst.NoData {
			t.Fatalf("pixel %d = %g, want nodata", i, v)
		}
	}
}

func TestComposeNoSourcesFails(t *testing.T) {
	bbox := geo.NewBoundingBox(0, 0, 1, 1)
	dst := raster.NewForBounds(4, 4, bbox, srs.WGS84, raster.FloatNoData)
	if err := Compose(fakeTile{bbox: bbox}, nil, dst, 1); err == nil {
		t.Fatal("expected an error with no sources")
	}
}
