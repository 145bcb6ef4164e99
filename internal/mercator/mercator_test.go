package mercator

import (
	"math"
	"testing"
)

func TestLonLatToXYKnownPoints(t *testing.T) {
	cases := []struct {
		name     string
		zoom     int
		lon, lat float64
		x, y     int
	}{
		{"san francisco", 16, -122.39197, 37.79125, 10487, 25327},
		{"canberra", 16, 149.12446, -35.30816, 59915, 39645},
	}
	for _, c := range cases {
		x, y := LonLatToXY(c.zoom, c.lon, c.lat)
		if x != c.x || y != c.y {
			t.Errorf("%s: got (%d, %d), want (%d, %d)", c.name, x, y, c.x, c.y)
		}
	}
}

func TestLonLatToXYClampsToGrid(t *testing.T) {
	for zoom := 0; zoom < 20; zoom++ {
		extent := 1 << uint(zoom)

		x, y := LonLatToXY(zoom, -180, 90)
		if x != 0 || y != 0 {
			t.Errorf("z%d top-left: got (%d, %d), want (0, 0)", zoom, x, y)
		}

		x, y = LonLatToXY(zoom, 180, -90)
		if x != extent-1 || y != extent-1 {
			t.Errorf("z%d bottom-right: got (%d, %d), want (%d, %d)",
				zoom, x, y, extent-1, extent-1)
		}
	}
}

func TestTileCenterRoundTrips(t *testing.T) {
	// the center of a tile's bbox must map back to the same tile at
	// every supported zoom.
	for zoom := 0; zoom < 20; zoom++ {
		extent := 1 << uint(zoom)
		x := extent / 3
		y := extent / 2

		b := LatLonBbox(zoom, x, y)
		lon, lat := b.Center()
		gotX, gotY := LonLatToXY(zoom, lon, lat)
		if gotX != x || gotY != y {
			t.Errorf("z%d: center of %d/%d maps to %d/%d", zoom, x, y, gotX, gotY)
		}
	}
}

func TestMetersRoundTrip(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{-122.39197, 37.79125},
		{149.12446, -35.30816},
		{-179.9, 84.9},
		{179.9, -84.9},
	}
	for _, p := range points {
		x, y := LonLatToMeters(p[0], p[1])
		lon, lat := MetersToLonLat(x, y)
		if math.Abs(lon-p[0]) > 1e-9 || math.Abs(lat-p[1]) > 1e-9 {
			t.Errorf("(%g, %g) round-trips to (%g, %g)", p[0], p[1], lon, lat)
		}
	}
}

func TestMercatorBboxSpansWorld(t *testing.T) {
	b := MercatorBbox(0, 0, 0)
	half := WorldSize / 2
	for name, got := range map[string]float64{
		"left":   b.Left() + half,
		"bottom": b.Bottom() + half,
		"right":  b.Right() - half,
		"top":    b.Top() - half,
	} {
		if math.Abs(got) > 1e-6 {
			t.Errorf("z0 tile %s is off the world edge by %g", name, got)
		}
	}
}

func TestAdjacentTilesShareEdges(t *testing.T) {
	a := MercatorBbox(5, 10, 12)
	right := MercatorBbox(5, 11, 12)
	below := MercatorBbox(5, 10, 13)

	if math.Abs(a.Right()-right.Left()) > 1e-6 {
		t.Errorf("horizontal neighbours disagree: %g vs %g", a.Right(), right.Left())
	}
	if math.Abs(a.Bottom()-below.Top()) > 1e-6 {
		t.Errorf("vertical neighbours disagree: %g vs %g", a.Bottom(), below.Top())
	}
}

func TestResolutionHalvesPerZoom(t *testing.T) {
	coarse := Resolution(4, 3, 3, TileSize)
	fine := Resolution(5, 6, 6, TileSize)
	ratio := coarse / fine
	// not exactly 2 in degrees because latitude stretches, but close
	// near the same parallel.
	if ratio < 1.5 || ratio > 2.5 {
		t.Errorf("resolution ratio across one zoom is %g, want ~2", ratio)
	}
}

func TestTileName(t *testing.T) {
	if got := TileName(10, 163, 395); got != "10/163/395" {
		t.Errorf("got %q", got)
	}
}
