package geo

import "testing"

func TestIntersectsSelf(t *testing.T) {
	b := NewBoundingBox(-10, -5, 10, 5)
	if !b.Intersects(b) {
		t.Error("box does not intersect itself")
	}
}

func TestIntersectsIsSymmetric(t *testing.T) {
	a := NewBoundingBox(0, 0, 10, 10)
	b := NewBoundingBox(5, 5, 15, 15)
	if !a.Intersects(b) || !b.Intersects(a) {
		t.Error("overlapping boxes must intersect both ways")
	}
}

func TestCompassNeighboursDoNotIntersect(t *testing.T) {
	center := NewBoundingBox(0, 0, 1, 1)
	gap := 0.5

	neighbours := map[string]BoundingBox{
		"north":     NewBoundingBox(0, 1+gap, 1, 2+gap),
		"south":     NewBoundingBox(0, -1-gap, 1, -gap),
		"east":      NewBoundingBox(1+gap, 0, 2+gap, 1),
		"west":      NewBoundingBox(-1-gap, 0, -gap, 1),
		"northeast": NewBoundingBox(1+gap, 1+gap, 2+gap, 2+gap),
		"northwest": NewBoundingBox(-1-gap, 1+gap, -gap, 2+gap),
		"southeast": NewBoundingBox(1+gap, -1-gap, 2+gap, -gap),
		"southwest": NewBoundingBox(-1-gap, -1-gap, -gap, -gap),
	}
	for dir, n := range neighbours {
		if center.Intersects(n) {
			t.Errorf("%s neighbour with a gap must not intersect", dir)
		}
		if n.Intersects(center) {
			t.Errorf("%s neighbour intersect is not symmetric", dir)
		}
	}
}

func TestTouchingEdgesIntersect(t *testing.T) {
	a := NewBoundingBox(0, 0, 1, 1)
	right := NewBoundingBox(1, 0, 2, 1)
	corner := NewBoundingBox(1, 1, 2, 2)

	if !a.Intersects(right) {
		t.Error("boxes sharing an edge must intersect")
	}
	if !a.Intersects(corner) {
		t.Error("boxes sharing a corner must intersect")
	}
}

func TestBuffer(t *testing.T) {
	b := NewBoundingBox(0, 0, 1, 1).Buffer(0.25)
	if b.Left() != -0.25 || b.Bottom() != -0.25 || b.Right() != 1.25 || b.Top() != 1.25 {
		t.Errorf("buffered box is %v", b)
	}
}

func TestCenter(t *testing.T) {
	lon, lat := NewBoundingBox(-10, -4, 10, 8).Center()
	if lon != 0 || lat != 2 {
		t.Errorf("center is (%g, %g), want (0, 2)", lon, lat)
	}
}

func TestZoomRangeIsHalfOpen(t *testing.T) {
	zr := ZoomRange{Min: 8, Max: 10}
	cases := []struct {
		zoom float64
		want bool
	}{
		{7.9, false},
		{8, true},
		{9.99, true},
		{10, false},
		{12.3, false},
	}
	for _, c := range cases {
		if got := zr.Contains(c.zoom); got != c.want {
			t.Errorf("Contains(%g) = %v, want %v", c.zoom, got, c.want)
		}
	}
}

func TestRegionIntersects(t *testing.T) {
	r := Region{
		BBox:      NewBoundingBox(-124.56, 32.4, -114.15, 42.03),
		ZoomRange: ZoomRange{Min: 8, Max: 16},
	}

	inside := NewBoundingBox(-120, 35, -119, 36)
	outside := NewBoundingBox(10, 35, 11, 36)

	if !r.Intersects(inside, 8) {
		t.Error("tile inside the region at min zoom must intersect")
	}
	if r.Intersects(inside, 16) {
		t.Error("max zoom is excluded")
	}
	if r.Intersects(outside, 10) {
		t.Error("tile outside the bbox must not intersect")
	}
}
