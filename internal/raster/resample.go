package raster

import "math"

// Filter names a resampling kernel. Sources pick one per render based
// on the ratio of their native resolution to the destination grid.
type Filter int

const (
	Bilinear Filter = iota
	Bicubic
	Lanczos
)

func (f Filter) String() string {
	switch f {
	case Bilinear:
		return "bilinear"
	case Bicubic:
		return "cubic"
	case Lanczos:
		return "lanczos"
	}
	return "unknown"
}

// radius is the kernel support in source pixels on each side.
func (f Filter) radius() int {
	switch f {
	case Bicubic:
		return 2
	case Lanczos:
		return 3
	}
	return 1
}

func (f Filter) weight(d float64) float64 {
	switch f {
	case Bicubic:
		return cubicWeight(d)
	case Lanczos:
		return lanczos3(d)
	}
	// triangle
	d = math.Abs(d)
	if d >= 1 {
		return 0
	}
	return 1 - d
}

// cubicWeight is the Catmull-Rom cubic (a = -0.5), the conventional
// "cubic" resampler.
func cubicWeight(d float64) float64 {
	d = math.Abs(d)
	switch {
	case d < 1:
		return 1.5*d*d*d - 2.5*d*d + 1
	case d < 2:
		return -0.5*d*d*d + 2.5*d*d - 4*d + 2
	}
	return 0
}

// lanczos3 is the 3-lobe Lanczos-windowed sinc.
func lanczos3(d float64) float64 {
	d = math.Abs(d)
	if d >= 3 {
		return 0
	}
	if d < 1e-9 {
		return 1
	}
	pd := math.Pi * d
	return 3 * math.Sin(pd) * math.Sin(pd/3) / (pd * pd)
}

// Sample interpolates the raster at fractional pixel coordinates
// (fx, fy), measured from the top-left pixel center. Nodata neighbours
// are excluded and the remaining weights renormalized; when less than
// half of the kernel mass lands on valid pixels the sample itself is
// nodata and ok is false.
func Sample(src *Raster, fx, fy float64, f Filter) (float32, bool) {
	r := f.radius()

	x0 := int(math.Floor(fx)) - r + 1
	y0 := int(math.Floor(fy)) - r + 1

	var sum, weight float64
	for yy := y0; yy < y0+2*r; yy++ {
		if yy < 0 || yy >= src.Height {
			continue
		}
		wy := f.weight(fy - float64(yy))
		if wy == 0 {
			continue
		}
		for xx := x0; xx < x0+2*r; xx++ {
			if xx < 0 || xx >= src.Width {
				continue
			}
			v := src.At(xx, yy)
			if v == src.NoData {
				continue
			}
			w := wy * f.weight(fx-float64(xx))
			sum += w * float64(v)
			weight += w
		}
	}

	if weight < 0.5 {
		return src.NoData, false
	}
	return float32(sum / weight), true
}
