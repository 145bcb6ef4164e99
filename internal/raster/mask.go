package raster

import "fmt"

// Masking transforms applied by source unpack steps before the
// canonical GeoTIFF is written.

// MaskNegative marks every height at or below zero as nodata. Used for
// datasets with valid positive heights where zero and below mean "no
// land here".
func MaskNegative(r *Raster) {
	for i, v := range r.Pix {
		if v != r.NoData && v <= 0 {
			r.Pix[i] = r.NoData
		}
	}
}

// MaskRaster marks as nodata every pixel where the mask raster holds
// maskValue. Both rasters must share the same grid.
func MaskRaster(r, mask *Raster, maskValue float32) error {
	if r.Width != mask.Width || r.Height != mask.Height {
		return fmt.Errorf("mask: %dx%d grid does not match %dx%d",
			mask.Width, mask.Height, r.Width, r.Height)
	}
	for i := range r.Pix {
		if mask.Pix[i] == maskValue {
			r.Pix[i] = r.NoData
		}
	}
	return nil
}

// MaskRaw marks as nodata every pixel where the raw byte plane holds
// maskValue. The plane is row-major with the same dimensions as r.
func MaskRaw(r *Raster, raw []byte, maskValue byte) error {
	if len(raw) != r.Width*r.Height {
		return fmt.Errorf("mask: %d raw bytes for %dx%d raster",
			len(raw), r.Width, r.Height)
	}
	for i, b := range raw {
		if b == maskValue {
			r.Pix[i] = r.NoData
		}
	}
	return nil
}

// DatumShift adds a constant vertical offset to every valid pixel,
// converting heights relative to a local datum into absolute heights.
func DatumShift(r *Raster, shift float32) {
	for i, v := range r.Pix {
		if v != r.NoData {
			r.Pix[i] = v + shift
		}
	}
}
