package raster

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/srs"
)

// HGT is the SRTM exchange format: a square grid of big-endian int16
// samples over a 1°x1° cell, rows from the north edge. Samples sit on
// grid nodes, so a cell with N columns has spacing 1/(N-1) degrees and
// shares its edge rows with its neighbours.

// validHGTSizes maps file lengths to grid dimensions: 1 and 3
// arc-second cells.
var validHGTSizes = map[int64]int{
	3601 * 3601 * 2: 3601,
	1201 * 1201 * 2: 1201,
}

// ReadHGT loads an HGT file covering the given 1° cell. A ".gz" suffix
// selects transparent decompression.
func ReadHGT(path string, cell geo.BoundingBox) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw []byte
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(bufio.NewReader(f))
		if err != nil {
			return nil, fmt.Errorf("hgt %s: %w", path, err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("hgt %s: %w", path, err)
		}
	} else {
		raw, err = io.ReadAll(bufio.NewReader(f))
		if err != nil {
			return nil, err
		}
	}

	n, ok := validHGTSizes[int64(len(raw))]
	if !ok {
		return nil, fmt.Errorf("hgt %s: %d bytes is not a known grid size", path, len(raw))
	}

	// Node registration: sample (0,0) is exactly at the cell's NW
	// corner, so as pixel areas the grid is shifted out by half a step.
	res := 1.0 / float64(n-1)
	gt := GeoTransform{
		cell.Left() - res/2, res, 0,
		cell.Top() + res/2, 0, -res,
	}

	r := &Raster{
		Width:     n,
		Height:    n,
		Transform: gt,
		SRS:       srs.WGS84,
		NoData:    float32(IntNoData),
		Pix:       make([]float32, n*n),
	}
	for i := range r.Pix {
		r.Pix[i] = float32(int16(binary.BigEndian.Uint16(raw[i*2:])))
	}
	return r, nil
}

// EncodeHGT writes the raster's samples as raw big-endian int16 in HGT
// row order. The raster must be square with a known HGT dimension.
func EncodeHGT(w io.Writer, r *Raster) error {
	if r.Width != r.Height {
		return fmt.Errorf("hgt: %dx%d raster is not square", r.Width, r.Height)
	}
	if _, ok := validHGTSizes[int64(r.Width)*int64(r.Height)*2]; !ok {
		return fmt.Errorf("hgt: %d is not a valid grid dimension", r.Width)
	}

	buf := make([]byte, r.Width*2)
	for row := 0; row < r.Height; row++ {
		for col := 0; col < r.Width; col++ {
			binary.BigEndian.PutUint16(buf[col*2:], uint16(quantize(r.At(col, row), r.NoData)))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// WriteHGTGz writes a gzip-compressed HGT file, the skadi product
// layout.
func WriteHGTGz(path string, r *Raster) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if err := EncodeHGT(zw, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// HGTCellSpan returns the (floored) SW corner of the 1° cell holding
// the point.
func HGTCellSpan(lon, lat float64) (int, int) {
	return int(math.Floor(lon)), int(math.Floor(lat))
}
