package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/tilezen/joerd/internal/srs"
)

// TIFF tag ids used by the datasets that flow through the pipeline.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113
)

const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionOldDeflate  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatFloat      = 3
	gkModelTypeGeoKey      = 1024
	gkGeographicTypeGeoKey = 2048
	gkProjectedCSTypeGeoKey = 3072
)

// tiffInfo is the decoded first IFD of a classic TIFF.
type tiffInfo struct {
	bo binary.ByteOrder

	width, height   int
	bits            int
	sampleFormat    int
	samplesPerPixel int
	compression     int
	predictor       int

	rowsPerStrip int
	stripOffsets []uint64
	stripCounts  []uint64

	tileWidth, tileHeight int
	tileOffsets           []uint64
	tileCounts            []uint64

	pixelScale []float64
	tiepoint   []float64
	geoKeys    []uint16
	nodataText string
}

// ReadGeoTIFF loads a single-band GeoTIFF into a float32 raster. Strip
// and tile layouts are supported, with no compression, deflate or
// TIFF-variant LZW, and the horizontal-differencing predictor. These
// cover every raster the supported datasets publish.
func ReadGeoTIFF(path string) (*Raster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeGeoTIFF(data)
}

// DecodeGeoTIFF parses an in-memory GeoTIFF.
func DecodeGeoTIFF(data []byte) (*Raster, error) {
	info, err := parseTIFF(data)
	if err != nil {
		return nil, err
	}
	if info.samplesPerPixel != 1 {
		return nil, fmt.Errorf("geotiff: %d samples per pixel, want single band",
			info.samplesPerPixel)
	}

	nodata := FloatNoData
	if info.nodataText != "" {
		if v, err := strconv.ParseFloat(info.nodataText, 64); err == nil {
			nodata = float32(v)
		}
	}

	r := &Raster{
		Width:     info.width,
		Height:    info.height,
		Transform: info.geoTransform(),
		SRS:       info.srs(),
		NoData:    nodata,
		Pix:       make([]float32, info.width*info.height),
	}

	if len(info.tileOffsets) > 0 {
		err = info.decodeTiles(data, r)
	} else {
		err = info.decodeStrips(data, r)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func parseTIFF(data []byte) (*tiffInfo, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("geotiff: truncated header")
	}

	var bo binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		bo = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("geotiff: bad byte order mark %q", data[:2])
	}
	if bo.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("geotiff: not a classic TIFF")
	}

	info := &tiffInfo{
		bo:              bo,
		samplesPerPixel: 1,
		compression:     compressionNone,
		predictor:       predictorNone,
		sampleFormat:    sampleFormatUint,
	}

	// Only the first IFD matters: overviews hold coarser copies of the
	// same band.
	off := uint64(bo.Uint32(data[4:8]))
	if off+2 > uint64(len(data)) {
		return nil, fmt.Errorf("geotiff: IFD offset out of range")
	}
	n := uint64(bo.Uint16(data[off : off+2]))
	entries := data[off+2:]
	if uint64(len(entries)) < n*12 {
		return nil, fmt.Errorf("geotiff: truncated IFD")
	}

	for i := uint64(0); i < n; i++ {
		e := entries[i*12 : i*12+12]
		id := bo.Uint16(e[0:2])
		typ := bo.Uint16(e[2:4])
		count := uint64(bo.Uint32(e[4:8]))

		val, err := tagValue(data, e, typ, count, bo)
		if err != nil {
			return nil, fmt.Errorf("geotiff: tag %d: %w", id, err)
		}

		switch id {
		case tagImageWidth:
			info.width = int(firstUint(val, bo, typ))
		case tagImageLength:
			info.height = int(firstUint(val, bo, typ))
		case tagBitsPerSample:
			info.bits = int(firstUint(val, bo, typ))
		case tagCompression:
			info.compression = int(firstUint(val, bo, typ))
		case tagSamplesPerPixel:
			info.samplesPerPixel = int(firstUint(val, bo, typ))
		case tagRowsPerStrip:
			info.rowsPerStrip = int(firstUint(val, bo, typ))
		case tagStripOffsets:
			info.stripOffsets = uintSlice(val, bo, typ, count)
		case tagStripByteCounts:
			info.stripCounts = uintSlice(val, bo, typ, count)
		case tagPredictor:
			info.predictor = int(firstUint(val, bo, typ))
		case tagTileWidth:
			info.tileWidth = int(firstUint(val, bo, typ))
		case tagTileLength:
			info.tileHeight = int(firstUint(val, bo, typ))
		case tagTileOffsets:
			info.tileOffsets = uintSlice(val, bo, typ, count)
		case tagTileByteCounts:
			info.tileCounts = uintSlice(val, bo, typ, count)
		case tagSampleFormat:
			info.sampleFormat = int(firstUint(val, bo, typ))
		case tagModelPixelScale:
			info.pixelScale = doubleSlice(val, bo, count)
		case tagModelTiepoint:
			info.tiepoint = doubleSlice(val, bo, count)
		case tagGeoKeyDirectory:
			info.geoKeys = shortSlice(val, bo, count)
		case tagGDALNoData:
			info.nodataText = strings.TrimRight(string(val), "\x00 ")
		}
	}

	if info.width <= 0 || info.height <= 0 {
		return nil, fmt.Errorf("geotiff: missing image dimensions")
	}
	if info.bits != 8 && info.bits != 16 && info.bits != 32 {
		return nil, fmt.Errorf("geotiff: unsupported bit depth %d", info.bits)
	}
	if info.rowsPerStrip == 0 {
		info.rowsPerStrip = info.height
	}
	return info, nil
}

// tagValue returns the raw value bytes of an IFD entry, following the
// offset when the value does not fit inline.
func tagValue(data, entry []byte, typ uint16, count uint64, bo binary.ByteOrder) ([]byte, error) {
	size := typeSize(typ) * count
	if size <= 4 {
		return entry[8 : 8+size], nil
	}
	off := uint64(bo.Uint32(entry[8:12]))
	if off+size > uint64(len(data)) {
		return nil, fmt.Errorf("value [%d:%d] beyond file end", off, off+size)
	}
	return data[off : off+size], nil
}

func typeSize(typ uint16) uint64 {
	switch typ {
	case 1, 2, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case 3, 8: // SHORT, SSHORT
		return 2
	case 4, 9, 11: // LONG, SLONG, FLOAT
		return 4
	case 5, 10, 12: // RATIONAL, SRATIONAL, DOUBLE
		return 8
	}
	return 1
}

func firstUint(val []byte, bo binary.ByteOrder, typ uint16) uint64 {
	switch typ {
	case 3:
		return uint64(bo.Uint16(val))
	case 4:
		return uint64(bo.Uint32(val))
	case 1:
		return uint64(val[0])
	}
	return 0
}

func uintSlice(val []byte, bo binary.ByteOrder, typ uint16, count uint64) []uint64 {
	out := make([]uint64, count)
	for i := uint64(0); i < count; i++ {
		switch typ {
		case 3:
			out[i] = uint64(bo.Uint16(val[i*2:]))
		case 4:
			out[i] = uint64(bo.Uint32(val[i*4:]))
		}
	}
	return out
}

func doubleSlice(val []byte, bo binary.ByteOrder, count uint64) []float64 {
	out := make([]float64, count)
	for i := uint64(0); i < count; i++ {
		out[i] = math.Float64frombits(bo.Uint64(val[i*8:]))
	}
	return out
}

func shortSlice(val []byte, bo binary.ByteOrder, count uint64) []uint16 {
	out := make([]uint16, count)
	for i := uint64(0); i < count; i++ {
		out[i] = bo.Uint16(val[i*2:])
	}
	return out
}

// geoTransform derives the affine transform from ModelPixelScale and
// ModelTiepoint. The tiepoint maps pixel (I,J) to model (X,Y); the
// common case ties pixel (0,0) to the upper-left corner.
func (t *tiffInfo) geoTransform() GeoTransform {
	sx, sy := 1.0, 1.0
	if len(t.pixelScale) >= 2 {
		sx, sy = t.pixelScale[0], t.pixelScale[1]
	}
	var originX, originY float64
	if len(t.tiepoint) >= 6 {
		originX = t.tiepoint[3] - t.tiepoint[0]*sx
		originY = t.tiepoint[4] + t.tiepoint[1]*sy
	}
	return GeoTransform{originX, sx, 0, originY, 0, -sy}
}

// srs extracts the coordinate system from the GeoKey directory. Keys
// live in groups of four shorts after a four-short header.
func (t *tiffInfo) srs() srs.SRS {
	if len(t.geoKeys) >= 4 {
		numKeys := int(t.geoKeys[3])
		for i := 0; i < numKeys; i++ {
			base := 4 + i*4
			if base+3 >= len(t.geoKeys) {
				break
			}
			keyID := t.geoKeys[base]
			value := t.geoKeys[base+3]
			if keyID == gkGeographicTypeGeoKey || keyID == gkProjectedCSTypeGeoKey {
				if s, ok := srs.FromEPSG(int(value)); ok {
					return s
				}
			}
		}
	}
	return srs.WGS84
}

func (t *tiffInfo) decodeStrips(data []byte, r *Raster) error {
	if len(t.stripOffsets) != len(t.stripCounts) {
		return fmt.Errorf("geotiff: %d strip offsets but %d byte counts",
			len(t.stripOffsets), len(t.stripCounts))
	}
	for i := range t.stripOffsets {
		row0 := i * t.rowsPerStrip
		rows := t.rowsPerStrip
		if row0+rows > t.height {
			rows = t.height - row0
		}
		raw, err := t.block(data, t.stripOffsets[i], t.stripCounts[i], t.width, rows)
		if err != nil {
			return fmt.Errorf("geotiff: strip %d: %w", i, err)
		}
		t.samples(raw, r.Pix[row0*t.width:(row0+rows)*t.width])
	}
	return nil
}

func (t *tiffInfo) decodeTiles(data []byte, r *Raster) error {
	if len(t.tileOffsets) != len(t.tileCounts) {
		return fmt.Errorf("geotiff: %d tile offsets but %d byte counts",
			len(t.tileOffsets), len(t.tileCounts))
	}
	across := (t.width + t.tileWidth - 1) / t.tileWidth
	down := (t.height + t.tileHeight - 1) / t.tileHeight
	if across*down != len(t.tileOffsets) {
		return fmt.Errorf("geotiff: %d tiles, grid wants %d", len(t.tileOffsets), across*down)
	}

	tilePix := make([]float32, t.tileWidth*t.tileHeight)
	for ty := 0; ty < down; ty++ {
		for tx := 0; tx < across; tx++ {
			idx := ty*across + tx
			if t.tileCounts[idx] == 0 {
				continue // sparse tile, stays nodata
			}
			raw, err := t.block(data, t.tileOffsets[idx], t.tileCounts[idx],
				t.tileWidth, t.tileHeight)
			if err != nil {
				return fmt.Errorf("geotiff: tile %d: %w", idx, err)
			}
			t.samples(raw, tilePix)

			// Edge tiles are full-sized with padding beyond the image.
			cols := min(t.tileWidth, t.width-tx*t.tileWidth)
			rows := min(t.tileHeight, t.height-ty*t.tileHeight)
			for row := 0; row < rows; row++ {
				dst := (ty*t.tileHeight+row)*t.width + tx*t.tileWidth
				src := row * t.tileWidth
				copy(r.Pix[dst:dst+cols], tilePix[src:src+cols])
			}
		}
	}
	return nil
}

// block decompresses one strip or tile and applies the predictor.
func (t *tiffInfo) block(data []byte, off, count uint64, cols, rows int) ([]byte, error) {
	if off+count > uint64(len(data)) {
		return nil, fmt.Errorf("data [%d:%d] beyond file end", off, off+count)
	}
	raw := data[off : off+count]

	var out []byte
	switch t.compression {
	case compressionNone:
		out = raw
	case compressionDeflate, compressionOldDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		out, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, err
		}
	case compressionLZW:
		var err error
		out, err = decompressLZW(raw)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported compression %d", t.compression)
	}

	want := cols * rows * (t.bits / 8)
	if len(out) < want {
		return nil, fmt.Errorf("short block: %d bytes, want %d", len(out), want)
	}
	out = out[:want]

	if t.predictor == predictorHorizontal {
		t.undiff(out, cols, rows)
	}
	return out, nil
}

// undiff reverses horizontal differencing in place, accumulating along
// each row at the sample width.
func (t *tiffInfo) undiff(buf []byte, cols, rows int) {
	switch t.bits {
	case 8:
		for row := 0; row < rows; row++ {
			p := buf[row*cols:]
			for i := 1; i < cols; i++ {
				p[i] += p[i-1]
			}
		}
	case 16:
		for row := 0; row < rows; row++ {
			p := buf[row*cols*2:]
			for i := 1; i < cols; i++ {
				v := t.bo.Uint16(p[(i-1)*2:]) + t.bo.Uint16(p[i*2:])
				t.bo.PutUint16(p[i*2:], v)
			}
		}
	case 32:
		for row := 0; row < rows; row++ {
			p := buf[row*cols*4:]
			for i := 1; i < cols; i++ {
				v := t.bo.Uint32(p[(i-1)*4:]) + t.bo.Uint32(p[i*4:])
				t.bo.PutUint32(p[i*4:], v)
			}
		}
	}
}

// samples converts decoded block bytes to float32 pixels.
func (t *tiffInfo) samples(raw []byte, dst []float32) {
	switch {
	case t.bits == 8 && t.sampleFormat == sampleFormatUint:
		for i := range dst {
			dst[i] = float32(raw[i])
		}
	case t.bits == 16 && t.sampleFormat == sampleFormatUint:
		for i := range dst {
			dst[i] = float32(t.bo.Uint16(raw[i*2:]))
		}
	case t.bits == 16 && t.sampleFormat == sampleFormatInt:
		for i := range dst {
			dst[i] = float32(int16(t.bo.Uint16(raw[i*2:])))
		}
	case t.bits == 32 && t.sampleFormat == sampleFormatUint:
		for i := range dst {
			dst[i] = float32(t.bo.Uint32(raw[i*4:]))
		}
	case t.bits == 32 && t.sampleFormat == sampleFormatInt:
		for i := range dst {
			dst[i] = float32(int32(t.bo.Uint32(raw[i*4:])))
		}
	case t.bits == 32 && t.sampleFormat == sampleFormatFloat:
		for i := range dst {
			dst[i] = math.Float32frombits(t.bo.Uint32(raw[i*4:]))
		}
	}
}
