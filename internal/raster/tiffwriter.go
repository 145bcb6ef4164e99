package raster

import (
	"encoding/binary"
	"math"
	"os"
	"strconv"
)

// DataType selects the on-disk sample format for written GeoTIFFs.
type DataType int

const (
	Float32 DataType = iota
	Int16
)

// WriteGeoTIFF writes the raster as an uncompressed single-strip
// little-endian GeoTIFF with georeferencing tags and a GDAL nodata
// marker, readable by ReadGeoTIFF and by the usual GIS tooling.
func WriteGeoTIFF(path string, r *Raster, dt DataType) error {
	data, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeGeoTIFF(data, r, dt); err != nil {
		data.Close()
		os.Remove(path)
		return err
	}
	return data.Close()
}

func encodeGeoTIFF(f *os.File, r *Raster, dt DataType) error {
	le := binary.LittleEndian

	var (
		bits, sampleFormat int
		pix                []byte
		nodataText         string
	)
	switch dt {
	case Int16:
		bits, sampleFormat = 16, sampleFormatInt
		nodataText = strconv.Itoa(int(IntNoData))
		pix = make([]byte, 2*len(r.Pix))
		for i, v := range r.Pix {
			le.PutUint16(pix[i*2:], uint16(quantize(v, r.NoData)))
		}
	default:
		bits, sampleFormat = 32, sampleFormatFloat
		nodataText = strconv.FormatFloat(float64(r.NoData), 'g', -1, 32)
		pix = make([]byte, 4*len(r.Pix))
		for i, v := range r.Pix {
			le.PutUint32(pix[i*4:], math.Float32bits(v))
		}
	}

	const (
		headerLen = 8
		numTags   = 14
		entryLen  = 12
	)
	dataOff := uint32(headerLen)
	ifdOff := dataOff + uint32(len(pix))
	extraOff := ifdOff + 2 + numTags*entryLen + 4

	// Out-of-line tag values, laid out in tag order.
	scaleOff := extraOff
	tiepointOff := scaleOff + 3*8
	geoKeysOff := tiepointOff + 6*8
	nodataOff := geoKeysOff + 16*2
	nodataBytes := append([]byte(nodataText), 0)

	gt := r.Transform
	extra := make([]byte, 0, int(nodataOff-extraOff)+len(nodataBytes))
	for _, d := range []float64{gt[1], -gt[5], 0} {
		extra = le.AppendUint64(extra, math.Float64bits(d))
	}
	for _, d := range []float64{0, 0, 0, gt[0], gt[3], 0} {
		extra = le.AppendUint64(extra, math.Float64bits(d))
	}
	for _, s := range r.geoKeyDirectory() {
		extra = le.AppendUint16(extra, s)
	}
	extra = append(extra, nodataBytes...)

	entry := func(id, typ uint16, count, value uint32) []byte {
		e := make([]byte, entryLen)
		le.PutUint16(e[0:], id)
		le.PutUint16(e[2:], typ)
		le.PutUint32(e[4:], count)
		le.PutUint32(e[8:], value)
		return e
	}
	// SHORT inline values sit in the low bytes of the value word on a
	// little-endian file, so passing them as uint32 works directly.
	const (
		typeASCII  = 2
		typeShort  = 3
		typeLong   = 4
		typeDouble = 12
	)

	buf := make([]byte, 0, int(extraOff)-int(ifdOff)+len(extra)+headerLen)
	buf = append(buf, 'I', 'I')
	buf = le.AppendUint16(buf, 42)
	buf = le.AppendUint32(buf, ifdOff)

	if _, err := f.Write(buf); err != nil {
		return err
	}
	if _, err := f.Write(pix); err != nil {
		return err
	}

	ifd := make([]byte, 0, 2+numTags*entryLen+4)
	ifd = le.AppendUint16(ifd, numTags)
	for _, e := range [][]byte{
		entry(tagImageWidth, typeLong, 1, uint32(r.Width)),
		entry(tagImageLength, typeLong, 1, uint32(r.Height)),
		entry(tagBitsPerSample, typeShort, 1, uint32(bits)),
		entry(tagCompression, typeShort, 1, compressionNone),
		entry(tagPhotometric, typeShort, 1, 1), // BlackIsZero
		entry(tagStripOffsets, typeLong, 1, dataOff),
		entry(tagSamplesPerPixel, typeShort, 1, 1),
		entry(tagRowsPerStrip, typeLong, 1, uint32(r.Height)),
		entry(tagStripByteCounts, typeLong, 1, uint32(len(pix))),
		entry(tagSampleFormat, typeShort, 1, uint32(sampleFormat)),
		entry(tagModelPixelScale, typeDouble, 3, scaleOff),
		entry(tagModelTiepoint, typeDouble, 6, tiepointOff),
		entry(tagGeoKeyDirectory, typeShort, 16, geoKeysOff),
		entry(tagGDALNoData, typeASCII, uint32(len(nodataBytes)), nodataOff),
	} {
		ifd = append(ifd, e...)
	}
	ifd = le.AppendUint32(ifd, 0) // no next IFD

	if _, err := f.Write(ifd); err != nil {
		return err
	}
	_, err := f.Write(extra)
	return err
}

// geoKeyDirectory builds the minimal GeoKey set naming the coordinate
// system: model type, pixel-is-area, and the EPSG code.
func (r *Raster) geoKeyDirectory() []uint16 {
	modelType := uint16(2) // geographic
	csKey := uint16(gkGeographicTypeGeoKey)
	if !r.SRS.Geographic() {
		modelType = 1 // projected
		csKey = gkProjectedCSTypeGeoKey
	}
	return []uint16{
		1, 1, 0, 3, // version, revision 1.0, key count
		gkModelTypeGeoKey, 0, 1, modelType,
		1025, 0, 1, 1, // GTRasterTypeGeoKey = RasterPixelIsArea
		csKey, 0, 1, uint16(r.SRS.EPSG()),
	}
}

// quantize converts a float sample to the int16 product range, mapping
// nodata to IntNoData and clamping everything else.
func quantize(v, nodata float32) int16 {
	if v == nodata || math.IsNaN(float64(v)) {
		return IntNoData
	}
	rounded := math.Round(float64(v))
	if rounded <= float64(IntNoData) {
		return IntNoData + 1
	}
	if rounded >= math.MaxInt16 {
		return math.MaxInt16
	}
	return int16(rounded)
}
