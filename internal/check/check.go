// Package check holds the content verifiers run against freshly
// downloaded files before they are accepted.
package check

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"strings"
)

// Verifier inspects a downloaded file and reports whether the content
// passes integrity checks. The file offset may be left anywhere.
type Verifier func(f *os.File) bool

// IsZip reports whether the file is a well-formed Zip archive. Every
// member is read in full so CRC mismatches are caught.
func IsZip(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return false
	}
	for _, member := range zr.File {
		rc, err := member.Open()
		if err != nil {
			return false
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return false
		}
	}
	return true
}

// IsTarGzip reports whether the file is a readable gzipped tarball.
func IsTarGzip(f *os.File) bool {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return false
		}
	}
}

// hgtSizes are the valid byte sizes of SRTM HGT rasters: 3601x3601 and
// 1201x1201 grids of big-endian int16.
var hgtSizes = map[int64]bool{
	3601 * 3601 * 2: true,
	1201 * 1201 * 2: true,
}

// IsRaster reports whether the file looks like a raster we can open: a
// TIFF in either byte order, or an HGT grid of a known size. This is
// the stand-in for "GDAL can open it".
func IsRaster(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	if hgtSizes[info.Size()] {
		return true
	}

	var header [4]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return false
	}
	// TIFF magic: "II" 42 little-endian or "MM" 42 big-endian.
	if header[0] == 'I' && header[1] == 'I' &&
		binary.LittleEndian.Uint16(header[2:]) == 42 {
		return true
	}
	if header[0] == 'M' && header[1] == 'M' &&
		binary.BigEndian.Uint16(header[2:]) == 42 {
		return true
	}
	return false
}

// IsXYZ reports whether the file starts with a semicolon-separated
// x;y;z point record, the format the Slovenian survey distributes its
// lidar grids in. Only the first line is checked; a server error page
// fails immediately without reading the whole file.
func IsXYZ(f *os.File) bool {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	fields := strings.Split(strings.TrimSpace(line), ";")
	if len(fields) != 3 {
		return false
	}
	for _, field := range fields {
		if _, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err != nil {
			return false
		}
	}
	return true
}

// IsGzip reports whether the file carries the gzip magic and the
// stream decompresses cleanly.
func IsGzip(f *os.File) bool {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()
	_, err = io.Copy(io.Discard, gz)
	return err == nil
}
