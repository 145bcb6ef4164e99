package source

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Minimal dBase III reader, enough to pull the attribute table out of
// a shapefile sidecar. Character and numeric fields come back as
// trimmed strings; memo fields are not supported.

type dbfField struct {
	name   string
	length int
}

// readDBF decodes a .dbf attribute table into one map per record,
// keyed by field name. Records flagged as deleted are skipped.
func readDBF(raw []byte) ([]map[string]string, error) {
	if len(raw) < 32 {
		return nil, errors.New("dbf: truncated header")
	}
	numRecords := int(binary.LittleEndian.Uint32(raw[4:8]))
	headerSize := int(binary.LittleEndian.Uint16(raw[8:10]))
	recordSize := int(binary.LittleEndian.Uint16(raw[10:12]))
	if headerSize < 33 || recordSize < 1 || headerSize > len(raw) {
		return nil, errors.Errorf("dbf: implausible header (header %d, record %d)",
			headerSize, recordSize)
	}

	var fields []dbfField
	total := 1 // leading deletion flag
	for off := 32; off+32 <= headerSize && raw[off] != 0x0d; off += 32 {
		desc := raw[off : off+32]
		name := strings.TrimRight(string(desc[:11]), "\x00")
		length := int(desc[16])
		fields = append(fields, dbfField{name: name, length: length})
		total += length
	}
	if len(fields) == 0 {
		return nil, errors.New("dbf: no field descriptors")
	}
	if total != recordSize {
		return nil, errors.Errorf("dbf: fields sum to %d bytes, record size is %d",
			total, recordSize)
	}

	var records []map[string]string
	for i := 0; i < numRecords; i++ {
		off := headerSize + i*recordSize
		if off+recordSize > len(raw) {
			return nil, errors.Errorf("dbf: record %d past end of file", i)
		}
		rec := raw[off : off+recordSize]
		if rec[0] == '*' {
			continue
		}
		row := make(map[string]string, len(fields))
		pos := 1
		for _, f := range fields {
			row[f.name] = strings.TrimSpace(string(rec[pos : pos+f.length]))
			pos += f.length
		}
		records = append(records, row)
	}
	return records, nil
}
