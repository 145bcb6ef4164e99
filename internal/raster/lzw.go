package raster

// TIFF-flavoured LZW. The stream format in TIFF 6.0 differs from the
// GIF variant in compress/lzw by one bit: the code width grows as soon
// as the table entry that fills the current width is CREATED, not after
// it is first emitted. compress/lzw therefore rejects valid TIFF
// streams with "invalid code", so the decoder is implemented here.

import (
	"fmt"
	"io"
)

const (
	lzwClearCode = 256
	lzwEOICode   = 257
	lzwFirstFree = 258
	lzwMaxCode   = 1<<12 - 1
)

type lzwString struct {
	prev   int // table index of the string minus its last byte, -1 for roots
	tail   byte
	length int
}

// decompressLZW expands a TIFF LZW block (MSB-first bit packing).
func decompressLZW(src []byte) ([]byte, error) {
	table := make([]lzwString, lzwMaxCode+1)
	for i := 0; i < 256; i++ {
		table[i] = lzwString{prev: -1, tail: byte(i), length: 1}
	}

	var (
		out      []byte
		scratch  []byte
		bitPos   int
		width    = 9
		nextFree = lzwFirstFree
		prev     = -1
	)

	readCode := func() (int, error) {
		code := 0
		for i := 0; i < width; i++ {
			byteIdx := bitPos >> 3
			if byteIdx >= len(src) {
				return 0, io.ErrUnexpectedEOF
			}
			bit := (src[byteIdx] >> (7 - bitPos&7)) & 1
			code = code<<1 | int(bit)
			bitPos++
		}
		return code, nil
	}

	expand := func(code int) []byte {
		s := table[code]
		if cap(scratch) < s.length {
			scratch = make([]byte, s.length)
		}
		scratch = scratch[:s.length]
		for i := s.length - 1; i >= 0; i-- {
			scratch[i] = table[code].tail
			code = table[code].prev
		}
		return scratch
	}

	for {
		code, err := readCode()
		if err != nil {
			// Streams may end without an explicit EOI.
			return out, nil
		}

		switch {
		case code == lzwEOICode:
			return out, nil

		case code == lzwClearCode:
			nextFree = lzwFirstFree
			width = 9
			prev = -1

		case prev == -1:
			if code >= lzwFirstFree {
				return nil, fmt.Errorf("lzw: literal expected, got code %d", code)
			}
			out = append(out, byte(code))
			prev = code

		default:
			var emitted []byte
			if code < nextFree {
				emitted = expand(code)
			} else if code == nextFree {
				// The KwKwK case: the new string is the previous one
				// plus its own first byte.
				emitted = expand(prev)
				emitted = append(emitted, emitted[0])
			} else {
				return nil, fmt.Errorf("lzw: code %d ahead of table (%d)", code, nextFree)
			}
			out = append(out, emitted...)

			if nextFree <= lzwMaxCode {
				table[nextFree] = lzwString{
					prev:   prev,
					tail:   emitted[0],
					length: table[prev].length + 1,
				}
				nextFree++
			}
			prev = code
		}

		// Early change: widen when the NEXT entry to be created would
		// not fit, leaving one code of slack for the current width.
		if nextFree == 1<<width-1 && width < 12 {
			width++
		}
	}
}
