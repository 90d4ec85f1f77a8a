package iso9660

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	flagDirectory   = 0x02
	flagMultiExtent = 0x80
)

// record is a parsed directory record. Identifier is kept raw; matching is
// done on the normalized form.
type record struct {
	identifier string
	extentLBA  uint32
	dataLength uint32
	isDir      bool
	multiMore  bool // more extents of the same file follow
}

// bothUint32 decodes an LSB-MSB uint32 pair (ECMA-119 7.3.3). The two
// halves disagreeing is the classic sign of a UDF-only hybrid image or
// plain corruption; either way the volume is unusable.
func bothUint32(b []byte) (v uint32, err error) {
	var le uint32 = binary.LittleEndian.Uint32(b[0:4])
	var be uint32 = binary.BigEndian.Uint32(b[4:8])

	if le != be {
		err = fmt.Errorf("%w: little-endian and big-endian value mismatch", ErrMalformed)
		return
	}

	v = le
	return
}

// bothUint16 decodes an LSB-MSB uint16 pair (ECMA-119 7.2.3).
func bothUint16(b []byte) (v uint16, err error) {
	var le uint16 = binary.LittleEndian.Uint16(b[0:2])
	var be uint16 = binary.BigEndian.Uint16(b[2:4])

	if le != be {
		err = fmt.Errorf("%w: little-endian and big-endian value mismatch", ErrMalformed)
		return
	}

	v = le
	return
}

// parseRecord decodes one directory record from the front of b. A zero
// length byte means the rest of the sector is padding; rec is nil and the
// caller hops to the next sector boundary.
func parseRecord(b []byte) (rec *record, size int, err error) {
	if len(b) == 0 {
		err = fmt.Errorf("%w: truncated directory record", ErrMalformed)
		return
	}

	size = int(b[0])
	if size == 0 {
		return
	}

	if size < 34 || size > len(b) {
		err = fmt.Errorf("%w: directory record length %d out of range", ErrMalformed, size)
		return
	}

	var idLen int = int(b[32])
	if 33+idLen > size {
		err = fmt.Errorf("%w: identifier overruns directory record", ErrMalformed)
		return
	}

	var extentLBA, dataLength uint32
	if extentLBA, err = bothUint32(b[2:10]); err != nil {
		return
	}

	if dataLength, err = bothUint32(b[10:18]); err != nil {
		return
	}

	var flags byte = b[25]
	rec = &record{
		identifier: string(b[33 : 33+idLen]),
		extentLBA:  extentLBA,
		dataLength: dataLength,
		isDir:      flags&flagDirectory != 0,
		multiMore:  flags&flagMultiExtent != 0,
	}

	return
}

// normalizeName maps a file identifier to its comparable form: the
// ";version" suffix and a trailing dot are dropped and the result is
// lowercased. The special identifiers 0x00 and 0x01 become "." and "..".
func normalizeName(identifier string) string {
	if identifier == "\x00" {
		return "."
	}

	if identifier == "\x01" {
		return ".."
	}

	var name string = identifier
	if idx := strings.IndexByte(name, ';'); idx >= 0 {
		name = name[:idx]
	}

	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}
