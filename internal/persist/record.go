package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/gogpu/tilecanvas/tile"
)

// Record format errors.
var (
	// ErrNotFound is returned when no durable record exists for a tile.
	ErrNotFound = errors.New("persist: tile record not found")

	// ErrCorrupt is returned when a record fails validation.
	ErrCorrupt = errors.New("persist: tile record corrupt")
)

// recordMagic identifies tile record files.
var recordMagic = [4]byte{'T', 'C', 'T', '1'}

// headerSize is the fixed size of the record header:
// magic, x, y, layer, version, raw length, payload length, checksum.
const headerSize = 4 + 8*3 + 8 + 4 + 4 + 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one persisted version of a tile.
type Record struct {
	Coord   tile.Coord
	Version uint64

	// RawLen is the length of the uncompressed payload.
	RawLen int

	// Payload is the compressed payload.
	Payload []byte
}

// encode serializes r. The checksum covers the header and the payload.
func (r Record) encode() []byte {
	buf := make([]byte, headerSize+len(r.Payload))
	copy(buf[0:4], recordMagic[:])
	le := binary.LittleEndian
	le.PutUint64(buf[4:], uint64(int64(r.Coord.X)))
	le.PutUint64(buf[12:], uint64(int64(r.Coord.Y)))
	le.PutUint64(buf[20:], uint64(int64(r.Coord.Layer)))
	le.PutUint64(buf[28:], r.Version)
	//nolint:gosec // G115: tile payloads are far below 4 GiB
	le.PutUint32(buf[36:], uint32(r.RawLen))
	//nolint:gosec // G115: tile payloads are far below 4 GiB
	le.PutUint32(buf[40:], uint32(len(r.Payload)))
	copy(buf[headerSize:], r.Payload)

	sum := crc32.Checksum(buf[:44], castagnoli)
	sum = crc32.Update(sum, castagnoli, buf[headerSize:])
	le.PutUint32(buf[44:], sum)
	return buf
}

// decodeRecord parses and verifies a record file.
func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < headerSize {
		return Record{}, fmt.Errorf("%w: short record (%d bytes)", ErrCorrupt, len(buf))
	}
	if [4]byte(buf[0:4]) != recordMagic {
		return Record{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	le := binary.LittleEndian
	n := int(le.Uint32(buf[40:]))
	if len(buf) != headerSize+n {
		return Record{}, fmt.Errorf("%w: payload length %d, file holds %d", ErrCorrupt, n, len(buf)-headerSize)
	}
	sum := crc32.Checksum(buf[:44], castagnoli)
	sum = crc32.Update(sum, castagnoli, buf[headerSize:])
	if sum != le.Uint32(buf[44:]) {
		return Record{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	//nolint:gosec // G115: values were written from int coordinates
	return Record{
		Coord: tile.Coord{
			X:     int(int64(le.Uint64(buf[4:]))),
			Y:     int(int64(le.Uint64(buf[12:]))),
			Layer: int(int64(le.Uint64(buf[20:]))),
		},
		Version: le.Uint64(buf[28:]),
		RawLen:  int(le.Uint32(buf[36:])),
		Payload: buf[headerSize:],
	}, nil
}
