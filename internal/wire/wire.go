package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1
	kindMeta  byte = 2

	headerLen = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("swcache: corrupt frame")
	magic4     = [...]byte{'S', 'W', 'C', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry: magic(4) | ver(1) | kind(1=entry) | epoch(u64 be) | vlen(u32 be) | payload(vlen)
func EncodeEntry(epoch uint64, payload []byte) []byte {
	return encode(kindEntry, epoch, payload)
}

func DecodeEntry(b []byte) (epoch uint64, payload []byte, err error) {
	return decode(kindEntry, b)
}

// Meta frames carry registry snapshots. The epoch slot holds the registry sequence.
func EncodeMeta(seq uint64, payload []byte) []byte {
	return encode(kindMeta, seq, payload)
}

func DecodeMeta(b []byte) (seq uint64, payload []byte, err error) {
	return decode(kindMeta, b)
}

func encode(kind byte, n uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], n)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func decode(kind byte, b []byte) (uint64, []byte, error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kind {
		return 0, nil, ErrCorrupt
	}

	off := 6
	n := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// exact length: trailing bytes mean a foreign or torn write
	if vlen < 0 || vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}
	return n, b[off : off+vlen], nil
}
