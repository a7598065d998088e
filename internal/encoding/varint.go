// Package encoding provides the compact integer codec and CRC32
// checksum helpers shared by blocks, SSTables, the WAL, and the
// manifest.
//
// Reference: teacher repo PriyanshuSharma23-FlashLog wal.go (CRC over an
// io.MultiWriter, seek-back-and-patch framing) for the checksum
// convention; varint encoding follows the standard LEB128 scheme used
// throughout the retrieval pack's LSM forks (aalhour/rockyardkv
// internal/block, internal/encoding).
package encoding

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"
)

// ErrVarintOverflow is returned when a varint would need more than 10
// bytes (the maximum for a 64-bit value) or runs past the end of the
// buffer without a terminating byte.
var ErrVarintOverflow = errors.New("encoding: varint overflow or truncated buffer")

// PutUvarint appends v to dst using the standard varint encoding and
// returns the extended slice.
func PutUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// GetUvarint decodes a varint from the front of buf, returning the value
// and the number of bytes consumed. It returns ErrVarintOverflow on a
// malformed or truncated encoding.
func GetUvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// CRC32 computes the IEEE CRC32 checksum of data, the checksum used for
// every framed record in the WAL and manifest. SSTable blocks carry no
// checksum.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// PutFixed32 appends a little-endian uint32.
func PutFixed32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// PutFixed64 appends a little-endian uint64.
func PutFixed64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// GetFixed32 reads a little-endian uint32 from the front of buf.
func GetFixed32(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, ErrVarintOverflow
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// GetFixed64 reads a little-endian uint64 from the front of buf.
func GetFixed64(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, ErrVarintOverflow
	}
	return binary.LittleEndian.Uint64(buf), nil
}
