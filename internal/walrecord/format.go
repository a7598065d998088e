// Package walrecord implements the CRC-framed, block-fragmented record
// log used both as the write-ahead log (spec §4.3) and as the manifest
// log (spec §4.5) — the two are "a log of length-prefixed, CRC-framed
// records" and share one implementation rather than being copied twice,
// per spec §9's DESIGN NOTES.
//
// Record framing (spec §6): 4-byte CRC32, 2-byte length, 1-byte type in
// {FULL, FIRST, MIDDLE, LAST}, payload. Records are packed into fixed
// physical blocks; a logical record larger than one block is split
// across FIRST/MIDDLE*/LAST fragments, matching the classic LevelDB log
// format also found in the retrieval pack's goleveldb forks
// (syncthing-syncthing vendor/.../leveldb/journal, philsong-goleveldb).
package walrecord

import (
	"github.com/cockroachdb/errors"
)

// RecordType identifies a physical chunk's role within a logical record.
type RecordType uint8

const (
	_ RecordType = iota // 0 is reserved (zero block padding)
	recFull
	recFirst
	recMiddle
	recLast
)

const (
	// BlockSize is the physical framing unit records are packed into.
	BlockSize = 32 * 1024
	// HeaderSize is the per-fragment header: crc32(4) + length(2) + type(1).
	HeaderSize = 7
)

// ErrCorruptRecord is returned for a checksum mismatch or malformed
// fragment that is not simply a truncated trailing record.
var ErrCorruptRecord = errors.New("walrecord: corrupt record")
