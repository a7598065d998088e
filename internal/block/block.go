// Package block implements the shared-prefix-compressed sorted block
// format described in spec §4.1: a sequence of (key, value) entries with
// periodic "restart points" that hold the full key, anchoring prefix
// compression for binary search.
//
// Wire format per entry:
//
//	sharedPrefixLen (varint) | unsharedLen (varint) | valueLen (varint) |
//	unshared key bytes | value bytes
//
// Every restartInterval entries, sharedPrefixLen is forced to 0 (a
// "restart") and the entry's offset is recorded. On Finish the restart
// offsets are appended as a trailing int32 array followed by an int32
// count, mirroring the layout documented in the teacher repo's
// sst/writer.go block-format comment and cross-checked against
// aalhour/rockyardkv's internal/block/block.go restart-footer packing.
package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/flashkv/flashkv/internal/encoding"
)

// DefaultRestartInterval is the default number of entries between
// restart points (spec §4.1 default).
const DefaultRestartInterval = 16

// ErrCorruptBlock is returned for malformed block bytes: bad lengths, a
// shared prefix exceeding the previous key, or a restart offset past
// end-of-buffer.
var ErrCorruptBlock = errors.New("block: corrupt block")

// Writer accumulates entries for a single block in ascending key order.
type Writer struct {
	restartInterval int
	buf             []byte
	restarts        []uint32
	lastKey         []byte
	entriesInBlock  int
}

// NewWriter creates a Writer with the given restart interval. A
// non-positive interval falls back to DefaultRestartInterval.
func NewWriter(restartInterval int) *Writer {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	return &Writer{
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Reset clears the writer so it can be reused for the next block.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.restarts = append(w.restarts[:0], 0)
	w.lastKey = w.lastKey[:0]
	w.entriesInBlock = 0
}

// EstimatedSize returns the current serialized size, including the
// restart array that Finish would append. Callers use this to decide
// when to roll over to a new block.
func (w *Writer) EstimatedSize() int {
	return len(w.buf) + len(w.restarts)*4 + 4
}

// Empty reports whether no entries have been added since the last Reset.
func (w *Writer) Empty() bool {
	return len(w.buf) == 0
}

// Add appends a (key, value) entry. Keys must be supplied in strictly
// ascending order; callers are responsible for enforcing this (the
// writer does not re-validate its own invariant at append time).
func (w *Writer) Add(key, value []byte) {
	var shared int
	if w.entriesInBlock%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = commonPrefixLen(w.lastKey, key)
	}
	unshared := key[shared:]

	w.buf = encoding.PutUvarint(w.buf, uint64(shared))
	w.buf = encoding.PutUvarint(w.buf, uint64(len(unshared)))
	w.buf = encoding.PutUvarint(w.buf, uint64(len(value)))
	w.buf = append(w.buf, unshared...)
	w.buf = append(w.buf, value...)

	w.lastKey = append(w.lastKey[:0], key...)
	w.entriesInBlock++
}

// Finish serializes the block: entry bytes, then the restart offset
// array, then a trailing restart count. The returned slice is owned by
// the caller (it is a copy of the writer's internal buffer).
func (w *Writer) Finish() []byte {
	out := make([]byte, 0, len(w.buf)+len(w.restarts)*4+4)
	out = append(out, w.buf...)
	for _, r := range w.restarts {
		out = encoding.PutFixed32(out, r)
	}
	out = encoding.PutFixed32(out, uint32(len(w.restarts)))
	return out
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// restartCount reads the trailing restart-point count from a serialized
// block.
func restartCount(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, ErrCorruptBlock
	}
	n := binary.LittleEndian.Uint32(data[len(data)-4:])
	// Each restart point is 4 bytes, plus the 4-byte count itself.
	if uint64(n)*4+4 > uint64(len(data)) {
		return 0, ErrCorruptBlock
	}
	return int(n), nil
}

// restartsOffset returns the offset where the restart array begins.
func restartsOffset(data []byte, numRestarts int) int {
	return len(data) - 4 - numRestarts*4
}

func restartPoint(data []byte, restartsOff, i int) (uint32, error) {
	off := restartsOff + i*4
	if off < 0 || off+4 > len(data) {
		return 0, ErrCorruptBlock
	}
	return binary.LittleEndian.Uint32(data[off : off+4]), nil
}
