// Package sstable implements the immutable, sorted on-disk table
// format: a sequence of internal/block-encoded data blocks, a sparse
// index block mapping each data block's last key to its location, an
// optional bloom filter block, and a fixed-size trailing footer (spec
// §4.5/§4.6).
//
// Grounded on the teacher repo's sst/writer.go doc comment (data block
// / index block / bloom filter / 48-byte footer layout) generalized
// from its ad hoc 4-byte-length entries to internal/block's
// restart-point format, and on aalhour/rockyardkv's block/version code
// for the two-level iterator composition.
package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/flashkv/flashkv/internal/encoding"
)

// Magic identifies a well-formed flashkv SSTable footer.
const Magic uint64 = 0xdb4775248b80fb57

// FooterSize is the fixed trailing footer length: a metaindex handle, an
// index handle (2 varints each, generously bounded), then 8 bytes of
// magic (spec §3/§6's documented 48-byte footer). Unlike a varint-packed
// footer, this engine fixes the footer at a constant size so a reader
// can always seek to fileSize-FooterSize without first knowing the
// file's content. The filter block's location is not in the footer at
// all — it is looked up through the metaindex block, the way LevelDB
// keeps the footer's two-handle shape fixed regardless of how many
// auxiliary blocks a table carries.
const FooterSize = 48

// filterMetaKey is the metaindex block's key for the bloom filter
// block's handle.
const filterMetaKey = "filter.bloom"

// ErrBadFooter is returned when the trailing bytes of a file don't
// decode into a well-formed footer (wrong magic, truncated file).
var ErrBadFooter = errors.New("sstable: bad footer")

// BlockHandle locates a block within the file.
type BlockHandle struct {
	Offset uint64
	Length uint64
}

// EncodeTo appends the handle's varint encoding to dst.
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	dst = encoding.PutUvarint(dst, h.Offset)
	dst = encoding.PutUvarint(dst, h.Length)
	return dst
}

// DecodeBlockHandle reads a handle from the front of buf, returning the
// handle and the number of bytes consumed.
func DecodeBlockHandle(buf []byte) (BlockHandle, int, error) {
	off, n1, err := encoding.GetUvarint(buf)
	if err != nil {
		return BlockHandle{}, 0, err
	}
	length, n2, err := encoding.GetUvarint(buf[n1:])
	if err != nil {
		return BlockHandle{}, 0, err
	}
	return BlockHandle{Offset: off, Length: length}, n1 + n2, nil
}

// Footer is the fixed-size trailer written at the end of every
// SSTable, pointing at the metaindex block and the index block. Every
// other block (the filter block included) is reached indirectly,
// through an entry in the metaindex block, so adding one never grows
// the footer.
type Footer struct {
	MetaIndexHandle BlockHandle
	IndexHandle     BlockHandle
}

// Encode serializes the footer to exactly FooterSize bytes, padding
// the unused tail of the handle region with zeros.
func (f Footer) Encode() []byte {
	buf := make([]byte, 0, FooterSize)
	buf = f.MetaIndexHandle.EncodeTo(buf)
	buf = f.IndexHandle.EncodeTo(buf)
	for len(buf) < FooterSize-8 {
		buf = append(buf, 0)
	}
	buf = buf[:FooterSize-8]
	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], Magic)
	return append(buf, magic[:]...)
}

// DecodeFooter parses a FooterSize-byte buffer.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, ErrBadFooter
	}
	magic := binary.LittleEndian.Uint64(buf[FooterSize-8:])
	if magic != Magic {
		return Footer{}, ErrBadFooter
	}
	meta, n, err := DecodeBlockHandle(buf)
	if err != nil {
		return Footer{}, errors.Wrap(ErrBadFooter, err.Error())
	}
	idx, _, err := DecodeBlockHandle(buf[n:])
	if err != nil {
		return Footer{}, errors.Wrap(ErrBadFooter, err.Error())
	}
	return Footer{MetaIndexHandle: meta, IndexHandle: idx}, nil
}
