package walrecord

import (
	"bufio"
	"io"

	"github.com/flashkv/flashkv/internal/encoding"
)

// Reader reads logical records written by Writer, reassembling
// fragmented ones. It scans strictly forward.
//
// Per spec §4.3: a truncated trailing record (a header/fragment that
// runs past EOF, or whose checksum fails, with nothing readable after
// it) is tolerated and stops replay. Any corruption with further bytes
// following it is fatal and reported as ErrCorruptRecord, since that can
// only mean the log itself is damaged, not merely an unsynced tail.
type Reader struct {
	r        *bufio.Reader
	buf      []byte // accumulator for a fragmented record
	blockOff int    // offset within the current physical block
	stopped  bool
}

// NewReader wraps r for sequential record reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, BlockSize)}
}

// atEOF reports whether the underlying reader has no more bytes.
func (r *Reader) atEOF() bool {
	_, err := r.r.Peek(1)
	return err != nil
}

// ReadRecord returns the next logical record, or io.EOF once the log is
// exhausted (including the tolerated truncated-tail case). A fatal,
// non-tail corruption is reported as ErrCorruptRecord.
func (r *Reader) ReadRecord() ([]byte, error) {
	if r.stopped {
		return nil, io.EOF
	}
	r.buf = r.buf[:0]
	inFragment := false

	for {
		if leftover := BlockSize - r.blockOff; leftover < HeaderSize {
			// Writer zero-pads a block tail too short for a header; the
			// next header starts at the following block.
			if _, err := r.r.Discard(leftover); err != nil {
				r.stopped = true
				return nil, io.EOF
			}
			r.blockOff = 0
		}
		header := make([]byte, HeaderSize)
		n, err := io.ReadFull(r.r, header)
		if err != nil {
			r.stopped = true
			if n == 0 {
				return nil, io.EOF // clean EOF at a record boundary
			}
			// Partial header: truncated tail, always tolerated.
			return nil, io.EOF
		}

		r.blockOff += HeaderSize
		crc, _ := encoding.GetFixed32(header[0:4])
		length := int(header[4]) | int(header[5])<<8
		typ := RecordType(header[6])

		if typ == 0 && length == 0 && crc == 0 {
			// An all-zero header marks zero-filled space rather than a
			// record; skip it and keep scanning.
			if r.atEOF() {
				r.stopped = true
				return nil, io.EOF
			}
			continue
		}

		frag := make([]byte, length)
		_, err = io.ReadFull(r.r, frag)
		if err != nil {
			// Truncated payload: tolerated tail.
			r.stopped = true
			return nil, io.EOF
		}
		r.blockOff += length

		want := encoding.CRC32(append([]byte{byte(typ)}, frag...))
		if want != crc {
			if r.atEOF() {
				// Nothing follows: an unsynced/partially-written tail.
				r.stopped = true
				return nil, io.EOF
			}
			// More data follows a bad checksum: the log itself is
			// damaged, not merely an unsynced tail.
			r.stopped = true
			return nil, ErrCorruptRecord
		}

		switch typ {
		case recFull:
			return frag, nil
		case recFirst:
			r.buf = append(r.buf[:0], frag...)
			inFragment = true
		case recMiddle:
			if !inFragment {
				r.stopped = true
				return nil, ErrCorruptRecord
			}
			r.buf = append(r.buf, frag...)
		case recLast:
			if !inFragment {
				r.stopped = true
				return nil, ErrCorruptRecord
			}
			r.buf = append(r.buf, frag...)
			out := make([]byte, len(r.buf))
			copy(out, r.buf)
			return out, nil
		default:
			r.stopped = true
			return nil, ErrCorruptRecord
		}
	}
}
