package walrecord

import (
	"io"

	"github.com/flashkv/flashkv/internal/encoding"
)

// Writer appends logical records to an underlying file, fragmenting
// across BlockSize-aligned physical blocks as needed. Every AddRecord
// call is immediately written (and, per the engine's fsync policy,
// Sync is called by the owner after the call returns).
type Writer struct {
	w        io.Writer
	blockOff int // bytes written into the current physical block
}

// NewWriter wraps w for record-at-a-time appends. The caller must pass a
// writer positioned at a block boundary (i.e. a freshly created or
// freshly opened-for-append file at a multiple of BlockSize — true for
// every file this package creates).
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// AddRecord writes one logical record, fragmenting it across physical
// blocks as necessary, and returns the number of bytes written
// (including per-fragment headers).
func (w *Writer) AddRecord(data []byte) (int, error) {
	total := 0
	first := true
	for {
		leftover := BlockSize - w.blockOff
		if leftover < HeaderSize {
			// Not enough room for even a header: pad with zeros and
			// roll to the next block.
			if leftover > 0 {
				pad := make([]byte, leftover)
				n, err := w.w.Write(pad)
				total += n
				if err != nil {
					return total, err
				}
			}
			w.blockOff = 0
			leftover = BlockSize
		}

		avail := leftover - HeaderSize
		fragLen := len(data)
		last := true
		if fragLen > avail {
			fragLen = avail
			last = false
		}

		var typ RecordType
		switch {
		case first && last:
			typ = recFull
		case first && !last:
			typ = recFirst
		case !first && last:
			typ = recLast
		default:
			typ = recMiddle
		}

		frag := data[:fragLen]
		data = data[fragLen:]

		header := make([]byte, 0, HeaderSize)
		crc := encoding.CRC32(append([]byte{byte(typ)}, frag...))
		header = encoding.PutFixed32(header, crc)
		header = append(header, byte(fragLen), byte(fragLen>>8))
		header = append(header, byte(typ))

		n, err := w.w.Write(header)
		total += n
		if err != nil {
			return total, err
		}
		n, err = w.w.Write(frag)
		total += n
		if err != nil {
			return total, err
		}
		w.blockOff += HeaderSize + fragLen

		first = false
		if last {
			break
		}
	}
	return total, nil
}
