package sstable

import (
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/flashkv/flashkv/internal/block"
	"github.com/flashkv/flashkv/internal/keys"
)

// DefaultBlockSize is the target uncompressed size of a data block
// before the writer rolls to a new one (teacher's sst/writer.go default
// of 4 KiB, generalized from its fixed-length entries to
// internal/block's restart-point encoding).
const DefaultBlockSize = 4 * 1024

// filterFalsePositiveRate is the bloom filter's target false-positive
// rate (spec §4.6: 1%).
const filterFalsePositiveRate = 0.01

// Result summarizes a finished SSTable, the subset of FileMetaData the
// writer is positioned to know.
type Result struct {
	FileSize uint64
	Smallest []byte
	Largest  []byte
}

// Writer builds one SSTable: a sequence of data blocks, an index block
// keyed by each data block's largest key, an optional bloom filter
// block over every key added, and a fixed footer.
type Writer struct {
	f         *os.File
	blockSize int

	dataBlock  *block.Writer
	indexBlock *block.Writer
	filter     *bloom.BloomFilter

	offset   uint64
	smallest []byte
	largest  []byte

	pendingHandle BlockHandle
	pendingKey    []byte
	havePending   bool
}

// NewWriter creates a Writer over f (positioned at offset 0).
// estimatedKeys sizes the bloom filter.
func NewWriter(f *os.File, estimatedKeys uint) *Writer {
	return &Writer{
		f:          f,
		blockSize:  DefaultBlockSize,
		dataBlock:  block.NewWriter(block.DefaultRestartInterval),
		indexBlock: block.NewWriter(block.DefaultRestartInterval),
		filter:     bloom.NewWithEstimates(max(estimatedKeys, 1), filterFalsePositiveRate),
	}
}

// ApproximateSize returns the number of bytes written so far, plus the
// pending data block, so a caller can decide when to roll to a new
// output file without waiting for Finish.
func (w *Writer) ApproximateSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimatedSize())
}

// Add appends one InternalKey/value pair. Keys must be added in
// ascending InternalKey order.
func (w *Writer) Add(internalKey, value []byte) error {
	if w.smallest == nil {
		w.smallest = append([]byte(nil), internalKey...)
	}
	w.largest = append(w.largest[:0], internalKey...)

	if parsed, ok := keys.ParseInternalKey(internalKey); ok {
		w.filter.Add(parsed.UserKey)
	}

	if w.havePending {
		if err := w.flushIndexEntry(); err != nil {
			return err
		}
	}

	w.dataBlock.Add(internalKey, value)
	if w.dataBlock.EstimatedSize() >= w.blockSize {
		return w.finishDataBlock()
	}
	return nil
}

// finishDataBlock flushes the current data block to disk and stages
// its index entry (recorded lazily so the index separator can be the
// block's own last key — this format uses the exact last key rather
// than a shortened separator for simplicity).
func (w *Writer) finishDataBlock() error {
	if w.dataBlock.Empty() {
		return nil
	}
	raw := w.dataBlock.Finish()
	handle := BlockHandle{Offset: w.offset, Length: uint64(len(raw))}
	if _, err := w.f.Write(raw); err != nil {
		return err
	}
	w.offset += uint64(len(raw))

	w.pendingHandle = handle
	w.pendingKey = append(w.pendingKey[:0], w.largest...)
	w.havePending = true

	w.dataBlock.Reset()
	return nil
}

func (w *Writer) flushIndexEntry() error {
	var buf []byte
	buf = w.pendingHandle.EncodeTo(buf)
	w.indexBlock.Add(w.pendingKey, buf)
	w.havePending = false
	return nil
}

// Finish flushes any pending data, writes the index and filter blocks
// and the footer, and returns the table's size and key range. The
// underlying file is left open and positioned at EOF; the caller syncs
// and closes it.
func (w *Writer) Finish() (Result, error) {
	if err := w.finishDataBlock(); err != nil {
		return Result{}, err
	}
	if w.havePending {
		if err := w.flushIndexEntry(); err != nil {
			return Result{}, err
		}
	}

	var footer Footer

	indexRaw := w.indexBlock.Finish()
	indexHandle := BlockHandle{Offset: w.offset, Length: uint64(len(indexRaw))}
	if _, err := w.f.Write(indexRaw); err != nil {
		return Result{}, err
	}
	w.offset += uint64(len(indexRaw))
	footer.IndexHandle = indexHandle

	filterOffset := w.offset
	n, err := w.filter.WriteTo(w.f)
	if err != nil {
		return Result{}, err
	}
	w.offset += uint64(n)
	filterHandle := BlockHandle{Offset: filterOffset, Length: uint64(n)}

	// The filter handle is recorded in a metaindex block rather than the
	// footer, keeping the footer a fixed two-handle shape (spec §3/§6's
	// 48-byte footer) no matter how many auxiliary blocks a table grows.
	metaBlock := block.NewWriter(block.DefaultRestartInterval)
	metaBlock.Add([]byte(filterMetaKey), filterHandle.EncodeTo(nil))
	metaRaw := metaBlock.Finish()
	metaHandle := BlockHandle{Offset: w.offset, Length: uint64(len(metaRaw))}
	if _, err := w.f.Write(metaRaw); err != nil {
		return Result{}, err
	}
	w.offset += uint64(len(metaRaw))
	footer.MetaIndexHandle = metaHandle

	if _, err := w.f.Write(footer.Encode()); err != nil {
		return Result{}, err
	}
	w.offset += FooterSize

	return Result{FileSize: w.offset, Smallest: w.smallest, Largest: w.largest}, nil
}
