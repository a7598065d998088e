package sstable

import (
	"bytes"
	"io"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
	"github.com/flashkv/flashkv/internal/block"
	"github.com/flashkv/flashkv/internal/iterator"
	"github.com/flashkv/flashkv/internal/keys"
)

// Reader provides point lookups and iteration over a single SSTable.
// The index block and filter are loaded into memory at Open time; data
// blocks are read on demand (through a cache upstream, in
// internal/cache). os.File.ReadAt is safe for concurrent use, so Reader
// needs no lock of its own.
type Reader struct {
	f      *os.File
	footer Footer
	index  []byte // raw index block bytes
	filter *bloom.BloomFilter
	loader func(h BlockHandle) ([]byte, error) // defaults to reading directly from f
}

// Open reads the footer, index block, and filter block of f (which must
// be exactly the table's contents) and returns a Reader ready for
// lookups.
func Open(f *os.File) (*Reader, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if size < FooterSize {
		return nil, ErrBadFooter
	}
	footerBuf := make([]byte, FooterSize)
	if _, err := f.ReadAt(footerBuf, size-FooterSize); err != nil {
		return nil, err
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	index := make([]byte, footer.IndexHandle.Length)
	if _, err := f.ReadAt(index, int64(footer.IndexHandle.Offset)); err != nil {
		return nil, errors.Wrap(err, "sstable: read index block")
	}

	r := &Reader{f: f, footer: footer, index: index}

	if filterHandle, ok, err := r.lookupFilterHandle(); err != nil {
		return nil, err
	} else if ok {
		filterBuf := make([]byte, filterHandle.Length)
		if _, err := f.ReadAt(filterBuf, int64(filterHandle.Offset)); err != nil {
			return nil, errors.Wrap(err, "sstable: read filter block")
		}
		filter := &bloom.BloomFilter{}
		if _, err := filter.ReadFrom(bytes.NewReader(filterBuf)); err != nil {
			// A corrupt filter block degrades to "no filter": every Get
			// falls through to the data blocks instead of failing open.
			r.filter = nil
		} else {
			r.filter = filter
		}
	}

	return r, nil
}

// lookupFilterHandle reads the metaindex block and looks up the bloom
// filter block's handle, if this table has one.
func (r *Reader) lookupFilterHandle() (BlockHandle, bool, error) {
	if r.footer.MetaIndexHandle.Length == 0 {
		return BlockHandle{}, false, nil
	}
	metaRaw := make([]byte, r.footer.MetaIndexHandle.Length)
	if _, err := r.f.ReadAt(metaRaw, int64(r.footer.MetaIndexHandle.Offset)); err != nil {
		return BlockHandle{}, false, errors.Wrap(err, "sstable: read metaindex block")
	}
	metaIter, err := block.NewIterator(metaRaw, bytes.Compare)
	if err != nil {
		return BlockHandle{}, false, errors.Wrap(err, "sstable: parse metaindex block")
	}
	metaIter.Seek([]byte(filterMetaKey))
	if !metaIter.Valid() || string(metaIter.Key()) != filterMetaKey {
		return BlockHandle{}, false, nil
	}
	handle, _, err := DecodeBlockHandle(metaIter.Value())
	if err != nil {
		return BlockHandle{}, false, errors.Wrap(err, "sstable: decode filter handle")
	}
	return handle, true, nil
}

// MayContain reports whether userKey could be present, consulting the
// bloom filter when one was loaded. Returns true (no decision) if there
// is no filter.
func (r *Reader) MayContain(userKey []byte) bool {
	if r.filter == nil {
		return true
	}
	return r.filter.Test(userKey)
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

func (r *Reader) readBlock(h BlockHandle) ([]byte, error) {
	if r.loader != nil {
		return r.loader(h)
	}
	return r.readBlockFromFile(h)
}

func (r *Reader) readBlockFromFile(h BlockHandle) ([]byte, error) {
	buf := make([]byte, h.Length)
	if _, err := r.f.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, errors.Wrap(err, "sstable: read data block")
	}
	return buf, nil
}

// SetBlockLoader installs fn as the data-block fetch path, letting a
// caller (internal/cache's TableCache) interpose a block cache in
// front of raw file reads. Passing nil restores direct file reads.
func (r *Reader) SetBlockLoader(fn func(h BlockHandle) ([]byte, error)) {
	r.loader = fn
}

// ReadBlockDirect reads a block straight from the backing file,
// bypassing any installed loader — the primitive a loader's miss path
// calls into.
func (r *Reader) ReadBlockDirect(h BlockHandle) ([]byte, error) {
	return r.readBlockFromFile(h)
}

// Get returns the value for the newest InternalKey matching userKey at
// or below maxSeq, if present in this table.
func (r *Reader) Get(userKey []byte, maxSeq keys.SequenceNumber) ([]byte, keys.Kind, bool, error) {
	if !r.MayContain(userKey) {
		return nil, 0, false, nil
	}

	idxIter, err := block.NewIterator(r.index, keys.CompareInternalKeys)
	if err != nil {
		return nil, 0, false, err
	}
	seekKey := keys.MakeInternalKey(nil, userKey, maxSeq, keys.KindValue)
	idxIter.Seek(seekKey)
	if !idxIter.Valid() {
		return nil, 0, false, nil
	}

	handle, _, err := DecodeBlockHandle(idxIter.Value())
	if err != nil {
		return nil, 0, false, err
	}
	raw, err := r.readBlock(handle)
	if err != nil {
		return nil, 0, false, err
	}
	dataIter, err := block.NewIterator(raw, keys.CompareInternalKeys)
	if err != nil {
		return nil, 0, false, err
	}
	dataIter.Seek(seekKey)
	if !dataIter.Valid() {
		return nil, 0, false, nil
	}
	parsed, ok := keys.ParseInternalKey(dataIter.Key())
	if !ok || keys.CompareBytes(parsed.UserKey, userKey) != 0 {
		return nil, 0, false, nil
	}
	value := append([]byte(nil), dataIter.Value()...)
	return value, parsed.Kind, true, nil
}

// NewIterator returns a two-level iterator (index -> data block) over
// every InternalKey in the table, in ascending order.
func (r *Reader) NewIterator() (iterator.Iterator, error) {
	idxIter, err := block.NewIterator(r.index, keys.CompareInternalKeys)
	if err != nil {
		return nil, err
	}
	return &tableIterator{r: r, index: idxIter}, nil
}

// tableIterator composes the index block's iterator with the data
// block it currently points at, loading each data block lazily.
type tableIterator struct {
	r     *Reader
	index *block.Iterator
	data  *block.Iterator
	err   error
}

var _ iterator.Iterator = (*tableIterator)(nil)

func (it *tableIterator) loadDataBlock() {
	if it.err != nil || !it.index.Valid() {
		it.data = nil
		return
	}
	handle, _, err := DecodeBlockHandle(it.index.Value())
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	raw, err := it.r.readBlock(handle)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	di, err := block.NewIterator(raw, keys.CompareInternalKeys)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	it.data = di
}

func (it *tableIterator) SeekToFirst() {
	it.index.SeekToFirst()
	it.loadDataBlock()
	if it.data != nil {
		it.data.SeekToFirst()
		it.skipEmptyBlocksForward()
	}
}

func (it *tableIterator) Seek(target []byte) {
	it.index.Seek(target)
	it.loadDataBlock()
	if it.data != nil {
		it.data.Seek(target)
		it.skipEmptyBlocksForward()
	}
}

func (it *tableIterator) skipEmptyBlocksForward() {
	for it.data != nil && !it.data.Valid() {
		it.index.Next()
		it.loadDataBlock()
		if it.data != nil {
			it.data.SeekToFirst()
		}
	}
}

func (it *tableIterator) Next() {
	if it.data == nil {
		return
	}
	it.data.Next()
	if !it.data.Valid() {
		it.index.Next()
		it.loadDataBlock()
		if it.data != nil {
			it.data.SeekToFirst()
		}
		it.skipEmptyBlocksForward()
	}
}

func (it *tableIterator) Valid() bool {
	return it.data != nil && it.data.Valid()
}

func (it *tableIterator) Key() []byte { return it.data.Key() }
func (it *tableIterator) Value() []byte { return it.data.Value() }
func (it *tableIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.index.Error() != nil {
		return it.index.Error()
	}
	if it.data != nil {
		return it.data.Error()
	}
	return nil
}
