package block

import (
	"github.com/flashkv/flashkv/internal/encoding"
	"github.com/flashkv/flashkv/internal/iterator"
)

// Comparator orders two keys the same way the block's entries were
// sorted when written. A block holding plain user keys is ordered by
// bytes.Compare; a block holding InternalKeys (spec §3's UserKey +
// trailer encoding) must be ordered by keys.CompareInternalKeys instead,
// since the trailer's sequence number sorts descending within a user
// key. NewIterator takes this as an explicit parameter rather than
// defaulting to bytes.Compare, so a caller seeking InternalKeys can
// never silently fall back to the wrong order.
type Comparator func(a, b []byte) int

// Iterator walks a serialized block produced by Writer.Finish. It
// implements iterator.Iterator. Iteration is strictly forward, as
// spec §4.1 requires.
type Iterator struct {
	data        []byte
	restartsOff int
	numRestarts int
	cmp         Comparator

	offset  int // byte offset of the current entry
	nextOff int // byte offset of the entry after current

	key   []byte
	value []byte
	valid bool
	err   error
}

var _ iterator.Iterator = (*Iterator)(nil)

// NewIterator parses a serialized block and returns an iterator over it.
// data is not copied; the caller must keep it alive for the iterator's
// lifetime. cmp must order keys the same way they were added to the
// Writer that produced data.
func NewIterator(data []byte, cmp Comparator) (*Iterator, error) {
	n, err := restartCount(data)
	if err != nil {
		return nil, err
	}
	return &Iterator{
		data:        data,
		restartsOff: restartsOffset(data, n),
		numRestarts: n,
		cmp:         cmp,
	}, nil
}

func (it *Iterator) Error() error { return it.err }
func (it *Iterator) Valid() bool  { return it.valid && it.err == nil }
func (it *Iterator) Key() []byte  { return it.key }
func (it *Iterator) Value() []byte {
	return it.value
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.valid = false
}

// decodeEntryAt parses the entry at byte offset off, given the key of the
// entry immediately before it, against which its shared prefix is
// encoded (prevKey may be nil at a restart point, where nothing is shared).
func (it *Iterator) decodeEntryAt(off int, prevKey []byte) (key, value []byte, next int, err error) {
	buf := it.data[off:it.restartsOff]
	shared, n1, e := encoding.GetUvarint(buf)
	if e != nil {
		return nil, nil, 0, ErrCorruptBlock
	}
	buf = buf[n1:]
	unsharedLen, n2, e := encoding.GetUvarint(buf)
	if e != nil {
		return nil, nil, 0, ErrCorruptBlock
	}
	buf = buf[n2:]
	valueLen, n3, e := encoding.GetUvarint(buf)
	if e != nil {
		return nil, nil, 0, ErrCorruptBlock
	}
	buf = buf[n3:]

	if uint64(shared) > uint64(len(prevKey)) {
		return nil, nil, 0, ErrCorruptBlock
	}
	if uint64(unsharedLen)+uint64(valueLen) > uint64(len(buf)) {
		return nil, nil, 0, ErrCorruptBlock
	}

	unshared := buf[:unsharedLen]
	val := buf[unsharedLen : unsharedLen+valueLen]

	key = make([]byte, 0, int(shared)+int(unsharedLen))
	key = append(key, prevKey[:shared]...)
	key = append(key, unshared...)

	headerLen := off + n1 + n2 + n3
	next = headerLen + int(unsharedLen) + int(valueLen)
	return key, val, next, nil
}

func (it *Iterator) seekToRestart(i int) error {
	off, err := restartPoint(it.data, it.restartsOff, i)
	if err != nil {
		return err
	}
	it.offset = int(off)
	it.nextOff = int(off)
	it.key = it.key[:0]
	it.valid = false
	return nil
}

func (it *Iterator) SeekToFirst() {
	if it.err != nil {
		return
	}
	if it.numRestarts == 0 {
		it.valid = false
		return
	}
	if err := it.seekToRestart(0); err != nil {
		it.fail(err)
		return
	}
	it.Next()
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if it.err != nil {
		it.valid = false
		return
	}
	if it.nextOff >= it.restartsOff {
		it.valid = false
		return
	}
	var prevKey []byte
	if it.valid {
		prevKey = it.key
	}
	key, val, next, err := it.decodeEntryAt(it.nextOff, prevKey)
	if err != nil {
		it.fail(err)
		return
	}
	it.offset = it.nextOff
	it.nextOff = next
	it.key = key
	it.value = val
	it.valid = true
}

// Seek positions the iterator at the first key >= target, using binary
// search over restart points followed by a linear scan, per spec §4.1.
func (it *Iterator) Seek(target []byte) {
	if it.err != nil {
		return
	}
	if it.numRestarts == 0 {
		it.valid = false
		return
	}

	// Binary search for the last restart whose key <= target.
	lo, hi := 0, it.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		off, err := restartPoint(it.data, it.restartsOff, mid)
		if err != nil {
			it.fail(err)
			return
		}
		key, _, _, err := it.decodeEntryAt(int(off), nil)
		if err != nil {
			it.fail(err)
			return
		}
		if it.cmp(key, target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	if err := it.seekToRestart(lo); err != nil {
		it.fail(err)
		return
	}
	for it.Next(); it.Valid(); it.Next() {
		if it.cmp(it.key, target) >= 0 {
			return
		}
	}
}
