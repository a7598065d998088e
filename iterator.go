package flashkv

import (
	"github.com/flashkv/flashkv/internal/iterator"
	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/merge"
	"github.com/flashkv/flashkv/internal/version"
)

// Iterator walks live key/value pairs in ascending key order, fusing
// the active memtable, any pending immutable memtable, and every level
// of on-disk SSTables into one stream with superseded versions and
// tombstones already resolved away (spec §4.7/§4.8). Close releases the
// Version snapshot it pins; forgetting to call it leaks that snapshot's
// files until the DB itself closes.
type Iterator struct {
	version *version.Version
	it      iterator.Iterator
	err     error
}

// NewIterator returns an Iterator positioned before the first key. Call
// SeekToFirst or Seek before reading.
func (db *DB) NewIterator() *Iterator {
	if db.closed.Load() {
		return &Iterator{err: errIO(errClosed)}
	}

	db.stateMu.Lock()
	mem := db.mem
	imm := db.imm
	db.stateMu.Unlock()

	v := db.versions.Current()
	v.Ref()

	its := []iterator.Iterator{mem.Iterator()}
	if imm != nil {
		its = append(its, imm.Iterator())
	}

	for level := 0; level < version.NumLevels; level++ {
		for _, f := range v.Files(level) {
			r, err := db.tableCache.Get(f.FileNumber)
			if err != nil {
				v.Unref()
				return &Iterator{err: errIO(err)}
			}
			fit, err := r.NewIterator()
			if err != nil {
				v.Unref()
				return &Iterator{err: errIO(err)}
			}
			its = append(its, fit)
		}
	}

	merged := merge.NewIterator(its)
	deduped := merge.NewDedupIterator(merged, true)
	return &Iterator{version: v, it: deduped}
}

// SeekToFirst positions the iterator at the smallest live key.
func (it *Iterator) SeekToFirst() {
	if it.it != nil {
		it.it.SeekToFirst()
	}
}

// Seek positions the iterator at the first live key >= target.
func (it *Iterator) Seek(target []byte) {
	if it.it == nil {
		return
	}
	it.it.Seek(keys.MakeInternalKey(nil, target, keys.MaxSequenceNumber, keys.KindValue))
}

// Next advances to the next live key. Valid must be true before calling.
func (it *Iterator) Next() {
	if it.it != nil {
		it.it.Next()
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.it != nil && it.it.Valid() }

// Key returns the current user key.
func (it *Iterator) Key() []byte {
	parsed, _ := keys.ParseInternalKey(it.it.Key())
	return parsed.UserKey
}

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.it.Value() }

// Error returns the first error encountered, if any.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.it != nil {
		if err := it.it.Error(); err != nil {
			return errIO(err)
		}
	}
	return nil
}

// Close releases the Version snapshot this iterator pinned. Safe to
// call more than once.
func (it *Iterator) Close() error {
	if it.version != nil {
		it.version.Unref()
		it.version = nil
	}
	return nil
}
