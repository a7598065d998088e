package merge

import (
	"github.com/flashkv/flashkv/internal/iterator"
	"github.com/flashkv/flashkv/internal/keys"
)

// DedupIterator wraps an ascending InternalKey-ordered source (normally
// a merge Iterator) and emits exactly one entry per UserKey: the first
// one seen, which — because the source is already ordered newest-first
// within equal UserKeys — is the newest live version. Superseded
// versions and, optionally, tombstones themselves are skipped.
//
// Used both by the read path (DropTombstones=true: a deleted key should
// simply not be found) and by compaction (DropTombstones=false: the
// compaction job itself decides, per key, whether a tombstone can be
// dropped because no lower level holds an older version).
type DedupIterator struct {
	src            iterator.Iterator
	dropTombstones bool
	valid          bool
}

var _ iterator.Iterator = (*DedupIterator)(nil)

// NewDedupIterator wraps src. When dropTombstones is true, KindDelete
// entries are elided entirely rather than surfaced to the caller.
func NewDedupIterator(src iterator.Iterator, dropTombstones bool) *DedupIterator {
	return &DedupIterator{src: src, dropTombstones: dropTombstones}
}

func (d *DedupIterator) skipToNextUserKey() {
	if !d.src.Valid() {
		d.valid = false
		return
	}
	var lastUserKey []byte
	for d.src.Valid() {
		parsed, ok := keys.ParseInternalKey(d.src.Key())
		if !ok {
			d.valid = false
			return
		}
		if lastUserKey != nil && keys.CompareBytes(lastUserKey, parsed.UserKey) == 0 {
			d.src.Next()
			continue
		}
		if d.dropTombstones && parsed.Kind == keys.KindDelete {
			lastUserKey = append(lastUserKey[:0], parsed.UserKey...)
			d.src.Next()
			continue
		}
		d.valid = true
		return
	}
	d.valid = false
}

func (d *DedupIterator) SeekToFirst() {
	d.src.SeekToFirst()
	d.skipToNextUserKey()
}

func (d *DedupIterator) Seek(target []byte) {
	d.src.Seek(target)
	d.skipToNextUserKey()
}

func (d *DedupIterator) Next() {
	if !d.valid {
		return
	}
	parsed, _ := keys.ParseInternalKey(d.src.Key())
	lastUserKey := append([]byte(nil), parsed.UserKey...)
	d.src.Next()
	for d.src.Valid() {
		p, ok := keys.ParseInternalKey(d.src.Key())
		if !ok {
			d.valid = false
			return
		}
		if keys.CompareBytes(lastUserKey, p.UserKey) == 0 {
			d.src.Next()
			continue
		}
		if d.dropTombstones && p.Kind == keys.KindDelete {
			lastUserKey = append(lastUserKey[:0], p.UserKey...)
			d.src.Next()
			continue
		}
		d.valid = true
		return
	}
	d.valid = false
}

func (d *DedupIterator) Valid() bool   { return d.valid }
func (d *DedupIterator) Key() []byte   { return d.src.Key() }
func (d *DedupIterator) Value() []byte { return d.src.Value() }
func (d *DedupIterator) Error() error  { return d.src.Error() }
