// Package memtable implements the in-memory, size-bounded, ordered
// buffer that receives every write before it is durable in an SSTable
// (spec §4.4). It is a skip list keyed by InternalKey, generalized from
// the teacher repo's memtable/skip_list.go generic toy skip list into a
// durability-aware structure with a memory accumulator and a
// frozen/immutable lifecycle.
package memtable

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/flashkv/flashkv/internal/iterator"
	"github.com/flashkv/flashkv/internal/keys"
)

// ErrFrozen is returned by Put/Delete once the memtable has been frozen
// (spec §4.4: "insertions after the memtable is frozen are rejected").
var ErrFrozen = errors.New("memtable: frozen, no further writes accepted")

// LookupResult is the outcome of Get.
type LookupResult int

const (
	NotPresent LookupResult = iota
	Found
	Deleted
)

// perEntryOverhead approximates the skip-list node/pointer overhead
// added to every entry, used by ApproximateMemoryUsage.
const perEntryOverhead = 32

// Memtable is a size-bounded ordered map from UserKey to every recorded
// (Kind, Value) version; Get returns the newest one.
type Memtable struct {
	mu     sync.RWMutex
	list   *skipList
	size   int
	frozen bool
}

// New creates an empty Memtable. seed seeds the skip list's level
// randomization (tests pass a fixed seed for determinism; the engine
// passes time-derived entropy).
func New(seed int64) *Memtable {
	return &Memtable{list: newSkipList(keys.CompareInternalKeys, seed)}
}

// NewDefault creates an empty Memtable with a time-derived seed.
func NewDefault() *Memtable {
	return New(time.Now().UnixNano())
}

// Put records a live value for key at sequence seq.
func (m *Memtable) Put(seq keys.SequenceNumber, key, value []byte) error {
	return m.insert(seq, key, value, keys.KindValue)
}

// Delete records a tombstone for key at sequence seq.
func (m *Memtable) Delete(seq keys.SequenceNumber, key []byte) error {
	return m.insert(seq, key, nil, keys.KindDelete)
}

func (m *Memtable) insert(seq keys.SequenceNumber, key, value []byte, kind keys.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrFrozen
	}
	ik := keys.MakeInternalKey(nil, key, seq, kind)
	m.list.Insert(ik, value)
	m.size += len(ik) + len(value) + perEntryOverhead
	return nil
}

// Get returns the newest recorded value for key, if any.
func (m *Memtable) Get(key []byte) ([]byte, LookupResult) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seekKey := keys.MakeInternalKey(nil, key, keys.MaxSequenceNumber, keys.KindValue)
	n := m.list.seekGE(seekKey)
	if n == nil {
		return nil, NotPresent
	}
	parsed, ok := keys.ParseInternalKey(n.key)
	if !ok || keys.CompareBytes(parsed.UserKey, key) != 0 {
		return nil, NotPresent
	}
	if parsed.Kind == keys.KindDelete {
		return nil, Deleted
	}
	return n.value, Found
}

// ApproximateMemoryUsage returns the accumulated byte estimate used to
// decide when to rotate the memtable (spec §4.9's flush trigger).
func (m *Memtable) ApproximateMemoryUsage() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Len returns the number of entries (including superseded versions and
// tombstones) currently stored.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.size
}

// Freeze marks the memtable immutable; subsequent Put/Delete calls fail
// with ErrFrozen.
func (m *Memtable) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Iterator returns a forward iterator over InternalKeys in ascending
// order (UserKey asc, then sequence desc), suitable for flush and for
// composing into the top-level merge iterator.
func (m *Memtable) Iterator() iterator.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &memIterator{m: m}
}

type memIterator struct {
	m     *Memtable
	cur   *node
	valid bool
}

var _ iterator.Iterator = (*memIterator)(nil)

func (it *memIterator) SeekToFirst() {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.cur = it.m.list.head.forward[0]
	it.valid = it.cur != nil
}

func (it *memIterator) Seek(target []byte) {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.cur = it.m.list.seekGE(target)
	it.valid = it.cur != nil
}

func (it *memIterator) Next() {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	if it.cur != nil {
		it.cur = it.cur.forward[0]
	}
	it.valid = it.cur != nil
}

func (it *memIterator) Valid() bool    { return it.valid }
func (it *memIterator) Key() []byte    { return it.cur.key }
func (it *memIterator) Value() []byte  { return it.cur.value }
func (it *memIterator) Error() error   { return nil }
