// Package merge implements the k-way merge iterator that fuses the
// memtable(s) and every level's SSTable iterators into a single
// InternalKey-ordered stream (spec §4.7/§4.8), plus a newest-wins
// deduplicating wrapper used by reads and by compaction.
//
// Grounded on aalhour/rockyardkv's compaction-job.go merged-iterator
// construction (retrieval pack, other_examples), reimplemented with
// container/heap instead of a manual tournament tree.
package merge

import (
	"container/heap"

	"github.com/flashkv/flashkv/internal/iterator"
	"github.com/flashkv/flashkv/internal/keys"
)

// source pairs one child iterator with its rank: lower rank means a
// newer origin (e.g. the active memtable is rank 0, L0's newest file is
// rank 1, and so on down through the levels). When two sources produce
// equal InternalKeys — which should only happen with equal UserKey and
// equal sequence number, a case the engine never produces, but which
// can arise transiently while iterating raw per-level streams with
// overlapping L0 files — ties break by rank so the newer source wins.
type source struct {
	it   iterator.Iterator
	rank int
}

// heapItem is one live entry from a source, cached so the heap doesn't
// need to call Key()/Value() on a sleeping iterator during comparisons.
type heapItem struct {
	key   []byte
	value []byte
	rank  int
	index int // index into Iterator.sources
}

type itemHeap []*heapItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if c := keys.CompareInternalKeys(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)    { *h = append(*h, x.(*heapItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Iterator is a k-way merge over heterogeneous sorted sources, in
// ascending InternalKey order with ties broken by source rank.
type Iterator struct {
	sources []source
	h       itemHeap
	cur     *heapItem
	err     error
}

var _ iterator.Iterator = (*Iterator)(nil)

// NewIterator builds a merge iterator over its, in rank order (its[0]
// is rank 0, the newest source).
func NewIterator(its []iterator.Iterator) *Iterator {
	m := &Iterator{sources: make([]source, len(its))}
	for i, it := range its {
		m.sources[i] = source{it: it, rank: i}
	}
	return m
}

func (m *Iterator) rebuild(position func(iterator.Iterator)) {
	m.h = m.h[:0]
	for i := range m.sources {
		position(m.sources[i].it)
		m.pushIfValid(i)
	}
	heap.Init(&m.h)
	m.advanceToTop()
}

func (m *Iterator) pushIfValid(idx int) {
	it := m.sources[idx].it
	if err := it.Error(); err != nil && m.err == nil {
		m.err = err
	}
	if !it.Valid() {
		return
	}
	heap.Push(&m.h, &heapItem{key: it.Key(), value: it.Value(), rank: m.sources[idx].rank, index: idx})
}

func (m *Iterator) advanceToTop() {
	if len(m.h) == 0 {
		m.cur = nil
		return
	}
	m.cur = m.h[0]
}

// SeekToFirst repositions every source at its first entry.
func (m *Iterator) SeekToFirst() {
	m.rebuild(func(it iterator.Iterator) { it.SeekToFirst() })
}

// Seek repositions every source at its first entry >= target.
func (m *Iterator) Seek(target []byte) {
	m.rebuild(func(it iterator.Iterator) { it.Seek(target) })
}

// Next advances the source that produced the current top entry and
// restores the heap invariant.
func (m *Iterator) Next() {
	if m.cur == nil {
		return
	}
	top := heap.Pop(&m.h).(*heapItem)
	m.sources[top.index].it.Next()
	m.pushIfValid(top.index)
	m.advanceToTop()
}

func (m *Iterator) Valid() bool   { return m.cur != nil }
func (m *Iterator) Key() []byte   { return m.cur.key }
func (m *Iterator) Value() []byte { return m.cur.value }
func (m *Iterator) Error() error  { return m.err }
