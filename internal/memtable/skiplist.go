package memtable

import "math/rand"

const maxHeight = 12

// node is a skip-list node keyed by a fully-formed InternalKey. Value
// holds the raw value bytes (empty for a tombstone — Kind lives in the
// key's trailer, so Get never needs to inspect Value to know liveness).
type node struct {
	key     []byte
	value   []byte
	forward []*node
}

func newNode(key, value []byte, height int) *node {
	return &node{key: key, value: value, forward: make([]*node, height)}
}

// skipList is an ordered map from InternalKey to value bytes, ordered by
// cmp. Reused from the teacher repo's memtable/skip_list.go node/forward
// structure, generalized from a generic Record[K,V] toy to raw
// []byte-keyed InternalKeys with an injectable comparator and an entry
// counter (the byte-size accumulator lives in Memtable).
type skipList struct {
	head   *node
	height int
	size   int
	cmp    func(a, b []byte) int
	rnd    *rand.Rand
}

func newSkipList(cmp func(a, b []byte) int, seed int64) *skipList {
	return &skipList{
		head:   newNode(nil, nil, maxHeight),
		height: 1,
		cmp:    cmp,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

func (s *skipList) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Int31()&3 == 0 {
		h++
	}
	return h
}

// findPredecessors returns, for each level, the last node whose key is
// strictly less than key.
func (s *skipList) findPredecessors(key []byte) [maxHeight]*node {
	var preds [maxHeight]*node
	cur := s.head
	for lvl := s.height - 1; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && s.cmp(cur.forward[lvl].key, key) < 0 {
			cur = cur.forward[lvl]
		}
		preds[lvl] = cur
	}
	return preds
}

// Insert adds key/value. Keys are assumed unique (InternalKeys are
// unique because the sequence number is part of the key); Insert does
// not special-case an update-in-place.
func (s *skipList) Insert(key, value []byte) {
	preds := s.findPredecessors(key)
	h := s.randomHeight()
	if h > s.height {
		for lvl := s.height; lvl < h; lvl++ {
			preds[lvl] = s.head
		}
		s.height = h
	}
	n := newNode(key, value, h)
	for lvl := 0; lvl < h; lvl++ {
		n.forward[lvl] = preds[lvl].forward[lvl]
		preds[lvl].forward[lvl] = n
	}
	s.size++
}

// seekGE returns the first node whose key is >= target, or nil.
func (s *skipList) seekGE(target []byte) *node {
	cur := s.head
	for lvl := s.height - 1; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && s.cmp(cur.forward[lvl].key, target) < 0 {
			cur = cur.forward[lvl]
		}
	}
	return cur.forward[0]
}
