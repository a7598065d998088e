package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// BlockKey identifies a decoded data block within the database.
type BlockKey struct {
	FileNumber uint64
	Offset     uint64
}

// BlockCache holds decoded block bytes, bounded by entry count (the
// engine sizes capacity from Options.CacheSize / average block size).
type BlockCache struct {
	lru *lru.Cache[BlockKey, []byte]
}

// NewBlockCache creates a cache holding at most capacity blocks.
func NewBlockCache(capacity int) (*BlockCache, error) {
	c, err := lru.New[BlockKey, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &BlockCache{lru: c}, nil
}

// Get returns the cached block for key, if present.
func (bc *BlockCache) Get(key BlockKey) ([]byte, bool) {
	return bc.lru.Get(key)
}

// Put stores data for key, evicting the least-recently-used entry if
// the cache is full.
func (bc *BlockCache) Put(key BlockKey, data []byte) {
	bc.lru.Add(key, data)
}
