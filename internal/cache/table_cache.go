// Package cache provides the two LRU caches the engine keeps in front
// of on-disk SSTables: one of open table readers (bounded by the
// process's file-descriptor budget) and one of decoded block bytes
// (bounded by memory). Grounded on the pack's widespread use of
// hashicorp/golang-lru/v2 for exactly this kind of bounded, evicting
// cache (AKJUS-bsc-erigon, syncthing-syncthing, ClusterCockpit-cc-backend
// go.mods).
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flashkv/flashkv/internal/sstable"
)

// TableCache bounds the number of simultaneously open SSTable file
// descriptors, evicting (and closing) the least recently used reader
// when the limit is reached. When a BlockCache is attached, every
// reader it opens has its data-block reads routed through that shared
// cache instead of hitting the file on every lookup.
type TableCache struct {
	dir    string
	blocks *BlockCache
	mu     sync.Mutex
	lru    *lru.Cache[uint64, *sstable.Reader]
}

// NewTableCache creates a cache rooted at dir (where NNNNNN.sst files
// live), holding at most capacity open readers. blocks may be nil, in
// which case readers read blocks directly from their file.
func NewTableCache(dir string, capacity int, blocks *BlockCache) (*TableCache, error) {
	tc := &TableCache{dir: dir, blocks: blocks}
	c, err := lru.NewWithEvict(capacity, func(_ uint64, r *sstable.Reader) {
		_ = r.Close()
	})
	if err != nil {
		return nil, err
	}
	tc.lru = c
	return tc, nil
}

// Get returns the reader for fileNumber, opening it on a miss.
func (tc *TableCache) Get(fileNumber uint64) (*sstable.Reader, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if r, ok := tc.lru.Get(fileNumber); ok {
		return r, nil
	}

	path := filepath.Join(tc.dir, fmt.Sprintf("%06d.sst", fileNumber))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := sstable.Open(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if tc.blocks != nil {
		r.SetBlockLoader(func(h sstable.BlockHandle) ([]byte, error) {
			key := BlockKey{FileNumber: fileNumber, Offset: h.Offset}
			if data, ok := tc.blocks.Get(key); ok {
				return data, nil
			}
			data, err := r.ReadBlockDirect(h)
			if err != nil {
				return nil, err
			}
			tc.blocks.Put(key, data)
			return data, nil
		})
	}
	tc.lru.Add(fileNumber, r)
	return r, nil
}

// Evict drops fileNumber from the cache (and closes its reader), used
// when a compaction deletes the underlying file.
func (tc *TableCache) Evict(fileNumber uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.lru.Remove(fileNumber)
}

// Close evicts every cached reader.
func (tc *TableCache) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.lru.Purge()
}
