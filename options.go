package flashkv

import "github.com/flashkv/flashkv/internal/version"

// Options configures Open. The zero value is invalid; use
// DefaultOptions and override as needed.
type Options struct {
	// CreateIfMissing creates the database directory/files if they
	// don't already exist.
	CreateIfMissing bool

	// ErrorIfExists fails Open if a database already exists at the
	// given path.
	ErrorIfExists bool

	// MemtableSize is the byte budget at which the active memtable is
	// frozen and a new one started.
	MemtableSize int64

	// WriteBufferSize is checked by Open to be positive; no other code
	// reads it, and writes do not stall on it. A memtable rotation that
	// finds an immutable memtable still unflushed flushes it inline.
	WriteBufferSize int64

	// BlockSize is checked by Open to be positive; it is not passed to
	// the SSTable writer, which always cuts data blocks at
	// sstable.DefaultBlockSize (4 KiB).
	BlockSize int

	// CacheSize bounds the decoded block cache, in bytes.
	CacheSize int64

	// MaxOpenFiles bounds the number of simultaneously open SSTable
	// file descriptors.
	MaxOpenFiles int

	// MaxLevels bounds the number of LSM levels.
	MaxLevels int

	// TargetFileSize is the byte budget at which a compaction output
	// rolls to a new SSTable. A flush always writes one SSTable.
	TargetFileSize int64
}

const (
	defaultMemtableSize    = 4 << 20
	defaultWriteBufferSize = 4 << 20
	defaultBlockSize       = 4 << 10
	defaultCacheSize       = 8 << 20
	defaultMaxOpenFiles    = 1000
	defaultMaxLevels       = 7
	defaultTargetFileSize  = 2 << 20
	averageBlockBytes      = 4 << 10
)

// DefaultOptions returns the option set spec.md §6 names as defaults,
// with CreateIfMissing set since that is the common embedding case.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing: true,
		MemtableSize:    defaultMemtableSize,
		WriteBufferSize: defaultWriteBufferSize,
		BlockSize:       defaultBlockSize,
		CacheSize:       defaultCacheSize,
		MaxOpenFiles:    defaultMaxOpenFiles,
		MaxLevels:       defaultMaxLevels,
		TargetFileSize:  defaultTargetFileSize,
	}
}

// validate rejects non-positive option values (spec §7 InvalidArgument).
func (o Options) validate() error {
	switch {
	case o.MemtableSize <= 0:
		return errInvalidArgument("MemtableSize must be positive, got %d", o.MemtableSize)
	case o.WriteBufferSize <= 0:
		return errInvalidArgument("WriteBufferSize must be positive, got %d", o.WriteBufferSize)
	case o.BlockSize <= 0:
		return errInvalidArgument("BlockSize must be positive, got %d", o.BlockSize)
	case o.CacheSize <= 0:
		return errInvalidArgument("CacheSize must be positive, got %d", o.CacheSize)
	case o.MaxOpenFiles <= 0:
		return errInvalidArgument("MaxOpenFiles must be positive, got %d", o.MaxOpenFiles)
	case o.MaxLevels != version.NumLevels:
		// internal/version.Version stores one file slice per level in a
		// fixed-size array, so the level count is compiled in rather
		// than runtime-configurable; MaxLevels is validated against it
		// instead of silently ignored.
		return errInvalidArgument("MaxLevels must equal %d, got %d", version.NumLevels, o.MaxLevels)
	case o.TargetFileSize <= 0:
		return errInvalidArgument("TargetFileSize must be positive, got %d", o.TargetFileSize)
	}
	return nil
}

// blockCacheCapacity derives the block cache's entry count from a byte
// budget, since internal/cache.BlockCache is sized by entry count.
func (o Options) blockCacheCapacity() int {
	n := int(o.CacheSize / averageBlockBytes)
	if n < 1 {
		n = 1
	}
	return n
}
