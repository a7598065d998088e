// Package iterator defines the common forward-iteration contract shared
// by blocks, SSTables, memtables, and the k-way merge iterator. Every
// layer of the read path composes from this single interface instead of
// a bespoke adapter per subsystem.
package iterator

// Iterator walks a sorted sequence of key/value pairs.
//
// The zero value is not usable; callers must position the iterator with
// SeekToFirst or Seek before reading Key/Value. Key and Value return
// slices that are only valid until the next mutating call (Next, Seek,
// SeekToFirst) on the same iterator.
type Iterator interface {
	// SeekToFirst positions the iterator at the smallest key.
	SeekToFirst()

	// Seek positions the iterator at the first key >= target.
	Seek(target []byte)

	// Next advances to the next key. Valid() must be true before calling.
	Next()

	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool

	// Key returns the current key. Only valid when Valid() is true.
	Key() []byte

	// Value returns the current value. Only valid when Valid() is true.
	Value() []byte

	// Error returns the first error encountered, if any.
	Error() error
}
