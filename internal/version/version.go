// Package version implements the immutable, reference-counted Version
// snapshots of the live SSTable set and the VersionSet that threads
// MANIFEST persistence through atomic VersionEdit application (spec
// §6). Grounded on aalhour/rockyardkv's internal/version/version.go and
// version_set.go (retrieval pack, other_examples), trimmed to a single
// column family and to this engine's CRC-framed walrecord package in
// place of rockyardkv's internal/wal.
package version

import (
	"sync/atomic"

	"github.com/flashkv/flashkv/internal/manifest"
)

// NumLevels is the number of LSM levels this engine maintains.
const NumLevels = manifest.NumLevels

// Version is an immutable snapshot of the set of live SSTables, one
// slice per level. Level 0 is stored in reverse-chronological order
// (newest first) since its files may overlap; levels 1+ are kept sorted
// by smallest key and are mutually disjoint.
type Version struct {
	files [NumLevels][]*manifest.FileMetaData

	refs int32

	set  *VersionSet
	prev *Version
	next *Version
}

func newVersion(set *VersionSet) *Version {
	return &Version{set: set}
}

// Ref increments the reference count.
func (v *Version) Ref() { atomic.AddInt32(&v.refs, 1) }

// Unref decrements the reference count, unlinking the version from its
// VersionSet's live-version list once it drops to zero.
func (v *Version) Unref() {
	if atomic.AddInt32(&v.refs, -1) != 0 {
		return
	}
	if v.set == nil {
		return
	}
	v.set.listMu.Lock()
	defer v.set.listMu.Unlock()
	if v.prev != nil {
		v.prev.next = v.next
	}
	if v.next != nil {
		v.next.prev = v.prev
	}
	v.prev, v.next = nil, nil
}

// Files returns the files at level, or nil if level is out of range.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= NumLevels {
		return nil
	}
	return v.files[level]
}

// NumFiles returns the number of files at level.
func (v *Version) NumFiles(level int) int {
	return len(v.Files(level))
}

// NumLevelBytes sums the size of every file at level.
func (v *Version) NumLevelBytes(level int) uint64 {
	var total uint64
	for _, f := range v.Files(level) {
		total += f.FileSize
	}
	return total
}

// OverlappingInputs returns the files at level whose key range
// intersects [smallest, largest] (InternalKeys; either bound nil means
// unbounded).
func (v *Version) OverlappingInputs(level int, smallest, largest []byte) []*manifest.FileMetaData {
	var out []*manifest.FileMetaData
	for _, f := range v.Files(level) {
		if f.Overlaps(smallest, largest) {
			out = append(out, f)
		}
	}
	return out
}

// PickCompactionLevel returns the lowest level whose size or file count
// reaches its trigger, or -1 if no level needs compaction. L0 triggers
// on file count; L1+ trigger on cumulative byte size relative to
// levelMaxBytes, which grows geometrically per level. The last level is
// never picked, since it has no level below to compact into.
func (v *Version) PickCompactionLevel(l0CompactionTrigger int, levelMaxBytes func(level int) uint64) int {
	if len(v.files[0]) >= l0CompactionTrigger {
		return 0
	}
	for level := 1; level < NumLevels-1; level++ {
		max := levelMaxBytes(level)
		if max == 0 {
			continue
		}
		if v.NumLevelBytes(level) >= max {
			return level
		}
	}
	return -1
}

// FileNeedingSeekCompaction returns a file whose AllowedSeeks budget has
// been exhausted, and the level it lives in, or (nil, -1) if none.
func (v *Version) FileNeedingSeekCompaction() (*manifest.FileMetaData, int) {
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			if f.AllowedSeeks <= 0 {
				return f, level
			}
		}
	}
	return nil, -1
}
