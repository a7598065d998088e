// Package manifest implements the on-disk VersionEdit format and the
// file metadata it describes (spec §6). Edits are appended to the
// MANIFEST as tagged-varint records, one call to internal/walrecord's
// framing per edit, so that every atomic change to the set of live
// SSTables survives a crash.
//
// Grounded on aalhour/rockyardkv's internal/manifest.VersionEdit usage
// (retrieval pack, other_examples) and on hopkings2008/pebble's
// internal/manifest/version_edit.go tag scheme, simplified to the
// single-column-family, CRC32/varint world this engine targets.
package manifest

import "github.com/flashkv/flashkv/internal/keys"

// NumLevels bounds the number of LSM levels this engine supports.
const NumLevels = 7

// FileMetaData describes one SSTable that belongs to a Version.
type FileMetaData struct {
	FileNumber  uint64
	FileSize    uint64
	Smallest    []byte // InternalKey
	Largest     []byte // InternalKey
	AllowedSeeks int64 // decremented by seek-miss compactions; <=0 triggers compaction
}

// NewFileMetaData builds a FileMetaData with AllowedSeeks derived from
// its size (Open Question #2: max(100, fileSize/16384)).
func NewFileMetaData(num, size uint64, smallest, largest []byte) *FileMetaData {
	return &FileMetaData{
		FileNumber:   num,
		FileSize:     size,
		Smallest:     smallest,
		Largest:      largest,
		AllowedSeeks: allowedSeeksFor(size),
	}
}

func allowedSeeksFor(fileSize uint64) int64 {
	const minSeeks = 100
	n := int64(fileSize / 16384)
	if n < minSeeks {
		return minSeeks
	}
	return n
}

// RecordSeek decrements AllowedSeeks and reports whether the file has
// become eligible for a seek-compaction (reached zero).
func (f *FileMetaData) RecordSeek() bool {
	f.AllowedSeeks--
	return f.AllowedSeeks <= 0
}

// Overlaps reports whether [smallest, largest] (InternalKeys, either
// bound may be nil meaning unbounded) intersects the file's range.
func (f *FileMetaData) Overlaps(smallest, largest []byte) bool {
	if largest != nil && keys.CompareInternalKeys(f.Smallest, largest) > 0 {
		return false
	}
	if smallest != nil && keys.CompareInternalKeys(f.Largest, smallest) < 0 {
		return false
	}
	return true
}

// DeletedFileEntry identifies a file removed from a level by an edit.
type DeletedFileEntry struct {
	Level      int
	FileNumber uint64
}

// NewFileEntry identifies a file added to a level by an edit.
type NewFileEntry struct {
	Level int
	Meta  *FileMetaData
}
