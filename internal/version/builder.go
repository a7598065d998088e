package version

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/manifest"
)

// ErrOverlappingFiles is returned when applying an edit would leave a
// level 1+ with two files whose key ranges overlap, which must never
// happen: those levels are kept disjoint by the compaction picker.
var ErrOverlappingFiles = errors.New("version: level files overlap after edit")

// Builder accumulates one or more VersionEdits against a base Version
// and produces the resulting Version. Grounded on rockyardkv's
// internal/version.Builder (Apply/SaveTo), collapsed to this engine's
// single-column-family model.
type Builder struct {
	base    *Version
	deleted [NumLevels]map[uint64]bool
	added   [NumLevels]map[uint64]*manifest.FileMetaData
}

// NewBuilder starts accumulating edits on top of base (which may be nil,
// meaning an empty database).
func NewBuilder(base *Version) *Builder {
	b := &Builder{base: base}
	for l := 0; l < NumLevels; l++ {
		b.deleted[l] = make(map[uint64]bool)
		b.added[l] = make(map[uint64]*manifest.FileMetaData)
	}
	return b
}

// Apply folds one edit's file deltas into the accumulator.
func (b *Builder) Apply(e *manifest.VersionEdit) {
	for _, d := range e.DeletedFiles {
		b.deleted[d.Level][d.FileNumber] = true
		delete(b.added[d.Level], d.FileNumber)
	}
	for _, n := range e.NewFiles {
		delete(b.deleted[n.Level], n.Meta.FileNumber)
		b.added[n.Level][n.Meta.FileNumber] = n.Meta
	}
}

// SaveTo produces the new Version: base's files, minus deletions, plus
// additions, with level 1+ sorted by smallest key and validated
// disjoint (spec §6 invariant).
func (b *Builder) SaveTo(set *VersionSet) (*Version, error) {
	v := newVersion(set)

	for level := 0; level < NumLevels; level++ {
		var files []*manifest.FileMetaData
		if b.base != nil {
			for _, f := range b.base.files[level] {
				if !b.deleted[level][f.FileNumber] {
					files = append(files, f)
				}
			}
		}
		for _, f := range b.added[level] {
			files = append(files, f)
		}

		if level == 0 {
			// Newest L0 files must sort first for correct newest-wins
			// merging, so order by descending FileNumber (higher
			// number == younger).
			sort.Slice(files, func(i, j int) bool {
				return files[i].FileNumber > files[j].FileNumber
			})
		} else {
			sort.Slice(files, func(i, j int) bool {
				return keys.CompareInternalKeys(files[i].Smallest, files[j].Smallest) < 0
			})
			for i := 1; i < len(files); i++ {
				if keys.CompareInternalKeys(files[i-1].Largest, files[i].Smallest) >= 0 {
					return nil, errors.Wrapf(ErrOverlappingFiles, "level %d: file %d and %d",
						level, files[i-1].FileNumber, files[i].FileNumber)
				}
			}
		}
		v.files[level] = files
	}
	return v, nil
}
