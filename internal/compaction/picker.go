// Package compaction implements the leveled compaction policy (spec
// §4.6): Picker decides what to compact next, Job carries out the merge
// rewrite or trivial move and produces the VersionEdit that commits the
// result.
//
// Grounded on aalhour/rockyardkv's internal/compaction (Compaction
// struct, trivial-move shortcut) and its compaction-job.go (input
// iterator construction, output-file rolling), adapted from its
// multi-input-level abstraction to this engine's two-level (source,
// output) shape and from its vfs.FS indirection to plain os calls.
package compaction

import (
	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/manifest"
	"github.com/flashkv/flashkv/internal/version"
)

// L0CompactionTrigger is the number of level-0 files that forces a
// compaction of all of L0 into L1 (spec §4.6 rule 1).
const L0CompactionTrigger = 4

// Compaction describes one chosen compaction: the files it reads and
// the level it writes to.
type Compaction struct {
	Level       int // source level
	OutputLevel int

	Inputs       []*manifest.FileMetaData // files at Level
	OutputInputs []*manifest.FileMetaData // overlapping files at OutputLevel

	IsTrivialMove bool
}

// Picker selects the next compaction to run against a Version, per the
// priority order in spec §4.6: L0 file count, then per-level byte
// budget, then seek-compaction fallback.
type Picker struct {
	TargetFileSize uint64
}

// NewPicker creates a Picker whose per-level byte budgets derive from
// targetFileSize (spec §4.6: L1 = targetFileSize, Lℓ = L(ℓ-1)*10).
func NewPicker(targetFileSize uint64) *Picker {
	return &Picker{TargetFileSize: targetFileSize}
}

func (p *Picker) levelMaxBytes(level int) uint64 {
	if level < 1 {
		return 0
	}
	max := p.TargetFileSize
	for l := 1; l < level; l++ {
		max *= 10
	}
	return max
}

// Pick returns the next compaction to run, or nil if v needs none.
func (p *Picker) Pick(v *version.Version) *Compaction {
	if v.NumFiles(0) >= L0CompactionTrigger {
		return p.expand(v, 0, append([]*manifest.FileMetaData(nil), v.Files(0)...))
	}

	if level := v.PickCompactionLevel(L0CompactionTrigger, p.levelMaxBytes); level >= 1 {
		return p.expand(v, level, []*manifest.FileMetaData{largestFile(v.Files(level))})
	}

	if f, level := v.FileNeedingSeekCompaction(); f != nil {
		return p.expand(v, level, []*manifest.FileMetaData{f})
	}

	return nil
}

func largestFile(files []*manifest.FileMetaData) *manifest.FileMetaData {
	best := files[0]
	for _, f := range files[1:] {
		if f.FileSize > best.FileSize {
			best = f
		}
	}
	return best
}

// expand adds every file at level+1 whose key range overlaps the
// primary inputs (spec §4.6 "input expansion"), and detects the
// trivial-move case. At level 0, files can overlap each other (they are
// not disjoint the way L1+ are), so a primary input picked by seek- or
// range-compaction must first be widened to every other L0 file it
// overlaps — otherwise an older L0 file holding the same key could be
// left behind, in front of the newer file's version, in level 0.
func (p *Picker) expand(v *version.Version, level int, primary []*manifest.FileMetaData) *Compaction {
	if level == 0 {
		primary = expandL0(v, primary)
	}

	outputLevel := level + 1
	smallest, largest := keyRange(primary)

	var outputInputs []*manifest.FileMetaData
	if outputLevel < version.NumLevels {
		outputInputs = v.OverlappingInputs(outputLevel, smallest, largest)
	}

	c := &Compaction{
		Level:        level,
		OutputLevel:  outputLevel,
		Inputs:       primary,
		OutputInputs: outputInputs,
	}
	c.IsTrivialMove = level > 0 && len(primary) == 1 && len(outputInputs) == 0
	return c
}

// expandL0 widens primary to the closure of every level-0 file
// overlapping it: each round may pull in files whose own range extends
// the union further, so it repeats until a round adds nothing new.
func expandL0(v *version.Version, primary []*manifest.FileMetaData) []*manifest.FileMetaData {
	for {
		smallest, largest := keyRange(primary)
		all := v.OverlappingInputs(0, smallest, largest)
		if len(all) == len(primary) {
			return all
		}
		primary = all
	}
}

// KeyRange returns the smallest and largest InternalKey spanned by
// files, for callers (e.g. an explicit range compaction) that need to
// probe OverlappingInputs at another level themselves.
func KeyRange(files []*manifest.FileMetaData) (smallest, largest []byte) {
	return keyRange(files)
}

func keyRange(files []*manifest.FileMetaData) (smallest, largest []byte) {
	for _, f := range files {
		if smallest == nil || keys.CompareInternalKeys(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || keys.CompareInternalKeys(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}
