package compaction

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/flashkv/flashkv/internal/cache"
	"github.com/flashkv/flashkv/internal/iterator"
	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/manifest"
	"github.com/flashkv/flashkv/internal/merge"
	"github.com/flashkv/flashkv/internal/sstable"
	"github.com/flashkv/flashkv/internal/version"
)

// estimatedKeysPerOutput seeds the bloom filter size for a fresh output
// table; NewFileMetaData's AllowedSeeks budget is what actually matters
// for later seek-compaction triggering, not this estimate.
const estimatedKeysPerOutput = 4096

// Job carries out one Compaction chosen by a Picker: either a trivial
// level change or a full k-way merge rewrite into fresh SSTables at
// OutputLevel (spec §4.6 "Merging rewrite").
//
// Grounded on aalhour/rockyardkv's CompactionJob.Run/processEntries
// (retrieval pack, other_examples), collapsed from its range-tombstone
// aggregator and compaction-filter hooks (neither of which this engine
// has) to the plain newest-wins/tombstone-drop rule spec.md §4.6 names.
type Job struct {
	dir            string
	tableCache     *cache.TableCache
	targetFileSize uint64
	nextFileNumber func() uint64
}

// NewJob creates a Job that writes output SSTables into dir, reads
// input tables through tableCache, rolls output files at
// targetFileSize, and allocates output file numbers via nextFileNumber.
func NewJob(dir string, tableCache *cache.TableCache, targetFileSize uint64, nextFileNumber func() uint64) *Job {
	return &Job{dir: dir, tableCache: tableCache, targetFileSize: targetFileSize, nextFileNumber: nextFileNumber}
}

// Run executes c against v and returns the VersionEdit recording the
// deleted input files and the added output files (or, for a trivial
// move, the single file's level change).
func (j *Job) Run(c *Compaction, v *version.Version) (*manifest.VersionEdit, error) {
	edit := &manifest.VersionEdit{}

	if c.IsTrivialMove {
		f := c.Inputs[0]
		edit.DeleteFile(c.Level, f.FileNumber)
		edit.AddFile(c.OutputLevel, f)
		return edit, nil
	}

	its, err := j.openInputs(c)
	if err != nil {
		return nil, errors.Wrap(err, "compaction: open inputs")
	}

	merged := merge.NewIterator(its)
	deduped := merge.NewDedupIterator(merged, false)

	var (
		w       *sstable.Writer
		out     *os.File
		fileNum uint64
		outputs []*manifest.FileMetaData
	)

	finish := func() error {
		if w == nil {
			return nil
		}
		result, ferr := w.Finish()
		if ferr != nil {
			_ = out.Close()
			return errors.Wrap(ferr, "compaction: finish output table")
		}
		if ferr := out.Sync(); ferr != nil {
			_ = out.Close()
			return errors.Wrap(ferr, "compaction: sync output table")
		}
		if ferr := out.Close(); ferr != nil {
			return errors.Wrap(ferr, "compaction: close output table")
		}
		meta := manifest.NewFileMetaData(fileNum, result.FileSize, result.Smallest, result.Largest)
		outputs = append(outputs, meta)
		edit.AddFile(c.OutputLevel, meta)
		w, out = nil, nil
		return nil
	}

	start := func() error {
		fileNum = j.nextFileNumber()
		path := filepath.Join(j.dir, fmt.Sprintf("%06d.sst", fileNum))
		f, oerr := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if oerr != nil {
			return errors.Wrap(oerr, "compaction: create output table")
		}
		out = f
		w = sstable.NewWriter(f, estimatedKeysPerOutput)
		return nil
	}

	for deduped.SeekToFirst(); deduped.Valid(); {
		ik := append([]byte(nil), deduped.Key()...)
		value := append([]byte(nil), deduped.Value()...)

		parsed, ok := keys.ParseInternalKey(ik)
		if ok && parsed.Kind == keys.KindDelete && !j.keyPresentBelow(v, c.OutputLevel, parsed.UserKey) {
			deduped.Next()
			continue
		}

		if w == nil {
			if serr := start(); serr != nil {
				return nil, serr
			}
		}
		if aerr := w.Add(ik, value); aerr != nil {
			return nil, errors.Wrap(aerr, "compaction: add entry")
		}
		if w.ApproximateSize() >= j.targetFileSize {
			if ferr := finish(); ferr != nil {
				return nil, ferr
			}
		}
		deduped.Next()
	}
	if derr := deduped.Error(); derr != nil {
		return nil, errors.Wrap(derr, "compaction: merge input")
	}
	if ferr := finish(); ferr != nil {
		return nil, ferr
	}

	if len(outputs) > 0 {
		if derr := j.syncDir(); derr != nil {
			return nil, derr
		}
	}

	for _, f := range c.Inputs {
		edit.DeleteFile(c.Level, f.FileNumber)
	}
	for _, f := range c.OutputInputs {
		edit.DeleteFile(c.OutputLevel, f.FileNumber)
	}

	return edit, nil
}

// keyPresentBelow reports whether any file at a level deeper than
// outputLevel could hold userKey, the conservative test spec §4.6 uses
// to decide whether a tombstone being rewritten to outputLevel can be
// dropped instead of carried forward.
func (j *Job) keyPresentBelow(v *version.Version, outputLevel int, userKey []byte) bool {
	ik := keys.MakeInternalKey(nil, userKey, keys.MaxSequenceNumber, keys.KindValue)
	for level := outputLevel + 1; level < version.NumLevels; level++ {
		if len(v.OverlappingInputs(level, ik, ik)) > 0 {
			return true
		}
	}
	return false
}

func (j *Job) openInputs(c *Compaction) ([]iterator.Iterator, error) {
	its := make([]iterator.Iterator, 0, len(c.Inputs)+len(c.OutputInputs))
	for _, f := range c.Inputs {
		it, err := j.openOne(f)
		if err != nil {
			return nil, err
		}
		its = append(its, it)
	}
	for _, f := range c.OutputInputs {
		it, err := j.openOne(f)
		if err != nil {
			return nil, err
		}
		its = append(its, it)
	}
	return its, nil
}

func (j *Job) openOne(f *manifest.FileMetaData) (iterator.Iterator, error) {
	r, err := j.tableCache.Get(f.FileNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "compaction: open input file %d", f.FileNumber)
	}
	return r.NewIterator()
}

func (j *Job) syncDir() error {
	dir, err := os.Open(j.dir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
