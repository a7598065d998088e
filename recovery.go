package flashkv

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/manifest"
	"github.com/flashkv/flashkv/internal/memtable"
	"github.com/flashkv/flashkv/internal/sstable"
	"github.com/flashkv/flashkv/internal/version"
	"github.com/flashkv/flashkv/internal/walrecord"
)

func walPath(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", num))
}

func sstPath(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", num))
}

// openOrRecover brings the on-disk database at db.dir to a servable
// state: replays any WAL left from before the last clean shutdown into
// a fresh memtable, flushes it to L0 if non-empty, opens a new WAL for
// future writes, and sweeps files the MANIFEST no longer references
// (spec §4.9 "Recovery").
func (db *DB) openOrRecover() error {
	logFiles, err := db.findLogFilesAtOrAbove(db.versions.LogNumber())
	if err != nil {
		return errIO(err)
	}

	mem := memtable.NewDefault()
	seq := uint64(db.versions.LastSequence())
	for _, num := range logFiles {
		seq, err = db.replayLog(num, mem, seq)
		if err != nil {
			return err
		}
	}
	if seq != uint64(db.versions.LastSequence()) {
		db.versions.SetLastSequence(keys.SequenceNumber(seq))
	}

	freshLogNumber := db.versions.NextFileNumber()

	edit := &manifest.VersionEdit{
		HasLogNumber:    true,
		LogNumber:       freshLogNumber,
		HasLastSequence: true,
		LastSequence:    seq,
	}
	if mem.Len() > 0 {
		meta, ferr := db.writeMemtableToL0(mem)
		if ferr != nil {
			return ferr
		}
		edit.AddFile(0, meta)
	}

	db.versions.SetLogNumber(freshLogNumber)
	if err := db.versions.LogAndApply(edit); err != nil {
		return errIO(err)
	}
	if mem.Len() > 0 {
		db.flushCount.Add(1)
	}

	f, err := os.OpenFile(walPath(db.dir, freshLogNumber), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errIO(err)
	}

	db.mem = memtable.NewDefault()
	db.walFile = f
	db.walWriter = walrecord.NewWriter(f)
	db.activeLogNumber = freshLogNumber

	return db.sweepOrphans(logFiles)
}

// findLogFilesAtOrAbove lists, in ascending order, every *.log file in
// db.dir whose embedded number is at least minNum — the WAL generations
// a crash may have left behind without a corresponding flush.
func (db *DB) findLogFilesAtOrAbove(minNum uint64) ([]uint64, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var nums []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		if n >= minNum {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// replayLog re-applies every batch recorded in the WAL file numbered num
// into mem, assigning each op a sequence number positionally after
// startSeq, since the batch payload carries no sequence field (spec
// §4.9). Replaying in file order keeps the ops in their original order,
// and every number assigned is above startSeq. The numbers match the
// original ones only when startSeq is the last sequence number assigned
// before the log's first record; a MANIFEST LastSequence recorded by a
// flush that ran after later writes reached this log is higher than
// that, and replay then numbers the ops above it.
func (db *DB) replayLog(num uint64, mem *memtable.Memtable, startSeq uint64) (uint64, error) {
	f, err := os.Open(walPath(db.dir, num))
	if err != nil {
		if os.IsNotExist(err) {
			return startSeq, nil
		}
		return 0, errIO(err)
	}
	defer f.Close()

	r := walrecord.NewReader(f)
	seq := startSeq
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, errCorruption("WAL replay of %06d.log: %v", num, err)
		}

		ops, err := decodeBatch(rec)
		if err != nil {
			return 0, err
		}
		for _, op := range ops {
			seq++
			switch op.kind {
			case keys.KindValue:
				_ = mem.Put(keys.SequenceNumber(seq), op.key, op.value)
			case keys.KindDelete:
				_ = mem.Delete(keys.SequenceNumber(seq), op.key)
			}
		}
	}
	return seq, nil
}

// writeMemtableToL0 writes every entry of mem, in InternalKey order
// (newest first within a user key), into a new SSTable and returns its
// FileMetaData. Superseded versions are written too: mem.Iterator()
// yields every version, and reads resolve them in an L0 SSTable the same
// way they would in the memtable.
func (db *DB) writeMemtableToL0(mem *memtable.Memtable) (*manifest.FileMetaData, error) {
	num := db.versions.NextFileNumber()
	path := sstPath(db.dir, num)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errIO(err)
	}

	w := sstable.NewWriter(f, uint(max(mem.Len(), 1)))
	it := mem.Iterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			_ = f.Close()
			return nil, errIO(err)
		}
	}
	result, err := w.Finish()
	if err != nil {
		_ = f.Close()
		return nil, errIO(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, errIO(err)
	}
	if err := f.Close(); err != nil {
		return nil, errIO(err)
	}
	if err := db.syncDir(); err != nil {
		return nil, err
	}
	return manifest.NewFileMetaData(num, result.FileSize, result.Smallest, result.Largest), nil
}

func (db *DB) syncDir() error {
	d, err := os.Open(db.dir)
	if err != nil {
		return errIO(err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errIO(err)
	}
	return nil
}

// sweepOrphans deletes the WAL generations just replayed (now fully
// captured in the MANIFEST-recorded state) and any *.sst file on disk
// that no level of the current Version references — the case where a
// crash landed between an output file's creation and the VersionEdit
// that would have recorded it.
func (db *DB) sweepOrphans(replayedLogs []uint64) error {
	for _, num := range replayedLogs {
		_ = os.Remove(walPath(db.dir, num))
	}

	referenced := map[uint64]bool{}
	v := db.versions.Current()
	for level := 0; level < version.NumLevels; level++ {
		for _, f := range v.Files(level) {
			referenced[f.FileNumber] = true
		}
	}

	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return errIO(err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sst") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
		if err != nil {
			continue
		}
		if !referenced[n] {
			_ = os.Remove(filepath.Join(db.dir, name))
		}
	}
	return nil
}
