package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashkv/flashkv/internal/cache"
	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/manifest"
	"github.com/flashkv/flashkv/internal/sstable"
	"github.com/flashkv/flashkv/internal/version"
	"github.com/stretchr/testify/require"
)

func ik(userKey string, seq uint64) []byte {
	return keys.MakeInternalKey(nil, []byte(userKey), keys.SequenceNumber(seq), keys.KindValue)
}

func newTestVersionSet(t *testing.T) *version.VersionSet {
	t.Helper()
	vs := version.New(version.Options{Dir: t.TempDir(), ComparatorName: keys.ComparatorName})
	require.NoError(t, vs.Create())
	return vs
}

func TestPickerTriggersOnL0FileCount(t *testing.T) {
	vs := newTestVersionSet(t)
	defer vs.Close()

	edit := &manifest.VersionEdit{}
	for i := uint64(1); i <= 4; i++ {
		edit.AddFile(0, manifest.NewFileMetaData(i, 100, ik("a", i), ik("m", i)))
	}
	require.NoError(t, vs.LogAndApply(edit))

	p := NewPicker(2 << 20)
	c := p.Pick(vs.Current())
	require.NotNil(t, c)
	require.Equal(t, 0, c.Level)
	require.Equal(t, 1, c.OutputLevel)
	require.Len(t, c.Inputs, 4)
	require.False(t, c.IsTrivialMove)
}

func TestPickerTriggersOnLevelByteBudget(t *testing.T) {
	vs := newTestVersionSet(t)
	defer vs.Close()

	const targetFileSize = 100
	edit := &manifest.VersionEdit{}
	edit.AddFile(1, manifest.NewFileMetaData(10, 150, ik("a", 1), ik("m", 1)))
	edit.AddFile(1, manifest.NewFileMetaData(11, 50, ik("n", 1), ik("z", 1)))
	require.NoError(t, vs.LogAndApply(edit))

	p := NewPicker(targetFileSize)
	c := p.Pick(vs.Current())
	require.NotNil(t, c)
	require.Equal(t, 1, c.Level)
	require.Equal(t, 2, c.OutputLevel)
	require.Len(t, c.Inputs, 1)
	require.Equal(t, uint64(10), c.Inputs[0].FileNumber) // the larger of the two L1 files
}

func TestPickerFallsBackToSeekCompaction(t *testing.T) {
	vs := newTestVersionSet(t)
	defer vs.Close()

	meta := manifest.NewFileMetaData(10, 100, ik("a", 1), ik("m", 1))
	meta.AllowedSeeks = 0
	edit := &manifest.VersionEdit{}
	edit.AddFile(1, meta)
	require.NoError(t, vs.LogAndApply(edit))

	p := NewPicker(1 << 30) // byte budget never trips
	c := p.Pick(vs.Current())
	require.NotNil(t, c)
	require.Equal(t, 1, c.Level)
	require.Len(t, c.Inputs, 1)
	require.Equal(t, uint64(10), c.Inputs[0].FileNumber)
}

func TestPickerDetectsTrivialMove(t *testing.T) {
	vs := newTestVersionSet(t)
	defer vs.Close()

	edit := &manifest.VersionEdit{}
	edit.AddFile(1, manifest.NewFileMetaData(10, 50, ik("a", 1), ik("b", 1)))
	edit.AddFile(2, manifest.NewFileMetaData(20, 50, ik("x", 1), ik("y", 1))) // disjoint from L1 file
	require.NoError(t, vs.LogAndApply(edit))

	p := NewPicker(1 << 30)
	c := p.expand(vs.Current(), 1, []*manifest.FileMetaData{vs.Current().Files(1)[0]})
	require.True(t, c.IsTrivialMove)
	require.Empty(t, c.OutputInputs)
}

func TestJobTrivialMoveOnlyChangesLevel(t *testing.T) {
	f := manifest.NewFileMetaData(7, 1000, ik("a", 1), ik("z", 1))
	c := &Compaction{Level: 1, OutputLevel: 2, Inputs: []*manifest.FileMetaData{f}, IsTrivialMove: true}

	job := NewJob(t.TempDir(), nil, 1<<20, func() uint64 { return 999 })
	edit, err := job.Run(c, nil)
	require.NoError(t, err)
	require.Len(t, edit.DeletedFiles, 1)
	require.Equal(t, 1, edit.DeletedFiles[0].Level)
	require.Equal(t, uint64(7), edit.DeletedFiles[0].FileNumber)
	require.Len(t, edit.NewFiles, 1)
	require.Equal(t, 2, edit.NewFiles[0].Level)
	require.Equal(t, uint64(7), edit.NewFiles[0].Meta.FileNumber)
}

type testEntry struct {
	key   string
	seq   uint64
	kind  keys.Kind
	value string
}

func writeSST(t *testing.T, dir string, num uint64, entries []testEntry) *manifest.FileMetaData {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%06d.sst", num))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	w := sstable.NewWriter(f, uint(len(entries)))
	for _, e := range entries {
		k := keys.MakeInternalKey(nil, []byte(e.key), keys.SequenceNumber(e.seq), e.kind)
		require.NoError(t, w.Add(k, []byte(e.value)))
	}
	result, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
	return manifest.NewFileMetaData(num, result.FileSize, result.Smallest, result.Largest)
}

func TestMergingRewriteDropsTombstoneNotNeededBelow(t *testing.T) {
	dir := t.TempDir()

	l1 := writeSST(t, dir, 1, []testEntry{
		{"a", 1, keys.KindValue, "old-a"},
		{"m", 1, keys.KindValue, "old-m"},
	})
	l0 := writeSST(t, dir, 2, []testEntry{
		{"a", 5, keys.KindDelete, ""},
		{"z", 5, keys.KindValue, "new-z"},
	})

	vs := version.New(version.Options{Dir: dir, ComparatorName: keys.ComparatorName})
	require.NoError(t, vs.Create())
	edit := &manifest.VersionEdit{}
	edit.AddFile(0, l0)
	edit.AddFile(1, l1)
	require.NoError(t, vs.LogAndApply(edit))
	v := vs.Current()

	tc, err := cache.NewTableCache(dir, 10, nil)
	require.NoError(t, err)
	defer tc.Close()

	job := NewJob(dir, tc, 1<<20, vs.NextFileNumber)
	c := &Compaction{
		Level:        0,
		OutputLevel:  1,
		Inputs:       []*manifest.FileMetaData{l0},
		OutputInputs: []*manifest.FileMetaData{l1},
	}
	resultEdit, err := job.Run(c, v)
	require.NoError(t, err)

	require.Len(t, resultEdit.NewFiles, 1)
	outMeta := resultEdit.NewFiles[0].Meta

	r, err := tc.Get(outMeta.FileNumber)
	require.NoError(t, err)

	_, _, found, err := r.Get([]byte("a"), keys.MaxSequenceNumber)
	require.NoError(t, err)
	require.False(t, found, "tombstone for \"a\" should have been dropped: no level below L1 can hold it")

	value, _, found, err := r.Get([]byte("m"), keys.MaxSequenceNumber)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "old-m", string(value))

	value, _, found, err = r.Get([]byte("z"), keys.MaxSequenceNumber)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "new-z", string(value))

	require.Len(t, resultEdit.DeletedFiles, 2)
}

func TestMergingRewriteKeepsNewestAmongDuplicateUserKeys(t *testing.T) {
	dir := t.TempDir()

	l0 := writeSST(t, dir, 1, []testEntry{
		{"k", 9, keys.KindValue, "newest"},
	})
	l1 := writeSST(t, dir, 2, []testEntry{
		{"k", 1, keys.KindValue, "oldest"},
	})

	vs := version.New(version.Options{Dir: dir, ComparatorName: keys.ComparatorName})
	require.NoError(t, vs.Create())
	edit := &manifest.VersionEdit{}
	edit.AddFile(0, l0)
	edit.AddFile(1, l1)
	require.NoError(t, vs.LogAndApply(edit))

	tc, err := cache.NewTableCache(dir, 10, nil)
	require.NoError(t, err)
	defer tc.Close()

	job := NewJob(dir, tc, 1<<20, vs.NextFileNumber)
	c := &Compaction{
		Level:        0,
		OutputLevel:  1,
		Inputs:       []*manifest.FileMetaData{l0},
		OutputInputs: []*manifest.FileMetaData{l1},
	}
	resultEdit, err := job.Run(c, vs.Current())
	require.NoError(t, err)
	require.Len(t, resultEdit.NewFiles, 1)

	r, err := tc.Get(resultEdit.NewFiles[0].Meta.FileNumber)
	require.NoError(t, err)
	value, _, found, err := r.Get([]byte("k"), keys.MaxSequenceNumber)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "newest", string(value))
}

func TestMergingRewriteRollsOutputFilesAtTargetSize(t *testing.T) {
	dir := t.TempDir()

	var entries []testEntry
	for i := 0; i < 500; i++ {
		entries = append(entries, testEntry{key: fmt.Sprintf("key-%04d", i), seq: uint64(i + 1), kind: keys.KindValue, value: "some-reasonably-sized-value-payload"})
	}
	l0 := writeSST(t, dir, 1, entries)

	vs := version.New(version.Options{Dir: dir, ComparatorName: keys.ComparatorName})
	require.NoError(t, vs.Create())
	edit := &manifest.VersionEdit{}
	edit.AddFile(0, l0)
	require.NoError(t, vs.LogAndApply(edit))

	tc, err := cache.NewTableCache(dir, 10, nil)
	require.NoError(t, err)
	defer tc.Close()

	// A small target file size forces multiple output files.
	job := NewJob(dir, tc, 2048, vs.NextFileNumber)
	c := &Compaction{Level: 0, OutputLevel: 1, Inputs: []*manifest.FileMetaData{l0}}
	resultEdit, err := job.Run(c, vs.Current())
	require.NoError(t, err)
	require.Greater(t, len(resultEdit.NewFiles), 1)

	seen := 0
	for _, nf := range resultEdit.NewFiles {
		r, err := tc.Get(nf.Meta.FileNumber)
		require.NoError(t, err)
		it, err := r.NewIterator()
		require.NoError(t, err)
		for it.SeekToFirst(); it.Valid(); it.Next() {
			seen++
		}
	}
	require.Equal(t, 500, seen)
}
