package version

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/manifest"
	"github.com/stretchr/testify/require"
)

func ik(userKey string, seq uint64) []byte {
	return keys.MakeInternalKey(nil, []byte(userKey), keys.SequenceNumber(seq), keys.KindValue)
}

func newTestSet(t *testing.T) *VersionSet {
	dir := t.TempDir()
	vs := New(Options{Dir: dir, ComparatorName: keys.ComparatorName})
	require.NoError(t, vs.Create())
	return vs
}

func TestCreateProducesEmptyVersion(t *testing.T) {
	vs := newTestSet(t)
	defer vs.Close()
	v := vs.Current()
	require.NotNil(t, v)
	for l := 0; l < NumLevels; l++ {
		require.Zero(t, v.NumFiles(l))
	}
}

func TestLogAndApplyAddsFiles(t *testing.T) {
	vs := newTestSet(t)
	defer vs.Close()

	edit := &manifest.VersionEdit{}
	edit.AddFile(1, manifest.NewFileMetaData(10, 100, ik("a", 1), ik("m", 1)))
	edit.AddFile(1, manifest.NewFileMetaData(11, 100, ik("n", 1), ik("z", 1)))
	require.NoError(t, vs.LogAndApply(edit))

	v := vs.Current()
	require.Equal(t, 2, v.NumFiles(1))
}

func TestLevelDisjointness(t *testing.T) {
	vs := newTestSet(t)
	defer vs.Close()

	edit := &manifest.VersionEdit{}
	edit.AddFile(1, manifest.NewFileMetaData(10, 100, ik("a", 1), ik("m", 1)))
	edit.AddFile(1, manifest.NewFileMetaData(11, 100, ik("h", 1), ik("z", 1))) // overlaps [a,m]
	err := vs.LogAndApply(edit)
	require.ErrorIs(t, err, ErrOverlappingFiles)
}

func TestRecoverReplaysManifest(t *testing.T) {
	dir := t.TempDir()
	vs := New(Options{Dir: dir, ComparatorName: keys.ComparatorName})
	require.NoError(t, vs.Create())

	edit := &manifest.VersionEdit{HasLogNumber: true, LogNumber: 3}
	edit.AddFile(0, manifest.NewFileMetaData(5, 200, ik("a", 1), ik("b", 1)))
	require.NoError(t, vs.LogAndApply(edit))
	require.NoError(t, vs.Close())

	vs2 := New(Options{Dir: dir, ComparatorName: keys.ComparatorName})
	require.NoError(t, vs2.Recover())
	v := vs2.Current()
	require.Equal(t, 1, v.NumFiles(0))
	require.Equal(t, uint64(3), vs2.LogNumber())
}

func TestRecoverSkipsOrphanFileNumbers(t *testing.T) {
	dir := t.TempDir()
	vs := New(Options{Dir: dir, ComparatorName: keys.ComparatorName})
	require.NoError(t, vs.Create())
	require.NoError(t, vs.Close())

	// Simulate an orphaned SSTable created after the last durable
	// MANIFEST edit (crash between file creation and LogAndApply).
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000099.sst"), []byte("x"), 0o644))

	vs2 := New(Options{Dir: dir, ComparatorName: keys.ComparatorName})
	require.NoError(t, vs2.Recover())
	require.Greater(t, vs2.NextFileNumber(), uint64(99))
}

func TestRecoverMissingCurrentFails(t *testing.T) {
	dir := t.TempDir()
	vs := New(Options{Dir: dir, ComparatorName: keys.ComparatorName})
	err := vs.Recover()
	require.ErrorIs(t, err, ErrNoCurrentManifest)
}

func TestOverlappingInputs(t *testing.T) {
	vs := newTestSet(t)
	defer vs.Close()

	edit := &manifest.VersionEdit{}
	edit.AddFile(1, manifest.NewFileMetaData(10, 100, ik("a", 1), ik("m", 1)))
	edit.AddFile(1, manifest.NewFileMetaData(11, 100, ik("n", 1), ik("z", 1)))
	require.NoError(t, vs.LogAndApply(edit))

	v := vs.Current()
	overlap := v.OverlappingInputs(1, ik("k", 1), ik("p", 1))
	require.Len(t, overlap, 2)
}
