package flashkv

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/sstable"
)

func testOptions() Options {
	o := DefaultOptions()
	o.MemtableSize = 4 << 10
	o.TargetFileSize = 1 << 20
	return o
}

func mustOpen(t *testing.T, dir string, opts Options) *DB {
	t.Helper()
	db, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPutThenGet(t *testing.T) {
	db := mustOpen(t, t.TempDir(), testOptions())

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))

	v, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestDeleteHidesValue(t *testing.T) {
	db := mustOpen(t, t.TempDir(), testOptions())

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Delete([]byte("a")))

	_, err := db.Get([]byte("a"))
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

// Open an empty DB, mutate it, and check the exact surviving contents
// (spec scenario E1).
func TestScenarioE1_Basic(t *testing.T) {
	opts := testOptions()
	opts.CreateIfMissing = true
	db := mustOpen(t, t.TempDir(), opts)

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Delete([]byte("a")))

	_, err := db.Get([]byte("a"))
	require.True(t, IsNotFound(err))

	v, err := db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	it := db.NewIterator()
	defer it.Close()
	var got [][2]string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Error())
	require.Equal(t, [][2]string{{"b", "2"}}, got)
}

func TestCrashReopenDurability(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	db := mustOpen(t, dir, opts)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	// Left in the memtable/WAL only — no explicit Flush.
	require.NoError(t, db.Close())

	db2 := mustOpen(t, dir, opts)
	v, err := db2.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	v, err = db2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestCompactionPreservesReads(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	db := mustOpen(t, dir, opts)

	for b := 0; b < 4; b++ {
		for i := 0; i < 30; i++ {
			key := fmt.Sprintf("key_%02d_%04d", b, i)
			val := fmt.Sprintf("val_%02d_%04d", b, i)
			require.NoError(t, db.Put([]byte(key), []byte(val)))
		}
		require.NoError(t, db.Flush())
	}

	waitFor(t, 5*time.Second, func() bool {
		return db.Stats().CompactionCount > 0
	})

	for b := 0; b < 4; b++ {
		for i := 0; i < 30; i++ {
			key := fmt.Sprintf("key_%02d_%04d", b, i)
			want := fmt.Sprintf("val_%02d_%04d", b, i)
			v, err := db.Get([]byte(key))
			require.NoError(t, err, "key %s", key)
			require.Equal(t, want, string(v))
		}
	}
}

// Write enough records to force many memtable flushes, close, reopen,
// and check every record survived (spec scenario E2, scaled down).
func TestScenarioE2_ManyFlushesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemtableSize = 8 << 10

	const n = 2000
	db := mustOpen(t, dir, opts)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key_%06d", i)
		val := fmt.Sprintf("val_%06d", i)
		require.NoError(t, db.Put([]byte(key), []byte(val)))
	}
	require.NoError(t, db.Close())

	db2 := mustOpen(t, dir, opts)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key_%06d", i)
		want := fmt.Sprintf("val_%06d", i)
		v, err := db2.Get([]byte(key))
		require.NoError(t, err, "key %s", key)
		require.Equal(t, want, string(v))
	}
}

// After forcing four L0 files, the background worker should compact
// L0 down and every original read should still resolve correctly
// (spec scenario E3).
func TestScenarioE3_CompactsL0AndPreservesReads(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	db := mustOpen(t, dir, opts)

	const batches = 4
	const perBatch = 50
	for b := 0; b < batches; b++ {
		for i := 0; i < perBatch; i++ {
			key := fmt.Sprintf("key_%02d_%04d", b, i)
			val := fmt.Sprintf("val_%02d_%04d", b, i)
			require.NoError(t, db.Put([]byte(key), []byte(val)))
		}
		require.NoError(t, db.Flush())
	}

	waitFor(t, 5*time.Second, func() bool {
		s := db.Stats()
		return s.LevelFileCounts[0] <= 3
	})

	s := db.Stats()
	require.LessOrEqual(t, s.LevelFileCounts[0], 3)

	for l := 1; l < len(s.LevelFileCounts); l++ {
		require.LessOrEqualf(t, s.LevelFileCounts[l], 1, "level %d should stay disjoint/compacted", l)
	}

	for b := 0; b < batches; b++ {
		for i := 0; i < perBatch; i++ {
			key := fmt.Sprintf("key_%02d_%04d", b, i)
			want := fmt.Sprintf("val_%02d_%04d", b, i)
			v, err := db.Get([]byte(key))
			require.NoError(t, err, "key %s", key)
			require.Equal(t, want, string(v))
		}
	}
}

// Corrupting the tail of the active WAL (simulating a torn write) must
// be tolerated: every earlier record replays, the torn one is silently
// dropped (spec scenario E4).
func TestScenarioE4_TornWALTailIsTolerated(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemtableSize = 1 << 30 // keep everything in one WAL generation

	db := mustOpen(t, dir, opts)
	const n = 10
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key_%d", i)
		val := fmt.Sprintf("val_%d", i)
		require.NoError(t, db.Put([]byte(key), []byte(val)))
	}
	require.NoError(t, db.Close())

	logPath := findSingleFile(t, dir, ".log")
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, info.Size()-3))

	db2 := mustOpen(t, dir, opts)
	for i := 0; i < n-1; i++ {
		key := fmt.Sprintf("key_%d", i)
		want := fmt.Sprintf("val_%d", i)
		v, err := db2.Get([]byte(key))
		require.NoError(t, err, "key %s", key)
		require.Equal(t, want, string(v))
	}
	_, err = db2.Get([]byte(fmt.Sprintf("key_%d", n-1)))
	require.True(t, IsNotFound(err))
}

// A *.sst file left on disk without a corresponding VersionEdit (the
// crash window between writing a flush's output and committing its
// edit) must be swept as an orphan on reopen (spec scenario E5).
func TestScenarioE5_OrphanFileSweptOnReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	db := mustOpen(t, dir, opts)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	orphanPath := filepath.Join(dir, "000999.sst")
	f, err := os.OpenFile(orphanPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	w := sstable.NewWriter(f, 1)
	orphanKey := keys.MakeInternalKey(nil, []byte("orphankey"), 1, keys.KindValue)
	require.NoError(t, w.Add(orphanKey, []byte("orphanval")))
	_, err = w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db2 := mustOpen(t, dir, opts)
	_, err = os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err), "orphan SSTable should have been swept")

	v, err := db2.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

// Forcing a level-1 file with no level-2 overlap down to level 2 must
// produce a trivial move: no new file is created, only the level
// changes (spec scenario E6).
func TestScenarioE6_TrivialMove(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	db := mustOpen(t, dir, opts)

	const batches = 4
	for b := 0; b < batches; b++ {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("key_%02d_%04d", b, i)
			require.NoError(t, db.Put([]byte(key), []byte("v")))
		}
		require.NoError(t, db.Flush())
	}

	waitFor(t, 5*time.Second, func() bool {
		s := db.Stats()
		return s.LevelFileCounts[0] == 0 && s.LevelFileCounts[1] >= 1
	})

	before := db.Stats()
	require.Equal(t, 0, before.LevelFileCounts[2])

	require.NoError(t, db.CompactRange(nil, nil))

	after := db.Stats()
	require.Equal(t, 0, after.LevelFileCounts[1])
	require.Equal(t, before.LevelFileCounts[1], after.LevelFileCounts[2])
	require.Greater(t, after.CompactionCount, before.CompactionCount)

	v, err := db.Get([]byte("key_00_0000"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func findSingleFile(t *testing.T, dir, suffix string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var found string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == suffix {
			require.Empty(t, found, "expected exactly one %s file, found a second: %s", suffix, e.Name())
			found = filepath.Join(dir, e.Name())
		}
	}
	require.NotEmpty(t, found, "no %s file found in %s", suffix, dir)
	return found
}
