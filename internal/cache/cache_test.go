package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/sstable"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, dir string, num uint64, n int) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%06d.sst", num)), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	defer f.Close()

	w := sstable.NewWriter(f, uint(n))
	for i := 0; i < n; i++ {
		userKey := []byte(fmt.Sprintf("k%04d", i))
		ik := keys.MakeInternalKey(nil, userKey, keys.SequenceNumber(i+1), keys.KindValue)
		require.NoError(t, w.Add(ik, []byte("v")))
	}
	_, err = w.Finish()
	require.NoError(t, err)
}

func TestTableCacheOpensAndReuses(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, 100)

	tc, err := NewTableCache(dir, 2, nil)
	require.NoError(t, err)
	defer tc.Close()

	r1, err := tc.Get(1)
	require.NoError(t, err)
	r2, err := tc.Get(1)
	require.NoError(t, err)
	require.Same(t, r1, r2)
}

func TestTableCacheEvictsOnCapacity(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, 10)
	writeTable(t, dir, 2, 10)
	writeTable(t, dir, 3, 10)

	tc, err := NewTableCache(dir, 2, nil)
	require.NoError(t, err)
	defer tc.Close()

	_, err = tc.Get(1)
	require.NoError(t, err)
	_, err = tc.Get(2)
	require.NoError(t, err)
	_, err = tc.Get(3)
	require.NoError(t, err)

	// File 1 should have been evicted; Get should reopen it transparently.
	_, err = tc.Get(1)
	require.NoError(t, err)
}

func TestBlockCacheServesLoaderHits(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, 500)

	blocks, err := NewBlockCache(64)
	require.NoError(t, err)
	tc, err := NewTableCache(dir, 4, blocks)
	require.NoError(t, err)
	defer tc.Close()

	r, err := tc.Get(1)
	require.NoError(t, err)

	value, _, found, err := r.Get([]byte("k0250"), keys.MaxSequenceNumber)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", string(value))

	// Second lookup should be served from the block cache; result must
	// still be correct.
	value2, _, found2, err := r.Get([]byte("k0250"), keys.MaxSequenceNumber)
	require.NoError(t, err)
	require.True(t, found2)
	require.Equal(t, "v", string(value2))
}
