package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashkv/flashkv/internal/keys"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, n int) (*Reader, Result) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.sst")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	w := NewWriter(f, uint(n))
	for i := 0; i < n; i++ {
		userKey := []byte(fmt.Sprintf("key-%04d", i))
		ik := keys.MakeInternalKey(nil, userKey, keys.SequenceNumber(i+1), keys.KindValue)
		require.NoError(t, w.Add(ik, []byte(fmt.Sprintf("value-%d", i))))
	}
	result, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	r, err := Open(f)
	require.NoError(t, err)
	return r, result
}

func TestWriterReaderGet(t *testing.T) {
	r, _ := buildTable(t, 500)
	defer r.Close()

	value, kind, found, err := r.Get([]byte("key-0250"), keys.MaxSequenceNumber)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keys.KindValue, kind)
	require.Equal(t, "value-250", string(value))
}

func TestGetMissingKey(t *testing.T) {
	r, _ := buildTable(t, 50)
	defer r.Close()

	_, _, found, err := r.Get([]byte("zzz-not-present"), keys.MaxSequenceNumber)
	require.NoError(t, err)
	require.False(t, found)
}

func TestIteratorOrdersAllKeys(t *testing.T) {
	r, _ := buildTable(t, 300)
	defer r.Close()

	it, err := r.NewIterator()
	require.NoError(t, err)
	it.SeekToFirst()

	count := 0
	var lastUserKey []byte
	for it.Valid() {
		parsed, ok := keys.ParseInternalKey(it.Key())
		require.True(t, ok)
		if lastUserKey != nil {
			require.True(t, keys.CompareBytes(lastUserKey, parsed.UserKey) < 0)
		}
		lastUserKey = append([]byte(nil), parsed.UserKey...)
		count++
		it.Next()
	}
	require.Equal(t, 300, count)
}

func TestIteratorSeekMidTable(t *testing.T) {
	r, _ := buildTable(t, 300)
	defer r.Close()

	it, err := r.NewIterator()
	require.NoError(t, err)
	target := keys.MakeInternalKey(nil, []byte("key-0150"), keys.MaxSequenceNumber, keys.KindValue)
	it.Seek(target)
	require.True(t, it.Valid())
	parsed, ok := keys.ParseInternalKey(it.Key())
	require.True(t, ok)
	require.Equal(t, "key-0150", string(parsed.UserKey))
}

func TestBloomFilterRejectsAbsentKey(t *testing.T) {
	r, _ := buildTable(t, 1000)
	defer r.Close()
	require.False(t, r.MayContain([]byte("definitely-absent-key-zzz")))
}

func TestResultTracksKeyRange(t *testing.T) {
	_, result := buildTable(t, 10)
	smallest, ok := keys.ParseInternalKey(result.Smallest)
	require.True(t, ok)
	largest, ok := keys.ParseInternalKey(result.Largest)
	require.True(t, ok)
	require.Equal(t, "key-0000", string(smallest.UserKey))
	require.Equal(t, "key-0009", string(largest.UserKey))
}
