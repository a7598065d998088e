package memtable

import (
	"fmt"
	"testing"

	"github.com/flashkv/flashkv/internal/keys"
	"github.com/stretchr/testify/require"
)

func TestPutThenGet(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Put(1, []byte("a"), []byte("1")))
	require.NoError(t, m.Put(2, []byte("b"), []byte("2")))

	v, res := m.Get([]byte("a"))
	require.Equal(t, Found, res)
	require.Equal(t, []byte("1"), v)

	_, res = m.Get([]byte("missing"))
	require.Equal(t, NotPresent, res)
}

func TestNewerSequenceWins(t *testing.T) {
	m := New(2)
	require.NoError(t, m.Put(1, []byte("k"), []byte("old")))
	require.NoError(t, m.Put(5, []byte("k"), []byte("new")))

	v, res := m.Get([]byte("k"))
	require.Equal(t, Found, res)
	require.Equal(t, []byte("new"), v)
}

func TestDeleteHidesValue(t *testing.T) {
	m := New(3)
	require.NoError(t, m.Put(1, []byte("k"), []byte("v")))
	require.NoError(t, m.Delete(2, []byte("k")))

	_, res := m.Get([]byte("k"))
	require.Equal(t, Deleted, res)
}

func TestFrozenRejectsWrites(t *testing.T) {
	m := New(4)
	require.NoError(t, m.Put(1, []byte("k"), []byte("v")))
	m.Freeze()

	err := m.Put(2, []byte("k2"), []byte("v2"))
	require.ErrorIs(t, err, ErrFrozen)
	err = m.Delete(3, []byte("k"))
	require.ErrorIs(t, err, ErrFrozen)
}

func TestApproximateMemoryUsageGrows(t *testing.T) {
	m := New(5)
	require.Zero(t, m.ApproximateMemoryUsage())
	require.NoError(t, m.Put(1, []byte("k"), []byte("v")))
	require.Positive(t, m.ApproximateMemoryUsage())
}

func TestIteratorOrdering(t *testing.T) {
	m := New(6)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, m.Put(keys.SequenceNumber(i+1), key, []byte("v")))
	}

	it := m.Iterator()
	it.SeekToFirst()
	var last []byte
	count := 0
	for it.Valid() {
		parsed, ok := keys.ParseInternalKey(it.Key())
		require.True(t, ok)
		if last != nil {
			require.True(t, keys.CompareBytes(last, parsed.UserKey) < 0)
		}
		last = append([]byte(nil), parsed.UserKey...)
		count++
		it.Next()
	}
	require.Equal(t, 50, count)
}

func TestIteratorSeek(t *testing.T) {
	m := New(7)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, m.Put(keys.SequenceNumber(i+1), key, []byte("v")))
	}

	it := m.Iterator()
	it.Seek(keys.MakeInternalKey(nil, []byte("key-005"), keys.MaxSequenceNumber, keys.KindValue))
	require.True(t, it.Valid())
	parsed, ok := keys.ParseInternalKey(it.Key())
	require.True(t, ok)
	require.Equal(t, []byte("key-005"), parsed.UserKey)
}
