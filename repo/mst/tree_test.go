package mst

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/atcore/atcrypto"
)

func TestAddGetRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	tr, err := Empty(store)
	require.NoError(t, err)
	tr = tr.WithPutter(store)

	v1, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("one"))
	v2, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("two"))
	v3, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("three"))

	require.NoError(t, tr.Add("app.bsky.feed.post/aaa", v1))
	require.NoError(t, tr.Add("app.bsky.feed.post/bbb", v2))
	require.NoError(t, tr.Add("app.bsky.feed.post/ccc", v3))

	got, err := tr.Get("app.bsky.feed.post/bbb")
	require.NoError(t, err)
	assert.True(t, got.Equals(v2))

	_, err = tr.Get("app.bsky.feed.post/zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddDuplicateKeyFails(t *testing.T) {
	store := NewMemoryStore()
	tr, err := Empty(store)
	require.NoError(t, err)
	tr = tr.WithPutter(store)

	v1, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("one"))
	require.NoError(t, tr.Add("k", v1))
	err = tr.Add("k", v1)
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestDeleteRemovesKey(t *testing.T) {
	store := NewMemoryStore()
	tr, err := Empty(store)
	require.NoError(t, err)
	tr = tr.WithPutter(store)

	v1, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("one"))
	v2, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("two"))
	require.NoError(t, tr.Add("k1", v1))
	require.NoError(t, tr.Add("k2", v2))
	require.NoError(t, tr.Delete("k1"))

	_, err = tr.Get("k1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := tr.Get("k2")
	require.NoError(t, err)
	assert.True(t, got.Equals(v2))
}

func TestBuildIsOrderIndependent(t *testing.T) {
	store1 := NewMemoryStore()
	store2 := NewMemoryStore()

	keys := []string{"a", "bb", "ccc", "dddd", "zzzzz"}
	var kvs1, kvs2 []KV
	for i, k := range keys {
		c, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte{byte(i)})
		kvs1 = append(kvs1, KV{Key: k, Value: c})
	}
	for i := len(keys) - 1; i >= 0; i-- {
		c, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte{byte(i)})
		kvs2 = append(kvs2, KV{Key: keys[i], Value: c})
	}

	root1, err := Build(kvs1, store1)
	require.NoError(t, err)
	root2, err := Build(kvs2, store2)
	require.NoError(t, err)
	assert.True(t, root1.Equals(root2))
}

// TestBuildMatchesFiveRecordVector pins Build against a known-good root CID
// for a fixed set of rkeys, catching a layer or serialization regression
// that TestBuildIsOrderIndependent's internal-consistency check alone would
// miss.
func TestBuildMatchesFiveRecordVector(t *testing.T) {
	store := NewMemoryStore()
	value, err := atcrypto.ParseCID("bafyreie5cvv4h45feadgeuwhbcutmh6t2ceseocckahdoe6uat64zmz454")
	require.NoError(t, err)

	rkeys := []string{
		"com.example.record/3jqfcqzm3fp2j",
		"com.example.record/3jqfcqzm3fr2j",
		"com.example.record/3jqfcqzm3fs2j",
		"com.example.record/3jqfcqzm3ft2j",
		"com.example.record/3jqfcqzm4fc2j",
	}
	var kvs []KV
	for _, k := range rkeys {
		kvs = append(kvs, KV{Key: k, Value: value})
	}

	root, err := Build(kvs, store)
	require.NoError(t, err)
	assert.Equal(t, "bafyreicmahysq4n6wfuxo522m6dpiy7z7qzym3dzs756t5n7nfdgccwq7m", root.String())
}

func TestDiffTreesClassifiesChanges(t *testing.T) {
	store := NewMemoryStore()
	va, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("a"))
	vb, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("b"))
	vb2, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("b2"))

	oldRoot, err := Build([]KV{{Key: "k1", Value: va}, {Key: "k2", Value: vb}}, store)
	require.NoError(t, err)
	newRoot, err := Build([]KV{{Key: "k2", Value: vb2}, {Key: "k3", Value: va}}, store)
	require.NoError(t, err)

	oldTree := Load(store, oldRoot)
	newTree := Load(store, newRoot)

	diff, err := DiffTrees(oldTree, newTree)
	require.NoError(t, err)
	require.Len(t, diff.Created, 1)
	assert.Equal(t, "k3", diff.Created[0].Key)
	require.Len(t, diff.Deleted, 1)
	assert.Equal(t, "k1", diff.Deleted[0].Key)
	require.Len(t, diff.Updated, 1)
	assert.Equal(t, "k2", diff.Updated[0].Key)
}
