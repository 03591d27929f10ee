package repo

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/atcore/repo/carstore"
	"github.com/gravwell/atcore/repo/mst"
)

// openGenesis builds a single-commit repository (empty MST, no prior
// revision) and returns it opened from a fresh CAR-backed store.
func openGenesis(t *testing.T, did string) *Repository {
	t.Helper()
	signer, _ := testSignerAndDoc(t, did)

	genesisBlocks := mst.NewMemoryStore()
	tree, err := mst.Empty(genesisBlocks)
	require.NoError(t, err)

	commit := NewCommitBuilder(did, tree.Root).Build()
	head, _, err := commit.Sign(signer, genesisBlocks)
	require.NoError(t, err)

	blocks := make([]carstore.Block, 0, len(genesisBlocks.All()))
	for c, data := range genesisBlocks.All() {
		blocks = append(blocks, carstore.Block{CID: c, Data: data})
	}
	carBytes, err := carstore.Encode(head, blocks)
	require.NoError(t, err)

	store, err := carstore.Open(bytes.NewReader(carBytes), int64(len(carBytes)))
	require.NoError(t, err)

	r, err := Open(store)
	require.NoError(t, err)
	return r
}

func mergeStores(t *testing.T, base *carstore.Store, extra map[cid.Cid][]byte, head cid.Cid) *carstore.Store {
	t.Helper()
	blocks := map[cid.Cid][]byte{}
	it := base.Iterator()
	for {
		c, data, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		blocks[c] = data
	}
	for c, data := range extra {
		blocks[c] = data
	}
	out := make([]carstore.Block, 0, len(blocks))
	for c, data := range blocks {
		out = append(out, carstore.Block{CID: c, Data: data})
	}
	carBytes, err := carstore.Encode(head, out)
	require.NoError(t, err)
	store, err := carstore.Open(bytes.NewReader(carBytes), int64(len(carBytes)))
	require.NoError(t, err)
	return store
}

func TestOpenReadsGenesisCommit(t *testing.T) {
	r := openGenesis(t, "did:plc:xyz987")
	assert.Equal(t, "did:plc:xyz987", r.DID)
	assert.Nil(t, r.Sc.Prev)

	_, _, err := r.GetRecord("app.bsky.feed.post", "missing")
	assert.ErrorIs(t, err, mst.ErrNotFound)
}

func TestBatchCommitAndReadBack(t *testing.T) {
	r := openGenesis(t, "did:plc:xyz987")
	signer, _ := testSignerAndDoc(t, r.DID)

	batch := r.NewBatch()
	_, err := batch.PutRecord("app.bsky.feed.post", "aaa", []byte(`{"$type":"app.bsky.feed.post","text":"hi"}`))
	require.NoError(t, err)
	_, err = batch.PutRecord("app.bsky.feed.post", "bbb", []byte(`{"$type":"app.bsky.feed.post","text":"bye"}`))
	require.NoError(t, err)

	next, err := batch.Commit(signer)
	require.NoError(t, err)
	assert.NotEqual(t, r.Head, next.Head)
	require.NotNil(t, next.Sc.Prev)
	assert.True(t, next.Sc.Prev.Equals(r.Head))

	merged := mergeStores(t, r.store, batch.staging.All(), next.Head)
	reopened, err := Open(merged)
	require.NoError(t, err)

	data, _, err := reopened.GetRecord("app.bsky.feed.post", "aaa")
	require.NoError(t, err)
	assert.Contains(t, string(data), "hi")

	listed, err := reopened.ListCollection("app.bsky.feed.post")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestExtractProofIncludesPathOnly(t *testing.T) {
	r := openGenesis(t, "did:plc:xyz987")
	signer, _ := testSignerAndDoc(t, r.DID)

	batch := r.NewBatch()
	for _, rkey := range []string{"aaa", "bbb", "ccc", "ddd"} {
		_, err := batch.PutRecord("app.bsky.feed.post", rkey, []byte(`{"$type":"app.bsky.feed.post"}`))
		require.NoError(t, err)
	}
	next, err := batch.Commit(signer)
	require.NoError(t, err)

	merged := mergeStores(t, r.store, batch.staging.All(), next.Head)

	proofBytes, err := ExtractProof(merged, next.Head, "app.bsky.feed.post", "bbb")
	require.NoError(t, err)

	proofStore, err := carstore.Open(bytes.NewReader(proofBytes), int64(len(proofBytes)))
	require.NoError(t, err)

	proofRepo, err := Open(proofStore)
	require.NoError(t, err)
	data, _, err := proofRepo.GetRecord("app.bsky.feed.post", "bbb")
	require.NoError(t, err)
	assert.Contains(t, string(data), "app.bsky.feed.post")
}
