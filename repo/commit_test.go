package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/atcore/atcrypto"
	"github.com/gravwell/atcore/identity"
	"github.com/gravwell/atcore/repo/mst"
)

func testSignerAndDoc(t *testing.T, did string) (atcrypto.Signer, *identity.Document) {
	t.Helper()
	pk, err := atcrypto.GenerateKey(atcrypto.P256)
	require.NoError(t, err)
	signer := atcrypto.NewLocalSigner(pk)

	mb, err := atcrypto.EncodeMultikey(atcrypto.P256, &pk.Key.PublicKey)
	require.NoError(t, err)

	doc := &identity.Document{
		ID: did,
		VerificationMethod: []identity.VerificationMethod{
			{ID: did + "#atproto", Type: "Multikey", Controller: did, PublicKeyMultibase: mb},
		},
	}
	return signer, doc
}

func TestCommitSignAndVerify(t *testing.T) {
	signer, doc := testSignerAndDoc(t, "did:plc:abc123")
	store := mst.NewMemoryStore()
	tree, err := mst.Empty(store)
	require.NoError(t, err)
	tree = tree.WithPutter(store)

	v, _ := atcrypto.CIDFromBytes(atcrypto.CodecRaw, []byte("hello"))
	require.NoError(t, tree.Add("app.bsky.feed.post/abc", v))

	commit := NewCommitBuilder("did:plc:abc123", tree.Root).Build()
	head, sc, err := commit.Sign(signer, store)
	require.NoError(t, err)
	assert.NotEqual(t, head, tree.Root)

	require.NoError(t, VerifyCommit(sc, doc))
}

func TestVerifyCommitFailsWithWrongKey(t *testing.T) {
	signer, _ := testSignerAndDoc(t, "did:plc:abc123")
	_, otherDoc := testSignerAndDoc(t, "did:plc:abc123")
	store := mst.NewMemoryStore()
	tree, err := mst.Empty(store)
	require.NoError(t, err)
	tree = tree.WithPutter(store)

	commit := NewCommitBuilder("did:plc:abc123", tree.Root).Build()
	_, sc, err := commit.Sign(signer, store)
	require.NoError(t, err)

	assert.Error(t, VerifyCommit(sc, otherDoc))
}
