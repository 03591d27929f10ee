package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecordExtractsType(t *testing.T) {
	raw := map[string]interface{}{"$type": "app.bsky.feed.post", "text": "hello"}
	rec, err := DecodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, "app.bsky.feed.post", rec.Type)
	assert.Equal(t, "hello", rec.Value["text"])
}

func TestDecodeRecordMissingType(t *testing.T) {
	_, err := DecodeRecord(map[string]interface{}{"text": "hello"})
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestCollectionSplitsKey(t *testing.T) {
	coll, rkey, ok := Collection("app.bsky.feed.post/3jzfcijpj2z2a")
	require.True(t, ok)
	assert.Equal(t, "app.bsky.feed.post", coll)
	assert.Equal(t, "3jzfcijpj2z2a", rkey)

	_, _, ok = Collection("no-slash-here")
	assert.False(t, ok)
}
