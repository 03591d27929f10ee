package carstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/atcore/atcrypto"
)

func TestEncodeOpenRoundTrip(t *testing.T) {
	d1 := []byte{0xa1, 0x61, 0x61, 0x01} // {"a":1}
	d2 := []byte{0xa1, 0x61, 0x62, 0x02} // {"b":2}
	c1, err := atcrypto.CIDFromBytes(atcrypto.CodecDagCbor, d1)
	require.NoError(t, err)
	c2, err := atcrypto.CIDFromBytes(atcrypto.CodecDagCbor, d2)
	require.NoError(t, err)

	raw, err := Encode(c1, []Block{{CID: c1, Data: d1}, {CID: c2, Data: d2}})
	require.NoError(t, err)

	store, err := Open(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	roots := store.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, c1, roots[0])

	got1, err := store.Get(c1)
	require.NoError(t, err)
	assert.Equal(t, d1, got1)

	got2, err := store.Get(c2)
	require.NoError(t, err)
	assert.Equal(t, d2, got2)

	assert.True(t, store.Has(c1))
	assert.True(t, store.Has(c2))
}

func TestOpenRejectsCorruptedBlock(t *testing.T) {
	d1 := []byte{0xa1, 0x61, 0x61, 0x01}
	c1, err := atcrypto.CIDFromBytes(atcrypto.CodecDagCbor, d1)
	require.NoError(t, err)

	raw, err := Encode(c1, []Block{{CID: c1, Data: d1}})
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff // flip a byte inside the block payload

	_, err = Open(bytes.NewReader(raw), int64(len(raw)))
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestIteratorVisitsAllBlocks(t *testing.T) {
	d1 := []byte{0xa1, 0x61, 0x61, 0x01}
	c1, err := atcrypto.CIDFromBytes(atcrypto.CodecDagCbor, d1)
	require.NoError(t, err)

	raw, err := Encode(c1, []Block{{CID: c1, Data: d1}})
	require.NoError(t, err)
	store, err := Open(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	it := store.Iterator()
	c, data, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c1, c)
	assert.Equal(t, d1, data)

	_, _, ok, err = it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}
