package atcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultikeyRoundTripP256(t *testing.T) {
	pk, err := GenerateKey(P256)
	require.NoError(t, err)

	mb, err := EncodeMultikey(P256, &pk.Key.PublicKey)
	require.NoError(t, err)

	curve, pub, err := ParseMultikey(mb)
	require.NoError(t, err)
	assert.Equal(t, P256, curve)
	assert.Equal(t, 0, pk.Key.PublicKey.X.Cmp(pub.X))
	assert.Equal(t, 0, pk.Key.PublicKey.Y.Cmp(pub.Y))
}

func TestMultikeyRoundTripSecp256k1(t *testing.T) {
	pk, err := GenerateKey(Secp256)
	require.NoError(t, err)

	mb, err := EncodeMultikey(Secp256, &pk.Key.PublicKey)
	require.NoError(t, err)

	curve, pub, err := ParseMultikey(mb)
	require.NoError(t, err)
	assert.Equal(t, Secp256, curve)
	assert.Equal(t, 0, pk.Key.PublicKey.X.Cmp(pub.X))
	assert.Equal(t, 0, pk.Key.PublicKey.Y.Cmp(pub.Y))
}
