package atcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/multiformats/go-multibase"
)

// multicodec prefixes for the two curves this module signs with, as used in
// did:key identifiers and DID document publicKeyMultibase values.
const (
	multicodecP256    = 0x1200
	multicodecSecp256 = 0xe7
)

// ParseMultikey decodes a multibase-encoded, multicodec-prefixed public key
// (the form found in a DID document's verificationMethod.publicKeyMultibase,
// or the suffix of a did:key identifier) into its curve and the
// decompressed public key.
func ParseMultikey(s string) (Curve, *ecdsa.PublicKey, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return "", nil, fmt.Errorf("atcrypto: multibase decode: %w", err)
	}
	code, n, err := readVarint(data)
	if err != nil {
		return "", nil, err
	}
	keyBytes := data[n:]

	switch code {
	case multicodecP256:
		pub, err := decompressPoint(elliptic.P256(), keyBytes)
		if err != nil {
			return "", nil, err
		}
		return P256, pub, nil
	case multicodecSecp256:
		pk, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			return "", nil, fmt.Errorf("atcrypto: secp256k1 key: %w", err)
		}
		return Secp256, pk.ToECDSA(), nil
	default:
		return "", nil, fmt.Errorf("atcrypto: unsupported multikey codec 0x%x", code)
	}
}

// EncodeMultikey renders pub as a multibase(base58btc)-encoded,
// multicodec-prefixed public key suitable for a DID document's
// publicKeyMultibase field.
func EncodeMultikey(curve Curve, pub *ecdsa.PublicKey) (string, error) {
	var code uint64
	var compressed []byte
	switch curve {
	case P256:
		code = multicodecP256
		compressed = elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)
	case Secp256:
		code = multicodecSecp256
		compressed = elliptic.MarshalCompressed(secp256k1.S256(), pub.X, pub.Y)
	default:
		return "", fmt.Errorf("atcrypto: unsupported curve %q", curve)
	}
	prefixed := append(appendVarint(nil, code), compressed...)
	return multibase.Encode(multibase.Base58BTC, prefixed)
}

func appendVarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func readVarint(b []byte) (uint64, int, error) {
	var x uint64
	var s uint
	for i, c := range b {
		if c < 0x80 {
			return x | uint64(c)<<s, i + 1, nil
		}
		x |= uint64(c&0x7f) << s
		s += 7
	}
	return 0, 0, fmt.Errorf("atcrypto: truncated varint")
}

func decompressPoint(curve elliptic.Curve, compressed []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.UnmarshalCompressed(curve, compressed)
	if x == nil {
		return nil, fmt.Errorf("atcrypto: invalid compressed point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: new(big.Int).Set(y)}, nil
}
