package atcrypto

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is the minimal EC JSON Web Key representation DPoP proofs embed in
// their header. Only the public fields are ever serialized onto the wire;
// private keys stay local to the Signer.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func jwkFromPublic(c Curve, pub *ecdsa.PublicKey) (JWK, error) {
	ec, err := ellipticCurve(c)
	if err != nil {
		return JWK{}, err
	}
	size := (ec.Params().BitSize + 7) / 8
	x := make([]byte, size)
	y := make([]byte, size)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return JWK{
		Kty: "EC",
		Crv: string(c),
		X:   b64url(x),
		Y:   b64url(y),
	}, nil
}

// PublicKeyFromJWK reconstructs an ecdsa.PublicKey from a JWK produced by
// jwkFromPublic, used to verify an inbound DPoP proof's self-asserted key.
func PublicKeyFromJWK(jwk JWK) (*ecdsa.PublicKey, error) {
	var c Curve
	switch jwk.Crv {
	case string(P256):
		c = P256
	case string(Secp256):
		c = Secp256
	default:
		return nil, fmt.Errorf("atcrypto: unsupported jwk crv %q", jwk.Crv)
	}
	ec, err := ellipticCurve(c)
	if err != nil {
		return nil, err
	}
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, err
	}
	y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, err
	}
	pub := &ecdsa.PublicKey{
		Curve: ec,
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	if !ec.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("atcrypto: jwk point not on curve %s", jwk.Crv)
	}
	return pub, nil
}
