// Package atcrypto adapts external cryptographic primitives (ECDSA
// P-256/secp256k1, SHA-256, multihash, multibase) into the small surface
// the rest of the module needs: a Signer interface, curve-aware key
// helpers, and CID minting. It never implements a primitive itself.
package atcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Curve identifies one of the two curves atproto repositories and DPoP
// proofs may be signed with.
type Curve string

const (
	P256    Curve = "P-256"
	Secp256 Curve = "secp256k1"
)

// JWTAlg returns the JOSE algorithm identifier for the curve, as announced
// in server metadata's dpop_signing_alg_values_supported.
func (c Curve) JWTAlg() string {
	switch c {
	case P256:
		return "ES256"
	case Secp256:
		return "ES256K"
	default:
		return ""
	}
}

func CurveFromAlg(alg string) (Curve, error) {
	switch alg {
	case "ES256":
		return P256, nil
	case "ES256K":
		return Secp256, nil
	default:
		return "", fmt.Errorf("atcrypto: unsupported jwt alg %q", alg)
	}
}

func ellipticCurve(c Curve) (elliptic.Curve, error) {
	switch c {
	case P256:
		return elliptic.P256(), nil
	case Secp256:
		return secp256k1.S256(), nil
	default:
		return nil, fmt.Errorf("atcrypto: unknown curve %q", c)
	}
}

// PrivateKey wraps an ECDSA private key together with the curve identity
// used to select it, so callers never need to re-derive the curve from the
// key's Params().
type PrivateKey struct {
	Curve Curve
	Key   *ecdsa.PrivateKey
}

// GenerateKey creates a new private key on the given curve.
func GenerateKey(c Curve) (*PrivateKey, error) {
	ec, err := ellipticCurve(c)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(ec, rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{Curve: c, Key: key}, nil
}

// Signer abstracts over a key capable of producing a raw P1363 (r||s)
// ECDSA signature over an arbitrary digest. Repository commits and DPoP
// proofs are both signed through this interface so that callers may supply
// an HSM-backed or remote signer instead of an in-process key.
type Signer interface {
	Curve() Curve
	PublicJWK() (JWK, error)
	Sign(digest []byte) (sig []byte, err error)
}

var ErrInvalidSignature = errors.New("atcrypto: signature verification failed")

// localSigner is the reference Signer implementation backed by an in-memory
// ecdsa.PrivateKey; it is what GenerateKey-produced keys use by default.
type localSigner struct {
	pk *PrivateKey
}

func NewLocalSigner(pk *PrivateKey) Signer {
	return &localSigner{pk: pk}
}

func (s *localSigner) Curve() Curve { return s.pk.Curve }

func (s *localSigner) PublicJWK() (JWK, error) {
	return jwkFromPublic(s.pk.Curve, &s.pk.Key.PublicKey)
}

// Sign produces a fixed-length r||s signature, the form DPoP and atproto
// commits expect, by invoking ecdsa.Sign directly rather than ASN.1 DER
// encoding the result.
func (s *localSigner) Sign(digest []byte) ([]byte, error) {
	r, sVal, err := ecdsa.Sign(rand.Reader, s.pk.Key, digest)
	if err != nil {
		return nil, err
	}
	size := (s.pk.Key.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	sVal.FillBytes(out[size:])
	return out, nil
}

// Verify checks a raw r||s signature produced by Sign against a public key.
func Verify(curve Curve, pub *ecdsa.PublicKey, digest, sig []byte) error {
	ec, err := ellipticCurve(curve)
	if err != nil {
		return err
	}
	size := (ec.Params().BitSize + 7) / 8
	if len(sig) != 2*size {
		return ErrInvalidSignature
	}
	r := new(big.Int).SetBytes(sig[:size])
	sv := new(big.Int).SetBytes(sig[size:])
	if !ecdsa.Verify(pub, digest, r, sv) {
		return ErrInvalidSignature
	}
	return nil
}

// Sha256 hashes the given bytes; the digest used for both commit signing
// and CID minting. Non-goal: we delegate the primitive to crypto/sha256
// rather than implementing SHA-256 ourselves.
func Sha256(b []byte) [32]byte {
	return sha256.Sum256(b)
}
