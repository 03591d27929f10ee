package oauth

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/gravwell/atcore/atcrypto"
)

func randomNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// pkcePair is a PKCE (RFC 7636 §4.1) verifier/challenge pair using the S256
// challenge method, the only method atproto authorization servers accept.
type pkcePair struct {
	Verifier  string
	Challenge string
}

func generatePKCE() (pkcePair, error) {
	v1, err := randomNonce()
	if err != nil {
		return pkcePair{}, err
	}
	v2, err := randomNonce()
	if err != nil {
		return pkcePair{}, err
	}
	verifier := v1 + v2
	digest := atcrypto.Sha256([]byte(verifier))
	return pkcePair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(digest[:]),
	}, nil
}
