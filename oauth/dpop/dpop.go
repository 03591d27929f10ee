// Package dpop implements RFC 9449 Demonstrating Proof-of-Possession proofs:
// building and signing the per-request JWT (iss/iat/jti/htm/htu/nonce
// claims), and tracking the per-origin nonce a resource or authorization
// server hands back, retrying exactly once on a fresh nonce.
package dpop

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gravwell/atcore/atcrypto"
)

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// randomJTI mints the proof's one-time jti claim. RFC 9449 only requires
// uniqueness per (htm, htu) pair; a UUID gives that with room to spare.
func randomJTI() (string, error) {
	return uuid.NewString(), nil
}

// signingMethod adapts an atcrypto.Signer into jwt.SigningMethod, so proofs
// go through the same header/claims/signing-input machinery any other
// golang-jwt token does rather than a hand-built encoder, while still
// signing through whatever Signer the caller supplied (in-process key, HSM,
// or remote signer).
type signingMethod struct {
	curve atcrypto.Curve
}

func (m signingMethod) Alg() string { return m.curve.JWTAlg() }

func (m signingMethod) Sign(signingString string, key interface{}) ([]byte, error) {
	signer, ok := key.(atcrypto.Signer)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	digest := atcrypto.Sha256([]byte(signingString))
	return signer.Sign(digest[:])
}

func (m signingMethod) Verify(signingString string, sig []byte, key interface{}) error {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	digest := atcrypto.Sha256([]byte(signingString))
	return atcrypto.Verify(m.curve, pub, digest[:], sig)
}

// Proofer mints signed DPoP proof JWTs for a single keypair.
type Proofer struct {
	signer atcrypto.Signer
	iss    string // the OAuth client_id, omitted for proofs sent to the resource server
}

func NewProofer(signer atcrypto.Signer) *Proofer {
	return &Proofer{signer: signer}
}

// WithIssuer returns a Proofer that stamps iss into every proof, used for
// proofs presented to the authorization server during the auth code grant.
func (p *Proofer) WithIssuer(iss string) *Proofer {
	return &Proofer{signer: p.signer, iss: iss}
}

// PublicJWK exposes the proof key's public JWK, the same key Proof embeds
// in every proof's header.
func (p *Proofer) PublicJWK() (atcrypto.JWK, error) {
	return p.signer.PublicJWK()
}

// Proof builds and signs a DPoP proof for one HTTP request. accessToken, if
// non-empty, is hashed into the "ath" claim per RFC 9449 §4.3, binding the
// proof to a bearer token presented alongside it.
func (p *Proofer) Proof(htm, htu, nonce, accessToken string) (string, error) {
	jwk, err := p.signer.PublicJWK()
	if err != nil {
		return "", err
	}
	jti, err := randomJTI()
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
		"jti": jti,
		"htm": htm,
		"htu": htu,
	}
	if p.iss != "" {
		claims["iss"] = p.iss
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if accessToken != "" {
		ath := atcrypto.Sha256([]byte(accessToken))
		claims["ath"] = b64url(ath[:])
	}

	token := jwt.NewWithClaims(signingMethod{curve: p.signer.Curve()}, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = jwk

	return token.SignedString(p.signer)
}

// NonceCache tracks the most recent DPoP-Nonce seen per origin
// (scheme://host).
type NonceCache struct {
	mtx sync.RWMutex
	m   map[string]string
}

func NewNonceCache() *NonceCache {
	return &NonceCache{m: map[string]string{}}
}

func (c *NonceCache) Get(origin string) string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.m[origin]
}

func (c *NonceCache) Set(origin, nonce string) {
	if nonce == "" {
		return
	}
	c.mtx.Lock()
	c.m[origin] = nonce
	c.mtx.Unlock()
}

// IsUseNonceError reports whether resp signals the use_dpop_nonce condition
// atproto authorization and resource servers use: a 400 (or 401 for the
// resource server) whose WWW-Authenticate or JSON error body names
// use_dpop_nonce.
func IsUseNonceError(resp *http.Response, body []byte) bool {
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	if strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
		return true
	}
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error == "use_dpop_nonce" {
		return true
	}
	return false
}

// RoundTripper wraps an http.RoundTripper, attaching a DPoP proof to every
// request and retrying exactly once if the server replies with a fresh
// nonce challenge.
type RoundTripper struct {
	Base        http.RoundTripper
	Proofer     *Proofer
	Nonces      *NonceCache
	AccessToken func() string // optional; populates the "ath" claim
}

func (rt *RoundTripper) base() http.RoundTripper {
	if rt.Base != nil {
		return rt.Base
	}
	return http.DefaultTransport
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	origin := req.URL.Scheme + "://" + req.URL.Host
	accessTok := ""
	if rt.AccessToken != nil {
		accessTok = rt.AccessToken()
	}

	attempt := func(nonce string) (*http.Request, error) {
		clone := req.Clone(req.Context())
		if req.GetBody != nil {
			b, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			clone.Body = b
		}
		proof, err := rt.Proofer.Proof(req.Method, strippedURL(req), nonce, accessTok)
		if err != nil {
			return nil, fmt.Errorf("dpop: building proof: %w", err)
		}
		clone.Header.Set("DPoP", proof)
		return clone, nil
	}

	r1, err := attempt(rt.Nonces.Get(origin))
	if err != nil {
		return nil, err
	}
	resp, err := rt.base().RoundTrip(r1)
	if err != nil {
		return nil, err
	}

	nonce := resp.Header.Get("DPoP-Nonce")
	if nonce == "" {
		return resp, nil
	}
	body, rerr := peekBody(resp)
	if rerr != nil {
		rt.Nonces.Set(origin, nonce)
		return resp, nil
	}
	if !IsUseNonceError(resp, body) {
		rt.Nonces.Set(origin, nonce)
		return resp, nil
	}
	rt.Nonces.Set(origin, nonce)
	resp.Body.Close()

	r2, err := attempt(nonce)
	if err != nil {
		return nil, err
	}
	return rt.base().RoundTrip(r2)
}

func strippedURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func peekBody(resp *http.Response) ([]byte, error) {
	return readAllAndReplace(resp)
}

// Context key used by callers that need to thread an explicit proof key
// through context rather than a package-level default (e.g. multi-tenant
// servers holding one signer per subject DID).
type signerKey struct{}

func WithSigner(ctx context.Context, p *Proofer) context.Context {
	return context.WithValue(ctx, signerKey{}, p)
}

func SignerFromContext(ctx context.Context) (*Proofer, bool) {
	p, ok := ctx.Value(signerKey{}).(*Proofer)
	return p, ok
}
