package oauth

import (
	"context"
	"sync"
	"time"

	"github.com/gravwell/atcore/atcrypto"
)

// TokenSet is the full token response from a token endpoint grant, kept
// together with the DPoP key it is bound to since an access token is
// useless without the private key that proved possession of it.
type TokenSet struct {
	Subject      string    `json:"sub"`
	Issuer       string    `json:"iss"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// StoredSession is a TokenSet plus the DPoP keypair it was bound to,
// exactly what must survive a process restart to keep using the session.
type StoredSession struct {
	DPoPKey  *atcrypto.PrivateKey
	Tokens   TokenSet
}

// SessionRegistry maps a subject DID to its StoredSession, serializing
// reads and writes per subject so a concurrent refresh and read of the
// same subject never interleave.
type SessionRegistry struct {
	mtx sync.Mutex
	m   map[string]*subjectLock
}

type subjectLock struct {
	mtx sync.Mutex
	sv  StoredSession
	set bool
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{m: map[string]*subjectLock{}}
}

func (r *SessionRegistry) lockFor(sub string) *subjectLock {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	l, ok := r.m[sub]
	if !ok {
		l = &subjectLock{}
		r.m[sub] = l
	}
	return l
}

func (r *SessionRegistry) Set(_ context.Context, sub string, sv StoredSession) error {
	l := r.lockFor(sub)
	l.mtx.Lock()
	l.sv, l.set = sv, true
	l.mtx.Unlock()
	return nil
}

func (r *SessionRegistry) Get(_ context.Context, sub string) (StoredSession, bool, error) {
	l := r.lockFor(sub)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.sv, l.set, nil
}

// WithLock runs fn with the subject's session locked, allowing an
// atomic read-refresh-write cycle for token refresh.
func (r *SessionRegistry) WithLock(sub string, fn func(sv StoredSession, ok bool) (StoredSession, error)) error {
	l := r.lockFor(sub)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	next, err := fn(l.sv, l.set)
	if err != nil {
		return err
	}
	l.sv, l.set = next, true
	return nil
}
