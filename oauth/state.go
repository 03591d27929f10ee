package oauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gravwell/atcore/atcrypto"
)

// authState is the per-in-flight-authorization record: everything
// Callback needs to finish the flow that Authorize can't hand back to the
// caller directly, because it round-trips through the user's browser.
type authState struct {
	Issuer     string
	DPoPKey    *atcrypto.PrivateKey
	Verifier   string
	AppState   string
	CreatedAt  time.Time
}

var ErrUnknownState = errors.New("oauth: unknown or expired authorization state")

// StateStore persists in-flight authorization state across the redirect to
// the authorization server and back. The default MemoryStateStore only
// works for a single-process server; a distributed deployment supplies its
// own (e.g. Redis-backed) implementation.
type StateStore interface {
	Put(ctx context.Context, key string, st authState) error
	Take(ctx context.Context, key string) (authState, error) // get-and-delete, preventing replay
}

type MemoryStateStore struct {
	mtx sync.Mutex
	m   map[string]authState
	ttl time.Duration
}

func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryStateStore{m: map[string]authState{}, ttl: ttl}
}

func (s *MemoryStateStore) Put(_ context.Context, key string, st authState) error {
	s.mtx.Lock()
	s.m[key] = st
	s.mtx.Unlock()
	return nil
}

func (s *MemoryStateStore) Take(_ context.Context, key string) (authState, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	st, ok := s.m[key]
	delete(s.m, key)
	if !ok || time.Since(st.CreatedAt) > s.ttl {
		return authState{}, ErrUnknownState
	}
	return st, nil
}
