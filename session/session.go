// Package session manages an authenticated atproto identity: the access and
// refresh token pair, the resolved PDS endpoint, and single-flighted token
// refresh across atproto's two-token (accessJwt/refreshJwt) session model.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gravwell/atcore/identity"
	"github.com/gravwell/atcore/xrpc"
)

// State enumerates the states an atproto session passes through.
type State uint16

const (
	StateNew State = iota
	StateAuthed
	StateRefreshing
	StateExpired
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAuthed:
		return "AUTHED"
	case StateRefreshing:
		return "REFRESHING"
	case StateExpired:
		return "EXPIRED"
	case StateLoggedOut:
		return "LOGGED_OUT"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNoSession    = errors.New("session: not logged in")
	ErrLoginFailed  = errors.New("session: login failed")
	ErrRefreshDead  = errors.New("session: refresh token rejected, re-authentication required")
	ErrNotReady     = errors.New("session: client not ready for login")
)

// Tokens is the persistable half of a Session: exactly what a
// CredentialStore needs to save and later restore.
type Tokens struct {
	DID         string    `json:"did"`
	Handle      string    `json:"handle"`
	PDSEndpoint string    `json:"pdsEndpoint"`
	AccessJWT   string    `json:"accessJwt"`
	RefreshJWT  string    `json:"refreshJwt"`
	AccessExp   time.Time `json:"accessExp"`
	RefreshExp  time.Time `json:"refreshExp"`
}

// CredentialStore persists and restores Tokens, letting a host application
// keep sessions alive across process restarts. Implementations must be
// safe for concurrent use.
type CredentialStore interface {
	Save(ctx context.Context, t Tokens) error
	Load(ctx context.Context) (Tokens, error)
	Clear(ctx context.Context) error
}

// MemoryStore is a CredentialStore that keeps tokens in process memory; the
// default when a caller supplies none.
type MemoryStore struct {
	mtx sync.Mutex
	t   Tokens
	set bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(_ context.Context, t Tokens) error {
	m.mtx.Lock()
	m.t, m.set = t, true
	m.mtx.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (Tokens, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if !m.set {
		return Tokens{}, ErrNoSession
	}
	return m.t, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mtx.Lock()
	m.t, m.set = Tokens{}, false
	m.mtx.Unlock()
	return nil
}

// createSessionOutput and refreshSessionOutput mirror
// com.atproto.server.createSession / refreshSession response bodies. DidDoc
// is optional: when present, it is the server's current view of the
// account's DID document and takes priority over whatever endpoint the
// caller resolved to reach the server in the first place.
type createSessionOutput struct {
	DID        string             `json:"did"`
	Handle     string             `json:"handle"`
	AccessJwt  string             `json:"accessJwt"`
	RefreshJwt string             `json:"refreshJwt"`
	DidDoc     *identity.Document `json:"didDoc,omitempty"`
}

type refreshSessionOutput = createSessionOutput

// jwtExpiry reads the exp claim out of an accessJwt/refreshJwt without
// verifying its signature; the server, not this client, is the authority on
// whether the token is actually still valid, so this is only ever used to
// schedule a refresh attempt before the token's claimed expiry, never to
// decide whether a call is allowed to proceed. A token that fails to parse
// or carries no exp claim yields the zero Time, which ensureFresh treats as
// "never locally known to be expired".
func jwtExpiry(token string) time.Time {
	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Manager owns one authenticated session against one PDS. It resolves the
// PDS endpoint from the account's DID document, performs createSession /
// refreshSession calls, and coalesces concurrent refresh attempts into one
// in-flight call, gating only the refresh critical section rather than
// every request.
type Manager struct {
	mtx   sync.Mutex
	state State

	resolver *identity.Resolver
	store    CredentialStore
	newXrpc  func(host string) (*xrpc.Client, error)

	tokens Tokens
	client *xrpc.Client

	refreshing bool
	refreshErr error
	refreshCh  chan struct{}
}

type Option func(*Manager)

func WithCredentialStore(s CredentialStore) Option { return func(m *Manager) { m.store = s } }
func WithResolver(r *identity.Resolver) Option     { return func(m *Manager) { m.resolver = r } }

// NewManager builds a Manager. newXrpc constructs the xrpc.Client bound to a
// resolved PDS host; callers normally pass xrpc.NewClient wrapped to fix
// their own Doer/timeout options.
func NewManager(newXrpc func(host string) (*xrpc.Client, error), opts ...Option) *Manager {
	m := &Manager{
		state:   StateNew,
		newXrpc: newXrpc,
		store:   NewMemoryStore(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.resolver == nil {
		m.resolver = identity.NewResolver()
	}
	return m
}

// Login authenticates identifier (handle or DID) with password against its
// resolved PDS, creating a fresh session.
func (m *Manager) Login(ctx context.Context, identifier, password, authFactorToken string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.state != StateNew && m.state != StateLoggedOut && m.state != StateExpired {
		return ErrNotReady
	}

	doc, err := m.resolver.Resolve(ctx, identifier)
	if err != nil {
		return fmt.Errorf("session: resolving identity: %w", err)
	}
	endpoint, ok := doc.PDSEndpoint()
	if !ok {
		return errors.New("session: no PDS endpoint in DID document")
	}
	cl, err := m.newXrpc(endpoint)
	if err != nil {
		return err
	}
	cl.SetAuthProvider(NewBearerAuthProvider(m))

	body := map[string]string{"identifier": identifier, "password": password}
	if authFactorToken != "" {
		body["authFactorToken"] = authFactorToken
	}
	var out createSessionOutput
	if err := cl.Procedure(ctx, "com.atproto.server.createSession", nil, "", body, &out); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	// The resolved endpoint only gets us far enough to place the
	// createSession call; the server's own didDoc, when it sends one, is the
	// source of truth for where the account's repo actually lives from here
	// on, and may already differ (a PDS migration in flight).
	endpoint, cl, err = m.retarget(out.DidDoc, endpoint, cl)
	if err != nil {
		return err
	}

	m.tokens = Tokens{
		DID:         out.DID,
		Handle:      out.Handle,
		PDSEndpoint: endpoint,
		AccessJWT:   out.AccessJwt,
		RefreshJWT:  out.RefreshJwt,
		AccessExp:   jwtExpiry(out.AccessJwt),
		RefreshExp:  jwtExpiry(out.RefreshJwt),
	}
	m.client = cl
	m.state = StateAuthed
	_ = m.store.Save(ctx, m.tokens)
	return nil
}

// retarget returns the xrpc.Client to use going forward: cl unchanged if doc
// is nil or carries no PDS service entry, or a freshly built client bound to
// doc's advertised endpoint otherwise.
func (m *Manager) retarget(doc *identity.Document, fallback string, cl *xrpc.Client) (string, *xrpc.Client, error) {
	endpoint := fallback
	if doc != nil {
		if ep, ok := doc.PDSEndpoint(); ok {
			endpoint = ep
		}
	}
	if endpoint == fallback {
		return endpoint, cl, nil
	}
	newCl, err := m.newXrpc(endpoint)
	if err != nil {
		return "", nil, err
	}
	newCl.SetAuthProvider(NewBearerAuthProvider(m))
	return endpoint, newCl, nil
}

// Resume restores a session from the CredentialStore without contacting the
// server.
func (m *Manager) Resume(ctx context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	t, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	cl, err := m.newXrpc(t.PDSEndpoint)
	if err != nil {
		return err
	}
	cl.SetAuthProvider(NewBearerAuthProvider(m))
	m.tokens = t
	m.client = cl
	m.state = StateAuthed
	return nil
}

// Client returns the underlying xrpc.Client bound to this session's PDS,
// configured to inject the current access token as an AuthProvider.
func (m *Manager) Client() (*xrpc.Client, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.state != StateAuthed {
		return nil, ErrNoSession
	}
	return m.client, nil
}

// AccessToken returns the current access token, refreshing first if it is
// past expiry.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if err := m.ensureFresh(ctx); err != nil {
		return "", err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.tokens.AccessJWT, nil
}

// ensureFresh refreshes the access token if the locally cached AccessExp
// claims it has already passed. This is a proactive optimization only: it
// catches the common case before a call is even attempted, but the server
// is free to invalidate a token earlier than its claimed exp, so a live
// call can still come back with ExpiredToken after this check passes.
// Agent.Do handles that case by calling ForceRefresh directly.
func (m *Manager) ensureFresh(ctx context.Context) error {
	m.mtx.Lock()
	if m.state != StateAuthed && m.state != StateRefreshing {
		m.mtx.Unlock()
		return ErrNoSession
	}
	if m.tokens.AccessExp.IsZero() || time.Now().Before(m.tokens.AccessExp) {
		m.mtx.Unlock()
		return nil
	}
	m.mtx.Unlock()
	return m.refreshCoalesced(ctx)
}

// ForceRefresh refreshes the session unconditionally, coalescing concurrent
// callers onto the same in-flight refreshSession call. Callers use this
// after a live XRPC call comes back with ExpiredToken, since that is the
// server's authoritative signal that the access token is dead regardless of
// what the locally cached expiry says.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mtx.Lock()
	if m.state != StateAuthed && m.state != StateRefreshing {
		m.mtx.Unlock()
		return ErrNoSession
	}
	m.mtx.Unlock()
	return m.refreshCoalesced(ctx)
}

// refreshCoalesced runs refresh, or waits on an already in-flight one,
// implementing the single-flight half of the session state machine:
// [Authed]->[Refreshing] on the first caller in, every other concurrent
// caller blocks on refreshCh and observes the same result.
func (m *Manager) refreshCoalesced(ctx context.Context) error {
	m.mtx.Lock()
	if m.refreshing {
		ch := m.refreshCh
		m.mtx.Unlock()
		<-ch
		m.mtx.Lock()
		err := m.refreshErr
		m.mtx.Unlock()
		return err
	}
	m.refreshing = true
	m.refreshCh = make(chan struct{})
	m.state = StateRefreshing
	m.mtx.Unlock()

	err := m.refresh(ctx)

	m.mtx.Lock()
	m.refreshErr = err
	if err != nil {
		m.state = StateExpired
	} else {
		m.state = StateAuthed
	}
	m.refreshing = false
	close(m.refreshCh)
	m.mtx.Unlock()
	return err
}

// refresh performs the single underlying refreshSession call; callers must
// not hold m.mtx.
func (m *Manager) refresh(ctx context.Context) error {
	m.mtx.Lock()
	refreshJWT := m.tokens.RefreshJWT
	cl := m.client
	fallback := m.tokens.PDSEndpoint
	m.mtx.Unlock()

	var out refreshSessionOutput
	refreshClient := cl.WithoutAuth()
	err := bearerProcedure(ctx, refreshClient, refreshJWT, "com.atproto.server.refreshSession", &out)
	if err != nil {
		var xerr *xrpc.Error
		if errors.As(err, &xerr) && xerr.Kind == xrpc.XrpcErrorKind {
			return ErrRefreshDead
		}
		return err
	}

	endpoint, newCl, err := m.retarget(out.DidDoc, fallback, cl)
	if err != nil {
		return err
	}

	m.mtx.Lock()
	m.tokens.AccessJWT = out.AccessJwt
	m.tokens.RefreshJWT = out.RefreshJwt
	m.tokens.AccessExp = jwtExpiry(out.AccessJwt)
	m.tokens.RefreshExp = jwtExpiry(out.RefreshJwt)
	m.tokens.PDSEndpoint = endpoint
	m.client = newCl
	m.mtx.Unlock()
	_ = m.store.Save(ctx, m.tokens)
	return nil
}

// bearerProcedure issues a single POST with a one-shot bearer token, used
// only for the refresh call which must authenticate with the refresh token
// rather than whatever AuthProvider the client normally uses.
func bearerProcedure(ctx context.Context, cl *xrpc.Client, token, nsid string, out interface{}) error {
	cl.SetBearerOverride(token)
	defer cl.SetBearerOverride("")
	return cl.Procedure(ctx, nsid, nil, "", nil, out)
}

// Logout revokes the session server-side and clears local state.
func (m *Manager) Logout(ctx context.Context) error {
	m.mtx.Lock()
	cl := m.client
	m.mtx.Unlock()
	if cl == nil {
		return ErrNoSession
	}
	_ = cl.Procedure(ctx, "com.atproto.server.deleteSession", nil, "", nil, nil)

	m.mtx.Lock()
	m.state = StateLoggedOut
	m.tokens = Tokens{}
	m.mtx.Unlock()
	return m.store.Clear(ctx)
}

// BearerAuthProvider is the default AuthProvider implementation, injecting
// Authorization: Bearer <accessJwt> and refreshing through the owning
// Manager when the token is stale. Manager wires this into every
// xrpc.Client it constructs.
type BearerAuthProvider struct {
	mgr     *Manager
	overMtx sync.Mutex
	over    string
}

func NewBearerAuthProvider(mgr *Manager) *BearerAuthProvider {
	return &BearerAuthProvider{mgr: mgr}
}

func (p *BearerAuthProvider) AuthHeaders(ctx context.Context, _, _ string) (map[string]string, error) {
	p.overMtx.Lock()
	over := p.over
	p.overMtx.Unlock()
	if over != "" {
		return map[string]string{"Authorization": "Bearer " + over}, nil
	}
	tok, err := p.mgr.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + tok}, nil
}
