// Package oauth implements the atproto OAuth client profile: pushed
// authorization requests, the authorization code grant with PKCE, DPoP-bound
// tokens, and refresh. A state store keyed by an opaque token carries the
// per-flow DPoP key and PKCE verifier across the redirect to the
// authorization server and back.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gravwell/atcore/atcrypto"
	"github.com/gravwell/atcore/identity"
	"github.com/gravwell/atcore/oauth/dpop"
)

var (
	ErrInvalidRedirectURI = errors.New("oauth: redirect_uri not registered in client metadata")
	ErrMissingState        = errors.New("oauth: callback missing state parameter")
	ErrIssuerMismatch      = errors.New("oauth: callback issuer does not match expected authorization server")
	ErrMissingIss          = errors.New("oauth: authorization server requires iss parameter on callback")
	ErrNoSupportedAlg      = errors.New("oauth: no DPoP signing algorithm overlaps server support")
)

// Client drives the OAuth authorization code + PKCE + DPoP flow for one
// registered client_id.
type Client struct {
	metadata ClientMetadata
	resolver *identity.Resolver
	asMeta   *MetadataResolver
	states   StateStore
	sessions *SessionRegistry
	httpc    *http.Client

	authClientSigner atcrypto.Signer // stored by WithClientAssertionSigner; no request Client sends carries a client assertion
}

type Option func(*Client)

func WithStateStore(s StateStore) Option           { return func(c *Client) { c.states = s } }
func WithSessionRegistry(r *SessionRegistry) Option { return func(c *Client) { c.sessions = r } }
func WithIdentityResolver(r *identity.Resolver) Option { return func(c *Client) { c.resolver = r } }
func WithHTTPClient(h *http.Client) Option         { return func(c *Client) { c.httpc = h } }
func WithClientAssertionSigner(s atcrypto.Signer) Option {
	return func(c *Client) { c.authClientSigner = s }
}

func NewClient(metadata ClientMetadata, opts ...Option) *Client {
	c := &Client{
		metadata: metadata,
		states:   NewMemoryStateStore(10 * time.Minute),
		sessions: NewSessionRegistry(),
		httpc:    http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	if c.resolver == nil {
		c.resolver = identity.NewResolver()
	}
	if c.asMeta == nil {
		c.asMeta = NewMetadataResolver(c.httpc)
	}
	return c
}

// AuthorizeOptions customizes one authorize() call.
type AuthorizeOptions struct {
	RedirectURI string // defaults to metadata.RedirectURIs[0]
	Scopes      []string
	AppState    string // opaque caller state, returned unchanged from Callback
	Prompt      string
}

// Authorize resolves input (a handle or DID, or a bare PDS/entryway host) to
// its authorization server, stashes PKCE/DPoP flow state, and returns the
// URL the caller's user agent should be redirected to.
func (c *Client) Authorize(ctx context.Context, input string, opts AuthorizeOptions) (string, error) {
	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		if len(c.metadata.RedirectURIs) == 0 {
			return "", errors.New("oauth: client metadata has no redirect_uris")
		}
		redirectURI = c.metadata.RedirectURIs[0]
	} else if !contains(c.metadata.RedirectURIs, redirectURI) {
		return "", ErrInvalidRedirectURI
	}

	asMD, pdsHost, err := c.resolveAuthServer(ctx, input)
	if err != nil {
		return "", err
	}

	dpopKey, err := selectDPoPKey(asMD)
	if err != nil {
		return "", err
	}
	pkce, err := generatePKCE()
	if err != nil {
		return "", err
	}
	state := uuid.NewString()

	if err := c.states.Put(ctx, state, authState{
		Issuer:    asMD.Issuer,
		DPoPKey:   dpopKey,
		Verifier:  pkce.Verifier,
		AppState:  opts.AppState,
		CreatedAt: time.Now(),
	}); err != nil {
		return "", err
	}

	scope := strings.Join(opts.Scopes, " ")
	if scope == "" {
		scope = c.metadata.Scope
	}
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.metadata.ClientID},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"scope":                 {scope},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
	}
	if pdsHost != "" {
		params.Set("login_hint", input)
	}
	if opts.Prompt != "" {
		params.Set("prompt", opts.Prompt)
	}

	switch {
	case asMD.PushedAuthorizationRequestEndpoint != "":
		requestURI, err := c.pushedAuthorizationRequest(ctx, asMD, dpopKey, params)
		if err != nil {
			return "", err
		}
		final := url.Values{"client_id": {c.metadata.ClientID}, "request_uri": {requestURI}}
		return asMD.AuthorizationEndpoint + "?" + final.Encode(), nil
	case asMD.RequirePAR:
		return "", errors.New("oauth: server requires pushed authorization requests but advertises no endpoint")
	default:
		return asMD.AuthorizationEndpoint + "?" + params.Encode(), nil
	}
}

func (c *Client) resolveAuthServer(ctx context.Context, input string) (*AuthServerMetadata, string, error) {
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		md, err := c.asMeta.ResolveForPDS(ctx, input)
		return md, input, err
	}
	doc, err := c.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, "", err
	}
	pds, ok := doc.PDSEndpoint()
	if !ok {
		return nil, "", errors.New("oauth: identity has no PDS endpoint")
	}
	md, err := c.asMeta.ResolveForPDS(ctx, pds)
	return md, pds, err
}

func selectDPoPKey(asMD *AuthServerMetadata) (*atcrypto.PrivateKey, error) {
	algs := asMD.DPoPSigningAlgValuesSupported
	if len(algs) == 0 {
		algs = []string{"ES256"}
	}
	for _, alg := range algs {
		if curve, err := atcrypto.CurveFromAlg(alg); err == nil {
			return atcrypto.GenerateKey(curve)
		}
	}
	return nil, ErrNoSupportedAlg
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// pushedAuthorizationRequest submits params to the PAR endpoint, signed with
// a DPoP proof using dpopKey, returning the request_uri to forward to the
// authorization endpoint.
func (c *Client) pushedAuthorizationRequest(ctx context.Context, asMD *AuthServerMetadata, dpopKey *atcrypto.PrivateKey, params url.Values) (string, error) {
	proofer := dpop.NewProofer(atcrypto.NewLocalSigner(dpopKey)).WithIssuer(c.metadata.ClientID)
	nonces := dpop.NewNonceCache()

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("client_id", c.metadata.ClientID)

	var out struct {
		RequestURI string `json:"request_uri"`
	}
	body, status, err := c.postForm(ctx, asMD.PushedAuthorizationRequestEndpoint, form, proofer, nonces)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("oauth: pushed authorization request failed: status %d: %s", status, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("oauth: decoding PAR response: %w", err)
	}
	return out.RequestURI, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, proofer *dpop.Proofer, nonces *dpop.NonceCache) ([]byte, int, error) {
	client := &http.Client{
		Transport: &dpop.RoundTripper{Base: c.httpc.Transport, Proofer: proofer, Nonces: nonces},
		Timeout:   c.httpc.Timeout,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return buf, resp.StatusCode, nil
}

// CallbackParams carries the query parameters the authorization server
// redirected back with.
type CallbackParams struct {
	Code  string
	State string
	Iss   string // present when the server supports RFC 9207 issuer identification
}

// Session is a completed, DPoP-bound OAuth session for one subject DID.
type Session struct {
	Subject  string
	Metadata *AuthServerMetadata
	DPoPKey  *atcrypto.PrivateKey
	Tokens   TokenSet
}

// Callback completes the code exchange begun by Authorize, verifying state,
// the RFC 9207 iss parameter when advertised, and returning the resulting
// Session plus the caller's original AppState.
func (c *Client) Callback(ctx context.Context, params CallbackParams) (*Session, string, error) {
	if params.State == "" {
		return nil, "", ErrMissingState
	}
	st, err := c.states.Take(ctx, params.State)
	if err != nil {
		return nil, "", err
	}

	asMD, err := c.asMeta.AuthServer(ctx, st.Issuer)
	if err != nil {
		return nil, "", err
	}
	if params.Iss != "" {
		if params.Iss != asMD.Issuer {
			return nil, "", ErrIssuerMismatch
		}
	} else if asMD.AuthResponseIssParamSupported {
		return nil, "", ErrMissingIss
	}

	tokens, err := c.exchangeCode(ctx, asMD, st.DPoPKey, params.Code, st.Verifier)
	if err != nil {
		return nil, "", err
	}

	sess := &Session{Subject: tokens.Subject, Metadata: asMD, DPoPKey: st.DPoPKey, Tokens: *tokens}
	if err := c.sessions.Set(ctx, tokens.Subject, StoredSession{DPoPKey: st.DPoPKey, Tokens: *tokens}); err != nil {
		return nil, "", err
	}
	return sess, st.AppState, nil
}

func (c *Client) exchangeCode(ctx context.Context, asMD *AuthServerMetadata, dpopKey *atcrypto.PrivateKey, code, verifier string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.metadata.RedirectURIs[0]},
		"client_id":     {c.metadata.ClientID},
		"code_verifier": {verifier},
	}
	return c.tokenRequest(ctx, asMD, dpopKey, form)
}

// Refresh exchanges a refresh token for a fresh access/refresh token pair,
// bound to the same DPoP key the original grant used.
func (c *Client) Refresh(ctx context.Context, sub string) (*TokenSet, error) {
	sv, ok, err := c.sessions.Get(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("oauth: no stored session for subject")
	}
	asMD, err := c.asMeta.AuthServer(ctx, sv.Tokens.Issuer)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {sv.Tokens.RefreshToken},
		"client_id":     {c.metadata.ClientID},
	}
	tokens, err := c.tokenRequest(ctx, asMD, sv.DPoPKey, form)
	if err != nil {
		return nil, err
	}
	if err := c.sessions.Set(ctx, sub, StoredSession{DPoPKey: sv.DPoPKey, Tokens: *tokens}); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (c *Client) tokenRequest(ctx context.Context, asMD *AuthServerMetadata, dpopKey *atcrypto.PrivateKey, form url.Values) (*TokenSet, error) {
	proofer := dpop.NewProofer(atcrypto.NewLocalSigner(dpopKey)).WithIssuer(c.metadata.ClientID)
	nonces := dpop.NewNonceCache()

	body, status, err := c.postForm(ctx, asMD.TokenEndpoint, form, proofer, nonces)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		var xe struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &xe)
		return nil, fmt.Errorf("oauth: token request failed: status %d error=%q", status, xe.Error)
	}
	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
		Sub          string `json:"sub"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("oauth: decoding token response: %w", err)
	}
	return &TokenSet{
		Subject:      raw.Sub,
		Issuer:       asMD.Issuer,
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		TokenType:    raw.TokenType,
		Scope:        raw.Scope,
		ExpiresAt:    time.Now().Add(time.Duration(raw.ExpiresIn) * time.Second),
	}, nil
}
