// Package xrpc implements the atproto XRPC transport: plain HTTP GET for
// queries, POST for procedures, a JSON or raw-bytes response body, and a
// typed error on anything but success. It owns no session or auth policy of
// its own; callers inject an AuthProvider, so the client never needs to
// know where a bearer token came from.
package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	xrpcPath              = "/xrpc/"
	maxErrorBodyBytes     = 8 << 10
	defaultRequestTimeout = 60 * time.Second
)

// Doer is the minimal HTTP executor the client needs; satisfied by
// *http.Client or any wrapper (e.g. a DPoP-signing round tripper) that
// preserves its signature.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuthProvider supplies the Authorization header value (and, for DPoP, the
// proof header) for an outbound request. nil means unauthenticated calls
// only. It is implemented by the session manager and OAuth engine; xrpc
// never constructs tokens itself.
type AuthProvider interface {
	// AuthHeaders returns headers to add to the request bound for the given
	// method and URL. Called once per attempt: on DPoP nonce replay the
	// client will call it a second time with the server-supplied nonce
	// available via NotifyDPoPNonce.
	AuthHeaders(ctx context.Context, method, uri string) (map[string]string, error)
}

// NonceNotifiable is implemented by AuthProviders that care about
// server-returned DPoP nonces so the client can hand one back after a
// use_dpop_nonce rejection.
type NonceNotifiable interface {
	NotifyDPoPNonce(origin, nonce string)
}

// Client is a single atproto XRPC endpoint bound to one PDS or appview host.
type Client struct {
	mtx     sync.Mutex
	host    string // scheme://host, no trailing slash
	doer    Doer
	hm      *headerMap
	qm      *queryMap
	auth    AuthProvider
	timeout time.Duration
}

type Option func(*Client)

func WithDoer(d Doer) Option             { return func(c *Client) { c.doer = d } }
func WithAuthProvider(a AuthProvider) Option { return func(c *Client) { c.auth = a } }
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// NewClient binds a Client to host, a scheme://host[:port] base URI with no
// trailing slash and no path component.
func NewClient(host string, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, errors.New("xrpc: empty host")
	}
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("xrpc: invalid host %q", host)
	}
	c := &Client{
		host:    strings.TrimRight(host, "/"),
		doer:    newDefaultDoer(),
		hm:      newHeaderMap(),
		qm:      newQueryMap(),
		timeout: defaultRequestTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// newDefaultDoer builds the *http.Client a Client uses when the caller
// supplies no WithDoer: a cookie jar scoped by the public suffix list, so a
// PDS that round-trips a session cookie alongside its bearer token behaves
// correctly without extra caller configuration.
func newDefaultDoer() Doer {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// publicsuffix.List is never malformed; cookiejar.New only rejects one.
		jar = nil
	}
	return &http.Client{Timeout: defaultRequestTimeout, Jar: jar}
}

// Host returns the base URI the client is bound to.
func (c *Client) Host() string { return c.host }

// WithHost returns a copy of c bound to a different host, with its own copy
// of the header map and sharing the query map and auth provider; used when a labeler proxy or
// service-proxy target differs from the primary PDS.
func (c *Client) WithHost(host string) *Client {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return &Client{
		host:    strings.TrimRight(host, "/"),
		doer:    c.doer,
		hm:      c.hm.duplicate(),
		qm:      c.qm,
		auth:    c.auth,
		timeout: c.timeout,
	}
}

// WithoutAuth returns a shallow copy of c with no AuthProvider attached, for
// calls (such as token refresh) that must authenticate with a one-shot
// bearer token instead of whatever the client normally injects.
func (c *Client) WithoutAuth() *Client {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return &Client{
		host:    c.host,
		doer:    c.doer,
		hm:      c.hm.duplicate(),
		qm:      c.qm,
		auth:    nil,
		timeout: c.timeout,
	}
}

// SetAuthProvider attaches a (or clears, given nil) the AuthProvider c
// injects headers from on every call. Used by the session manager to wire
// itself into a client it has just constructed, since a Manager cannot
// exist yet at the point its own newXrpc constructor closure is passed in.
func (c *Client) SetAuthProvider(a AuthProvider) {
	c.mtx.Lock()
	c.auth = a
	c.mtx.Unlock()
}

// SetBearerOverride sets (or, given "", clears) a static Authorization
// header on the client, bypassing any AuthProvider. Used for the
// refreshSession call, which must present the refresh token rather than the
// access token an AuthProvider would supply.
func (c *Client) SetBearerOverride(token string) {
	if token == "" {
		c.hm.remove("Authorization")
		return
	}
	c.hm.set("Authorization", "Bearer "+token)
}

// SetAcceptLabelers sets the atproto-accept-labelers header to the given DID
// list, optionally redacting per-entry with ";redact" suffixes supplied by
// the caller verbatim.
func (c *Client) SetAcceptLabelers(dids []string) {
	if len(dids) == 0 {
		c.hm.remove("atproto-accept-labelers")
		return
	}
	c.hm.set("atproto-accept-labelers", strings.Join(dids, ", "))
}

// SetProxy sets the atproto-proxy header to "<did>#<serviceId>", routing the
// call through the target service rather than the bound host.
func (c *Client) SetProxy(did, serviceID string) {
	if did == "" {
		c.hm.remove("atproto-proxy")
		return
	}
	c.hm.set("atproto-proxy", did+"#"+serviceID)
}

// Params is a flat set of query parameters for a Query call. Repeated keys
// are supported via RepeatedParams.
type Params map[string]interface{}

// RepeatedParams marks a value that should be added to the query string once
// per element rather than joined into a single value.
type RepeatedParams []string

func encodeParams(p Params) url.Values {
	vals := url.Values{}
	for k, v := range p {
		switch tv := v.(type) {
		case nil:
			continue
		case RepeatedParams:
			for _, s := range tv {
				vals.Add(k, s)
			}
		case []string:
			for _, s := range tv {
				vals.Add(k, s)
			}
		case string:
			vals.Set(k, tv)
		default:
			vals.Set(k, fmt.Sprintf("%v", tv))
		}
	}
	return vals
}

// Query issues an XRPC query (HTTP GET) against nsid and decodes a JSON
// response into out. out may be nil to discard the body.
func (c *Client) Query(ctx context.Context, nsid string, params Params, out interface{}) error {
	uri := c.host + xrpcPath + nsid
	if q := encodeParams(params).Encode(); q != "" {
		uri += "?" + q
	}
	return c.do(ctx, http.MethodGet, uri, nil, "", out)
}

// Procedure issues an XRPC procedure (HTTP POST) against nsid, sending body
// encoded as contentType (default application/json when body is non-nil and
// contentType is empty) and decoding a JSON response into out.
func (c *Client) Procedure(ctx context.Context, nsid string, params Params, contentType string, body interface{}, out interface{}) error {
	uri := c.host + xrpcPath + nsid
	if q := encodeParams(params).Encode(); q != "" {
		uri += "?" + q
	}
	var payload []byte
	var err error
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	default:
		if payload, err = json.Marshal(body); err != nil {
			return &Error{Kind: Decode, Wrapped: err}
		}
		if contentType == "" {
			contentType = "application/json"
		}
	}
	return c.do(ctx, http.MethodPost, uri, payload, contentType, out)
}

// Blob downloads a raw binary response (e.g. com.atproto.sync.getBlob),
// returning the bytes and declared content-type rather than decoding JSON.
func (c *Client) Blob(ctx context.Context, nsid string, params Params) ([]byte, string, error) {
	uri := c.host + xrpcPath + nsid
	if q := encodeParams(params).Encode(); q != "" {
		uri += "?" + q
	}
	req, err := c.newRequest(ctx, http.MethodGet, uri, nil, "")
	if err != nil {
		return nil, "", err
	}
	resp, xerr := c.send(ctx, req)
	if xerr != nil {
		return nil, "", xerr
	}
	defer drainAndClose(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", c.statusError(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &Error{Kind: Decode, Wrapped: err}
	}
	return b, resp.Header.Get("Content-Type"), nil
}

func (c *Client) newRequest(ctx context.Context, method, uri string, body []byte, contentType string) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, rdr)
	if err != nil {
		return nil, &Error{Kind: HttpFailure, Wrapped: err}
	}
	c.hm.populateRequest(req.Header)
	if raw, err := c.qm.appendEncode(req.URL.RawQuery); err == nil {
		req.URL.RawQuery = raw
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, *Error) {
	if c.auth != nil {
		hdrs, err := c.auth.AuthHeaders(ctx, req.Method, req.URL.String())
		if err != nil {
			return nil, &Error{Kind: HttpFailure, Wrapped: err}
		}
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, &Error{Kind: HttpFailure, Wrapped: err}
	}
	return resp, nil
}

// do performs a single round trip, retrying exactly once on a 401 DPoP
// use_dpop_nonce challenge rather than looping indefinitely.
func (c *Client) do(ctx context.Context, method, uri string, body []byte, contentType string, out interface{}) error {
	var bodyBuf []byte
	if body != nil {
		bodyBuf = body
	}
	req, rerr := c.newRequest(ctx, method, uri, bodyBuf, contentType)
	if rerr != nil {
		return rerr
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && isDPoPNonceChallenge(resp) {
		if notif, ok := c.auth.(NonceNotifiable); ok {
			notif.NotifyDPoPNonce(req.URL.Scheme+"://"+req.URL.Host, resp.Header.Get("DPoP-Nonce"))
		}
		drainAndClose(resp)
		req2, rerr := c.newRequest(ctx, method, uri, bodyBuf, contentType)
		if rerr != nil {
			return rerr
		}
		resp, err = c.send(ctx, req2)
		if err != nil {
			return err
		}
	}
	defer drainAndClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	if out == nil {
		return nil
	}
	ct := resp.Header.Get("Content-Type")
	mt, _, _ := mime.ParseMediaType(ct)
	if mt != "" && mt != "application/json" && !strings.HasSuffix(mt, "+json") {
		return &Error{Kind: UnexpectedResponseType, Wrapped: fmt.Errorf("got %q", ct)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: Decode, Wrapped: err}
	}
	return nil
}

func isDPoPNonceChallenge(resp *http.Response) bool {
	return resp.Header.Get("DPoP-Nonce") != "" && strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce")
}

func (c *Client) statusError(resp *http.Response) *Error {
	lr := io.LimitReader(resp.Body, maxErrorBodyBytes)
	var xe XrpcError
	if err := json.NewDecoder(lr).Decode(&xe); err == nil && xe.ErrorName != "" {
		return &Error{Kind: XrpcErrorKind, StatusCode: resp.StatusCode, Xrpc: &xe}
	}
	return &Error{Kind: Status, StatusCode: resp.StatusCode}
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}
