package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound      = errors.New("identity: not found")
	ErrInvalidHandle = errors.New("identity: invalid handle")
	ErrInvalidDID    = errors.New("identity: invalid did")
	ErrUnsupported   = errors.New("identity: unsupported did method")
)

func validHTTPEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Doer is the minimal HTTP executor the resolver needs; satisfied by
// *http.Client. Matches the XRPC transport's own Non-goal of not owning a
// transport implementation.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	plcDirectory  = "https://plc.directory"
	defaultTTL    = 10 * time.Minute
	defaultMaxLRU = 2048
)

// Resolver resolves handles and DIDs to DID Documents. It wraps a bounded,
// TTL'd cache (github.com/hashicorp/golang-lru/v2/expirable) and a
// single-flight throttler (golang.org/x/sync/singleflight) so concurrent
// resolve(k) calls for the same key coalesce into one fetch.
type Resolver struct {
	http  Doer
	cache *lru.LRU[string, *Document]
	grp   singleflight.Group
	plc   string
}

type Option func(*Resolver)

func WithHTTPClient(d Doer) Option { return func(r *Resolver) { r.http = d } }
func WithPLCDirectory(base string) Option {
	return func(r *Resolver) { r.plc = strings.TrimRight(base, "/") }
}
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.cache = lru.NewLRU[string, *Document](defaultMaxLRU, nil, ttl) }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		http: http.DefaultClient,
		plc:  plcDirectory,
	}
	for _, o := range opts {
		o(r)
	}
	if r.cache == nil {
		r.cache = lru.NewLRU[string, *Document](defaultMaxLRU, nil, defaultTTL)
	}
	return r
}

// ResolveHandle resolves a handle to its DID via DNS TXT lookup at
// _atproto.<handle>, falling back to the well-known HTTP endpoint.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if !ValidHandle(handle) {
		return "", ErrInvalidHandle
	}
	if did, err := r.resolveHandleDNS(ctx, handle); err == nil {
		return did, nil
	}
	return r.resolveHandleHTTP(ctx, handle)
}

func (r *Resolver) resolveHandleDNS(ctx context.Context, handle string) (string, error) {
	var resolver net.Resolver
	names, err := resolver.LookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", err
	}
	for _, n := range names {
		if strings.HasPrefix(n, "did=") {
			did := strings.TrimPrefix(n, "did=")
			if ValidDID(did) {
				return did, nil
			}
		}
	}
	return "", ErrNotFound
}

func (r *Resolver) resolveHandleHTTP(ctx context.Context, handle string) (string, error) {
	u := fmt.Sprintf("https://%s/.well-known/atproto-did", handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", ErrNotFound
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, 2048)); err != nil {
		return "", err
	}
	did := strings.TrimSpace(buf.String())
	if !ValidDID(did) {
		return "", ErrNotFound
	}
	return did, nil
}

// ResolveDID fetches (and caches) the DID document for did, coalescing
// concurrent lookups of the same DID into a single underlying fetch.
func (r *Resolver) ResolveDID(ctx context.Context, did string) (*Document, error) {
	if !ValidDID(did) {
		return nil, ErrInvalidDID
	}
	if doc, ok := r.cache.Get(did); ok {
		return doc, nil
	}
	v, err, _ := r.grp.Do(did, func() (interface{}, error) {
		doc, ferr := r.fetchDIDDocument(ctx, did)
		if ferr != nil {
			return nil, ferr
		}
		r.cache.Add(did, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (r *Resolver) fetchDIDDocument(ctx context.Context, did string) (*Document, error) {
	var u string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		u = r.plc + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		host = strings.ReplaceAll(host, ":", "/")
		if unescaped, err := url.PathUnescape(host); err == nil {
			host = unescaped
		}
		u = "https://" + host + "/.well-known/did.json"
	default:
		return nil, ErrUnsupported
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	} else if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: did document fetch failed: %s", resp.Status)
	}
	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Resolve resolves a handle or DID to its Document, resolving the handle to
// a DID first when necessary.
func (r *Resolver) Resolve(ctx context.Context, input string) (*Document, error) {
	did := input
	if !strings.HasPrefix(input, "did:") {
		resolved, err := r.ResolveHandle(ctx, input)
		if err != nil {
			return nil, err
		}
		did = resolved
	}
	return r.ResolveDID(ctx, did)
}
