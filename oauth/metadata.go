package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// AuthServerMetadata is the subset of RFC 8414 authorization server
// metadata the engine needs to drive a PAR + authorization code + DPoP
// flow.
type AuthServerMetadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	RequirePAR                         bool     `json:"require_pushed_authorization_requests"`
	DPoPSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported"`
	TokenEndpointAuthMethods           []string `json:"token_endpoint_auth_methods_supported"`
	AuthResponseIssParamSupported      bool     `json:"authorization_response_iss_parameter_supported"`
	ScopesSupported                    []string `json:"scopes_supported"`
}

// ProtectedResourceMetadata is RFC 9728 resource metadata, used to map a PDS
// host to the authorization server(s) that issue tokens for it.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

var ErrNoAuthServer = errors.New("oauth: resource metadata named no authorization server")

// MetadataResolver fetches and caches authorization-server and
// protected-resource metadata, single-flighting concurrent lookups the same
// way the identity resolver coalesces DID document fetches.
type MetadataResolver struct {
	http  *http.Client
	cache *lru.LRU[string, any]
	grp   singleflight.Group
}

func NewMetadataResolver(httpClient *http.Client) *MetadataResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &MetadataResolver{
		http:  httpClient,
		cache: lru.NewLRU[string, any](512, nil, 10*time.Minute),
	}
}

func (m *MetadataResolver) fetchJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oauth: metadata fetch %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ResourceMetadata fetches /.well-known/oauth-protected-resource for pdsHost.
func (m *MetadataResolver) ResourceMetadata(ctx context.Context, pdsHost string) (*ProtectedResourceMetadata, error) {
	key := "res:" + pdsHost
	if v, ok := m.cache.Get(key); ok {
		return v.(*ProtectedResourceMetadata), nil
	}
	v, err, _ := m.grp.Do(key, func() (interface{}, error) {
		var md ProtectedResourceMetadata
		url := strings.TrimRight(pdsHost, "/") + "/.well-known/oauth-protected-resource"
		if err := m.fetchJSON(ctx, url, &md); err != nil {
			return nil, err
		}
		if len(md.AuthorizationServers) == 0 {
			return nil, ErrNoAuthServer
		}
		m.cache.Add(key, &md)
		return &md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProtectedResourceMetadata), nil
}

// AuthServer fetches /.well-known/oauth-authorization-server for issuer.
func (m *MetadataResolver) AuthServer(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	key := "as:" + issuer
	if v, ok := m.cache.Get(key); ok {
		return v.(*AuthServerMetadata), nil
	}
	v, err, _ := m.grp.Do(key, func() (interface{}, error) {
		var md AuthServerMetadata
		url := strings.TrimRight(issuer, "/") + "/.well-known/oauth-authorization-server"
		if err := m.fetchJSON(ctx, url, &md); err != nil {
			return nil, err
		}
		if md.Issuer != issuer {
			return nil, fmt.Errorf("oauth: issuer mismatch: expected %s, got %s", issuer, md.Issuer)
		}
		m.cache.Add(key, &md)
		return &md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuthServerMetadata), nil
}

// ResolveForPDS chains ResourceMetadata and AuthServer to find the
// authorization server metadata governing a given PDS host.
func (m *MetadataResolver) ResolveForPDS(ctx context.Context, pdsHost string) (*AuthServerMetadata, error) {
	res, err := m.ResourceMetadata(ctx, pdsHost)
	if err != nil {
		return nil, err
	}
	return m.AuthServer(ctx, res.AuthorizationServers[0])
}
