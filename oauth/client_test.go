package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeUsesPAR(t *testing.T) {
	var asSrv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ProtectedResourceMetadata{
			Resource:             "https://pds.example.com",
			AuthorizationServers: []string{asSrv.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AuthServerMetadata{
			Issuer:                             asSrv.URL,
			AuthorizationEndpoint:              asSrv.URL + "/authorize",
			TokenEndpoint:                      asSrv.URL + "/token",
			PushedAuthorizationRequestEndpoint: asSrv.URL + "/par",
			DPoPSigningAlgValuesSupported:      []string{"ES256"},
		})
	})
	mux.HandleFunc("/par", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "S256", r.FormValue("code_challenge_method"))
		assert.NotEmpty(t, r.Header.Get("DPoP"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"request_uri": "urn:ietf:params:oauth:request_uri:abc123"})
	})
	asSrv = httptest.NewServer(mux)
	defer asSrv.Close()

	md := NewClientMetadataBuilder("https://client.example.com/metadata.json", "https://client.example.com/callback").Build()
	c := NewClient(md, WithHTTPClient(asSrv.Client()))

	redirectURL, err := c.Authorize(context.Background(), asSrv.URL, AuthorizeOptions{AppState: "xyz"})
	require.NoError(t, err)

	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, "urn:ietf:params:oauth:request_uri:abc123", u.Query().Get("request_uri"))
	assert.Equal(t, md.ClientID, u.Query().Get("client_id"))
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	md := NewClientMetadataBuilder("https://client.example.com/metadata.json", "https://client.example.com/callback").Build()
	c := NewClient(md)

	_, _, err := c.Callback(context.Background(), CallbackParams{State: "nonexistent", Code: "abc"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownState)
}
