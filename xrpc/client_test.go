package xrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/app.bsky.actor.getProfile", r.URL.Path)
		assert.Equal(t, "alice.test", r.URL.Query().Get("actor"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"handle": "alice.test"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	var out struct {
		Handle string `json:"handle"`
	}
	err = c.Query(context.Background(), "app.bsky.actor.getProfile", Params{"actor": "alice.test"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "alice.test", out.Handle)
}

func TestQueryXrpcError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(XrpcError{ErrorName: "InvalidRequest", Message: "nope"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	err = c.Query(context.Background(), "com.example.broken", nil, &struct{}{})
	require.Error(t, err)
	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, XrpcErrorKind, xerr.Kind)
	assert.Equal(t, "InvalidRequest", xerr.Xrpc.ErrorName)
}

func TestStatusErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	err = c.Query(context.Background(), "com.example.broken", nil, nil)
	require.Error(t, err)
	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, Status, xerr.Kind)
	assert.Equal(t, http.StatusInternalServerError, xerr.StatusCode)
}

func TestProcedurePostsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["text"])
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"uri": "at://did:plc:abc/app.bsky.feed.post/1"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	var out struct {
		URI string `json:"uri"`
	}
	err = c.Procedure(context.Background(), "com.atproto.repo.createRecord", nil, "", map[string]string{"text": "hello"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:abc/app.bsky.feed.post/1", out.URI)
}

func TestSetAcceptLabelersAndProxyHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "did:plc:labeler1, did:plc:labeler2", r.Header.Get("atproto-accept-labelers"))
		assert.Equal(t, "did:web:example.com#atproto_labeler", r.Header.Get("atproto-proxy"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	c.SetAcceptLabelers([]string{"did:plc:labeler1", "did:plc:labeler2"})
	c.SetProxy("did:web:example.com", "atproto_labeler")

	err = c.Query(context.Background(), "app.bsky.feed.getTimeline", nil, &struct{}{})
	require.NoError(t, err)
}
