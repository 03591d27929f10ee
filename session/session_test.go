package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/atcore/identity"
	"github.com/gravwell/atcore/xrpc"
)

func newPLCResolver(t *testing.T, plcSrv *httptest.Server) *identity.Resolver {
	t.Helper()
	return identity.NewResolver(
		identity.WithPLCDirectory(plcSrv.URL),
		identity.WithHTTPClient(plcSrv.Client()),
	)
}

func newTestManager(t *testing.T, srv *httptest.Server) *Manager {
	t.Helper()
	return NewManager(func(host string) (*xrpc.Client, error) {
		return xrpc.NewClient(host, xrpc.WithDoer(srv.Client()))
	})
}

func TestLoginCreatesSession(t *testing.T) {
	var pds *httptest.Server
	plcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "did:plc:abc123",
			"service": []map[string]string{
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": pds.URL},
			},
		})
	}))
	defer plcSrv.Close()

	pds = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.server.createSession", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"did": "did:plc:abc123", "handle": "alice.test",
			"accessJwt": "access1", "refreshJwt": "refresh1",
		})
	}))
	defer pds.Close()

	m := NewManager(func(host string) (*xrpc.Client, error) {
		return xrpc.NewClient(host, xrpc.WithDoer(http.DefaultClient))
	}, WithResolver(newPLCResolver(t, plcSrv)))

	err := m.Login(context.Background(), "did:plc:abc123", "hunter2", "")
	require.NoError(t, err)

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access1", tok)
}

func TestLoginFailureWrapsXrpcError(t *testing.T) {
	var pds *httptest.Server
	plcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "did:plc:abc123",
			"service": []map[string]string{
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": pds.URL},
			},
		})
	}))
	defer plcSrv.Close()

	pds = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "AuthenticationRequired", "message": "bad creds"})
	}))
	defer pds.Close()

	m := NewManager(func(host string) (*xrpc.Client, error) {
		return xrpc.NewClient(host, xrpc.WithDoer(http.DefaultClient))
	}, WithResolver(newPLCResolver(t, plcSrv)))

	err := m.Login(context.Background(), "did:plc:abc123", "wrong", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginFailed)
}

// TestLoginRetargetsToDidDocEndpoint exercises the endpoint-discovery rule:
// createSession's response carries a didDoc naming a PDS that differs from
// the one Login bootstrapped against, and every subsequent call must target
// the advertised endpoint instead.
func TestLoginRetargetsToDidDocEndpoint(t *testing.T) {
	var bootstrap *httptest.Server

	advertised := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.server.getSession", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"did": "did:plc:abc123", "handle": "alice.test"})
	}))
	defer advertised.Close()

	bootstrap = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.server.createSession", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"did": "did:plc:abc123", "handle": "alice.test",
			"accessJwt": "access1", "refreshJwt": "refresh1",
			"didDoc": map[string]interface{}{
				"id": "did:plc:abc123",
				"service": []map[string]string{
					{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": advertised.URL},
				},
			},
		})
	}))
	defer bootstrap.Close()

	plcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "did:plc:abc123",
			"service": []map[string]string{
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": bootstrap.URL},
			},
		})
	}))
	defer plcSrv.Close()

	m := NewManager(func(host string) (*xrpc.Client, error) {
		return xrpc.NewClient(host, xrpc.WithDoer(http.DefaultClient))
	}, WithResolver(newPLCResolver(t, plcSrv)))

	err := m.Login(context.Background(), "did:plc:abc123", "hunter2", "")
	require.NoError(t, err)

	cl, err := m.Client()
	require.NoError(t, err)
	assert.Equal(t, advertised.URL, cl.Host())

	var out map[string]string
	require.NoError(t, cl.Query(context.Background(), "com.atproto.server.getSession", nil, &out))
}

// TestConcurrentRefreshCoalesces exercises the refresh single-flight: 3
// concurrent calls on an already-expired access token must trigger exactly
// one refreshSession round trip, with every caller observing the refreshed
// token afterward.
func TestConcurrentRefreshCoalesces(t *testing.T) {
	var refreshCalls int32
	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.refreshSession":
			atomic.AddInt32(&refreshCalls, 1)
			time.Sleep(20 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"did": "did:plc:abc123", "handle": "alice.test",
				"accessJwt": "access", "refreshJwt": "refresh2",
			})
		case "/xrpc/com.atproto.server.getSession":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"did": "did:plc:abc123", "handle": "alice.test"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer pds.Close()

	m := newTestManager(t, pds)
	cl, err := xrpc.NewClient(pds.URL, xrpc.WithDoer(pds.Client()))
	require.NoError(t, err)
	cl.SetAuthProvider(NewBearerAuthProvider(m))
	m.client = cl
	m.state = StateAuthed
	m.tokens = Tokens{
		DID: "did:plc:abc123", Handle: "alice.test", PDSEndpoint: pds.URL,
		AccessJWT: "stale", RefreshJWT: "refresh1",
		AccessExp:  time.Now().Add(-time.Minute),
		RefreshExp: time.Now().Add(time.Hour),
	}

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out map[string]string
			results[i] = cl.Query(context.Background(), "com.atproto.server.getSession", nil, &out)
		}(i)
	}
	wg.Wait()

	for _, rerr := range results {
		assert.NoError(t, rerr)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access", tok)
}
