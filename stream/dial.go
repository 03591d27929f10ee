package stream

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// DialOptions configures the websocket connection a Decoder reads from:
// plain dialer, optional header injection, and a TLS verification toggle
// for non-ws schemes.
type DialOptions struct {
	Headers     http.Header
	EnforceCert bool
}

// Dial opens a websocket connection to uri (typically
// wss://host/xrpc/com.atproto.sync.subscribeRepos?cursor=N) and returns it
// ready for NewDecoder.
func Dial(uri string, opts DialOptions) (*websocket.Conn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("stream: parsing dial uri: %w", err)
	}

	dialer := websocket.Dialer{}
	if u.Scheme != "ws" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: !opts.EnforceCert}
	}

	hdr := opts.Headers
	if hdr == nil {
		hdr = http.Header{}
	}
	hdr.Set("Origin", fmt.Sprintf("%s://%s", u.Scheme, u.Host))

	conn, resp, err := dialer.Dial(uri, hdr)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		if resp != nil && resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("stream: dial failed with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("stream: dial failed: %w", err)
	}
	return conn, nil
}
