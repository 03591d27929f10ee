package dpop

import (
	"bytes"
	"io"
	"net/http"
)

// readAllAndReplace drains resp.Body and replaces it with a fresh reader
// over the same bytes, so callers can inspect the body to classify the
// error without consuming it for the caller's own decode.
func readAllAndReplace(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}
