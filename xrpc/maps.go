package xrpc

import (
	"net/http"
	"net/url"
	"sync"
)

// headerMap holds extra headers merged onto every outbound request, guarded
// by its own mutex independent of the client's own state lock.
type headerMap struct {
	sync.Mutex
	mp map[string]string
}

func newHeaderMap() *headerMap {
	return &headerMap{mp: map[string]string{}}
}

func (hm *headerMap) set(k, v string) {
	hm.Lock()
	hm.mp[k] = v
	hm.Unlock()
}

func (hm *headerMap) remove(k string) {
	hm.Lock()
	delete(hm.mp, k)
	hm.Unlock()
}

func (hm *headerMap) populateRequest(hdr http.Header) {
	if hdr == nil {
		return
	}
	hm.Lock()
	for k, v := range hm.mp {
		hdr.Set(k, v)
	}
	hm.Unlock()
}

func (hm *headerMap) duplicate() *headerMap {
	hm.Lock()
	defer hm.Unlock()
	r := newHeaderMap()
	for k, v := range hm.mp {
		r.mp[k] = v
	}
	return r
}

// queryMap holds query parameters merged onto every outbound request.
type queryMap struct {
	sync.Mutex
	vals url.Values
}

func newQueryMap() *queryMap {
	return &queryMap{vals: make(url.Values)}
}

func (qm *queryMap) set(k, v string) {
	qm.Lock()
	qm.vals.Set(k, v)
	qm.Unlock()
}

func (qm *queryMap) remove(k string) {
	qm.Lock()
	qm.vals.Del(k)
	qm.Unlock()
}

func (qm *queryMap) appendEncode(raw string) (string, error) {
	qm.Lock()
	defer qm.Unlock()
	if len(qm.vals) == 0 {
		return raw, nil
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return "", err
	}
	for k, vs := range qm.vals {
		for _, v := range vs {
			vals.Add(k, v)
		}
	}
	return vals.Encode(), nil
}
