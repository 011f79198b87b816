package registry

import (
	"net/http"
)

// tokenTransport injects the current auth token into every request.
// The token is read through a func so that a token obtained after the
// client was constructed is still picked up.
type tokenTransport struct {
	base  http.RoundTripper
	token func() (scheme, value string)
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	scheme, value := t.token()
	if value == "" {
		return t.base.RoundTrip(req)
	}
	req2 := cloneRequest(req)
	req2.Header.Set("Authorization", scheme+" "+value)
	return t.base.RoundTrip(req2)
}

// cloneRequest returns a shallow copy of r with a deep-copied Header.
func cloneRequest(r *http.Request) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	r2.Header = make(http.Header, len(r.Header))
	for k, s := range r.Header {
		r2.Header[k] = append([]string(nil), s...)
	}
	return r2
}
