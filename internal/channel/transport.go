package channel

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RedirectTransport sends every request to base instead of the host the
// provider SDK built, keeping path and query. base may carry a path prefix.
// An empty base returns next unchanged.
func RedirectTransport(base string, next http.RoundTripper) (http.RoundTripper, error) {
	if next == nil {
		next = http.DefaultTransport
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return next, nil
	}
	target, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("base url %q needs a scheme and host", base)
	}
	return &redirectTransport{target: target, next: next}, nil
}

type redirectTransport struct {
	target *url.URL
	next   http.RoundTripper
}

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	out.URL.Path = t.target.Path + req.URL.Path
	if req.URL.RawPath != "" {
		out.URL.RawPath = t.target.Path + req.URL.RawPath
	}
	out.Host = t.target.Host
	return t.next.RoundTrip(out)
}
