package portal

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"attendanced/internal/core"
)

// ErrOutOfScope is returned for requests to hosts the session's cookies do not cover.
var ErrOutOfScope = errors.New("host outside transplanted session scope")

const defaultRequestTimeout = 30 * time.Second

// Transplanter copies browser sessions into plain HTTP clients.
type Transplanter struct {
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Transplant builds a client whose jar holds every cookie of bundle with its
// original domain, path, secure and http-only attributes. The client only
// talks to hosts covered by those cookies.
func (t *Transplanter) Transplant(bundle *core.SessionBundle) (*http.Client, error) {
	if bundle == nil || len(bundle.Cookies) == 0 {
		return nil, errors.New("session bundle has no cookies")
	}
	jar, err := NewJar()
	if err != nil {
		return nil, err
	}

	scopes := make([]hostScope, 0, len(bundle.Cookies))
	for _, c := range bundle.Cookies {
		host := strings.TrimPrefix(strings.TrimSpace(c.Domain), ".")
		if host == "" {
			return nil, fmt.Errorf("cookie %q has no domain", c.Name)
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			Expires:  c.Expires,
		}
		if !c.HostOnly {
			cookie.Domain = host
		}
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: path}, []*http.Cookie{cookie})
		scopes = appendScope(scopes, hostScope{host: host, hostOnly: c.HostOnly})
	}

	base := t.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	headers := make(map[string]string, len(bundle.Tokens))
	for k, v := range bundle.Tokens {
		headers[k] = v
	}
	return &http.Client{
		Jar:     jar,
		Timeout: timeout,
		Transport: &scopedTransport{
			base:    base,
			scopes:  scopes,
			headers: headers,
		},
	}, nil
}

// SessionJar returns the inspectable jar of a client built by Transplant.
func SessionJar(client *http.Client) (*Jar, bool) {
	jar, ok := client.Jar.(*Jar)
	return jar, ok
}

type hostScope struct {
	host     string
	hostOnly bool
}

func (s hostScope) allows(host string) bool {
	if strings.EqualFold(host, s.host) {
		return true
	}
	return !s.hostOnly && strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(s.host))
}

func appendScope(scopes []hostScope, scope hostScope) []hostScope {
	for i, existing := range scopes {
		if existing.host != scope.host {
			continue
		}
		// A domain cookie widens a host-only scope on the same host.
		if existing.hostOnly && !scope.hostOnly {
			scopes[i] = scope
		}
		return scopes
	}
	return append(scopes, scope)
}

type scopedTransport struct {
	base    http.RoundTripper
	scopes  []hostScope
	headers map[string]string
}

func (t *scopedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	allowed := false
	for _, s := range t.scopes {
		if s.allows(host) {
			allowed = true
			break
		}
	}
	if !allowed {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrOutOfScope, host)
	}
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			if req.Header.Get(k) == "" {
				req.Header.Set(k, v)
			}
		}
	}
	return t.base.RoundTrip(req)
}
