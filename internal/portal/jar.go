package portal

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"attendanced/internal/core"

	"golang.org/x/net/publicsuffix"
)

// Jar is an http.CookieJar that also remembers every stored cookie with its
// full attribute set, so a transplanted session can be inspected.
type Jar struct {
	jar *cookiejar.Jar

	mu      sync.Mutex
	entries []core.SessionCookie
}

// NewJar returns an empty jar backed by the public suffix list.
func NewJar() (*Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Jar{jar: jar}, nil
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		entry := core.SessionCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
			Expires:  c.Expires,
		}
		if entry.Domain == "" {
			entry.Domain = u.Hostname()
			entry.HostOnly = true
		}
		if entry.Path == "" {
			entry.Path = "/"
		}
		j.upsertLocked(entry, c.MaxAge < 0)
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

// Entries returns a copy of every cookie the jar holds, in insertion order.
func (j *Jar) Entries() []core.SessionCookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]core.SessionCookie, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *Jar) upsertLocked(entry core.SessionCookie, remove bool) {
	for i, existing := range j.entries {
		if existing.Name != entry.Name || existing.Domain != entry.Domain || existing.Path != entry.Path {
			continue
		}
		if remove {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
		} else {
			j.entries[i] = entry
		}
		return
	}
	if !remove {
		j.entries = append(j.entries, entry)
	}
}
