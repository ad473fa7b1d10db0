package crawler

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL canonicalizes rawURL into the dedup key used by the frontier.
// It lowercases the host, removes default ports, drops the fragment and any
// trailing slash, resolves dot segments and sorts query parameters. The
// scheme only decides which port is the default, so http and https variants
// of the same page share a key.
func NormalizeURL(rawURL string) (URLKey, error) {
	u, err := ParseHTTPURL(rawURL)
	if err != nil {
		return "", err
	}

	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	// Clean also drops the trailing slash of non-root paths.
	p = path.Clean(p)

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(p)
	if u.RawQuery != "" {
		if q := u.Query().Encode(); q != "" {
			b.WriteByte('?')
			b.WriteString(q)
		}
	}
	return URLKey(b.String()), nil
}

// ParseHTTPURL parses rawURL and requires an absolute http(s) URL with a host.
func ParseHTTPURL(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// HostOf returns the lowercase host (without default port) politeness applies to.
func HostOf(rawURL string) (string, error) {
	u, err := ParseHTTPURL(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host = net.JoinHostPort(host, port)
	}
	return host, nil
}

// ResolveReference resolves href against base and strips the fragment.
func ResolveReference(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	abs.RawFragment = ""
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
