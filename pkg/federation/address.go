package federation

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// hostProfile maps and punycode-encodes hostnames the way lookups expect, but tolerates
// underscores, which real fediverse hosts do use.
var hostProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false))

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL canonicalizes a delivery URL:
//   - scheme and host lowercased, non-ASCII hosts IDNA encoded
//   - fragment dropped, empty path becomes "/"
//   - default port for the scheme elided
//
// Path and query percent-encoding is preserved byte for byte.
func NormalizeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, &ValidationError{Reason: "malformed url", Err: err}
	}
	return normalizeParsed(u)
}

func normalizeParsed(u *url.URL) (*url.URL, error) {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	if _, ok := defaultPorts[out.Scheme]; !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if out.Opaque != "" {
		return nil, &ValidationError{Reason: "opaque urls cannot be delivered to"}
	}
	out.User = nil
	out.Fragment = ""
	out.RawFragment = ""

	hostname := u.Hostname()
	if hostname == "" {
		return nil, &ValidationError{Reason: "url has no host"}
	}
	host, err := canonicalHost(hostname)
	if err != nil {
		return nil, err
	}

	port := u.Port()
	if port == defaultPorts[out.Scheme] {
		port = ""
	}
	switch {
	case port != "":
		out.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		out.Host = "[" + host + "]"
	default:
		out.Host = host
	}

	if out.Path == "" && out.RawPath == "" {
		out.Path = "/"
	}
	return &out, nil
}

func canonicalHost(hostname string) (string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.String(), nil
	}
	ascii, err := hostProfile.ToASCII(strings.ToLower(strings.TrimSuffix(hostname, ".")))
	if err != nil {
		return "", &ValidationError{Reason: fmt.Sprintf("invalid host %q", hostname), Err: err}
	}
	return ascii, nil
}

// RequestTarget renders the (request-target) pseudo-header: lowercase method, then
// the escaped path and raw query.
func RequestTarget(method string, u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	target := strings.ToLower(method) + " " + path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}

// InboxHost returns the canonical host of an inbox URL, used to key statistics.
// Unparsable URLs yield the input unchanged so they are still counted.
func InboxHost(inbox string) string {
	u, err := NormalizeURL(inbox)
	if err != nil {
		return inbox
	}
	return u.Host
}
