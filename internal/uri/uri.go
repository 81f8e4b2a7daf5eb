// Package uri implements an RFC3986 URI record following the shape of
// Python's urllib.parse.urlparse, since EnvelopeContext carries the parsed
// components rather than just the raw string.
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URI is a parsed RFC3986 reference, stored alongside its original raw
// string. Equality is field-wise.
type URI struct {
	Raw string

	Scheme   string
	Netloc   string
	Path     string
	Params   string
	Query    string
	Fragment string
	Username string
	Password string
	Host     string
	Port     int // 0 means "not set"
}

// Parse validates uriRaw against RFC3986 and returns its components.
func Parse(uriRaw string) (URI, error) {
	parsed, err := url.Parse(uriRaw)
	if err != nil {
		return URI{}, fmt.Errorf("uri: %q is not RFC3986 compliant: %w", uriRaw, err)
	}

	path, params := splitParams(parsed.Path)

	u := URI{
		Raw:      uriRaw,
		Scheme:   parsed.Scheme,
		Netloc:   parsed.Host,
		Path:     path,
		Params:   params,
		Query:    parsed.RawQuery,
		Fragment: parsed.Fragment,
		Host:     parsed.Hostname(),
	}
	if parsed.User != nil {
		u.Username = parsed.User.Username()
		u.Password, _ = parsed.User.Password()
	}
	if portStr := parsed.Port(); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			u.Port = p
		}
	}
	return u, nil
}

// splitParams mimics urlparse's legacy behavior of splitting a trailing
// ";params" segment off of the last path component.
func splitParams(path string) (string, string) {
	lastSlash := strings.LastIndexByte(path, '/')
	rest := path
	prefix := ""
	if lastSlash >= 0 {
		prefix = path[:lastSlash+1]
		rest = path[lastSlash+1:]
	}
	if idx := strings.IndexByte(rest, ';'); idx >= 0 {
		return prefix + rest[:idx], rest[idx+1:]
	}
	return path, ""
}

func (u URI) String() string {
	return u.Raw
}

// Equal reports field-wise equality with another URI.
func (u URI) Equal(other URI) bool {
	return u == other
}
