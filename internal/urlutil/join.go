package urlutil

import (
	"net"
	"net/url"
	"strings"
)

// JoinPath appends path segments to base, keeping a trailing slash when the
// last segment has one.
func JoinPath(base string, paths ...string) (string, error) {
	if len(paths) == 0 {
		if _, err := url.Parse(base); err != nil {
			return "", err
		}
		return base, nil
	}
	joined, err := url.JoinPath(base, paths...)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(paths[len(paths)-1], "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return joined, nil
}

// MustJoinPath is JoinPath for known-good base URLs taken from validated config.
func MustJoinPath(base string, paths ...string) string {
	result, err := JoinPath(base, paths...)
	if err != nil {
		panic(err)
	}
	return result
}

// IsLoopback reports whether u points at localhost or a loopback address.
// Native MCP clients register such redirect URIs over plain http.
func IsLoopback(u *url.URL) bool {
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
