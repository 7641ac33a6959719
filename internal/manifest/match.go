package manifest

import (
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// AllURLs matches every http, https and file URL.
const AllURLs = "<all_urls>"

// MatchURL reports whether rawURL matches pattern. Patterns have the form
// scheme://host/path where scheme may be '*' (http or https), host may be
// '*' or start with '*.' (the domain and all subdomains) and path is a glob
// in which a trailing '/*' spans any number of segments. A host carrying a
// port is compared against the URL's host and port.
func MatchURL(pattern, rawURL string) bool {
	pattern = strings.TrimSpace(pattern)
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if pattern == AllURLs || pattern == "*" {
		return scheme == "http" || scheme == "https" || scheme == "file"
	}
	patScheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return false
	}
	if !matchScheme(strings.ToLower(patScheme), scheme) {
		return false
	}
	patHost, patPath, _ := strings.Cut(rest, "/")
	host := u.Hostname()
	if strings.LastIndex(patHost, ":") > strings.LastIndex(patHost, "]") {
		// A pattern with a port only matches that port.
		host = u.Host
	}
	if !matchHost(strings.ToLower(patHost), strings.ToLower(host)) {
		return false
	}
	return matchPath("/"+patPath, u.EscapedPath())
}

// MatchAny reports whether rawURL matches any of patterns.
func MatchAny(patterns []string, rawURL string) bool {
	for _, pattern := range patterns {
		if MatchURL(pattern, rawURL) {
			return true
		}
	}
	return false
}

func matchScheme(pattern, scheme string) bool {
	if pattern == "*" {
		return scheme == "http" || scheme == "https"
	}
	return pattern == scheme
}

func matchHost(pattern, host string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		base := strings.TrimPrefix(pattern, "*.")
		if host == base {
			return true
		}
	}
	ok, err := doublestar.Match(pattern, host)
	return err == nil && ok
}

func matchPath(pattern, path string) bool {
	if path == "" {
		path = "/"
	}
	if strings.HasSuffix(pattern, "/*") {
		pattern = strings.TrimSuffix(pattern, "*") + "**"
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}
