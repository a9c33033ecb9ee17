package domain

import (
	"net/url"
	"strings"
)

// ExtractDomain returns the hostname of rawURL without a leading "www.".
// Strings that do not parse as an absolute URL are returned unchanged.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return rawURL
	}
	return strings.TrimPrefix(host, "www.")
}
