// Package urlutil provides URL manipulation utilities.
package urlutil

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// NormalizeBaseURL normalizes a base URL for consistent use:
//   - Adds https:// scheme if no scheme provided
//   - Removes trailing slash for clean path joining
//
// Examples:
//
//	"cdn.mysite.com"         -> "https://cdn.mysite.com"
//	"https://mysite.com/"    -> "https://mysite.com"
//	"http://localhost:8080/" -> "http://localhost:8080"
func NormalizeBaseURL(baseURL string) string {
	if baseURL == "" {
		return ""
	}

	baseURL = strings.TrimSpace(baseURL)

	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}

	baseURL = strings.TrimSuffix(baseURL, "/")

	return baseURL
}

// IsRemoteURL checks if a URL is a remote URL that can be fetched.
// This includes:
//   - URLs with http:// or https:// scheme
//   - Protocol-relative URLs (//example.com/...)
//
// Returns false for relative paths, empty strings, or local paths.
func IsRemoteURL(u string) bool {
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "//")
}

// IsAbsoluteURL checks whether a URL carries its own scheme.
func IsAbsoluteURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return parsed.IsAbs()
}

// GetScheme returns the scheme of a URL (http, https) or empty string if unknown.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// Resolve resolves a possibly relative reference against a base URL using
// RFC 3986 reference resolution. Absolute references are returned unchanged.
func Resolve(base, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty URL reference")
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid URL reference %q: %w", ref, err)
	}
	if refURL.IsAbs() {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// RewriteHost replaces the host (and optionally port) of a URL, leaving
// scheme, path, query and fragment intact.
func RewriteHost(u, host string) (string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", u, err)
	}
	parsed.Host = host
	return parsed.String(), nil
}

// MergeQuery appends the provided parameters to the URL's query string.
// Existing parameters with the same name are replaced.
func MergeQuery(u string, params url.Values) (string, error) {
	if len(params) == 0 {
		return u, nil
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", u, err)
	}
	q := parsed.Query()
	for key, values := range params {
		q.Del(key)
		for _, v := range values {
			q.Add(key, v)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// StripFragment removes the fragment component from a URL and returns
// the URL without it plus the fragment itself.
func StripFragment(u string) (string, string) {
	if idx := strings.IndexByte(u, '#'); idx >= 0 {
		return u[:idx], u[idx+1:]
	}
	return u, ""
}

// ParseTimeFragment extracts the start offset in seconds from a media
// fragment of the form "t=12.5" or "t=10,20" (W3C Media Fragments).
// Returns 0 and false when no time fragment is present.
func ParseTimeFragment(fragment string) (float64, bool) {
	for _, part := range strings.Split(fragment, "&") {
		value, ok := strings.CutPrefix(part, "t=")
		if !ok {
			continue
		}
		// Only the start of a "start,end" range is honoured.
		if comma := strings.IndexByte(value, ','); comma >= 0 {
			value = value[:comma]
		}
		start, err := strconv.ParseFloat(value, 64)
		if err != nil || start < 0 {
			return 0, false
		}
		return start, true
	}
	return 0, false
}

// ValidateURL checks if a URL is valid and uses a supported scheme.
// Returns nil if valid, or an error describing the problem.
func ValidateURL(u string) error {
	if u == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTP, SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("URL has no host: %s", u)
		}
		return nil
	case "":
		return fmt.Errorf("URL must include a scheme (http:// or https://)")
	default:
		return fmt.Errorf("unsupported URL scheme: %s (supported: http, https)", scheme)
	}
}
