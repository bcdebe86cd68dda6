// Package origin evaluates browser Origin headers against a configured
// allow-list. The REST endpoints (CORS) and the websocket signal feed share
// one policy so an origin cannot be accepted on one surface and rejected on
// the other.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Matcher holds a normalized allow-list.
//
// Entries support:
//   - Full Origin values with scheme, e.g. "https://example.com" or "http://127.0.0.1:5173"
//   - Hostnames, e.g. "example.com"
//   - Wildcard hostnames, e.g. "*.example.com" (matches both example.com and subdomains)
//   - host:port pairs, e.g. "example.com:5173"
//   - Exact non-standard Origin values, e.g. "null"
//   - "*", which matches any non-empty Origin
//
// Requests without an Origin header (CLIs, native apps) are governed by
// allowNoOrigin.
type Matcher struct {
	entries       []string
	allowNoOrigin bool
}

// NewMatcher builds a Matcher from raw allow-list entries. Blank entries are
// dropped and surrounding whitespace is trimmed.
func NewMatcher(entries []string, allowNoOrigin bool) *Matcher {
	m := &Matcher{allowNoOrigin: allowNoOrigin}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e != "" {
			m.entries = append(m.entries, e)
		}
	}
	return m
}

// AllowValue reports whether a raw Origin header value passes the policy.
// An empty value means the header was absent. Host comparisons are
// case-insensitive; full-origin and non-standard entries match exactly.
func (m *Matcher) AllowValue(originValue string) bool {
	if originValue == "" {
		return m.allowNoOrigin
	}
	parsed, err := url.Parse(originValue)
	host := ""
	hostname := ""
	if err == nil {
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	for _, entry := range m.entries {
		if entry == "*" {
			return true
		}
		// Entries with a scheme are full Origin values and must match exactly.
		if strings.Contains(entry, "://") {
			if originValue == entry {
				return true
			}
			continue
		}
		lowered := strings.ToLower(entry)
		// "*.example.com" matches the apex and any subdomain.
		if strings.HasPrefix(lowered, "*.") {
			base := strings.TrimPrefix(lowered, "*.")
			if hostname != "" && base != "" {
				if hostname == base || strings.HasSuffix(hostname, "."+base) {
					return true
				}
			}
			continue
		}
		// host:port entries compare against the parsed Host so a bare
		// "example.com" entry stays hostname-only while an explicit port
		// allow-list remains possible.
		if host != "" {
			if _, _, err := net.SplitHostPort(lowered); err == nil {
				if host == lowered {
					return true
				}
				continue
			}
		}
		if hostname != "" && hostname == lowered {
			return true
		}
		// Exact match for non-standard Origin values (e.g. "null").
		if originValue == entry {
			return true
		}
	}
	return false
}

// AllowRequest applies AllowValue to r's Origin header.
func (m *Matcher) AllowRequest(r *http.Request) bool {
	return m.AllowValue(r.Header.Get("Origin"))
}

// CheckOrigin adapts the matcher to the websocket upgrader hook.
func (m *Matcher) CheckOrigin() func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return m.AllowRequest(r)
	}
}
