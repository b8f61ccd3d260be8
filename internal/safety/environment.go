package safety

import (
	"net"
	"net/url"
	"strings"
)

// Environment is a deployment tier. It drives the hard trade ceilings.
type Environment string

const (
	Production  Environment = "production"
	Preview     Environment = "preview"
	Development Environment = "development"
)

var (
	developmentHosts    = []string{"localhost", "127.0.0.1", "0.0.0.0", "::1"}
	developmentSuffixes = []string{".localhost", ".local", ".internal"}
	previewSuffixes     = []string{".vercel.app", ".netlify.app", ".pages.dev"}
	previewPrefixes     = []string{"preview.", "preview-", "staging.", "staging-"}
)

// ClassifyEnvironment maps a deployment origin (a hostname or URL) to a tier.
// Unrecognized or empty origins classify as Production.
func ClassifyEnvironment(origin string) Environment {
	host := hostOf(origin)
	if host == "" {
		return Production
	}

	for _, h := range developmentHosts {
		if host == h {
			return Development
		}
	}
	for _, s := range developmentSuffixes {
		if strings.HasSuffix(host, s) {
			return Development
		}
	}
	for _, s := range previewSuffixes {
		if strings.HasSuffix(host, s) {
			return Preview
		}
	}
	for _, p := range previewPrefixes {
		if strings.HasPrefix(host, p) {
			return Preview
		}
	}
	return Production
}

// hostOf extracts a lowercase hostname from an origin, dropping scheme, port and path.
func hostOf(origin string) string {
	s := strings.ToLower(strings.TrimSpace(origin))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return strings.Trim(h, "[]")
	}
	return strings.Trim(s, "[]")
}
