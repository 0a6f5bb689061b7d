package callback

import (
	"net/http"
	"strings"
)

const (
	redirectPath  = "/auth/redirect"
	errorPagePath = "/auth/auth-code-error"
)

// requestOrigin returns scheme://host for r, or siteURL when one is configured.
func requestOrigin(r *http.Request, siteURL string) string {
	if siteURL != "" {
		return strings.TrimSuffix(siteURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// successTarget picks where a signed-in browser goes next. Development always
// uses the request origin; otherwise a forwarded host set by the load balancer
// wins over the origin it rewrote.
func successTarget(origin, forwardedHost string, development bool) string {
	switch {
	case development:
		return origin + redirectPath
	case forwardedHost != "":
		return "https://" + forwardedHost + redirectPath
	default:
		return origin + redirectPath
	}
}

func errorTarget(origin string) string {
	return origin + errorPagePath
}
