package audit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the originating address of a request for audit
// entries. Shore-side and bridge clients reach the service through a
// reverse proxy, so forwarded headers take precedence over the socket
// peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if ip := forwardedAddr(r); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// forwardedAddr returns the first hop of X-Forwarded-For, falling back
// to X-Real-IP.
func forwardedAddr(r *http.Request) string {
	if chain := r.Header.Get("X-Forwarded-For"); chain != "" {
		first, _, _ := strings.Cut(chain, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}
