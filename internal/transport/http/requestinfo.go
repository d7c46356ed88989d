package transporthttp

import (
	"net"
	"net/http"
	"strings"

	"example.com/pixeltrack/internal/domain"
)

// ExtractRequestInfo captures the transport facts persisted alongside
// events: resolved client IP, the full header set, user agent and the
// request id assigned by the RequestID middleware.
func ExtractRequestInfo(r *http.Request) domain.RequestInfo {
	return domain.RequestInfo{
		IP:        clientIP(r),
		Headers:   r.Header,
		UserAgent: r.UserAgent(),
		RequestID: requestIDFrom(r.Context()),
	}
}

// clientIP resolves the originating address: first value of the
// X-Forwarded-For chain when a proxy added one, else the transport peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
