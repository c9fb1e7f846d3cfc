package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// DeriveIdentifier prefers the authenticated identity; without one it
// fingerprints the client from IP plus user agent, which raises the
// cost of trivial IP rotation. The fingerprint is not robust against a
// determined adversary who also rotates user agents; that limitation
// is accepted here and real enforcement belongs to an external layer.
func DeriveIdentifier(authIdentity, ip, userAgent string) string {
	if authIdentity != "" {
		return "user:" + authIdentity
	}
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return "anon:" + hex.EncodeToString(sum[:8])
}

// ClientIP extracts the originating client address, trusting
// X-Forwarded-For / X-Real-IP headers set by the fronting proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the client; later hops are proxies.
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
