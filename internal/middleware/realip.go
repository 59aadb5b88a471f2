package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// RealIPMiddleware resolves the client address once per request. Forwarding
// headers are honored only when the peer is a trusted proxy; otherwise any
// client could pick its own rate limit bucket and country.
type RealIPMiddleware struct {
	trusted []netip.Prefix
}

// NewRealIPMiddleware parses the trusted proxy CIDRs. With none, the peer
// address is always the client.
func NewRealIPMiddleware(cidrs []string) (*RealIPMiddleware, error) {
	m := &RealIPMiddleware{}
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		m.trusted = append(m.trusted, p.Masked())
	}
	return m, nil
}

func (m *RealIPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, m.resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolve walks X-Forwarded-For from the nearest hop outwards and returns the
// first address that is not a trusted proxy.
func (m *RealIPMiddleware) resolve(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)
	if !m.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = addr.Unmap().String()
			if !m.isTrusted(client) {
				break
			}
		}
		return client
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			return addr.Unmap().String()
		}
	}
	return peer
}

func (m *RealIPMiddleware) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range m.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address resolved by RealIPMiddleware, or the peer
// address when the request did not pass through it.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok {
		return ip
	}
	return peerIP(r.RemoteAddr)
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return host
}
