package util

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is the set of proxy addresses whose forwarded headers are
// believed. With no trusted proxies, forwarded headers are ignored entirely.
type TrustedProxies struct {
	ranges []*net.IPNet
}

// NewTrustedProxies builds the allowlist from CIDR ranges or single IPs.
// A nil result (empty input) trusts nobody.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var ranges []*net.IPNet
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: entry}
			}
			if ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, cidr)
	}
	if len(ranges) == 0 {
		return nil, nil
	}
	return &TrustedProxies{ranges: ranges}, nil
}

// Contains reports whether ip falls inside any trusted range.
func (t *TrustedProxies) Contains(ip net.IP) bool {
	if t == nil || ip == nil {
		return false
	}
	for _, r := range t.ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address for rate limiting and audit logs.
// X-Forwarded-For is walked right to left and the first hop outside the
// trusted ranges wins; an untrusted direct peer short-circuits to RemoteAddr.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer := parseHostIP(r.RemoteAddr)
	if peer == nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}

	var hops []net.IP
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			hops = append(hops, ip)
		}
	}
	if len(hops) > 0 {
		hops = append(hops, peer)
		for i := len(hops) - 1; i >= 0; i-- {
			if !trusted.Contains(hops[i]) {
				return hops[i].String()
			}
		}
		return hops[0].String()
	}

	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer.String()
}

func parseHostIP(addr string) net.IP {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
