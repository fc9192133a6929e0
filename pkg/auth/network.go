package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// NetworkAllowlist admits requests whose peer address lies in one of a set
// of networks. An empty allowlist admits everyone.
type NetworkAllowlist struct {
	prefixes []netip.Prefix
}

// NewNetworkAllowlist parses CIDR networks or bare addresses.
func NewNetworkAllowlist(networks ...string) (*NetworkAllowlist, error) {
	l := &NetworkAllowlist{}
	for _, raw := range networks {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse allowed network %q: %w", raw, err)
			}
			l.prefixes = append(l.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}

		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse allowed network %q: %w", raw, err)
		}
		l.prefixes = append(l.prefixes, prefix.Masked())
	}
	return l, nil
}

// Empty reports whether no network is configured.
func (l *NetworkAllowlist) Empty() bool {
	return l == nil || len(l.prefixes) == 0
}

// Allows reports whether the request's peer address is admitted.
func (l *NetworkAllowlist) Allows(r *http.Request) bool {
	if l.Empty() {
		return true
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, prefix := range l.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
