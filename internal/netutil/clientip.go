// Package netutil resolves client addresses for admission control.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ipv6NetworkBits is the prefix length treated as one IPv6 subscriber.
const ipv6NetworkBits = 64

var ErrInvalidAddress = errors.New("netutil: invalid client address")

// ResolveClientIP walks the X-Forwarded-For chain backwards trustedProxies
// hops from the immediate peer. Each trusted proxy appends the address it
// observed, so entries further left than that are client-controlled and
// ignored. A chain shorter than trustedProxies did not come through every
// trusted hop, so none of it is believed and the peer address is used, as
// it is with no trusted proxies.
func ResolveClientIP(peerAddr string, forwardedFor []string, trustedProxies int) (netip.Addr, error) {
	if trustedProxies > 0 {
		chain := splitForwardedFor(forwardedFor)
		if len(chain) >= trustedProxies {
			return parseAddr(chain[len(chain)-trustedProxies])
		}
	}
	return parseAddr(stripPort(peerAddr))
}

// NormalizeIP renders an address as a rate-limit identifier. IPv6 addresses
// collapse to their /64 network; IPv4-mapped IPv6 addresses become IPv4.
func NormalizeIP(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.Is4() {
		return addr.String()
	}
	prefix, err := addr.WithZone("").Prefix(ipv6NetworkBits)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}

func splitForwardedFor(values []string) []string {
	chain := make([]string, 0, len(values))
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				chain = append(chain, trimmed)
			}
		}
	}
	return chain
}

func parseAddr(raw string) (netip.Addr, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr, nil
}

func stripPort(raw string) string {
	host := strings.TrimSpace(raw)
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
