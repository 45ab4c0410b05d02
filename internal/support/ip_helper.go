package support

import (
	"net"
	"net/netip"
	"strings"
)

// NormalizeIP returns the canonical form of raw, or "" when raw is not an IP
// address. IPv4-mapped IPv6 addresses collapse to their IPv4 form and zones
// are dropped.
func NormalizeIP(raw string) string {
	addr, ok := ParseAddr(raw)
	if !ok {
		return ""
	}
	return addr.String()
}

// ParseAddr parses raw, tolerating surrounding whitespace, brackets and a
// trailing port.
func ParseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}

	if addr, err := netip.ParseAddr(strings.Trim(raw, "[]")); err == nil {
		return addr.Unmap().WithZone(""), true
	}

	if host, _, err := net.SplitHostPort(raw); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.Unmap().WithZone(""), true
		}
	}

	return netip.Addr{}, false
}

// IsPublicAddr reports whether addr is globally routable.
func IsPublicAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return !(addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified())
}
