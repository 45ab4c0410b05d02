package identity

import (
	"net/http"
	"net/netip"
	"strings"

	"ipguard/internal/support"
)

type Confidence int

const (
	ConfidenceNone Confidence = iota
	// ConfidenceLow means only private or loopback addresses were seen.
	ConfidenceLow
	// ConfidenceHigh means a public address was found.
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceLow:
		return "low"
	default:
		return "none"
	}
}

// SmartResolver picks the most plausible client address from proxy headers.
type SmartResolver interface {
	ClientIP(r *http.Request) (string, Confidence)
}

// ProxyChainResolver walks common proxy headers in priority order and returns
// the first public address it finds. If none is public the first private
// address wins with low confidence.
type ProxyChainResolver struct{}

var singleValueHeaders = []string{
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
}

func (ProxyChainResolver) ClientIP(r *http.Request) (string, Confidence) {
	var candidates []netip.Addr

	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if addr, ok := support.ParseAddr(part); ok {
			candidates = append(candidates, addr)
		}
	}
	for _, header := range singleValueHeaders {
		if addr, ok := support.ParseAddr(r.Header.Get(header)); ok {
			candidates = append(candidates, addr)
		}
	}
	candidates = append(candidates, forwardedFor(r.Header.Values("Forwarded"))...)

	var fallback netip.Addr
	for _, addr := range candidates {
		if support.IsPublicAddr(addr) {
			return addr.String(), ConfidenceHigh
		}
		if !fallback.IsValid() {
			fallback = addr
		}
	}

	if fallback.IsValid() {
		return fallback.String(), ConfidenceLow
	}
	return "", ConfidenceNone
}

// forwardedFor extracts the for= parameters of RFC 7239 Forwarded headers.
func forwardedFor(values []string) []netip.Addr {
	var out []netip.Addr
	for _, value := range values {
		for _, element := range strings.Split(value, ",") {
			for _, pair := range strings.Split(element, ";") {
				key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
				if !ok || !strings.EqualFold(key, "for") {
					continue
				}
				val = strings.Trim(strings.TrimSpace(val), `"`)
				if addr, ok := support.ParseAddr(val); ok {
					out = append(out, addr)
				}
			}
		}
	}
	return out
}
