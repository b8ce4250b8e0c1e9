package auth

import (
	"fmt"
	"net/netip"
	"strings"
)

// NormalizeIP canonicalizes a client IP literal: IPv4-mapped IPv6
// addresses are unmapped to their IPv4 form, IPv6 is shortened to its
// canonical text form, zone identifiers are dropped. Normalization must
// happen before hashing, CIDR matching, and logging, or the same client
// lands in different whitelist buckets.
func NormalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '%'); i >= 0 {
		raw = raw[:i]
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// NormalizePattern converts a whitelist entry into its stored CIDR form.
// A bare IPv4 widens to its /24 network, a bare IPv6 stores as /128, and
// an explicit CIDR is masked to its canonical prefix. Malformed input is
// rejected.
func NormalizePattern(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty ip pattern")
	}

	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return "", fmt.Errorf("parse cidr %q: %w", raw, err)
		}
		return prefix.Masked().String(), nil
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", fmt.Errorf("parse ip %q: %w", raw, err)
	}
	addr = addr.Unmap()

	if addr.Is4() {
		prefix, _ := addr.Prefix(24)
		return prefix.String(), nil
	}
	prefix, _ := addr.Prefix(128)
	return prefix.String(), nil
}

// MatchPattern reports whether the (normalized) client IP falls inside
// the CIDR pattern.
func MatchPattern(ip, pattern string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	prefix, err := netip.ParsePrefix(pattern)
	if err != nil {
		// Pattern stored as a bare address: exact equality.
		p, perr := netip.ParseAddr(pattern)
		return perr == nil && p.Unmap() == addr
	}
	return prefix.Contains(addr)
}

// MatchPatterns returns the first pattern containing ip, if any.
func MatchPatterns(ip string, patterns []string) (bool, string) {
	for _, pattern := range patterns {
		if MatchPattern(ip, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
