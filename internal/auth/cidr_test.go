package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"plain ipv4", "203.0.113.7", "203.0.113.7", true},
		{"whitespace trimmed", "  203.0.113.7 ", "203.0.113.7", true},
		{"ipv4-mapped ipv6 unmapped", "::ffff:203.0.113.7", "203.0.113.7", true},
		{"ipv6 canonical form", "2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1", true},
		{"zone stripped", "fe80::1%eth0", "fe80::1", true},
		{"hostname rejected", "example.com", "", false},
		{"empty rejected", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeIP(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePattern(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare ipv4 widens to /24", "203.0.113.77", "203.0.113.0/24"},
		{"explicit cidr masked", "10.1.2.3/16", "10.1.0.0/16"},
		{"cidr kept as is", "192.168.1.0/24", "192.168.1.0/24"},
		{"bare ipv6 stored as /128", "2001:db8::1", "2001:db8::1/128"},
		{"mapped ipv4 unmapped first", "::ffff:203.0.113.77", "203.0.113.0/24"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePattern(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, raw := range []string{"", "not-an-ip", "10.0.0.0/40"} {
		_, err := NormalizePattern(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		pattern string
		want    bool
	}{
		{"inside /24", "203.0.113.77", "203.0.113.0/24", true},
		{"outside /24", "203.0.114.77", "203.0.113.0/24", false},
		{"exact /32", "10.0.0.1", "10.0.0.1/32", true},
		{"bare pattern exact match", "10.0.0.1", "10.0.0.1", true},
		{"bare pattern mismatch", "10.0.0.2", "10.0.0.1", false},
		{"ipv6 inside /64", "2001:db8::42", "2001:db8::/64", true},
		{"mapped client inside /24", "::ffff:203.0.113.77", "203.0.113.0/24", true},
		{"garbage ip", "nope", "203.0.113.0/24", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.ip, tt.pattern))
		})
	}
}

func TestMatchPatterns(t *testing.T) {
	patterns := []string{"10.0.0.0/8", "203.0.113.0/24"}

	ok, matched := MatchPatterns("203.0.113.5", patterns)
	assert.True(t, ok)
	assert.Equal(t, "203.0.113.0/24", matched)

	ok, matched = MatchPatterns("192.0.2.1", patterns)
	assert.False(t, ok)
	assert.Empty(t, matched)
}
