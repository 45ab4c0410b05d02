package support

import "testing"

func TestNormalizeIP(t *testing.T) {
	cases := map[string]string{
		"192.0.2.1":            "192.0.2.1",
		" 192.0.2.1 ":          "192.0.2.1",
		"192.0.2.1:8080":       "192.0.2.1",
		"::ffff:192.0.2.1":     "192.0.2.1",
		"[2001:db8::1]:443":    "2001:db8::1",
		"[2001:db8::1]":        "2001:db8::1",
		"2001:DB8:0:0:0:0:0:1": "2001:db8::1",
		"fe80::1%eth0":         "fe80::1",
		"not-an-ip":            "",
		"":                     "",
		"unknown":              "",
	}

	for raw, want := range cases {
		if got := NormalizeIP(raw); got != want {
			t.Fatalf("NormalizeIP(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestIsPublicAddr(t *testing.T) {
	cases := map[string]bool{
		"8.8.8.8":     true,
		"2001:db8::1": true,
		"10.0.0.1":    false,
		"192.168.1.1": false,
		"127.0.0.1":   false,
		"::1":         false,
		"fe80::1":     false,
		"0.0.0.0":     false,
	}

	for raw, want := range cases {
		addr, ok := ParseAddr(raw)
		if !ok {
			t.Fatalf("ParseAddr(%q) failed", raw)
		}
		if got := IsPublicAddr(addr); got != want {
			t.Fatalf("IsPublicAddr(%q) = %v, want %v", raw, got, want)
		}
	}
}
