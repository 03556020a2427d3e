package privacy

import (
	"errors"
	"net"
	"testing"
)

func TestGate_DisabledAllowsEverything(t *testing.T) {
	gate := NewGate([]string{"127.0.0.1"}, false)
	if !gate.IsAllowedEndpoint("https://api.example.com/x") {
		t.Error("disabled gate should allow any endpoint")
	}
}

func TestGate_HostnameWhitelist(t *testing.T) {
	gate := NewGate([]string{"localhost", "127.0.0.1"}, true)

	cases := []struct {
		endpoint string
		want     bool
	}{
		{"localhost", true},
		{"http://localhost:8080/api", true},
		{"127.0.0.1", true},
		{"127.0.0.1:9000", true},
		{"LOCALHOST", true},
	}
	for _, tc := range cases {
		if got := gate.IsAllowedEndpoint(tc.endpoint); got != tc.want {
			t.Errorf("IsAllowedEndpoint(%q) = %v, want %v", tc.endpoint, got, tc.want)
		}
	}
}

func TestGate_CIDRMatch(t *testing.T) {
	gate := NewGate([]string{"192.168.0.0/16", "10.0.0.0/8"}, true)

	if !gate.IsAllowedEndpoint("192.168.1.44") {
		t.Error("address inside 192.168.0.0/16 should be allowed")
	}
	if !gate.IsAllowedEndpoint("http://10.2.3.4:1234/path") {
		t.Error("address inside 10.0.0.0/8 should be allowed")
	}
	if gate.IsAllowedEndpoint("8.8.8.8") {
		t.Error("public address should be denied")
	}
}

func TestGate_DNSResolutionAndCache(t *testing.T) {
	lookups := 0
	lookup := func(host string) ([]net.IP, error) {
		lookups++
		if host == "nas.home" {
			return []net.IP{net.ParseIP("192.168.1.10")}, nil
		}
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	gate := NewGate([]string{"192.168.0.0/16"}, true, WithLookup(lookup))

	if !gate.IsAllowedEndpoint("https://nas.home/share") {
		t.Fatal("host resolving into the whitelisted range should be allowed")
	}
	if gate.IsAllowedEndpoint("https://api.example.com/x") {
		t.Fatal("host resolving to a public address should be denied")
	}

	before := lookups
	gate.IsAllowedEndpoint("https://nas.home/share")
	gate.IsAllowedEndpoint("https://api.example.com/x")
	if lookups != before {
		t.Errorf("cached hosts were re-resolved: %d lookups after %d", lookups, before)
	}

	// Toggling privacy mode drops the cache.
	gate.SetEnabled(false)
	gate.SetEnabled(true)
	gate.IsAllowedEndpoint("https://nas.home/share")
	if lookups != before+1 {
		t.Errorf("toggle did not invalidate the DNS cache, lookups = %d", lookups)
	}
}

func TestGate_ResolutionFailureDenies(t *testing.T) {
	gate := NewGate(nil, true, WithLookup(func(string) ([]net.IP, error) {
		return nil, errors.New("no such host")
	}))
	if gate.IsAllowedEndpoint("https://unresolvable.invalid/") {
		t.Error("unresolvable host should be denied")
	}
}

func TestGate_Defaults(t *testing.T) {
	gate := NewGate(nil, true)
	for _, endpoint := range []string{"127.0.0.1", "localhost", "10.1.1.1", "172.20.0.5", "192.168.9.9"} {
		if !gate.IsAllowedEndpoint(endpoint) {
			t.Errorf("default whitelist should allow %s", endpoint)
		}
	}
}
