package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com"},
		{"example.com:8080", "example.com"},
		{"example.com.", "example.com"},
		{"[::1]", "::1"},
		{"[::1]:8080", "::1"},
		{"127.0.0.1:3000", "127.0.0.1"},
		{"fe80::1", "fe80::1"},
		{"  host.local ", "host.local"},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NormalizeHost(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeHost_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.StringMatching(`[a-zA-Z0-9.\-:\[\]]{0,32}`).Draw(t, "raw")
		once := NormalizeHost(raw)
		require.Equal(t, once, NormalizeHost(once))
	})
}

func TestIsLoopback(t *testing.T) {
	require.True(t, IsLoopback("localhost"))
	require.True(t, IsLoopback("127.0.0.1"))
	require.True(t, IsLoopback("127.1.2.3"))
	require.True(t, IsLoopback("::1"))
	require.False(t, IsLoopback("example.com"))
	require.False(t, IsLoopback("192.168.1.1"))
	require.False(t, IsLoopback(""))
}

func TestHostAllowed(t *testing.T) {
	allowlist := Access{Network: NetAllowlist, NetworkAllowlist: []string{"Api.Example.COM"}}
	trusted := []string{"registry.internal"}

	// Loopback is always allowed regardless of mode.
	require.True(t, HostAllowed("127.0.0.1:9000", Access{Network: NetNone}, nil))
	require.True(t, HostAllowed("localhost", Access{Network: NetLocalhost}, nil))

	require.True(t, HostAllowed("api.example.com", allowlist, nil))
	require.True(t, HostAllowed("API.EXAMPLE.COM:443", allowlist, nil))
	require.False(t, HostAllowed("other.example.com", allowlist, nil))

	trustedAccess := Access{Network: NetTrusted}
	require.True(t, HostAllowed("registry.internal", trustedAccess, trusted))
	require.False(t, HostAllowed("registry.internal", trustedAccess, nil))

	require.False(t, HostAllowed("example.com", Access{Network: NetNone}, nil))
	require.False(t, HostAllowed("", allowlist, nil))
}
