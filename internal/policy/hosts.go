package policy

import (
	"net"
	"strings"
)

// NormalizeHost canonicalizes a raw host token: surrounding brackets are
// stripped from IPv6 literals, an unambiguous trailing port is removed,
// a trailing dot is removed, and the result is lowercased.
func NormalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	if host == "" {
		return ""
	}

	// Bracketed IPv6, optionally with a port: [::1]:8080
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			host = host[1:end]
		} else {
			host = strings.TrimPrefix(host, "[")
		}
	} else if idx := strings.LastIndex(host, ":"); idx > 0 {
		// Strip a trailing port only when unambiguous. Multiple colons
		// without brackets means a bare IPv6 literal; leave it alone.
		if strings.Count(host, ":") == 1 && isDigits(host[idx+1:]) {
			host = host[:idx]
		}
	}

	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

// IsLoopback reports whether a normalized host is in the loopback set:
// localhost, 127.0.0.0/8, or ::1.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// HostAllowed reports whether a host may be reached under the given
// access. Loopback hosts are always allowed; everything else requires the
// normalized host to appear in the effective allowlist.
func HostAllowed(host string, access Access, trustedHosts []string) bool {
	normalized := NormalizeHost(host)
	if normalized == "" {
		return false
	}
	if IsLoopback(normalized) {
		return true
	}
	switch access.Network {
	case NetAllowlist:
		return hostInSet(normalized, access.NetworkAllowlist)
	case NetTrusted:
		return hostInSet(normalized, trustedHosts)
	default:
		return false
	}
}

func hostInSet(host string, set []string) bool {
	for _, entry := range set {
		if NormalizeHost(entry) == host {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
