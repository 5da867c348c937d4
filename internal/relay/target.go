package relay

import (
	"net/netip"
	"net/url"
	"strings"
)

// ValidateTarget reports whether address is a URL the relay may dial: it
// must parse, carry a host, and use the ws or wss scheme.
func ValidateTarget(address string) bool {
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return false
	}
	return u.Host != ""
}

// NormalizeIPv6 wraps a bare IPv6 literal host in brackets so the address
// becomes a valid URL:
//
//   - "ws://::1/path" → "ws://[::1]/path"
//   - "ws://::1:8080/path" → "ws://[::1:8080]/path"
//   - "ws://[::1]:8080/path" → unchanged
//   - "ws://example.com:8080/" → unchanged
//
// The whole unbracketed host is taken as the address: a trailing ":port"
// cannot be told apart from the last group of the literal, so a port needs
// the bracketed form. Anything that is not an IPv6 literal is returned
// as-is.
func NormalizeIPv6(address string) string {
	i := strings.Index(address, "://")
	if i < 0 {
		return address
	}
	start := i + len("://")
	end := len(address)
	if j := strings.IndexAny(address[start:], "/?#"); j >= 0 {
		end = start + j
	}
	host := address[start:end]

	// Userinfo ends at the last '@' of the authority.
	if at := strings.LastIndex(host, "@"); at >= 0 {
		start += at + 1
		host = host[at+1:]
	}

	if strings.HasPrefix(host, "[") || !strings.Contains(host, ":") || !isIPv6(host) {
		return address
	}
	return address[:start] + "[" + host + "]" + address[end:]
}

func isIPv6(s string) bool {
	ip, err := netip.ParseAddr(s)
	return err == nil && ip.Is6()
}

// TargetLabel returns the host of a target address, used for logs and
// metric labels so paths and query strings (which may carry tokens) are not
// recorded.
func TargetLabel(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
