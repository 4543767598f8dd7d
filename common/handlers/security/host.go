package security

import (
	"fmt"
	"net"
	"strings"
)

// HostValidator resolves a hostname and validates every returned address.
type HostValidator struct {
	blockedHostnames []string
	ipValidator      *IPValidator
}

// NewHostValidator builds a validator with the engine's default blocked
// hostname list and the given IP policy.
func NewHostValidator(allowPrivate bool) *HostValidator {
	return &HostValidator{
		blockedHostnames: []string{
			"localhost", "127.0.0.1", "::1", "0.0.0.0", "::",
			"::ffff:127.0.0.1", "[::1]", "[::ffff:127.0.0.1]",
		},
		ipValidator: NewIPValidator(allowPrivate),
	}
}

// Validate checks hostname against the blocked list and, via DNS
// resolution, against every IP it resolves to. A failed DNS lookup is
// allowed through — the outbound request will simply fail on its own, and
// this guard's job is blocking reachable internal targets, not acting as a
// resolver.
func (v *HostValidator) Validate(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	for _, blocked := range v.blockedHostnames {
		if normalized == blocked {
			return fmt.Errorf("hostname %q is blocked (ssrf protection: loopback access)", hostname)
		}
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	return v.ipValidator.ValidateAll(ips)
}
