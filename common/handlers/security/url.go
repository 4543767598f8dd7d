package security

import (
	"fmt"
	"net/url"
)

// URLValidator orchestrates protocol, host and path validation for one
// outbound webhook URL.
type URLValidator struct {
	protocol *ProtocolValidator
	host     *HostValidator
	path     *PathValidator
}

// NewURLValidator builds a validator. allowPrivate threads through to the
// host/IP layer for deployments that intentionally allow internal targets.
func NewURLValidator(allowPrivate bool) *URLValidator {
	return &URLValidator{
		protocol: NewProtocolValidator(),
		host:     NewHostValidator(allowPrivate),
		path:     NewPathValidator(),
	}
}

// Validate performs the full SSRF guard on a candidate webhook URL.
func (v *URLValidator) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if err := v.protocol.Validate(parsed.Scheme); err != nil {
		return fmt.Errorf("protocol validation failed: %w", err)
	}
	if err := v.host.Validate(parsed.Hostname()); err != nil {
		return fmt.Errorf("host validation failed: %w", err)
	}
	if err := v.path.Validate(parsed.Path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}
	for key, values := range parsed.Query() {
		for _, value := range values {
			if err := v.path.Validate(value); err != nil {
				return fmt.Errorf("query parameter %q contains dangerous pattern: %w", key, err)
			}
		}
	}
	return nil
}
