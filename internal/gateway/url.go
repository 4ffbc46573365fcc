package gateway

import (
	_ "embed"
	"errors"
	"strings"
)

// ErrURLResource is returned when no gateway URL is packaged or configured.
var ErrURLResource = errors.New("gateway: url resource not properly loaded")

//go:embed gcm_server_url
var packagedURL string

// LoadURL returns override when set, otherwise the packaged gateway URL.
func LoadURL(override string) (string, error) {
	if u := strings.TrimSpace(override); u != "" {
		return u, nil
	}
	if u := strings.TrimSpace(packagedURL); u != "" {
		return u, nil
	}
	return "", ErrURLResource
}
