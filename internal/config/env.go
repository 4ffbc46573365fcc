package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. An empty path is a no-op.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("env_file: %s does not exist", path)
		}
		return fmt.Errorf("env_file: %w", err)
	}
	return nil
}

// APIKeySource returns a function that reads the gateway API key from the
// environment on every call, so a rotated key is picked up without a restart.
func APIKeySource(g GatewayConfig) func() string {
	name := strings.TrimSpace(g.APIKeyEnv)
	if name == "" {
		name = DefaultAPIKeyEnv
	}
	return func() string { return strings.TrimSpace(os.Getenv(name)) }
}

// ListenAddr resolves the intake listen address.
func ListenAddr(h HTTPConfig) string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		return ":" + p
	}
	return ":" + DefaultHTTPPort
}
