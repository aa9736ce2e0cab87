package envutil

import (
	"os"
	"strings"
)

// IsDev checks if we're running in development mode, where cookies drop the
// Secure flag and plain-http redirect URIs are accepted for local testing.
func IsDev() bool {
	env := strings.ToLower(os.Getenv("YT_GATEWAY_ENV"))
	return env == "development" || env == "dev"
}

// GetOr returns the environment variable key or fallback when unset.
func GetOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
