package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
)

// secretFields must be {"$env": ...} references, never literals.
var secretFields = []string{"googleClientSecret", "jwtSecret", "encryptionKey"}

// Load reads path, checks its raw structure, resolves env references and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, VersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func validateRawConfig(rawConfig map[string]any) error {
	gateway, ok := rawConfig["gateway"].(map[string]any)
	if !ok {
		return fmt.Errorf("gateway section is required")
	}
	auth, ok := gateway["auth"].(map[string]any)
	if !ok {
		return fmt.Errorf("gateway.auth section is required")
	}
	for _, name := range secretFields {
		value, exists := auth[name]
		if !exists {
			continue
		}
		if err := validateEnvVarReference(value, name, "gateway.auth."+name); err != nil {
			return fmt.Errorf("%s", err.Message)
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	g := &config.Gateway
	if g.BaseURL == "" {
		return fmt.Errorf("gateway.baseURL is required")
	}
	if u, err := url.Parse(g.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("gateway.baseURL must be an absolute URL, got %q", g.BaseURL)
	}
	if g.Addr == "" {
		return fmt.Errorf("gateway.addr is required")
	}
	if g.Auth == nil {
		return fmt.Errorf("gateway.auth is required")
	}
	if err := validateAuthConfig(g.Auth); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if s := g.Sessions; s != nil {
		if s.Timeout < 0 {
			return fmt.Errorf("gateway.sessions.timeout cannot be negative")
		}
		if s.CleanupInterval < 0 {
			return fmt.Errorf("gateway.sessions.cleanupInterval cannot be negative")
		}
		if s.Timeout > 0 && s.CleanupInterval > s.Timeout {
			log.LogWarn("Session cleanup interval is greater than session timeout")
		}
		if s.MaxPerUser < 0 {
			return fmt.Errorf("gateway.sessions.maxPerUser cannot be negative")
		}
		if s.MaxPerUser == 0 {
			log.LogWarn("Session maxPerUser is 0 (unlimited) - this may allow resource exhaustion")
		}
	}

	if rl := g.RateLimit; rl != nil {
		if rl.RequestsPerSecond < 0 || rl.Burst < 0 {
			return fmt.Errorf("gateway.rateLimit values cannot be negative")
		}
	}

	if f := config.Tools.ToolFilter; f != nil {
		switch f.Mode {
		case ToolFilterModeAllow, ToolFilterModeBlock:
		default:
			return fmt.Errorf("tools.toolFilter.mode must be 'allow' or 'block', got %q", f.Mode)
		}
	}
	return nil
}

func validateAuthConfig(a *AuthConfig) error {
	if a.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if a.GoogleClientID == "" {
		return fmt.Errorf("googleClientId is required")
	}
	if a.GoogleClientSecret == "" {
		return fmt.Errorf("googleClientSecret is required")
	}
	if a.GoogleRedirectURI == "" {
		return fmt.Errorf("googleRedirectUri is required")
	}
	if len(a.JWTSecret) < 32 {
		return fmt.Errorf("jwtSecret must be at least 32 characters (got %d). Generate with: openssl rand -base64 32", len(a.JWTSecret))
	}
	if len(a.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(a.EncryptionKey))
	}
	if a.TokenTTL <= 0 {
		return fmt.Errorf("tokenTtl must be positive")
	}
	if a.FlowTTL <= 0 {
		return fmt.Errorf("flowTtl must be positive")
	}
	switch a.Storage {
	case StorageMemory:
	case StorageFirestore:
		if a.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage %q (use memory or firestore)", a.Storage)
	}
	if len(a.AllowedDomains) == 0 {
		log.LogWarn("No allowedDomains configured: any Google account can authorize")
	}
	return nil
}
