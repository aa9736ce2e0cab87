package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// VersionPrefix is the only config version accepted at present.
const VersionPrefix = "v0.0.1-DEV_EDITION"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the credential store backend.
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageFirestore StorageKind = "firestore"
)

// ToolFilterMode for tool filtering
type ToolFilterMode string

const (
	ToolFilterModeAllow ToolFilterMode = "allow"
	ToolFilterModeBlock ToolFilterMode = "block"
)

// ToolFilterConfig restricts which tools are offered to clients.
type ToolFilterConfig struct {
	Mode ToolFilterMode `json:"mode,omitempty"`
	List []string       `json:"list,omitempty"`
}

// Scopes requested from Google when none are configured.
var DefaultScopes = []string{
	"openid",
	"email",
	"profile",
	"https://www.googleapis.com/auth/youtube.readonly",
	"https://www.googleapis.com/auth/yt-analytics.readonly",
}

const (
	DefaultTokenTTL            = time.Hour
	DefaultFlowTTL             = 10 * time.Minute
	DefaultSessionTimeout      = 30 * time.Minute
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultMaxSessionsPerUser  = 10
	DefaultRequestsPerSecond   = 5.0
	DefaultBurst               = 20
	DefaultFirestoreDatabase   = "(default)"
	DefaultFirestoreCollection = "yt_gateway"
)

// AuthConfig holds the resolved Google OAuth and token issuance settings.
type AuthConfig struct {
	Issuer              string        `json:"issuer"`
	GoogleClientID      string        `json:"googleClientId"`
	GoogleClientSecret  Secret        `json:"googleClientSecret"`
	GoogleRedirectURI   string        `json:"googleRedirectUri"`
	Scopes              []string      `json:"scopes"`
	AllowedDomains      []string      `json:"allowedDomains,omitempty"` // empty admits any Google account
	TokenTTL            time.Duration `json:"tokenTtl"`
	FlowTTL             time.Duration `json:"flowTtl"` // lifetime of an in-flight authorization
	JWTSecret           Secret        `json:"jwtSecret"`
	EncryptionKey       Secret        `json:"encryptionKey"`
	Storage             StorageKind   `json:"storage"`
	GCPProject          string        `json:"gcpProject,omitempty"`
	FirestoreDatabase   string        `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string        `json:"firestoreCollection,omitempty"`
}

// SessionConfig represents session management configuration
type SessionConfig struct {
	Timeout         time.Duration
	CleanupInterval time.Duration
	MaxPerUser      int
}

// RateLimitConfig bounds unauthenticated traffic to the authorization endpoints.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
	// TrustProxy takes the client address from X-Forwarded-For, as set by
	// the load balancer in front of the gateway.
	TrustProxy bool `json:"trustProxy,omitempty"`
}

// GatewayConfig is the HTTP-facing part of the configuration.
type GatewayConfig struct {
	BaseURL        string           `json:"baseURL"`
	Addr           string           `json:"addr"`
	Name           string           `json:"name"`
	AllowedOrigins []string         `json:"allowedOrigins"`
	MetricsEnabled bool             `json:"metricsEnabled"`
	Auth           *AuthConfig      `json:"auth"`
	Sessions       *SessionConfig   `json:"sessions,omitempty"`
	RateLimit      *RateLimitConfig `json:"rateLimit,omitempty"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	ToolFilter *ToolFilterConfig `json:"toolFilter,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Tools   ToolsConfig   `json:"tools"`
}

// ParseConfigValue resolves a JSON value that is either a literal string or
// an {"$env": "VAR"} reference.
//
// The explicit object form is used instead of shell-like $VAR substitution so
// that config files passed through scripts are never expanded by a shell, and
// so a value containing "$" is never re-expanded.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip matching surrounding quotes left by some .env loaders
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
