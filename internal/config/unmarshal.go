package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/emailutil"
)

func resolveInto(dst *string, raw json.RawMessage, field string) error {
	if raw == nil {
		return nil
	}
	v, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = v
	return nil
}

func parseDuration(dst *time.Duration, s, field string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}

// UnmarshalJSON resolves env references and applies auth defaults.
func (a *AuthConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Issuer              json.RawMessage `json:"issuer"`
		GoogleClientID      json.RawMessage `json:"googleClientId"`
		GoogleClientSecret  json.RawMessage `json:"googleClientSecret"`
		GoogleRedirectURI   json.RawMessage `json:"googleRedirectUri"`
		Scopes              []string        `json:"scopes"`
		AllowedDomains      []string        `json:"allowedDomains"`
		TokenTTL            string          `json:"tokenTtl"`
		FlowTTL             string          `json:"flowTtl"`
		JWTSecret           json.RawMessage `json:"jwtSecret"`
		EncryptionKey       json.RawMessage `json:"encryptionKey"`
		Storage             StorageKind     `json:"storage"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for _, f := range []struct {
		dst   *string
		raw   json.RawMessage
		field string
	}{
		{&a.Issuer, raw.Issuer, "issuer"},
		{&a.GoogleClientID, raw.GoogleClientID, "googleClientId"},
		{&a.GoogleRedirectURI, raw.GoogleRedirectURI, "googleRedirectUri"},
		{&a.GCPProject, raw.GCPProject, "gcpProject"},
	} {
		if err := resolveInto(f.dst, f.raw, f.field); err != nil {
			return err
		}
	}

	var clientSecret, jwtSecret, encKey string
	if err := resolveInto(&clientSecret, raw.GoogleClientSecret, "googleClientSecret"); err != nil {
		return err
	}
	if err := resolveInto(&jwtSecret, raw.JWTSecret, "jwtSecret"); err != nil {
		return err
	}
	if err := resolveInto(&encKey, raw.EncryptionKey, "encryptionKey"); err != nil {
		return err
	}
	a.GoogleClientSecret = Secret(clientSecret)
	a.JWTSecret = Secret(jwtSecret)
	a.EncryptionKey = Secret(encKey)

	a.TokenTTL = DefaultTokenTTL
	if err := parseDuration(&a.TokenTTL, raw.TokenTTL, "tokenTtl"); err != nil {
		return err
	}
	a.FlowTTL = DefaultFlowTTL
	if err := parseDuration(&a.FlowTTL, raw.FlowTTL, "flowTtl"); err != nil {
		return err
	}

	a.Scopes = raw.Scopes
	if len(a.Scopes) == 0 {
		a.Scopes = append([]string(nil), DefaultScopes...)
	}

	a.AllowedDomains = make([]string, 0, len(raw.AllowedDomains))
	for _, d := range raw.AllowedDomains {
		a.AllowedDomains = append(a.AllowedDomains, emailutil.Normalize(d))
	}

	a.Storage = raw.Storage
	if a.Storage == "" {
		a.Storage = StorageMemory
	}
	a.FirestoreDatabase = raw.FirestoreDatabase
	a.FirestoreCollection = raw.FirestoreCollection
	if a.Storage == StorageFirestore {
		if a.FirestoreDatabase == "" {
			a.FirestoreDatabase = DefaultFirestoreDatabase
		}
		if a.FirestoreCollection == "" {
			a.FirestoreCollection = DefaultFirestoreCollection
		}
	}
	return nil
}

// UnmarshalJSON resolves env references in the gateway section.
func (g *GatewayConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseURL        json.RawMessage  `json:"baseURL"`
		Addr           json.RawMessage  `json:"addr"`
		Name           string           `json:"name"`
		AllowedOrigins []string         `json:"allowedOrigins"`
		MetricsEnabled bool             `json:"metricsEnabled"`
		Auth           *AuthConfig      `json:"auth"`
		Sessions       *SessionConfig   `json:"sessions"`
		RateLimit      *RateLimitConfig `json:"rateLimit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := resolveInto(&g.BaseURL, raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	if err := resolveInto(&g.Addr, raw.Addr, "addr"); err != nil {
		return err
	}

	g.Name = raw.Name
	if g.Name == "" {
		g.Name = "yt-mcp-gateway"
	}
	g.AllowedOrigins = raw.AllowedOrigins
	g.MetricsEnabled = raw.MetricsEnabled
	g.Auth = raw.Auth

	g.Sessions = raw.Sessions
	if g.Sessions == nil {
		g.Sessions = &SessionConfig{
			Timeout:         DefaultSessionTimeout,
			CleanupInterval: DefaultCleanupInterval,
			MaxPerUser:      DefaultMaxSessionsPerUser,
		}
	}

	g.RateLimit = raw.RateLimit
	if g.RateLimit == nil {
		g.RateLimit = &RateLimitConfig{RequestsPerSecond: DefaultRequestsPerSecond, Burst: DefaultBurst}
	}
	return nil
}

// UnmarshalJSON parses durations; unset fields keep their defaults.
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timeout         string `json:"timeout"`
		CleanupInterval string `json:"cleanupInterval"`
		MaxPerUser      *int   `json:"maxPerUser"` // pointer to tell explicit 0 from unset
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Timeout = DefaultSessionTimeout
	if err := parseDuration(&s.Timeout, raw.Timeout, "timeout"); err != nil {
		return err
	}
	s.CleanupInterval = DefaultCleanupInterval
	if err := parseDuration(&s.CleanupInterval, raw.CleanupInterval, "cleanupInterval"); err != nil {
		return err
	}
	s.MaxPerUser = DefaultMaxSessionsPerUser
	if raw.MaxPerUser != nil {
		s.MaxPerUser = *raw.MaxPerUser
	}
	return nil
}
