package config

// DefaultDocument is the starting point written by -config-init. Secrets are
// env references so the file can be committed.
func DefaultDocument() map[string]any {
	return map[string]any{
		"version": VersionPrefix + "_EXPECT_CHANGES",
		"gateway": map[string]any{
			"baseURL":        "https://yt.yourcompany.com",
			"addr":           ":8080",
			"name":           "yt-mcp-gateway",
			"allowedOrigins": []string{"https://claude.ai"},
			"metricsEnabled": true,
			"auth": map[string]any{
				"issuer":             "https://yt.yourcompany.com",
				"googleClientId":     map[string]string{"$env": "GOOGLE_CLIENT_ID"},
				"googleClientSecret": map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
				"googleRedirectUri":  "https://yt.yourcompany.com/oauth/callback",
				"scopes":             DefaultScopes,
				"tokenTtl":           "1h",
				"flowTtl":            "10m",
				"storage":            string(StorageMemory),
				"jwtSecret":          map[string]string{"$env": "JWT_SECRET"},
				"encryptionKey":      map[string]string{"$env": "ENCRYPTION_KEY"},
			},
			"sessions": map[string]any{
				"timeout":         "30m",
				"cleanupInterval": "5m",
				"maxPerUser":      DefaultMaxSessionsPerUser,
			},
			"rateLimit": map[string]any{
				"requestsPerSecond": DefaultRequestsPerSecond,
				"burst":             DefaultBurst,
			},
		},
	}
}
